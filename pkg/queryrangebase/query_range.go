package queryrangebase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/grafana/dskit/httpgrpc"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/common/model"
)

// StatusSuccess Prometheus success result.
const StatusSuccess = "success"

// RequestIDHeaderName carries the derived sub-request identifier so that
// downstream collaborators (caching, cancellation, telemetry) can correlate
// partial executions belonging to one logical request.
const RequestIDHeaderName = "X-Request-Id"

var (
	matrix = model.ValMatrix.String()
	json   = jsoniter.Config{
		EscapeHTML:             false, // No HTML in our responses.
		SortMapKeys:            true,
		ValidateJsonRawMessage: true,
	}.Froze()
	errEndBeforeStart = httpgrpc.Errorf(http.StatusBadRequest, "end timestamp must not be before start time")
	errNegativeStep   = httpgrpc.Errorf(http.StatusBadRequest, "zero or negative query resolution step widths are not accepted. Try a positive integer")

	// PrometheusCodec is a codec to encode and decode Prometheus query range requests and responses.
	PrometheusCodec Codec = &prometheusCodec{}
)

// Codec is used to encode/decode query range requests and responses so they can be passed down to middlewares.
type Codec interface {
	Merger
	// DecodeRequest decodes a Request from an http request.
	DecodeRequest(context.Context, *http.Request) (Request, error)
	// DecodeResponse decodes a Response from an http response.
	DecodeResponse(context.Context, *http.Response, Request) (Response, error)
	// EncodeRequest encodes a Request into an http request.
	EncodeRequest(context.Context, Request) (*http.Request, error)
	// EncodeResponse encodes a Response into an http response.
	EncodeResponse(context.Context, Response) (*http.Response, error)
}

// Request represents a query range request that can be process by middlewares.
type Request interface {
	// GetStart returns the start timestamp of the request in milliseconds.
	GetStart() int64
	// GetEnd returns the end timestamp of the request in milliseconds.
	GetEnd() int64
	// GetStep returns the step of the request in milliseconds.
	GetStep() int64
	// GetQuery returns the query of the request.
	GetQuery() string
	// GetID returns the identifier of the request.
	GetID() string
	// WithStartEnd clones the current request with different start and end timestamps.
	WithStartEnd(start int64, end int64) Request
	// WithQuery clones the current request with a different query.
	WithQuery(string) Request
	// WithID clones the current request with a different identifier.
	WithID(string) Request
}

// Response represents a query range response.
type Response interface {
	// GetHeaders returns the HTTP headers in the response.
	GetHeaders() []*PrometheusResponseHeader
}

// PrometheusRequest is a Prometheus query_range request.
type PrometheusRequest struct {
	Path  string `json:"path"`
	ID    string `json:"id"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Step  int64  `json:"step"`
	Query string `json:"query"`
}

func (q *PrometheusRequest) GetStart() int64  { return q.Start }
func (q *PrometheusRequest) GetEnd() int64    { return q.End }
func (q *PrometheusRequest) GetStep() int64   { return q.Step }
func (q *PrometheusRequest) GetQuery() string { return q.Query }
func (q *PrometheusRequest) GetID() string    { return q.ID }

// WithStartEnd clones the current `PrometheusRequest` with a new `start` and `end` timestamp.
func (q *PrometheusRequest) WithStartEnd(start int64, end int64) Request {
	clone := *q
	clone.Start = start
	clone.End = end
	return &clone
}

// WithQuery clones the current `PrometheusRequest` with a new query.
func (q *PrometheusRequest) WithQuery(query string) Request {
	clone := *q
	clone.Query = query
	return &clone
}

// WithID clones the current `PrometheusRequest` with a new identifier.
func (q *PrometheusRequest) WithID(id string) Request {
	clone := *q
	clone.ID = id
	return &clone
}

// PrometheusResponseHeader is an HTTP header carried along a decoded response.
type PrometheusResponseHeader struct {
	Name   string   `json:"-"`
	Values []string `json:"-"`
}

// SampleStream is a series of samples for one metric.
type SampleStream struct {
	Metric model.Metric       `json:"metric"`
	Values []model.SamplePair `json:"values"`
}

// PrometheusData is the result payload of a Prometheus query_range response.
type PrometheusData struct {
	ResultType string         `json:"resultType"`
	Result     []SampleStream `json:"result"`
}

// PrometheusResponse is a Prometheus query_range response.
type PrometheusResponse struct {
	Status    string                      `json:"status"`
	Data      PrometheusData              `json:"data,omitempty"`
	ErrorType string                      `json:"errorType,omitempty"`
	Error     string                      `json:"error,omitempty"`
	Headers   []*PrometheusResponseHeader `json:"-"`
}

// GetHeaders implements Response.
func (resp *PrometheusResponse) GetHeaders() []*PrometheusResponseHeader {
	return resp.Headers
}

func (resp *PrometheusResponse) minTime() int64 {
	result := resp.Data.Result
	if len(result) == 0 {
		return -1
	}
	if len(result[0].Values) == 0 {
		return -1
	}
	return int64(result[0].Values[0].Timestamp)
}

// NewEmptyPrometheusResponse returns an empty successful Prometheus query range response.
func NewEmptyPrometheusResponse() *PrometheusResponse {
	return &PrometheusResponse{
		Status: StatusSuccess,
		Data: PrometheusData{
			ResultType: matrix,
			Result:     []SampleStream{},
		},
	}
}

// SampleCount returns the total number of samples across all series of resp.
// It is the quantity result limits are evaluated against.
func SampleCount(resp Response) int {
	promRes, ok := resp.(*PrometheusResponse)
	if !ok {
		return 0
	}
	var n int
	for _, stream := range promRes.Data.Result {
		n += len(stream.Values)
	}
	return n
}

type prometheusCodec struct{}

type byFirstTime []*PrometheusResponse

func (a byFirstTime) Len() int           { return len(a) }
func (a byFirstTime) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstTime) Less(i, j int) bool { return a[i].minTime() < a[j].minTime() }

func (prometheusCodec) MergeResponse(responses ...Response) (Response, error) {
	if len(responses) == 0 {
		return NewEmptyPrometheusResponse(), nil
	}

	promResponses := make([]*PrometheusResponse, 0, len(responses))
	for _, res := range responses {
		promRes, ok := res.(*PrometheusResponse)
		if !ok {
			return nil, httpgrpc.Errorf(http.StatusInternalServerError, "invalid response format: %T", res)
		}
		promResponses = append(promResponses, promRes)
	}

	// Responses are merged oldest first, regardless of the order they were
	// executed in.
	sort.Sort(byFirstTime(promResponses))

	return &PrometheusResponse{
		Status: StatusSuccess,
		Data: PrometheusData{
			ResultType: matrix,
			Result:     matrixMerge(promResponses),
		},
	}, nil
}

func matrixMerge(resps []*PrometheusResponse) []SampleStream {
	output := map[string]*SampleStream{}
	for _, resp := range resps {
		for _, stream := range resp.Data.Result {
			metric := stream.Metric.String()
			existing, ok := output[metric]
			if !ok {
				existing = &SampleStream{
					Metric: stream.Metric,
				}
			}
			// We need to make sure we don't repeat samples. This causes some visualisations to be broken in Grafana.
			// The prometheus API is inclusive of start and end timestamps.
			values := stream.Values
			if len(existing.Values) > 0 && len(values) > 0 {
				existingEndTs := existing.Values[len(existing.Values)-1].Timestamp
				if existingEndTs == values[0].Timestamp {
					// Typically this is the case where only 1 sample point overlaps,
					// so optimize with simple code.
					values = values[1:]
				} else if existingEndTs > values[0].Timestamp {
					// Overlap might be big, use heavier algorithm to remove overlap.
					values = sliceSamples(values, existingEndTs)
				} // else there is no overlap, yay!
			}
			existing.Values = append(existing.Values, values...)
			output[metric] = existing
		}
	}

	keys := make([]string, 0, len(output))
	for key := range output {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	result := make([]SampleStream, 0, len(output))
	for _, key := range keys {
		result = append(result, *output[key])
	}

	return result
}

// sliceSamples assumes given samples are sorted by timestamp in ascending order and
// returns a sub slice whose first element's timestamp is the smallest timestamp that
// is strictly bigger than the given minTs. Empty slice is returned if minTs is bigger
// than all the timestamps in samples.
func sliceSamples(samples []model.SamplePair, minTs model.Time) []model.SamplePair {
	if len(samples) <= 0 || minTs < samples[0].Timestamp {
		return samples
	}

	if minTs > samples[len(samples)-1].Timestamp {
		return samples[len(samples):]
	}

	searchResult := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp > minTs
	})

	return samples[searchResult:]
}

func (prometheusCodec) DecodeRequest(_ context.Context, r *http.Request) (Request, error) {
	var result PrometheusRequest
	var err error
	result.Start, err = parseTime(r.FormValue("start"))
	if err != nil {
		return nil, decorateWithParamName(err, "start")
	}

	result.End, err = parseTime(r.FormValue("end"))
	if err != nil {
		return nil, decorateWithParamName(err, "end")
	}

	if result.End < result.Start {
		return nil, errEndBeforeStart
	}

	result.Step, err = parseDurationMs(r.FormValue("step"))
	if err != nil {
		return nil, decorateWithParamName(err, "step")
	}

	if result.Step <= 0 {
		return nil, errNegativeStep
	}

	result.Query = r.FormValue("query")
	result.Path = r.URL.Path
	result.ID = r.Header.Get(RequestIDHeaderName)

	return &result, nil
}

func (prometheusCodec) EncodeRequest(ctx context.Context, r Request) (*http.Request, error) {
	promReq, ok := r.(*PrometheusRequest)
	if !ok {
		return nil, httpgrpc.Errorf(http.StatusBadRequest, "invalid request format")
	}
	params := url.Values{
		"start": []string{encodeTime(promReq.Start)},
		"end":   []string{encodeTime(promReq.End)},
		"step":  []string{encodeDurationMs(promReq.Step)},
		"query": []string{promReq.Query},
	}
	u := &url.URL{
		Path:     promReq.Path,
		RawQuery: params.Encode(),
	}
	req := &http.Request{
		Method:     "GET",
		RequestURI: u.String(),
		URL:        u,
		Body:       http.NoBody,
		Header:     http.Header{},
	}
	if promReq.ID != "" {
		req.Header.Set(RequestIDHeaderName, promReq.ID)
	}

	return req.WithContext(ctx), nil
}

func (prometheusCodec) DecodeResponse(_ context.Context, r *http.Response, _ Request) (Response, error) {
	if r.StatusCode/100 != 2 {
		body, _ := io.ReadAll(r.Body)
		return nil, httpgrpc.Errorf(r.StatusCode, "%s", string(body))
	}

	// Preallocate the buffer with the exact size so we don't waste allocations
	// while progressively growing an initial small buffer.
	buf := bytes.NewBuffer(make([]byte, 0, r.ContentLength+bytes.MinRead))
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, httpgrpc.Errorf(http.StatusInternalServerError, "error decoding response: %v", err)
	}

	var resp PrometheusResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		return nil, httpgrpc.Errorf(http.StatusInternalServerError, "error decoding response: %v", err)
	}

	for h, hv := range r.Header {
		resp.Headers = append(resp.Headers, &PrometheusResponseHeader{Name: h, Values: hv})
	}
	return &resp, nil
}

func (prometheusCodec) EncodeResponse(_ context.Context, res Response) (*http.Response, error) {
	a, ok := res.(*PrometheusResponse)
	if !ok {
		return nil, httpgrpc.Errorf(http.StatusInternalServerError, "invalid response format")
	}

	b, err := json.Marshal(a)
	if err != nil {
		return nil, httpgrpc.Errorf(http.StatusInternalServerError, "error encoding response: %v", err)
	}

	resp := http.Response{
		Header: http.Header{
			"Content-Type": []string{"application/json"},
		},
		Body:          io.NopCloser(bytes.NewBuffer(b)),
		StatusCode:    http.StatusOK,
		ContentLength: int64(len(b)),
	}
	return &resp, nil
}

func parseTime(s string) (int64, error) {
	if t, err := strconv.ParseFloat(s, 64); err == nil {
		sec, ns := math.Modf(t)
		tm := time.Unix(int64(sec), int64(ns*float64(time.Second)))
		return tm.UnixNano() / int64(time.Millisecond), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UnixNano() / int64(time.Millisecond), nil
	}
	return 0, httpgrpc.Errorf(http.StatusBadRequest, "cannot parse %q to a valid timestamp", s)
}

func parseDurationMs(s string) (int64, error) {
	if d, err := strconv.ParseFloat(s, 64); err == nil {
		ts := d * float64(time.Second/time.Millisecond)
		if ts > float64(math.MaxInt64) || ts < float64(math.MinInt64) {
			return 0, httpgrpc.Errorf(http.StatusBadRequest, "cannot parse %q to a valid duration. It overflows int64", s)
		}
		return int64(ts), nil
	}
	if d, err := model.ParseDuration(s); err == nil {
		return int64(d) / int64(time.Millisecond/time.Nanosecond), nil
	}
	return 0, httpgrpc.Errorf(http.StatusBadRequest, "cannot parse %q to a valid duration", s)
}

func encodeTime(t int64) string {
	f := float64(t) / 1.0e3
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func encodeDurationMs(d int64) string {
	return strconv.FormatFloat(float64(d)/float64(time.Second/time.Millisecond), 'f', -1, 64)
}

func decorateWithParamName(err error, field string) error {
	return fmt.Errorf("invalid parameter %q; %v", field, err)
}
