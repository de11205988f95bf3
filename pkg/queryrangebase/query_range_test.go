package queryrangebase

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/common/model"
	"github.com/stretchr/testify/require"
)

func mkStream(metric model.Metric, tss ...int64) SampleStream {
	values := make([]model.SamplePair, 0, len(tss))
	for _, ts := range tss {
		values = append(values, model.SamplePair{Timestamp: model.Time(ts), Value: model.SampleValue(ts)})
	}
	return SampleStream{Metric: metric, Values: values}
}

func mkResponse(streams ...SampleStream) *PrometheusResponse {
	return &PrometheusResponse{
		Status: StatusSuccess,
		Data: PrometheusData{
			ResultType: model.ValMatrix.String(),
			Result:     streams,
		},
	}
}

func TestMergeResponse(t *testing.T) {
	fooBar := model.Metric{"foo": "bar"}

	tests := []struct {
		name  string
		input []Response
		want  *PrometheusResponse
	}{
		{
			"no responses",
			nil,
			NewEmptyPrometheusResponse(),
		},
		{
			"a single response is returned unchanged",
			[]Response{mkResponse(mkStream(fooBar, 0, 1000))},
			mkResponse(mkStream(fooBar, 0, 1000)),
		},
		{
			"non-overlapping partitions concatenate chronologically",
			[]Response{
				mkResponse(mkStream(fooBar, 2000, 3000)),
				mkResponse(mkStream(fooBar, 0, 1000)),
			},
			mkResponse(mkStream(fooBar, 0, 1000, 2000, 3000)),
		},
		{
			"duplicate boundary sample is dropped",
			[]Response{
				mkResponse(mkStream(fooBar, 0, 1000)),
				mkResponse(mkStream(fooBar, 1000, 2000)),
			},
			mkResponse(mkStream(fooBar, 0, 1000, 2000)),
		},
		{
			"series union across partitions",
			[]Response{
				mkResponse(mkStream(model.Metric{"foo": "baz"}, 2000)),
				mkResponse(mkStream(fooBar, 0, 1000)),
			},
			mkResponse(
				mkStream(fooBar, 0, 1000),
				mkStream(model.Metric{"foo": "baz"}, 2000),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PrometheusCodec.MergeResponse(tt.input...)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

// Merging partitions newest-first through a growing accumulator must produce
// the same data as merging them all at once in chronological order.
func TestMergeResponse_Associativity(t *testing.T) {
	fooBar := model.Metric{"foo": "bar"}
	partitions := []Response{
		mkResponse(mkStream(fooBar, 0, 1000)),
		mkResponse(mkStream(fooBar, 2000, 3000)),
		mkResponse(mkStream(fooBar, 4000, 5000)),
	}

	chronological, err := PrometheusCodec.MergeResponse(partitions...)
	require.NoError(t, err)

	// Execution order: newest partition first, merged pairwise into the
	// accumulator the way the engine does it.
	acc := partitions[2]
	for i := 1; i >= 0; i-- {
		acc, err = PrometheusCodec.MergeResponse(acc, partitions[i])
		require.NoError(t, err)
	}

	require.Equal(t, chronological.(*PrometheusResponse).Data, acc.(*PrometheusResponse).Data)
}

func TestSampleCount(t *testing.T) {
	require.Equal(t, 0, SampleCount(NewEmptyPrometheusResponse()))
	require.Equal(t, 5, SampleCount(mkResponse(
		mkStream(model.Metric{"foo": "bar"}, 0, 1000, 2000),
		mkStream(model.Metric{"foo": "baz"}, 0, 1000),
	)))
}

func TestDecodeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/v1/query_range?start=1536673680&end=1536716898&step=120&query=sum%28rate%28foo%5B1m%5D%29%29", nil)
	r.Header.Set(RequestIDHeaderName, "abc")

	req, err := PrometheusCodec.DecodeRequest(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, &PrometheusRequest{
		Path:  "/api/v1/query_range",
		ID:    "abc",
		Start: 1536673680_000,
		End:   1536716898_000,
		Step:  120_000,
		Query: "sum(rate(foo[1m]))",
	}, req)
}

func TestDecodeRequest_Invalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		url  string
	}{
		{"end before start", "/api/v1/query_range?start=2000&end=1000&step=10&query=up"},
		{"zero step", "/api/v1/query_range?start=1000&end=2000&step=0&query=up"},
		{"unparsable start", "/api/v1/query_range?start=bogus&end=2000&step=10&query=up"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.url, nil)
			_, err := PrometheusCodec.DecodeRequest(context.Background(), r)
			require.Error(t, err)
		})
	}
}

func TestEncodeRequest(t *testing.T) {
	req := &PrometheusRequest{
		Path:  "/api/v1/query_range",
		ID:    "req_1",
		Start: 1536673680_000,
		End:   1536716898_000,
		Step:  120_000,
		Query: "sum(rate(foo[1m]))",
	}

	encoded, err := PrometheusCodec.EncodeRequest(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "/api/v1/query_range", encoded.URL.Path)
	require.Equal(t, "req_1", encoded.Header.Get(RequestIDHeaderName))
	require.Equal(t, "1536673680", encoded.URL.Query().Get("start"))
	require.Equal(t, "1536716898", encoded.URL.Query().Get("end"))
	require.Equal(t, "120", encoded.URL.Query().Get("step"))
	require.Equal(t, "sum(rate(foo[1m]))", encoded.URL.Query().Get("query"))

	decoded, err := PrometheusCodec.DecodeRequest(context.Background(), encoded)
	require.NoError(t, err)
	require.Equal(t, req, decoded)
}

const matrixBody = `{"status":"success","data":{"resultType":"matrix","result":[{"metric":{"foo":"bar"},"values":[[1536673680,"137"],[1536673780,"137"]]}]}}`

func TestDecodeResponse(t *testing.T) {
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"application/json"}},
		Body:          io.NopCloser(bytes.NewBufferString(matrixBody)),
		ContentLength: int64(len(matrixBody)),
	}

	decoded, err := PrometheusCodec.DecodeResponse(context.Background(), resp, nil)
	require.NoError(t, err)

	promRes := decoded.(*PrometheusResponse)
	require.Equal(t, StatusSuccess, promRes.Status)
	require.Equal(t, model.ValMatrix.String(), promRes.Data.ResultType)
	require.Len(t, promRes.Data.Result, 1)
	require.Equal(t, model.Metric{"foo": "bar"}, promRes.Data.Result[0].Metric)
	require.Equal(t, []model.SamplePair{
		{Timestamp: 1536673680000, Value: 137},
		{Timestamp: 1536673780000, Value: 137},
	}, promRes.Data.Result[0].Values)
}

func TestDecodeResponse_Error(t *testing.T) {
	resp := &http.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       io.NopCloser(bytes.NewBufferString("too many outstanding requests")),
	}

	_, err := PrometheusCodec.DecodeResponse(context.Background(), resp, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "too many outstanding requests")
}

func TestEncodeResponse_Roundtrip(t *testing.T) {
	original := mkResponse(mkStream(model.Metric{"foo": "bar"}, 1536673680000, 1536673780000))

	encoded, err := PrometheusCodec.EncodeResponse(context.Background(), original)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, encoded.StatusCode)

	decoded, err := PrometheusCodec.DecodeResponse(context.Background(), encoded, nil)
	require.NoError(t, err)
	require.Equal(t, original.Data, decoded.(*PrometheusResponse).Data)
}
