package queryrange

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/splitquery/pkg/queryrangebase"
)

// Status tags each accumulator emitted by the engine.
type Status int

const (
	// StatusRunning is the state before the first partition has completed.
	StatusRunning Status = iota
	// StatusStreaming marks an accumulator with older partitions still to execute.
	StatusStreaming
	// StatusDone marks the final accumulator. Terminal.
	StatusDone
	// StatusError marks the accumulator attached to a failed execution. Terminal.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStreaming:
		return "streaming"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is one emission of the engine: the accumulator merged so far, its
// status, and the triggering error when the status is StatusError. The
// attached response always retains every partition merged before a failure.
type Result struct {
	Response queryrangebase.Response
	Status   Status
	Err      error
}

// Engine executes a range query as a sequence of step-aligned partitions,
// newest first, merging each partial response into a growing accumulator.
//
// Partitions are executed strictly sequentially: the sample limit and the
// merge both depend on processing results newest to oldest, and every
// emission must be a chronologically consistent extension of the previous
// one.
type Engine struct {
	cfg     Config
	next    queryrangebase.Handler
	merger  queryrangebase.Merger
	limits  Limits
	logger  log.Logger
	metrics *Metrics
}

// NewEngine makes a split query engine executing sub-queries through next
// and combining their responses through merger. A nil limits falls back to
// the limits carried by cfg.
func NewEngine(cfg Config, next queryrangebase.Handler, merger queryrangebase.Merger, limits Limits, logger log.Logger, registerer prometheus.Registerer) *Engine {
	if limits == nil {
		limits = &cfg
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{
		cfg:     cfg,
		next:    next,
		merger:  merger,
		limits:  limits,
		logger:  logger,
		metrics: NewMetrics(registerer),
	}
}

// Run splits the request and returns an iterator over the growing
// accumulator responses. Splitting failures (invalid step, chunk duration or
// range) are reported synchronously; no sub-query is dispatched until the
// iterator is advanced.
func (e *Engine) Run(ctx context.Context, req queryrangebase.Request) (*ResponseIterator, error) {
	intervals, err := SplitByChunks(req.GetStart(), req.GetEnd(), req.GetStep(), e.cfg.SplitDuration.Milliseconds())
	if err != nil {
		return nil, err
	}
	e.metrics.splitQueriesPerQuery.Observe(float64(len(intervals)))
	level.Debug(e.logger).Log(
		"msg", "split range query",
		"query", req.GetQuery(),
		"partitions", len(intervals),
		"step", req.GetStep(),
	)
	return &ResponseIterator{
		engine:    e,
		ctx:       ctx,
		req:       req,
		intervals: intervals,
		i:         len(intervals) - 1,
	}, nil
}

// Do implements queryrangebase.Handler by draining the iterator and
// returning only the final accumulator. It is the non-streaming form used
// when the engine is composed with other middlewares.
func (e *Engine) Do(ctx context.Context, req queryrangebase.Request) (queryrangebase.Response, error) {
	it, err := e.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	var last Result
	for it.Next() {
		last = it.At()
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return last.Response, nil
}

// ResponseIterator lazily drives the execution of one split query. Each call
// to Next executes at most one partition; the caller stops the query by not
// advancing further or by canceling the context passed to Run. No sub-query
// is dispatched after either.
//
// The iterator is owned by a single goroutine and must not be shared.
type ResponseIterator struct {
	engine    *Engine
	ctx       context.Context
	req       queryrangebase.Request
	intervals []Interval

	i    int // next partition to execute, walking back to 0
	n    int // executions so far
	acc  queryrangebase.Response
	cur  Result
	done bool
	err  error
}

// Next executes the next partition, newest first, and advances the iterator
// to the resulting accumulator. It returns false once a terminal result has
// been delivered, the context is canceled, or the query failed.
func (it *ResponseIterator) Next() bool {
	if it.done {
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.done = true
		it.err = err
		return false
	}

	if len(it.intervals) == 0 {
		it.done = true
		it.cur = Result{Response: queryrangebase.NewEmptyPrometheusResponse(), Status: StatusDone}
		return true
	}

	interval := it.intervals[it.i]
	it.n++
	subReq := it.req.
		WithStartEnd(interval.Start, interval.End).
		WithID(fmt.Sprintf("%s_%d", it.req.GetID(), it.n))

	started := time.Now()
	resp, err := it.engine.next.Do(it.ctx, subReq)
	if err != nil {
		it.done = true
		if ctxErr := it.ctx.Err(); ctxErr != nil {
			// The execution was abandoned by cancellation; its result must
			// not be merged or emitted.
			it.err = ctxErr
			return false
		}
		level.Error(it.engine.logger).Log(
			"msg", "error executing split query partition",
			"id", subReq.GetID(),
			"start", interval.Start,
			"end", interval.End,
			"err", err,
		)
		it.err = err
		it.cur = Result{Response: it.acc, Status: StatusError, Err: err}
		return true
	}
	it.engine.metrics.splitQueries.Inc()
	it.engine.metrics.partitionDuration.Observe(time.Since(started).Seconds())

	if it.acc == nil {
		it.acc = resp
	} else {
		merged, err := it.engine.merger.MergeResponse(it.acc, resp)
		if err != nil {
			it.done = true
			it.err = err
			it.cur = Result{Response: it.acc, Status: StatusError, Err: err}
			return true
		}
		it.acc = merged
	}

	limitReached := false
	if max := it.engine.limits.MaxQuerySamples(); max > 0 && queryrangebase.SampleCount(it.acc) >= max {
		limitReached = true
		it.engine.metrics.limitStops.Inc()
		level.Debug(it.engine.logger).Log(
			"msg", "sample limit reached, skipping older partitions",
			"id", subReq.GetID(),
			"remaining", it.i,
		)
	}

	if it.i == 0 || limitReached {
		it.done = true
		it.cur = Result{Response: it.acc, Status: StatusDone}
	} else {
		it.i--
		it.cur = Result{Response: it.acc, Status: StatusStreaming}
	}
	return true
}

// At returns the accumulator the iterator advanced to. Emissions are totally
// ordered: each reflects at least as much merged data as the one before, and
// none is ever withdrawn.
func (it *ResponseIterator) At() Result {
	return it.cur
}

// Err returns the terminal error of the query, if any. The same error is
// carried by the final StatusError result together with the partial
// accumulator merged before the failure.
func (it *ResponseIterator) Err() error {
	return it.err
}
