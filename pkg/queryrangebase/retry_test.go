package queryrangebase

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/grafana/dskit/httpgrpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestRetry(t *testing.T) {
	var try atomic.Int32

	for _, tc := range []struct {
		name    string
		handler Handler
		resp    Response
		err     error
	}{
		{
			name: "retry failures",
			handler: HandlerFunc(func(_ context.Context, _ Request) (Response, error) {
				if try.Inc() == 5 {
					return NewEmptyPrometheusResponse(), nil
				}
				return nil, httpgrpc.Errorf(http.StatusInternalServerError, "fail")
			}),
			resp: NewEmptyPrometheusResponse(),
		},
		{
			name: "don't retry 400s",
			handler: HandlerFunc(func(_ context.Context, _ Request) (Response, error) {
				try.Inc()
				return nil, httpgrpc.Errorf(http.StatusBadRequest, "bad request")
			}),
			err: httpgrpc.Errorf(http.StatusBadRequest, "bad request"),
		},
		{
			name: "retry only 500s",
			handler: HandlerFunc(func(_ context.Context, _ Request) (Response, error) {
				try.Inc()
				return nil, httpgrpc.Errorf(http.StatusConflict, "conflict")
			}),
			err: httpgrpc.Errorf(http.StatusConflict, "conflict"),
		},
		{
			name: "last error",
			handler: HandlerFunc(func(_ context.Context, _ Request) (Response, error) {
				if try.Inc() == 5 {
					return nil, httpgrpc.Errorf(http.StatusBadGateway, "try 5")
				}
				return nil, httpgrpc.Errorf(http.StatusInternalServerError, "fail")
			}),
			err: httpgrpc.Errorf(http.StatusBadGateway, "try 5"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			try.Store(0)
			h := NewRetryMiddleware(nil, 5, nil).Wrap(tc.handler)
			resp, err := h.Do(context.Background(), &PrometheusRequest{Query: "up"})
			require.Equal(t, tc.err, err)
			require.Equal(t, tc.resp, resp)
		})
	}
}

func TestRetry_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	h := NewRetryMiddleware(nil, 5, nil).Wrap(HandlerFunc(func(_ context.Context, _ Request) (Response, error) {
		calls.Inc()
		return nil, errors.New("fail")
	}))

	_, err := h.Do(ctx, &PrometheusRequest{Query: "up"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int32(0), calls.Load())
}
