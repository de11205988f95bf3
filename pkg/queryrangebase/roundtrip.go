package queryrangebase

import (
	"context"
)

// Handler is like http.RoundTripper, but for query range requests that have
// already been decoded into a Request. The engine drives all downstream
// execution through this interface.
type Handler interface {
	Do(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc is like http.HandlerFunc, but for Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Do implements Handler.
func (q HandlerFunc) Do(ctx context.Context, req Request) (Response, error) {
	return q(ctx, req)
}

// Middleware is a higher order Handler.
type Middleware interface {
	Wrap(Handler) Handler
}

// MiddlewareFunc is like http.HandlerFunc, but for Middleware.
type MiddlewareFunc func(Handler) Handler

// Wrap implements Middleware.
func (q MiddlewareFunc) Wrap(h Handler) Handler {
	return q(h)
}

// MergeMiddlewares produces a middleware that applies multiple middlewares in turn;
// ie Merge(f,g,h).Wrap(handler) == f.Wrap(g.Wrap(h.Wrap(handler)))
func MergeMiddlewares(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(next Handler) Handler {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i].Wrap(next)
		}
		return next
	})
}

// Merger is used by the engine to combine a running accumulator response with
// the response of each newly completed partial request.
type Merger interface {
	// MergeResponse merges responses from multiple requests into a single Response.
	MergeResponse(...Response) (Response, error)
}
