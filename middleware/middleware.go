// Package middleware wraps the server's request handler.
//
// Middlewares compose in the onion model:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"
	"sync"

	"meshrpc/message"
)

// HandlerFunc handles one decoded request. It always returns a Response.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one; the first is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

type detachedKey struct{}

// WithDetached returns a context under which middlewares that leave a
// handler running past their own return register it in wg. The server waits
// on wg before it frees the request's worker slot.
func WithDetached(ctx context.Context, wg *sync.WaitGroup) context.Context {
	return context.WithValue(ctx, detachedKey{}, wg)
}

// detach records one handler that may outlive its middleware and returns the
// func to call when it exits.
func detach(ctx context.Context) func() {
	wg, ok := ctx.Value(detachedKey{}).(*sync.WaitGroup)
	if !ok {
		return func() {}
	}
	wg.Add(1)
	return wg.Done
}
