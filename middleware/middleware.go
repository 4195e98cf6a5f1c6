// Package middleware wraps companion handlers. A handler takes the request envelope and returns the
// reply envelope; returning an "error" event is how a handler reports failure.
package middleware

import (
	"context"
	"framelink/message"
)

type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
