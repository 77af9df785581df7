// Package middleware wraps the server's request handler. Middlewares see the
// decoded request and the response the bridge produced for it.
package middleware

import (
	"context"

	"host-bridge/message"
)

// HandlerFunc turns one request into its response. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B)(h) runs A, then B, then h.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
