package middleware

import (
	"context"

	"host-bridge/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond r per second (with the given
// burst) before they reach the host.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewError(req.ID, message.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
