package middleware

import (
	"context"
	"time"

	"host-bridge/message"

	"go.uber.org/zap"
)

// RetryMiddleware retries requests the host declined as busy, backing off
// exponentially from baseDelay. Other failures are returned as-is.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == nil || resp.Error.Code != message.CodeHostBusy {
					return resp
				}
				logger.Debug("retrying busy request",
					zap.Int("attempt", i+1),
					zap.String("method", req.Method),
				)
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return resp
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
