package middleware

import (
	"context"
	"time"

	"host-bridge/message"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != nil {
				logger.Warn("request failed", append(fields,
					zap.Int("code", resp.Error.Code),
					zap.String("error", resp.Error.Message),
				)...)
			} else {
				logger.Info("request handled", fields...)
			}
			return resp
		}
	}
}
