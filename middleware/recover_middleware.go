package middleware

import (
	"context"
	"fmt"

	"host-bridge/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panic anywhere below it into an internal error
// response so a single request cannot kill its connection.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) (resp *message.Message) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("request panicked", zap.String("method", req.Method), zap.String("panic", fmt.Sprint(r)))
					resp = message.NewError(req.ID, message.CodeInternalError, fmt.Sprintf("internal error: %v", r))
				}
			}()
			return next(ctx, req)
		}
	}
}
