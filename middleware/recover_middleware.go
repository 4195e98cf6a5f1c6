package middleware

import (
	"context"
	"framelink/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking handler into an "error" reply. It must sit inside
// TimeOutMiddleware, which runs the rest of the chain on its own goroutine.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (resp *message.Envelope) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", zap.String("event", req.Event), zap.Any("panic", r))
					resp = message.Errorf(req.RequestID, "internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
