package middleware

import (
	"context"
	"framelink/message"
	"time"

	"go.uber.org/zap"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("event", req.Event),
				zap.String("requestId", req.RequestID),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.IsError() {
				var e message.ErrorReply
				_ = resp.DecodeData(&e)
				logger.Warn("handler failed", append(fields, zap.String("error", e.Message))...)
			} else {
				logger.Debug("handled", fields...)
			}
			return resp
		}
	}
}
