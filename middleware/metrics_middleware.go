package middleware

import (
	"context"
	"framelink/message"
	"framelink/metrics"
	"time"
)

func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			m.Handled(req.Event, time.Since(start), resp.IsError())
			return resp
		}
	}
}
