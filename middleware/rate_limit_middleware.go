package middleware

import (
	"context"
	"framelink/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket with the given burst).
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return message.Errorf(req.RequestID, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
