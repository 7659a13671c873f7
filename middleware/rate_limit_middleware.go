package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

// RateLimit rejects requests beyond a token bucket of r tokens per second
// with the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Failure(req.RequestID, rpcerr.RateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
