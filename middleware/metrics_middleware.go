package middleware

import (
	"context"
	"time"

	"meshrpc/message"
	"meshrpc/metrics"
)

// Metrics records request counts and latencies into c.
func Metrics(c *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			c.ServerRequest(req.ServiceKey(), req.MethodName, resp.Status.String(), time.Since(start))
			return resp
		}
	}
}
