package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshrpc/message"
)

// Logging logs every request with its duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("requestId", req.RequestID),
				zap.String("service", req.ServiceKey()),
				zap.String("method", req.MethodName),
				zap.Duration("duration", time.Since(start)),
			}
			if !resp.OK() {
				logger.Warn("request failed", append(fields, zap.Stringer("status", resp.Status), zap.String("error", resp.Message))...)
				return resp
			}
			logger.Info("request handled", fields...)
			return resp
		}
	}
}
