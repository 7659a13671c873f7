package middleware

import (
	"context"
	"fmt"
	"time"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

// Timeout answers with a RequestTimeout failure when the handler takes
// longer than timeout. The handler keeps running with a cancelled context
// and still holds its worker slot until it returns.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			exited := detach(ctx)
			go func() {
				defer exited()
				// This goroutine is outside the server's recover.
				defer func() {
					if r := recover(); r != nil {
						done <- message.Failure(req.RequestID, rpcerr.Invocation,
							fmt.Sprintf("panic in %s.%s: %v", req.ServiceKey(), req.MethodName, r))
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.Failure(req.RequestID, rpcerr.RequestTimeout, "request timed out after "+timeout.String())
			}
		}
	}
}
