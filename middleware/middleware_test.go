package middleware

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"meshrpc/message"
	"meshrpc/metrics"
	"meshrpc/rpcerr"
)

// echoHandler answers immediately.
func echoHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Success(req.RequestID, []byte(`"ok"`))
}

// slowHandler sleeps 200ms.
func slowHandler(ctx context.Context, req *message.Request) *message.Response {
	time.Sleep(200 * time.Millisecond)
	return message.Success(req.RequestID, []byte(`"ok"`))
}

func failingHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Failure(req.RequestID, rpcerr.Invocation, "boom")
}

func request() *message.Request {
	return &message.Request{RequestID: "r1", ServiceName: "Arith", MethodName: "add", Version: "1.0", Group: "default"}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	resp := Logging(logger)(echoHandler)(context.Background(), request())
	require.True(t, resp.OK())
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "request handled", entry.Message)
	assert.Equal(t, "Arith:default:1.0", entry.ContextMap()["service"])

	resp = Logging(logger)(failingHandler)(context.Background(), request())
	assert.False(t, resp.OK())
	assert.Equal(t, 1, logs.FilterMessage("request failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	// 500ms budget, fast handler: passes.
	resp := Timeout(500*time.Millisecond)(echoHandler)(context.Background(), request())
	assert.True(t, resp.OK())
}

func TestTimeoutExceeded(t *testing.T) {
	// 50ms budget, 200ms handler: times out.
	resp := Timeout(50*time.Millisecond)(slowHandler)(context.Background(), request())
	assert.Equal(t, rpcerr.RequestTimeout, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.NotEmpty(t, resp.Message)
}

func TestTimeoutRecoversPanic(t *testing.T) {
	panicking := func(ctx context.Context, req *message.Request) *message.Response { panic("kaboom") }
	resp := Timeout(time.Second)(panicking)(context.Background(), request())
	assert.Equal(t, rpcerr.Invocation, resp.Status)
	assert.Contains(t, resp.Message, "kaboom")
}

func TestTimeoutTracksDetachedHandler(t *testing.T) {
	var detached sync.WaitGroup
	ctx := WithDetached(context.Background(), &detached)

	start := time.Now()
	resp := Timeout(20*time.Millisecond)(slowHandler)(ctx, request())
	assert.Equal(t, rpcerr.RequestTimeout, resp.Status)

	detached.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2: the first two pass, the third is rejected.
	handler := RateLimit(1, 2)(echoHandler)
	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), request())
		assert.True(t, resp.OK(), "request %d", i)
	}
	resp := handler(context.Background(), request())
	assert.Equal(t, rpcerr.RateLimited, resp.Status)
}

func TestMetrics(t *testing.T) {
	c := metrics.NewCollector()
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(c))

	handler := Metrics(c)(echoHandler)
	handler(context.Background(), request())
	handler(context.Background(), request())
	Metrics(c)(failingHandler)(context.Background(), request())

	count, err := testutil.GatherAndCount(reg, "meshrpc_server_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per status")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	resp := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)(context.Background(), request())
	require.True(t, resp.OK())
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
