package bootstrap

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"meshrpc/client"
	"meshrpc/config"
	"meshrpc/message"
	"meshrpc/registry"
	"meshrpc/registry/memory"
	"meshrpc/rpcerr"
	"meshrpc/server"
)

type Args struct {
	A, B int
}

func echoService() *server.Service {
	return server.NewService().
		Handle("echo", server.Method1(func(_ context.Context, s string) (string, error) {
			return "Echo: " + s, nil
		}))
}

func arithService() *server.Service {
	return server.NewService().
		Handle("add", server.Method1(func(_ context.Context, a Args) (int, error) {
			return a.A + a.B, nil
		})).
		Handle("multiply", server.Method2(func(_ context.Context, a, b int) (int, error) {
			return a * b, nil
		}))
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Registry.Type = memory.Name
	cfg.Client.RetryInterval = 10 * time.Millisecond
	cfg.Client.Timeout = 2 * time.Second
	return cfg
}

func newFramework(t *testing.T, store *memory.Store, cfg *config.Config, opts ...Option) *Framework {
	t.Helper()
	opts = append([]Option{WithMemoryStore(store), WithLogger(zap.NewNop())}, opts...)
	f, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.Close()) })
	return f
}

func startProvider(t *testing.T, store *memory.Store, name string, svc *server.Service, opts ...Option) *Framework {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := newFramework(t, store, testConfig(), append(opts, WithListener(lis))...)
	require.NoError(t, f.ExportService(name, "", "", svc))
	require.NoError(t, f.Start())
	return f
}

func newStore(t *testing.T) *memory.Store {
	store := memory.NewStore()
	t.Cleanup(store.Close)
	return store
}

func TestEcho(t *testing.T) {
	store := newStore(t)
	startProvider(t, store, "Echo", echoService())
	consumer := newFramework(t, store, testConfig())

	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Echo"}, "", "")
	require.NoError(t, err)

	resp, err := proxy.Invoke(context.Background(), "echo", "hi")
	require.NoError(t, err)
	assert.True(t, resp.OK())

	out, err := client.Invoke[string](context.Background(), proxy, "echo", "hi")
	require.NoError(t, err)
	assert.Equal(t, "Echo: hi", out)
}

func TestArithAcrossProviders(t *testing.T) {
	store := newStore(t)
	startProvider(t, store, "Arith", arithService())
	startProvider(t, store, "Arith", arithService())
	consumer := newFramework(t, store, testConfig())

	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Arith"}, "", "")
	require.NoError(t, err)

	instances, err := consumer.Registry().Discover(context.Background(), "Arith", "", "")
	require.NoError(t, err)
	assert.Len(t, instances, 2)

	for i := 1; i <= 10; i++ {
		sum, err := client.Invoke[int](context.Background(), proxy, "add", Args{A: i, B: i * 10})
		require.NoError(t, err)
		assert.Equal(t, i+i*10, sum)
	}
	product, err := client.Invoke[int](context.Background(), proxy, "multiply", 4, 6)
	require.NoError(t, err)
	assert.Equal(t, 24, product)
}

func TestServiceNotFound(t *testing.T) {
	store := newStore(t)
	provider := startProvider(t, store, "Echo", echoService())
	consumer := newFramework(t, store, testConfig())

	// advertise an instance of a service the provider never exported
	host, port, err := message.SplitAddress(provider.Addr().String())
	require.NoError(t, err)
	ghost := message.NewServiceRegistration("Ghost", "", "", host, port)
	require.NoError(t, consumer.Registry().Register(context.Background(), ghost))

	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Ghost"}, "", "")
	require.NoError(t, err)

	_, err = proxy.Invoke(context.Background(), "echo", "hi")
	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrServiceNotFound))
	assert.Contains(t, err.Error(), "Ghost:default:1.0")
}

func TestNoInstance(t *testing.T) {
	consumer := newFramework(t, newStore(t), testConfig())
	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Echo"}, "", "")
	require.NoError(t, err)

	_, err = proxy.Invoke(context.Background(), "echo", "hi")
	assert.True(t, errors.Is(err, rpcerr.ErrNoInstanceAvailable))
}

// silentListener accepts connections and reads them without ever replying.
func silentListener(t *testing.T) net.Listener {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { lis.Close() })
	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(io.Discard, conn)
			}()
		}
	}()
	return lis
}

func TestTimeout(t *testing.T) {
	store := newStore(t)
	cfg := testConfig()
	cfg.Client.Timeout = 200 * time.Millisecond
	cfg.Client.MaxRetries = 0
	cfg.Client.Tolerance = "failFast"
	consumer := newFramework(t, store, cfg)

	host, port, err := message.SplitAddress(silentListener(t).Addr().String())
	require.NoError(t, err)
	require.NoError(t, consumer.Registry().Register(context.Background(),
		message.NewServiceRegistration("Slow", "", "", host, port)))

	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Slow"}, "", "")
	require.NoError(t, err)

	start := time.Now()
	_, err = proxy.Invoke(context.Background(), "echo", "hi")
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, rpcerr.ErrRequestTimeout))
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.Equal(t, 0, consumer.transport.Pending())
}

func TestServerMetrics(t *testing.T) {
	store := newStore(t)
	preg := prometheus.NewRegistry()
	startProvider(t, store, "Echo", echoService(), WithRegisterer(preg))
	consumer := newFramework(t, store, testConfig())

	proxy, err := consumer.CreateProxy(client.InterfaceDesc{Name: "Echo"}, "", "")
	require.NoError(t, err)
	_, err = client.Invoke[string](context.Background(), proxy, "echo", "hi")
	require.NoError(t, err)

	expected := `
# HELP meshrpc_server_requests_total The number of requests handled by the server.
# TYPE meshrpc_server_requests_total counter
meshrpc_server_requests_total{method="echo",service="Echo:default:1.0",status="OK"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(preg, strings.NewReader(expected), "meshrpc_server_requests_total"))
}

func TestCloseUnregisters(t *testing.T) {
	store := newStore(t)
	consumer := newFramework(t, store, testConfig())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	provider, err := New(testConfig(), WithMemoryStore(store), WithLogger(zap.NewNop()), WithListener(lis))
	require.NoError(t, err)
	require.NoError(t, provider.ExportService("Echo", "", "", echoService()))
	require.NoError(t, provider.Start())

	instances, err := consumer.Registry().Discover(context.Background(), "Echo", "", "")
	require.NoError(t, err)
	require.Len(t, instances, 1)

	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	assert.Eventually(t, func() bool {
		instances, err := consumer.Registry().Discover(context.Background(), "Echo", "", "")
		return err == nil && len(instances) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestNewRejectsUnknownNames(t *testing.T) {
	store := newStore(t)
	for name, mutate := range map[string]func(*config.Config){
		"serializer": func(c *config.Config) { c.Client.Serializer = "xml" },
		"balancer":   func(c *config.Config) { c.Client.LoadBalancer = "leastConn" },
		"retry":      func(c *config.Config) { c.Client.Retry = "forever" },
		"tolerance":  func(c *config.Config) { c.Client.Tolerance = "failSafe" },
		"registry":   func(c *config.Config) { c.Registry.Type = "consul" },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(cfg)
			_, err := New(cfg, WithMemoryStore(store), WithLogger(zap.NewNop()))
			assert.Error(t, err)
		})
	}
}

func TestRenewIntervalFollowsHeartbeat(t *testing.T) {
	for name, tc := range map[string]struct {
		heartbeat, want time.Duration
	}{
		"heartbeat": {heartbeat: 10 * time.Second, want: 5 * time.Second},
		"disabled":  {heartbeat: 0, want: 30 * time.Second},
	} {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			var got registry.Options
			cfg := testConfig()
			cfg.Registry.TTL = time.Minute
			cfg.Client.Heartbeat = tc.heartbeat
			newFramework(t, store, cfg, WithRegistryFactory(memory.Name,
				func(_ []string, opts ...registry.Option) (registry.Registry, error) {
					got = registry.BuildOptions(opts...)
					return memory.New(store, opts...), nil
				}))

			assert.Equal(t, time.Minute, got.TTL)
			assert.Equal(t, tc.want, got.RenewInterval)
		})
	}
}

func TestDiscoveryDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.EnableRegistry = false
	cfg.Registry.EnableDiscovery = false
	f := newFramework(t, newStore(t), cfg)

	assert.Nil(t, f.Registry())
	_, err := f.CreateProxy(client.InterfaceDesc{Name: "Echo"}, "", "")
	assert.Error(t, err)
}
