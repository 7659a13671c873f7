// Package bootstrap assembles a provider/consumer runtime from a
// config.Config: registry backend, serializer, load balancer, retry and
// tolerance strategies, transport, server and metrics, all resolved by name.
package bootstrap

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"meshrpc/client"
	"meshrpc/config"
	"meshrpc/loadbalance"
	"meshrpc/logger"
	"meshrpc/metrics"
	"meshrpc/middleware"
	"meshrpc/registry"
	"meshrpc/registry/etcd"
	"meshrpc/registry/memory"
	"meshrpc/registry/zookeeper"
	"meshrpc/retry"
	"meshrpc/serializer"
	"meshrpc/server"
	"meshrpc/tolerance"
	"meshrpc/transport"
)

// DefaultShutdownTimeout bounds how long Close waits for in-flight requests.
const DefaultShutdownTimeout = 5 * time.Second

// Framework is built once per process and shared by every exported service
// and proxy.
type Framework struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	serializers *serializer.Registry
	registry    registry.Registry
	store       *memory.Store // owned in-process store, nil otherwise

	server    *server.Server
	transport *transport.Client
	client    *client.Client

	listener net.Listener

	mu      sync.Mutex
	started bool
	closed  bool
	serveCh chan error
}

type options struct {
	logger     *zap.Logger
	registry   registry.Registry
	store      *memory.Store
	factories  map[string]registry.Factory
	listener   net.Listener
	registerer prometheus.Registerer
}

// Option customises New.
type Option func(*options)

// WithLogger replaces the logger built from the log section of the config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry uses reg instead of creating one from the registry section.
// The framework closes it on Close.
func WithRegistry(reg registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithMemoryStore backs the memory registry type with store, so several
// frameworks in one process see each other.
func WithMemoryStore(store *memory.Store) Option {
	return func(o *options) { o.store = store }
}

// WithRegistryFactory adds or replaces a registry backend type.
func WithRegistryFactory(name string, f registry.Factory) Option {
	return func(o *options) { o.factories[name] = f }
}

// WithListener serves on lis instead of binding server.host:server.port.
func WithListener(lis net.Listener) Option {
	return func(o *options) { o.listener = lis }
}

// WithRegisterer registers the framework's metrics with r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// New validates cfg and wires every component. Nothing listens until Start.
func New(cfg *config.Config, opts ...Option) (*Framework, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	o := &options{factories: make(map[string]registry.Factory)}
	for _, opt := range opts {
		opt(o)
	}

	f := &Framework{
		cfg:      cfg,
		logger:   o.logger,
		metrics:  metrics.NewCollector(),
		listener: o.listener,
	}
	if f.logger == nil {
		l, err := logger.New(
			logger.WithLevel(cfg.Log.Level),
			logger.WithDir(cfg.Log.Dir),
			logger.WithMaxAge(cfg.Log.MaxAgeDays),
		)
		if err != nil {
			return nil, err
		}
		f.logger = l
	}
	if o.registerer != nil {
		if err := o.registerer.Register(f.metrics); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	f.serializers = serializer.NewDefaultRegistry()
	ser, err := f.serializers.ByName(cfg.Client.Serializer)
	if err != nil {
		return nil, err
	}

	if err := f.openRegistry(o); err != nil {
		return nil, err
	}

	balancer, err := newBalancer(cfg.Client)
	if err != nil {
		f.closeRegistry()
		return nil, err
	}
	retryStrategy, err := retry.New(cfg.Client.Retry, retry.Settings{
		MaxRetries:  cfg.Client.MaxRetries,
		Interval:    cfg.Client.RetryInterval,
		Multiplier:  cfg.Client.RetryMultiplier,
		MaxInterval: cfg.Client.MaxRetryInterval,
	}, retry.WithLogger(f.logger))
	if err != nil {
		f.closeRegistry()
		return nil, err
	}
	toleranceStrategy, err := tolerance.New(cfg.Client.Tolerance, tolerance.WithLogger(f.logger))
	if err != nil {
		f.closeRegistry()
		return nil, err
	}

	f.transport = transport.NewClient(
		transport.WithSerializer(ser),
		transport.WithSerializers(f.serializers),
		transport.WithTimeout(cfg.Client.Timeout),
		transport.WithHeartbeat(cfg.Client.Heartbeat),
		transport.WithPoolSize(cfg.Client.PoolSize),
		transport.WithLogger(f.logger),
		transport.WithMetrics(f.metrics),
	)
	f.client = client.NewClient(f.registry, f.transport,
		client.WithBalancer(balancer),
		client.WithRetry(retryStrategy),
		client.WithTolerance(toleranceStrategy),
		client.WithLogger(f.logger),
		client.WithMetrics(f.metrics),
	)
	f.server = f.newServer()

	f.logger.Info("framework initialised",
		zap.String("registry", cfg.Registry.Type),
		zap.String("serializer", ser.Name()),
		zap.String("loadBalancer", balancer.Name()),
		zap.String("retry", retryStrategy.Name()),
		zap.String("tolerance", toleranceStrategy.Name()),
	)
	return f, nil
}

func (f *Framework) openRegistry(o *options) error {
	if o.registry != nil {
		f.registry = o.registry
		return nil
	}
	if !f.cfg.Registry.EnableRegistry && !f.cfg.Registry.EnableDiscovery {
		return nil
	}

	store := o.store
	if store == nil && f.cfg.Registry.Type == memory.Name {
		store = memory.NewStore()
		f.store = store
	}
	factories := registry.NewFactories()
	builtin := map[string]registry.Factory{
		etcd.Name:      etcd.Factory,
		zookeeper.Name: zookeeper.Factory,
	}
	if store != nil {
		builtin[memory.Name] = memory.Factory(store)
	}
	for name, factory := range builtin {
		if _, override := o.factories[name]; override {
			continue
		}
		if err := factories.Register(name, factory); err != nil {
			return err
		}
	}
	for name, factory := range o.factories {
		if err := factories.Register(name, factory); err != nil {
			return err
		}
	}

	reg, err := factories.New(f.cfg.Registry.Type, f.cfg.Endpoints(),
		registry.WithTTL(f.cfg.Registry.TTL),
		// Leases are renewed twice per heartbeat; a disabled heartbeat
		// falls back to half the TTL.
		registry.WithRenewInterval(f.cfg.Client.Heartbeat/2),
		registry.WithLogger(f.logger),
	)
	if err != nil {
		if f.store != nil {
			f.store.Close()
		}
		return fmt.Errorf("create %s registry: %w", f.cfg.Registry.Type, err)
	}
	f.registry = reg
	return nil
}

func newBalancer(c config.ClientConfig) (loadbalance.Balancer, error) {
	if c.LoadBalancer == loadbalance.NameConsistentHash && c.VirtualNodes > 0 {
		return loadbalance.NewConsistentHashBalancer(c.VirtualNodes), nil
	}
	return loadbalance.New(c.LoadBalancer)
}

func (f *Framework) newServer() *server.Server {
	sc := f.cfg.Server
	opts := []server.Option{
		server.WithLogger(f.logger),
		server.WithSerializers(f.serializers),
		server.WithWorkers(sc.Workers),
		server.WithInstance(sc.Weight, nil),
	}
	if f.cfg.Registry.EnableRegistry && f.registry != nil {
		advertise := ""
		if f.listener == nil && sc.Port != 0 {
			advertise = f.cfg.ServerAddress()
		}
		opts = append(opts, server.WithRegistry(f.registry, advertise))
	}

	mws := []middleware.Middleware{
		middleware.Logging(f.logger),
		middleware.Metrics(f.metrics),
	}
	if sc.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(sc.RateLimit, sc.RateBurst))
	}
	if sc.RequestTimeout > 0 {
		mws = append(mws, middleware.Timeout(sc.RequestTimeout))
	}
	opts = append(opts, server.WithMiddleware(mws...))
	return server.NewServer(opts...)
}

// Config returns the configuration the framework was built from.
func (f *Framework) Config() *config.Config { return f.cfg }

// Logger returns the framework logger.
func (f *Framework) Logger() *zap.Logger { return f.logger }

// Metrics returns the shared collector.
func (f *Framework) Metrics() *metrics.Collector { return f.metrics }

// Registry returns the registry client, nil when both registration and
// discovery are disabled.
func (f *Framework) Registry() registry.Registry { return f.registry }

// Server returns the underlying RPC server.
func (f *Framework) Server() *server.Server { return f.server }

// ExportService exposes svc under name:group:version. Services exported
// after Start are published immediately.
func (f *Framework) ExportService(name, group, version string, svc *server.Service) error {
	return f.server.Export(name, group, version, svc)
}

// CreateProxy returns a proxy for desc. It needs discovery enabled.
func (f *Framework) CreateProxy(desc client.InterfaceDesc, version, group string) (*client.Proxy, error) {
	if f.registry == nil || !f.cfg.Registry.EnableDiscovery {
		return nil, errors.New("create proxy: discovery is disabled")
	}
	return f.client.CreateProxy(desc, version, group), nil
}

// Start binds the server, publishes exported services and returns once
// connections are accepted.
func (f *Framework) Start() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("framework closed")
	}
	if f.started {
		f.mu.Unlock()
		return errors.New("framework already started")
	}
	lis := f.listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", f.cfg.ServerAddress())
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("listen: %w", err)
		}
	}
	f.started = true
	f.serveCh = make(chan error, 1)
	f.mu.Unlock()

	go func() {
		f.serveCh <- f.server.Serve(lis)
	}()
	select {
	case <-f.server.Ready():
		return nil
	case err := <-f.serveCh:
		f.mu.Lock()
		f.started = false
		f.mu.Unlock()
		return err
	}
}

// Addr is the address the server listens on, nil before Start.
func (f *Framework) Addr() net.Addr {
	return f.server.Addr()
}

// Close unregisters exported services, drains the server, then releases
// pooled connections and the registry client.
func (f *Framework) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	started := f.started
	f.mu.Unlock()

	var errs []error
	if started {
		if err := f.server.Shutdown(DefaultShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
		if err := <-f.serveCh; err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := f.closeRegistry(); err != nil {
		errs = append(errs, err)
	}
	_ = f.logger.Sync()
	return errors.Join(errs...)
}

func (f *Framework) closeRegistry() error {
	var err error
	if f.registry != nil {
		err = f.registry.Close()
	}
	if f.store != nil {
		f.store.Close()
	}
	return err
}
