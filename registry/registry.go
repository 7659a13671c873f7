// Package registry publishes provider instances and resolves service keys to
// live candidate sets.
//
// Every registration is stored under
//
//	/rpc/services/{serviceName}:{group}:{version}/{host}:{port}
//
// bound to a lease with a TTL. The registering process renews the lease at
// roughly half the TTL; when renewal stops the backend drops the entry on its
// own, and discovery observes that as a disappearance:
//
//	unregistered ──Register──▶ registered(leased) ──renew──▶ ... ──▶ expired | unregistered
//
// Discovery serves from a per-key cache that a backend watch keeps fresh.
// Subscribers receive the full refreshed candidate set on every change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"meshrpc/message"
)

// RootPath is the common prefix of every stored registration.
const RootPath = "/rpc/services"

const (
	DefaultTTL         = 60 * time.Second
	DefaultDialTimeout = 5 * time.Second
)

// ErrLeaseNotFound is returned by a Backend when a lease no longer exists,
// typically because it expired before it was renewed.
var ErrLeaseNotFound = errors.New("lease not found")

// Path returns the storage key of one instance.
func Path(serviceKey, addr string) string {
	return Prefix(serviceKey) + addr
}

// Prefix returns the storage prefix covering every instance of a service key.
func Prefix(serviceKey string) string {
	return RootPath + "/" + serviceKey + "/"
}

// Listener is notified with the full candidate set of a service key whenever
// it changes. Implementations should replace their state wholesale.
type Listener interface {
	OnServicesChanged(serviceKey string, instances []*message.ServiceRegistration)
}

type funcListener struct {
	fn func(string, []*message.ServiceRegistration)
}

func (l *funcListener) OnServicesChanged(key string, instances []*message.ServiceRegistration) {
	l.fn(key, instances)
}

// NewListener adapts a function to a Listener. The returned value is a
// pointer, so it can later be passed to Unsubscribe.
func NewListener(fn func(serviceKey string, instances []*message.ServiceRegistration)) Listener {
	return &funcListener{fn: fn}
}

// Registry is the service registration and discovery contract.
type Registry interface {
	// Register stores reg under a fresh lease and starts renewing it.
	Register(ctx context.Context, reg *message.ServiceRegistration) error
	// Unregister stops renewal, deletes the entry and revokes its lease.
	// Unregistering an unknown instance is not an error.
	Unregister(ctx context.Context, reg *message.ServiceRegistration) error
	// Discover returns the healthy instances of a service key.
	Discover(ctx context.Context, name, group, version string) ([]*message.ServiceRegistration, error)
	Subscribe(name, group, version string, l Listener) error
	Unsubscribe(name, group, version string, l Listener) error
	// Close stops every renewal and watch and releases the backend. Leases are
	// left to expire.
	Close() error
	Name() string
}

// Options tunes a lease-backed registry.
type Options struct {
	TTL           time.Duration
	RenewInterval time.Duration
	DialTimeout   time.Duration
	Logger        *zap.Logger
	Clock         clock.Clock
}

// Option configures Options.
type Option func(*Options)

// WithTTL sets the lease TTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = ttl }
}

// WithRenewInterval sets the renewal cadence. It defaults to half the TTL.
func WithRenewInterval(d time.Duration) Option {
	return func(o *Options) { o.RenewInterval = d }
}

// WithDialTimeout bounds backend connection establishment.
func WithDialTimeout(d time.Duration) Option {
	return func(o *Options) { o.DialTimeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		TTL:         DefaultTTL,
		DialTimeout: DefaultDialTimeout,
		Logger:      zap.NewNop(),
		Clock:       clock.WallClock,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.RenewInterval <= 0 || o.RenewInterval >= o.TTL {
		o.RenewInterval = o.TTL / 2
	}
	return o
}

// Factory builds a Registry connected to the given backend endpoints.
type Factory func(endpoints []string, opts ...Option) (Registry, error)

// Factories maps backend type names to constructors.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a backend type. Registering a name twice is an error.
func (f *Factories) Register(name string, factory Factory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[name]; ok {
		return fmt.Errorf("registry type %q already registered", name)
	}
	f.m[name] = factory
	return nil
}

// New connects a registry of the named type.
func (f *Factories) New(name string, endpoints []string, opts ...Option) (Registry, error) {
	f.mu.RLock()
	factory, ok := f.m[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown registry type %q, available: %s", name, strings.Join(f.Names(), ", "))
	}
	return factory(endpoints, opts...)
}

func (f *Factories) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
