package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"meshrpc/message"
	"meshrpc/rpcerr"
)

// LeaseID identifies a backend lease.
type LeaseID int64

// Backend is the storage a LeaseRegistry runs on: a key/value store with
// leases, prefix listing at a revision and prefix watches.
type Backend interface {
	Name() string
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	Put(ctx context.Context, key string, value []byte, lease LeaseID) error
	// KeepAlive renews a lease. It returns ErrLeaseNotFound once the lease is gone.
	KeepAlive(ctx context.Context, lease LeaseID) error
	Revoke(ctx context.Context, lease LeaseID) error
	Delete(ctx context.Context, key string) error
	// List returns every value under prefix and the revision it was read at.
	// Revisions of one prefix never decrease.
	List(ctx context.Context, prefix string) (int64, [][]byte, error)
	// Watch calls changed after every modification under prefix until stop is
	// called. stop waits for the watch to finish.
	Watch(prefix string, changed func()) (stop func(), err error)
	Close() error
}

// LeaseRegistry implements Registry on top of any Backend.
type LeaseRegistry struct {
	backend  Backend
	opts     Options
	logger   *zap.Logger
	notifier *Notifier
	renewer  *renewer

	mu      sync.Mutex
	closed  bool
	leases  map[string]LeaseID                      // path -> lease
	local   map[string]*message.ServiceRegistration // path -> registration we own
	watches map[string]func()                       // service key -> stop
}

// NewLeaseRegistry wraps backend. The registry owns the backend and closes it
// on Close.
func NewLeaseRegistry(backend Backend, opts ...Option) *LeaseRegistry {
	o := BuildOptions(opts...)
	logger := o.Logger.With(zap.String("registry", backend.Name()))
	return &LeaseRegistry{
		backend:  backend,
		opts:     o,
		logger:   logger,
		notifier: NewNotifier(logger),
		renewer:  newRenewer(o.Clock, o.RenewInterval, logger),
		leases:   make(map[string]LeaseID),
		local:    make(map[string]*message.ServiceRegistration),
		watches:  make(map[string]func()),
	}
}

func (r *LeaseRegistry) Name() string {
	return r.backend.Name()
}

func (r *LeaseRegistry) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return rpcerr.New(rpcerr.RegistryUnavailable, "registry closed")
	}
	return nil
}

func (r *LeaseRegistry) Register(ctx context.Context, reg *message.ServiceRegistration) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	reg = reg.Clone()
	if reg.Group == "" {
		reg.Group = message.DefaultGroup
	}
	if reg.Version == "" {
		reg.Version = message.DefaultVersion
	}
	path := Path(reg.ServiceKey(), reg.Address())

	// Re-registering the same instance replaces its lease.
	r.renewer.stop(path)
	r.mu.Lock()
	old, had := r.leases[path]
	delete(r.leases, path)
	r.mu.Unlock()
	if had {
		_ = r.backend.Revoke(ctx, old)
	}

	lease, err := r.put(ctx, path, reg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[path] = lease
	r.local[path] = reg
	r.mu.Unlock()

	r.renewer.start(path, func(ctx context.Context) error {
		return r.renew(ctx, path)
	})
	r.logger.Info("service registered",
		zap.String("serviceKey", reg.ServiceKey()),
		zap.String("address", reg.Address()),
		zap.Duration("ttl", r.opts.TTL))
	return nil
}

func (r *LeaseRegistry) put(ctx context.Context, path string, reg *message.ServiceRegistration) (LeaseID, error) {
	reg.LastHeartbeat = r.opts.Clock.Now().UnixMilli()
	value, err := reg.Marshal()
	if err != nil {
		return 0, rpcerr.Wrap(rpcerr.Internal, err, "encode registration")
	}
	lease, err := r.backend.Grant(ctx, r.opts.TTL)
	if err != nil {
		return 0, rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "grant lease")
	}
	if err := r.backend.Put(ctx, path, value, lease); err != nil {
		_ = r.backend.Revoke(ctx, lease)
		return 0, rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "put "+path)
	}
	return lease, nil
}

// renew keeps the lease of path alive, writing the registration again under
// a new lease if the old one has already expired.
func (r *LeaseRegistry) renew(ctx context.Context, path string) error {
	r.mu.Lock()
	lease, ok := r.leases[path]
	reg := r.local[path]
	r.mu.Unlock()
	if !ok || reg == nil {
		return nil
	}

	err := r.backend.KeepAlive(ctx, lease)
	if err == nil {
		r.mu.Lock()
		reg.LastHeartbeat = r.opts.Clock.Now().UnixMilli()
		r.mu.Unlock()
		return nil
	}
	if !errors.Is(err, ErrLeaseNotFound) {
		return err
	}

	r.logger.Warn("lease expired, registering again", zap.String("path", path))
	r.mu.Lock()
	copyReg := reg.Clone()
	r.mu.Unlock()
	newLease, err := r.put(ctx, path, copyReg)
	if err != nil {
		return err
	}
	r.mu.Lock()
	if _, still := r.leases[path]; still {
		r.leases[path] = newLease
		r.local[path] = copyReg
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()
	// Unregistered while we were writing.
	_ = r.backend.Delete(ctx, path)
	_ = r.backend.Revoke(ctx, newLease)
	return nil
}

func (r *LeaseRegistry) Unregister(ctx context.Context, reg *message.ServiceRegistration) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	key := message.ServiceKey(reg.ServiceName, orDefault(reg.Group, message.DefaultGroup), orDefault(reg.Version, message.DefaultVersion))
	path := Path(key, reg.Address())

	r.renewer.stop(path)
	r.mu.Lock()
	lease, had := r.leases[path]
	delete(r.leases, path)
	delete(r.local, path)
	r.mu.Unlock()

	if err := r.backend.Delete(ctx, path); err != nil {
		return rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "delete "+path)
	}
	if had {
		if err := r.backend.Revoke(ctx, lease); err != nil && !errors.Is(err, ErrLeaseNotFound) {
			return rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "revoke lease")
		}
	}
	r.logger.Info("service unregistered", zap.String("serviceKey", key), zap.String("address", reg.Address()))
	return nil
}

func (r *LeaseRegistry) Discover(ctx context.Context, name, group, version string) ([]*message.ServiceRegistration, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	key := message.ServiceKey(name, orDefault(group, message.DefaultGroup), orDefault(version, message.DefaultVersion))
	if cached, ok := r.notifier.Cached(key); ok {
		return cached, nil
	}
	// Watch before reading so no change between the read and the watch is lost.
	if err := r.ensureWatch(key); err != nil {
		return nil, err
	}
	return r.refresh(ctx, key)
}

// refresh lists key from the backend and publishes the result.
func (r *LeaseRegistry) refresh(ctx context.Context, key string) ([]*message.ServiceRegistration, error) {
	rev, values, err := r.backend.List(ctx, Prefix(key))
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "list "+key)
	}
	regs := make([]*message.ServiceRegistration, 0, len(values))
	for _, v := range values {
		reg, err := message.UnmarshalServiceRegistration(v)
		if err != nil {
			r.logger.Warn("skipping malformed registration", zap.String("serviceKey", key), zap.Error(err))
			continue
		}
		regs = append(regs, reg)
	}
	r.notifier.Update(key, rev, regs)

	healthy := make([]*message.ServiceRegistration, 0, len(regs))
	for _, reg := range regs {
		if reg.Healthy {
			healthy = append(healthy, reg)
		}
	}
	return healthy, nil
}

func (r *LeaseRegistry) ensureWatch(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return rpcerr.New(rpcerr.RegistryUnavailable, "registry closed")
	}
	if _, ok := r.watches[key]; ok {
		return nil
	}
	stop, err := r.backend.Watch(Prefix(key), func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.DialTimeout)
		defer cancel()
		if _, err := r.refresh(ctx, key); err != nil {
			// The change is known but its content is not; serving the old set
			// would keep dead instances discoverable.
			r.notifier.Invalidate(key)
			r.logger.Warn("refresh after change failed", zap.String("serviceKey", key), zap.Error(err))
		}
	})
	if err != nil {
		return rpcerr.Wrap(rpcerr.RegistryUnavailable, err, "watch "+key)
	}
	r.watches[key] = stop
	return nil
}

func (r *LeaseRegistry) Subscribe(name, group, version string, l Listener) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	key := message.ServiceKey(name, orDefault(group, message.DefaultGroup), orDefault(version, message.DefaultVersion))
	r.notifier.AddListener(key, l)
	if err := r.ensureWatch(key); err != nil {
		r.notifier.RemoveListener(key, l)
		return err
	}
	r.logger.Debug("subscribed", zap.String("serviceKey", key))
	return nil
}

func (r *LeaseRegistry) Unsubscribe(name, group, version string, l Listener) error {
	key := message.ServiceKey(name, orDefault(group, message.DefaultGroup), orDefault(version, message.DefaultVersion))
	r.notifier.RemoveListener(key, l)
	return nil
}

func (r *LeaseRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	watches := r.watches
	r.watches = make(map[string]func())
	r.leases = make(map[string]LeaseID)
	r.local = make(map[string]*message.ServiceRegistration)
	r.mu.Unlock()

	r.renewer.stopAll()
	for _, stop := range watches {
		stop()
	}
	r.notifier.Reset()
	r.logger.Info("registry closed")
	return r.backend.Close()
}

// Renewals reports how many registrations are being renewed.
func (r *LeaseRegistry) Renewals() int {
	return r.renewer.running()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
