// Package etcd is the etcd v3 registry backend.
//
// etcd is a distributed key-value store with strong consistency (Raft). It
// serves as the "distributed phonebook" of providers:
//
//	Key:   /rpc/services/{serviceKey}/{host}:{port}
//	Value: JSON-encoded ServiceRegistration, attached to a TTL lease
//
// If a provider crashes its lease stops being renewed, expires, and etcd
// removes the entry, so no "ghost" instance stays discoverable.
package etcd

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"meshrpc/registry"
)

// Name is the registry type name of this backend.
const Name = "etcd"

// New connects to the etcd cluster at endpoints.
func New(endpoints []string, opts ...registry.Option) (*registry.LeaseRegistry, error) {
	o := registry.BuildOptions(opts...)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: o.DialTimeout,
		Logger:      o.Logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return registry.NewLeaseRegistry(&backend{client: c, logger: o.Logger, clock: o.Clock}, opts...), nil
}

// Factory adapts New to registry.Factory.
func Factory(endpoints []string, opts ...registry.Option) (registry.Registry, error) {
	return New(endpoints, opts...)
}

type backend struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger
	clock  clock.Clock
}

func (b *backend) Name() string { return Name }

// Grant creates a lease. etcd TTLs are whole seconds, so ttl is rounded up.
func (b *backend) Grant(ctx context.Context, ttl time.Duration) (registry.LeaseID, error) {
	seconds := int64(math.Ceil(ttl.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	resp, err := b.client.Grant(ctx, seconds)
	if err != nil {
		return 0, err
	}
	return registry.LeaseID(resp.ID), nil
}

func (b *backend) Put(ctx context.Context, key string, value []byte, lease registry.LeaseID) error {
	_, err := b.client.Put(ctx, key, string(value), clientv3.WithLease(clientv3.LeaseID(lease)))
	return leaseErr(err)
}

// KeepAlive renews once. Periodic renewal is driven by the registry so that
// stopping it is synchronous.
func (b *backend) KeepAlive(ctx context.Context, lease registry.LeaseID) error {
	resp, err := b.client.KeepAliveOnce(ctx, clientv3.LeaseID(lease))
	if err != nil {
		return leaseErr(err)
	}
	if resp.TTL <= 0 {
		return registry.ErrLeaseNotFound
	}
	return nil
}

func (b *backend) Revoke(ctx context.Context, lease registry.LeaseID) error {
	_, err := b.client.Revoke(ctx, clientv3.LeaseID(lease))
	return leaseErr(err)
}

func (b *backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.Delete(ctx, key)
	return err
}

// List reads every key under prefix. The header revision is the store
// revision the read observed.
func (b *backend) List(ctx context.Context, prefix string) (int64, [][]byte, error) {
	resp, err := b.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, nil, err
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return resp.Header.Revision, values, nil
}

// Watch uses etcd's server-push Watch API on the prefix. Any event, including
// lease expiry deletes, triggers changed; the registry then re-reads the full
// set, which is simpler than applying individual events. A watch etcd closes
// is re-created by watchLoop.
func (b *backend) Watch(prefix string, changed func()) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := &watchLoop{
		prefix: prefix,
		open: func(ctx context.Context) clientv3.WatchChan {
			return b.client.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix())
		},
		changed:    changed,
		clock:      b.clock,
		logger:     b.logger,
		minBackoff: minWatchBackoff,
		maxBackoff: maxWatchBackoff,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.run(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}, nil
}

func (b *backend) Close() error {
	return b.client.Close()
}

func leaseErr(err error) error {
	if errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return registry.ErrLeaseNotFound
	}
	return err
}
