// Package zookeeper is the ZooKeeper registry backend.
//
// Registrations are ephemeral znodes, so the ZooKeeper session is the lease:
// when the provider's session ends, its nodes vanish. Lease ids handed out by
// this backend remember the session they were granted in; after a session
// expiry KeepAlive reports ErrLeaseNotFound and the registry writes the node
// again under the new session.
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"

	"meshrpc/registry"
)

// Name is the registry type name of this backend.
const Name = "zookeeper"

const watchRetry = 2 * time.Second

// New connects to the ZooKeeper ensemble at servers. The session timeout is
// the lease TTL.
func New(servers []string, opts ...registry.Option) (*registry.LeaseRegistry, error) {
	o := registry.BuildOptions(opts...)
	conn, _, err := zk.Connect(servers, o.TTL, zk.WithLogger(zap.NewStdLog(o.Logger.Named("zk-client"))))
	if err != nil {
		return nil, err
	}
	b := &backend{conn: conn, logger: o.Logger, leases: make(map[registry.LeaseID]int64)}
	if err := b.ensurePath(registry.RootPath); err != nil {
		conn.Close()
		return nil, err
	}
	return registry.NewLeaseRegistry(b, opts...), nil
}

// Factory adapts New to registry.Factory.
func Factory(servers []string, opts ...registry.Option) (registry.Registry, error) {
	return New(servers, opts...)
}

type backend struct {
	conn   *zk.Conn
	logger *zap.Logger

	mu        sync.Mutex
	nextLease registry.LeaseID
	leases    map[registry.LeaseID]int64 // lease -> session id
}

func (b *backend) Name() string { return Name }

func (b *backend) Grant(_ context.Context, _ time.Duration) (registry.LeaseID, error) {
	if b.conn.State() != zk.StateHasSession {
		return 0, fmt.Errorf("zookeeper: no session (state %s)", b.conn.State())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLease++
	b.leases[b.nextLease] = b.conn.SessionID()
	return b.nextLease, nil
}

func (b *backend) Put(_ context.Context, key string, value []byte, _ registry.LeaseID) error {
	if err := b.ensurePath(parent(key)); err != nil {
		return err
	}
	exists, _, err := b.conn.Exists(key)
	if err != nil {
		return err
	}
	// A node left by an earlier session of this instance is replaced.
	if exists {
		if err := b.conn.Delete(key, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
			return err
		}
	}
	_, err = b.conn.Create(key, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	return err
}

func (b *backend) KeepAlive(_ context.Context, lease registry.LeaseID) error {
	b.mu.Lock()
	session, ok := b.leases[lease]
	b.mu.Unlock()
	if !ok {
		return registry.ErrLeaseNotFound
	}
	if b.conn.State() != zk.StateHasSession {
		return fmt.Errorf("zookeeper: no session (state %s)", b.conn.State())
	}
	if b.conn.SessionID() != session {
		b.mu.Lock()
		delete(b.leases, lease)
		b.mu.Unlock()
		return registry.ErrLeaseNotFound
	}
	return nil
}

func (b *backend) Revoke(_ context.Context, lease registry.LeaseID) error {
	b.mu.Lock()
	delete(b.leases, lease)
	b.mu.Unlock()
	return nil
}

func (b *backend) Delete(_ context.Context, key string) error {
	err := b.conn.Delete(key, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil
	}
	return err
}

// List reads the children of the service node. The node's child version
// (Cversion) grows with every child creation or deletion and serves as the
// revision.
func (b *backend) List(_ context.Context, prefix string) (int64, [][]byte, error) {
	dir := strings.TrimSuffix(prefix, "/")
	children, stat, err := b.conn.Children(dir)
	if errors.Is(err, zk.ErrNoNode) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	values := make([][]byte, 0, len(children))
	for _, child := range children {
		data, _, err := b.conn.Get(dir + "/" + child)
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return 0, nil, err
		}
		values = append(values, data)
	}
	return int64(stat.Cversion), values, nil
}

// Watch re-arms a one-shot child watch after every event.
func (b *backend) Watch(prefix string, changed func()) (func(), error) {
	dir := strings.TrimSuffix(prefix, "/")
	if err := b.ensurePath(dir); err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, _, events, err := b.conn.ChildrenW(dir)
			if err != nil {
				b.logger.Warn("zookeeper watch failed", zap.String("path", dir), zap.Error(err))
				select {
				case <-time.After(watchRetry):
					continue
				case <-stop:
					return
				}
			}
			select {
			case ev := <-events:
				if ev.Err != nil {
					b.logger.Warn("zookeeper watch event error", zap.String("path", dir), zap.Error(ev.Err))
				}
				changed()
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}, nil
}

func (b *backend) Close() error {
	b.conn.Close()
	return nil
}

// ensurePath creates every missing persistent node along path.
func (b *backend) ensurePath(path string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		if part == "" {
			continue
		}
		current += "/" + part
		exists, _, err := b.conn.Exists(current)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := b.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return err
		}
	}
	return nil
}

func parent(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
