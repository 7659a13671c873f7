// Package memory is an in-process registry backend.
//
// A Store plays the role of the registry server: it owns leases, expires them
// on its clock and notifies watchers. Any number of registry clients, one per
// simulated process, can share a Store:
//
//	provider ──Registry──┐
//	                     ├──▶ Store (leases, entries, revision, watchers)
//	consumer ──Registry──┘
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"

	"meshrpc/registry"
)

const DefaultSweepInterval = 100 * time.Millisecond

// ErrUnavailable is returned by every Store operation while the store is
// marked unavailable.
var ErrUnavailable = errors.New("memory registry store unavailable")

type lease struct {
	ttl     time.Duration
	expires time.Time
	keys    map[string]struct{}
}

type entry struct {
	value []byte
	lease registry.LeaseID
}

type watcher struct {
	prefix  string
	changed func()
}

// Store is a lease-aware key/value store safe for concurrent use.
type Store struct {
	clock clock.Clock
	sweep time.Duration

	mu          sync.Mutex
	revision    int64
	nextLease   registry.LeaseID
	nextWatcher int
	leases      map[registry.LeaseID]*lease
	entries     map[string]entry
	watchers    map[int]watcher
	unavailable bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// StoreOption configures a Store.
type StoreOption func(*Store)

func WithStoreClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithSweepInterval sets how often expired leases are collected.
func WithSweepInterval(d time.Duration) StoreOption {
	return func(s *Store) { s.sweep = d }
}

// NewStore starts a store and its expiry sweeper. Call Close to stop it.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		clock:    clock.WallClock,
		sweep:    DefaultSweepInterval,
		leases:   make(map[registry.LeaseID]*lease),
		entries:  make(map[string]entry),
		watchers: make(map[int]watcher),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.sweepLoop()
	return s
}

func (s *Store) sweepLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case <-s.clock.After(s.sweep):
			s.Expire()
		}
	}
}

// Expire drops every lease whose TTL has elapsed, with its keys.
func (s *Store) Expire() {
	s.mu.Lock()
	now := s.clock.Now()
	var changed []string
	for id, l := range s.leases {
		if now.Before(l.expires) {
			continue
		}
		for key := range l.keys {
			delete(s.entries, key)
			changed = append(changed, key)
		}
		delete(s.leases, id)
	}
	if len(changed) > 0 {
		s.revision++
	}
	notify := s.matching(changed...)
	s.mu.Unlock()
	fire(notify)
}

// SetUnavailable makes every operation fail with ErrUnavailable, simulating a
// registry outage. Leases keep expiring meanwhile.
func (s *Store) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// Grant creates a lease expiring after ttl.
func (s *Store) Grant(ttl time.Duration) (registry.LeaseID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return 0, ErrUnavailable
	}
	s.nextLease++
	s.leases[s.nextLease] = &lease{
		ttl:     ttl,
		expires: s.clock.Now().Add(ttl),
		keys:    make(map[string]struct{}),
	}
	return s.nextLease, nil
}

// Put stores value under key bound to id.
func (s *Store) Put(key string, value []byte, id registry.LeaseID) error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return ErrUnavailable
	}
	l, ok := s.live(id)
	if !ok {
		s.mu.Unlock()
		return registry.ErrLeaseNotFound
	}
	if prev, ok := s.entries[key]; ok && prev.lease != id {
		if pl, ok := s.leases[prev.lease]; ok {
			delete(pl.keys, key)
		}
	}
	s.entries[key] = entry{value: append([]byte(nil), value...), lease: id}
	l.keys[key] = struct{}{}
	s.revision++
	notify := s.matching(key)
	s.mu.Unlock()
	fire(notify)
	return nil
}

// KeepAlive restarts the TTL of id.
func (s *Store) KeepAlive(id registry.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrUnavailable
	}
	l, ok := s.live(id)
	if !ok {
		return registry.ErrLeaseNotFound
	}
	l.expires = s.clock.Now().Add(l.ttl)
	return nil
}

// Revoke deletes id and its keys at once.
func (s *Store) Revoke(id registry.LeaseID) error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return ErrUnavailable
	}
	l, ok := s.leases[id]
	if !ok {
		s.mu.Unlock()
		return registry.ErrLeaseNotFound
	}
	delete(s.leases, id)
	var changed []string
	for key := range l.keys {
		delete(s.entries, key)
		changed = append(changed, key)
	}
	if len(changed) > 0 {
		s.revision++
	}
	notify := s.matching(changed...)
	s.mu.Unlock()
	fire(notify)
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return ErrUnavailable
	}
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.entries, key)
	if l, ok := s.leases[e.lease]; ok {
		delete(l.keys, key)
	}
	s.revision++
	notify := s.matching(key)
	s.mu.Unlock()
	fire(notify)
	return nil
}

// List returns the live values under prefix, sorted by key, and the current
// revision. Entries whose lease has lapsed but not yet been swept are hidden.
func (s *Store) List(prefix string) (int64, [][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return 0, nil, ErrUnavailable
	}
	keys := make([]string, 0)
	for key, e := range s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := s.live(e.lease); !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = append([]byte(nil), s.entries[key].value...)
	}
	return s.revision, values, nil
}

// Watch registers changed to run after every modification under prefix.
// The returned function removes it.
func (s *Store) Watch(prefix string, changed func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWatcher++
	id := s.nextWatcher
	s.watchers[id] = watcher{prefix: prefix, changed: changed}
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// Close stops the sweeper. Stored data stays readable.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

// live must be called with s.mu held.
func (s *Store) live(id registry.LeaseID) (*lease, bool) {
	l, ok := s.leases[id]
	if !ok || !s.clock.Now().Before(l.expires) {
		return nil, false
	}
	return l, true
}

// matching must be called with s.mu held.
func (s *Store) matching(keys ...string) []func() {
	var out []func()
	for _, w := range s.watchers {
		for _, key := range keys {
			if strings.HasPrefix(key, w.prefix) {
				out = append(out, w.changed)
				break
			}
		}
	}
	return out
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// backend adapts a Store to registry.Backend.
type backend struct {
	store *Store
}

func (b *backend) Name() string { return Name }

func (b *backend) Grant(_ context.Context, ttl time.Duration) (registry.LeaseID, error) {
	return b.store.Grant(ttl)
}

func (b *backend) Put(_ context.Context, key string, value []byte, id registry.LeaseID) error {
	return b.store.Put(key, value, id)
}

func (b *backend) KeepAlive(_ context.Context, id registry.LeaseID) error {
	return b.store.KeepAlive(id)
}

func (b *backend) Revoke(_ context.Context, id registry.LeaseID) error {
	return b.store.Revoke(id)
}

func (b *backend) Delete(_ context.Context, key string) error {
	return b.store.Delete(key)
}

func (b *backend) List(_ context.Context, prefix string) (int64, [][]byte, error) {
	return b.store.List(prefix)
}

func (b *backend) Watch(prefix string, changed func()) (func(), error) {
	return b.store.Watch(prefix, changed), nil
}

// Close detaches the client; the shared store keeps running.
func (b *backend) Close() error {
	return nil
}
