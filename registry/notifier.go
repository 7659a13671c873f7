package registry

import (
	"sync"

	"go.uber.org/zap"

	"meshrpc/message"
)

// Notifier caches the candidate set of each service key and fans changes out
// to listeners. Each update carries the backend revision it was read at; an
// update older than the cached one is dropped, so neither the cache nor any
// listener ever moves back to a stale view.
type Notifier struct {
	logger  *zap.Logger
	entries sync.Map // service key -> *cacheEntry
}

type cacheEntry struct {
	mu        sync.Mutex
	loaded    bool
	revision  int64
	instances []*message.ServiceRegistration // healthy only
	listeners []Listener

	deliverMu sync.Mutex
	delivered int64
}

func NewNotifier(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

func (n *Notifier) entry(key string) *cacheEntry {
	if e, ok := n.entries.Load(key); ok {
		return e.(*cacheEntry)
	}
	e, _ := n.entries.LoadOrStore(key, &cacheEntry{})
	return e.(*cacheEntry)
}

// Cached returns a copy of the cached candidate set, if one has been loaded.
func (n *Notifier) Cached(key string) ([]*message.ServiceRegistration, bool) {
	v, ok := n.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*cacheEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, false
	}
	return cloneAll(e.instances), true
}

// Update replaces the candidate set of key with the healthy subset of all, as
// read at revision rev, and notifies listeners. It reports false when rev is
// older than the cached state and the update was dropped.
func (n *Notifier) Update(key string, rev int64, all []*message.ServiceRegistration) bool {
	healthy := make([]*message.ServiceRegistration, 0, len(all))
	for _, r := range all {
		if r != nil && r.Healthy {
			healthy = append(healthy, r.Clone())
		}
	}

	e := n.entry(key)
	e.mu.Lock()
	if rev < e.revision {
		e.mu.Unlock()
		n.logger.Debug("dropping stale registry update", zap.String("serviceKey", key), zap.Int64("revision", rev))
		return false
	}
	e.loaded = true
	e.revision = rev
	e.instances = healthy
	listeners := append([]Listener(nil), e.listeners...)
	e.mu.Unlock()

	// Delivery is serialized per key so a slow listener cannot receive an
	// older set after a newer one.
	e.deliverMu.Lock()
	defer e.deliverMu.Unlock()
	if rev < e.delivered {
		return true
	}
	e.delivered = rev
	for _, l := range listeners {
		n.deliver(l, key, healthy)
	}
	return true
}

func (n *Notifier) deliver(l Listener, key string, instances []*message.ServiceRegistration) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("registry listener panicked", zap.String("serviceKey", key), zap.Any("panic", r))
		}
	}()
	l.OnServicesChanged(key, cloneAll(instances))
}

// AddListener subscribes l to key. Adding the same listener twice is a no-op.
func (n *Notifier) AddListener(key string, l Listener) {
	e := n.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.listeners {
		if existing == l {
			return
		}
	}
	e.listeners = append(e.listeners, l)
}

// RemoveListener unsubscribes l from key and reports whether it was present.
func (n *Notifier) RemoveListener(key string, l Listener) bool {
	v, ok := n.entries.Load(key)
	if !ok {
		return false
	}
	e := v.(*cacheEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Listeners counts the listeners of key.
func (n *Notifier) Listeners(key string) int {
	v, ok := n.entries.Load(key)
	if !ok {
		return 0
	}
	e := v.(*cacheEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Invalidate marks the cached set of key as unknown, so the next Cached
// misses and the caller reads the backend. Listeners and the last revision
// are kept; updates older than that revision are still dropped.
func (n *Notifier) Invalidate(key string) {
	v, ok := n.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*cacheEntry)
	e.mu.Lock()
	e.loaded = false
	e.instances = nil
	e.mu.Unlock()
}

// Reset drops every cached set and listener.
func (n *Notifier) Reset() {
	n.entries.Range(func(k, _ any) bool {
		n.entries.Delete(k)
		return true
	})
}

func cloneAll(in []*message.ServiceRegistration) []*message.ServiceRegistration {
	out := make([]*message.ServiceRegistration, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
