package transport

import (
	"context"
	"sync"
	"time"
)

// dialBackoff is how long a pool that still holds a live transport waits
// before dialing again after a failed dial.
const dialBackoff = time.Second

// Pool keeps up to size multiplexed transports to one address. Transports
// are created lazily and handed out round-robin; a closed transport is
// dropped and replaced on a later Get.
type Pool struct {
	addr string
	size int
	dial func(ctx context.Context, addr string) (*ClientTransport, error)

	mu         sync.Mutex
	transports []*ClientTransport
	next       int
	dialing    int       // Dials in flight, counted against size
	retryAt    time.Time // No growth dial before this after a failure
	closed     bool
}

// NewPool creates an empty pool. Transports are dialed on demand.
func NewPool(addr string, size int, dial func(ctx context.Context, addr string) (*ClientTransport, error)) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{addr: addr, size: size, dial: dial}
}

// Get returns a live transport. While the pool is below its size it dials a
// new one; the dial runs without holding the pool lock, so callers that can
// use an existing transport are not blocked behind it. A pool with no live
// transport always dials.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errPoolClosed
	}
	p.prune()

	grow := len(p.transports) == 0 ||
		(len(p.transports)+p.dialing < p.size && !time.Now().Before(p.retryAt))
	if !grow {
		t := p.pick()
		p.mu.Unlock()
		return t, nil
	}
	p.dialing++
	p.mu.Unlock()

	t, err := p.dial(ctx, p.addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialing--
	if p.closed {
		if t != nil {
			t.Close(errPoolClosed)
		}
		return nil, errPoolClosed
	}
	if err == nil {
		p.transports = append(p.transports, t)
		return t, nil
	}
	p.retryAt = time.Now().Add(dialBackoff)
	p.prune()
	if len(p.transports) == 0 {
		return nil, err
	}
	return p.pick(), nil
}

// prune drops closed transports. Callers hold p.mu.
func (p *Pool) prune() {
	live := p.transports[:0]
	for _, t := range p.transports {
		if !t.Closed() {
			live = append(live, t)
		}
	}
	for i := len(live); i < len(p.transports); i++ {
		p.transports[i] = nil
	}
	p.transports = live
}

// pick hands out transports round-robin. Callers hold p.mu and ensure the
// pool is not empty.
func (p *Pool) pick() *ClientTransport {
	t := p.transports[p.next%len(p.transports)]
	p.next++
	return t
}

// Len counts the transports currently held.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// Pending counts unresolved calls across the pool.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.transports {
		n += t.Pending()
	}
	return n
}

// Close closes every transport, failing their pending calls.
func (p *Pool) Close() {
	p.mu.Lock()
	transports := p.transports
	p.transports = nil
	p.closed = true
	p.mu.Unlock()
	for _, t := range transports {
		t.Close(errPoolClosed)
	}
}
