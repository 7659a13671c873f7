package loadbalance

import (
	"sync/atomic"

	"meshrpc/message"
)

// RoundRobinBalancer distributes requests evenly across all instances in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: stateless services where all instances have similar capacity.
type RoundRobinBalancer struct {
	counter atomic.Uint64 // Incremented on each Select()
}

// Select picks the next instance in round-robin order.
func (b *RoundRobinBalancer) Select(candidates []*message.ServiceRegistration, _ string) *message.ServiceRegistration {
	if c, ok := trivial(candidates); ok {
		return c
	}
	index := (b.counter.Add(1) - 1) % uint64(len(candidates))
	return candidates[index]
}

func (b *RoundRobinBalancer) Name() string {
	return NameRoundRobin
}
