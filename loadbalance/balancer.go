// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Four strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - Random:          Stateless services, no shared counter
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"fmt"
	"sort"

	"meshrpc/message"
)

const (
	NameRoundRobin     = "roundRobin"
	NameRandom         = "random"
	NameWeightedRandom = "weightedRandom"
	NameConsistentHash = "consistentHash"
)

// Balancer is the interface for load balancing strategies.
// The client calls Select() before each RPC to choose a target instance.
type Balancer interface {
	// Select picks one candidate, or nil when candidates is empty.
	// A single candidate is returned as-is without consulting key.
	// Called on every RPC call, so it must be goroutine-safe.
	Select(candidates []*message.ServiceRegistration, key string) *message.ServiceRegistration

	// Name returns the strategy name (for logging/configuration).
	Name() string
}

// Factory constructs a Balancer.
type Factory func() Balancer

var factories = map[string]Factory{
	NameRoundRobin:     func() Balancer { return &RoundRobinBalancer{} },
	NameRandom:         func() Balancer { return &RandomBalancer{} },
	NameWeightedRandom: func() Balancer { return &WeightedRandomBalancer{} },
	NameConsistentHash: func() Balancer { return NewConsistentHashBalancer(DefaultVirtualNodes) },
}

// New returns a fresh balancer of the named strategy.
func New(name string) (Balancer, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown load balancer %q, available: %v", name, Names())
	}
	return f(), nil
}

// Names lists the known strategy names.
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// trivial handles the empty and single-candidate cases every strategy shares.
func trivial(candidates []*message.ServiceRegistration) (*message.ServiceRegistration, bool) {
	switch len(candidates) {
	case 0:
		return nil, true
	case 1:
		return candidates[0], true
	}
	return nil, false
}
