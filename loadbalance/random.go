package loadbalance

import (
	"math/rand/v2"

	"meshrpc/message"
)

// RandomBalancer picks a uniformly random instance.
type RandomBalancer struct{}

func (b *RandomBalancer) Select(candidates []*message.ServiceRegistration, _ string) *message.ServiceRegistration {
	if c, ok := trivial(candidates); ok {
		return c
	}
	return candidates[rand.IntN(len(candidates))]
}

func (b *RandomBalancer) Name() string {
	return NameRandom
}
