package loadbalance

import (
	"math/rand/v2"

	"meshrpc/message"
)

// WeightedRandomBalancer picks an instance with probability proportional to
// its registered weight. Non-positive weights never win unless every weight
// is non-positive, in which case selection is uniform.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Select(candidates []*message.ServiceRegistration, _ string) *message.ServiceRegistration {
	if c, ok := trivial(candidates); ok {
		return c
	}

	totalWeight := 0
	for _, c := range candidates {
		if c.Weight > 0 {
			totalWeight += c.Weight
		}
	}
	if totalWeight == 0 {
		return candidates[rand.IntN(len(candidates))]
	}

	r := rand.IntN(totalWeight)
	for _, c := range candidates {
		if c.Weight <= 0 {
			continue
		}
		r -= c.Weight
		if r < 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

func (b *WeightedRandomBalancer) Name() string {
	return NameWeightedRandom
}
