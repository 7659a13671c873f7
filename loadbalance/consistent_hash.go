package loadbalance

import (
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"meshrpc/message"
)

const (
	DefaultVirtualNodes = 100

	// maxCachedRings bounds the ring cache; candidate sets churn as
	// instances come and go and old identities are never asked for again.
	maxCachedRings = 64
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance (until the ring changes),
// providing cache affinity, useful for stateful services or local caches.
//
// Virtual nodes: each real instance is mapped to N virtual nodes on the ring,
// hashed from "{addr}:{i}". Without virtual nodes, 3 instances might cluster
// together on the ring, causing uneven load distribution.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// Rings are cached by candidate-set identity (the sorted address list). A ring
// is fully built before it is published to the cache, so concurrent readers
// never observe a partial ring.
type ConsistentHashBalancer struct {
	replicas int      // Virtual nodes per real instance
	rings    sync.Map // identity → *hashRing
	size     atomic.Int64
}

type hashRing struct {
	points []uint32          // Sorted hash values on the ring
	owners map[uint32]string // Hash value → instance address
}

// NewConsistentHashBalancer creates a balancer with n virtual nodes per
// instance; n <= 0 selects DefaultVirtualNodes.
func NewConsistentHashBalancer(n int) *ConsistentHashBalancer {
	if n <= 0 {
		n = DefaultVirtualNodes
	}
	return &ConsistentHashBalancer{replicas: n}
}

// Select hashes key and walks clockwise to the first virtual node >= hash,
// wrapping to the smallest point when the hash is past every node.
func (b *ConsistentHashBalancer) Select(candidates []*message.ServiceRegistration, key string) *message.ServiceRegistration {
	if c, ok := trivial(candidates); ok {
		return c
	}

	addr := b.ring(candidates).lookup(hash(key))
	for _, c := range candidates {
		if c.Address() == addr {
			return c
		}
	}
	return candidates[0]
}

func (b *ConsistentHashBalancer) Name() string {
	return NameConsistentHash
}

// ring returns the cached ring for the candidate set, building it on first use.
func (b *ConsistentHashBalancer) ring(candidates []*message.ServiceRegistration) *hashRing {
	addrs := make([]string, len(candidates))
	for i, c := range candidates {
		addrs[i] = c.Address()
	}
	sort.Strings(addrs)
	identity := strings.Join(addrs, ",")

	if r, ok := b.rings.Load(identity); ok {
		return r.(*hashRing)
	}

	built := b.build(addrs)
	actual, loaded := b.rings.LoadOrStore(identity, built)
	if !loaded && b.size.Add(1) > maxCachedRings {
		b.rings.Clear()
		b.size.Store(0)
	}
	return actual.(*hashRing)
}

func (b *ConsistentHashBalancer) build(addrs []string) *hashRing {
	r := &hashRing{
		points: make([]uint32, 0, len(addrs)*b.replicas),
		owners: make(map[uint32]string, len(addrs)*b.replicas),
	}
	for _, addr := range addrs {
		for i := 0; i < b.replicas; i++ {
			h := hash(addr + ":" + strconv.Itoa(i))
			if _, taken := r.owners[h]; taken {
				continue // addrs are sorted, so collisions resolve deterministically
			}
			r.owners[h] = addr
			r.points = append(r.points, h)
		}
	}
	sort.Slice(r.points, func(i, j int) bool {
		return r.points[i] < r.points[j]
	})
	return r
}

func (r *hashRing) lookup(h uint32) string {
	idx := sort.Search(len(r.points), func(i int) bool {
		return r.points[i] >= h
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(r.points) {
		idx = 0
	}
	return r.owners[r.points[idx]]
}

func hash(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}
