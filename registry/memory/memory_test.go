package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"meshrpc/message"
	"meshrpc/registry"
	"meshrpc/rpcerr"
)

const ttl = 300 * time.Millisecond

func newStore(t *testing.T) *Store {
	s := NewStore(WithSweepInterval(20 * time.Millisecond))
	t.Cleanup(s.Close)
	return s
}

func newClient(t *testing.T, s *Store) *registry.LeaseRegistry {
	r := New(s, registry.WithTTL(ttl))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func addresses(regs []*message.ServiceRegistration) []string {
	out := make([]string, 0, len(regs))
	for _, r := range regs {
		out = append(out, r.Address())
	}
	return out
}

func TestRegisterThenDiscover(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)
	ctx := context.Background()

	reg := message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)
	reg.Metadata = map[string]string{"zone": "a"}
	require.NoError(t, r.Register(ctx, reg))

	found, err := r.Discover(ctx, "Echo", "default", "1.0")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "127.0.0.1:8001", found[0].Address())
	assert.Equal(t, "a", found[0].Metadata["zone"])
	assert.Equal(t, message.DefaultWeight, found[0].Weight)
	assert.Equal(t, reg.CreateTime, found[0].CreateTime)
}

func TestStoredUnderServicePath(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)

	reg := message.NewServiceRegistration("Echo", "g1", "2.0", "10.0.0.1", 9000)
	require.NoError(t, r.Register(context.Background(), reg))

	_, values, err := s.List("/rpc/services/Echo:g1:2.0/10.0.0.1:9000")
	require.NoError(t, err)
	require.Len(t, values, 1)

	decoded, err := message.UnmarshalServiceRegistration(values[0])
	require.NoError(t, err)
	assert.Equal(t, "Echo", decoded.ServiceName)
	assert.Equal(t, "g1", decoded.Group)
	assert.Equal(t, "2.0", decoded.Version)
	assert.True(t, decoded.Healthy)
}

func TestRenewalKeepsEntryAlive(t *testing.T) {
	s := newStore(t)
	provider := newClient(t, s)
	consumer := newClient(t, s)
	ctx := context.Background()

	require.NoError(t, provider.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)))
	time.Sleep(3 * ttl)

	found, err := consumer.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8001"}, addresses(found))
}

func TestLeaseExpiresAfterClose(t *testing.T) {
	s := newStore(t)
	provider := New(s, registry.WithTTL(ttl))
	consumer := newClient(t, s)
	ctx := context.Background()

	require.NoError(t, provider.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)))
	found, err := consumer.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, provider.Close())

	// Close does not revoke, so the entry outlives the client until its TTL.
	found, err = consumer.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	assert.Len(t, found, 1)

	assert.Eventually(t, func() bool {
		found, err := consumer.Discover(ctx, "Echo", "", "")
		return err == nil && len(found) == 0
	}, 5*ttl, 10*time.Millisecond)
}

func TestUnregisterIsImmediateAndIdempotent(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)
	ctx := context.Background()

	reg := message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)
	require.NoError(t, r.Register(ctx, reg))
	require.NoError(t, r.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8002)))
	assert.Equal(t, 2, r.Renewals())

	require.NoError(t, r.Unregister(ctx, reg))
	require.NoError(t, r.Unregister(ctx, reg))
	assert.Equal(t, 1, r.Renewals())

	found, err := r.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8002"}, addresses(found))
}

func TestDiscoverFiltersUnhealthy(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)
	ctx := context.Background()

	sick := message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)
	sick.Healthy = false
	require.NoError(t, r.Register(ctx, sick))
	require.NoError(t, r.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8002)))

	found, err := r.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"127.0.0.1:8002"}, addresses(found))
}

func TestSubscribeReceivesFullSets(t *testing.T) {
	s := newStore(t)
	provider := newClient(t, s)
	consumer := newClient(t, s)
	ctx := context.Background()

	var mu sync.Mutex
	var views [][]string
	l := registry.NewListener(func(key string, instances []*message.ServiceRegistration) {
		assert.Equal(t, "Echo:default:1.0", key)
		mu.Lock()
		views = append(views, addresses(instances))
		mu.Unlock()
	})
	require.NoError(t, consumer.Subscribe("Echo", "", "", l))

	a := message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)
	b := message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8002)
	require.NoError(t, provider.Register(ctx, a))
	require.NoError(t, provider.Register(ctx, b))
	require.NoError(t, provider.Unregister(ctx, a))

	mu.Lock()
	last := views[len(views)-1]
	assert.Contains(t, views, []string{"127.0.0.1:8001"})
	assert.Contains(t, views, []string{"127.0.0.1:8001", "127.0.0.1:8002"})
	mu.Unlock()
	assert.Equal(t, []string{"127.0.0.1:8002"}, last)

	require.NoError(t, consumer.Unsubscribe("Echo", "", "", l))
	mu.Lock()
	before := len(views)
	mu.Unlock()
	require.NoError(t, provider.Register(ctx, a))
	mu.Lock()
	assert.Equal(t, before, len(views))
	mu.Unlock()

	// The cache is still maintained by the watch.
	found, err := consumer.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	assert.Len(t, found, 2)
}

func TestUnavailableBackend(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)
	ctx := context.Background()
	s.SetUnavailable(true)

	err := r.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001))
	assert.ErrorIs(t, err, rpcerr.ErrRegistryUnavailable)

	_, err = r.Discover(ctx, "Echo", "", "")
	assert.ErrorIs(t, err, rpcerr.ErrRegistryUnavailable)

	err = r.Unregister(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001))
	assert.ErrorIs(t, err, rpcerr.ErrRegistryUnavailable)
}

// When the refresh a change triggers fails, the cached set is dropped rather
// than served: the instance behind it may be the one that expired.
func TestFailedRefreshInvalidatesCache(t *testing.T) {
	s := newStore(t)
	provider := newClient(t, s)
	consumer := newClient(t, s)
	ctx := context.Background()

	require.NoError(t, provider.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)))
	found, err := consumer.Discover(ctx, "Echo", "", "")
	require.NoError(t, err)
	require.Len(t, found, 1)

	// Renewals fail too, so the lease lapses and the sweep fires the watch
	// while the backend cannot be read.
	s.SetUnavailable(true)
	assert.Eventually(t, func() bool {
		_, err := consumer.Discover(ctx, "Echo", "", "")
		return errors.Is(err, rpcerr.ErrRegistryUnavailable)
	}, 4*ttl, 10*time.Millisecond)
}

func TestReRegistersAfterLeaseLoss(t *testing.T) {
	s := newStore(t)
	r := newClient(t, s)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", 8001)))

	// An outage longer than the TTL loses the lease.
	s.SetUnavailable(true)
	time.Sleep(2 * ttl)
	s.SetUnavailable(false)

	assert.Eventually(t, func() bool {
		_, values, err := s.List(registry.Prefix("Echo:default:1.0"))
		return err == nil && len(values) == 1
	}, 4*ttl, 10*time.Millisecond)
}

func TestClosedRegistryRejectsCalls(t *testing.T) {
	s := newStore(t)
	r := New(s, registry.WithTTL(ttl))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err := r.Discover(context.Background(), "Echo", "", "")
	assert.ErrorIs(t, err, rpcerr.ErrRegistryUnavailable)
}

func TestCloseStopsRenewals(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewStore(WithSweepInterval(10 * time.Millisecond))
	r := New(s, registry.WithTTL(ttl))
	ctx := context.Background()
	for port := 8001; port <= 8005; port++ {
		require.NoError(t, r.Register(ctx, message.NewServiceRegistration("Echo", "", "", "127.0.0.1", port)))
	}
	require.NoError(t, r.Close())
	assert.Equal(t, 0, r.Renewals())
	s.Close()
}

func TestFactory(t *testing.T) {
	s := newStore(t)
	factories := registry.NewFactories()
	require.NoError(t, factories.Register(Name, Factory(s)))
	assert.Error(t, factories.Register(Name, Factory(s)))

	r, err := factories.New(Name, nil, registry.WithTTL(ttl))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, Name, r.Name())

	_, err = factories.New("consul", nil)
	assert.Error(t, err)
}
