package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathsanalysis/load/logger"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(WithLogger(logger.NewTestLogger()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManagerGetCreatesAndReuses(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c1, err := m.Get(ctx, "users", Configuration{MaxSize: 50})
	require.NoError(t, err)
	c2, err := m.Get(ctx, "users", Configuration{MaxSize: 999})
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int64(50), c1.Configuration().MaxSize)
}

func TestManagerPrefersHighPerfProvider(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.Get(ctx, "hot", Configuration{})
	require.NoError(t, err)
	assert.IsType(t, &shardedCache{}, c)
}

func TestManagerWithProviderFallback(t *testing.T) {
	ctx := context.Background()
	m := NewManagerWithProvider(NewReferenceProvider())
	defer m.Close()

	c, err := m.Get(ctx, "plain", Configuration{})
	require.NoError(t, err)
	assert.IsType(t, &memoryCache{}, c)
}

func TestManagerGetWithProvider(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.GetWithProvider(ctx, "users", ProviderReference, Configuration{})
	require.NoError(t, err)
	assert.IsType(t, &memoryCache{}, c)

	// Scoped by the fully-qualified key: the same short name through the
	// default provider is a different cache.
	other, err := m.Get(ctx, "users", Configuration{})
	require.NoError(t, err)
	assert.NotSame(t, c, other)

	_, err = m.GetWithProvider(ctx, "users", "Bogus", Configuration{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManagerDefaultsMerge(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	require.NoError(t, m.SetGlobalConfiguration(Configuration{
		Name:           "globals",
		MaxSize:        777,
		DefaultTTL:     2 * time.Hour,
		EvictionPolicy: LFU,
	}))

	// A configuration named "default" inherits unset fields from the globals;
	// the LRU policy counts as unset.
	c, err := m.Get(ctx, "inherits", Configuration{Name: DefaultName, EvictionPolicy: LRU})
	require.NoError(t, err)
	cfg := c.Configuration()
	assert.Equal(t, int64(777), cfg.MaxSize)
	assert.Equal(t, 2*time.Hour, cfg.DefaultTTL)
	assert.Equal(t, LFU, cfg.EvictionPolicy)

	// Set fields on the specific configuration win.
	c2, err := m.Get(ctx, "partial", Configuration{Name: DefaultName, MaxSize: 5, EvictionPolicy: FIFO})
	require.NoError(t, err)
	assert.Equal(t, int64(5), c2.Configuration().MaxSize)
	assert.Equal(t, FIFO, c2.Configuration().EvictionPolicy)

	// Explicitly named configurations are honored verbatim.
	c3, err := m.Get(ctx, "explicit", Configuration{Name: "explicit", MaxSize: 9, EvictionPolicy: LRU})
	require.NoError(t, err)
	assert.Equal(t, int64(9), c3.Configuration().MaxSize)
	assert.Equal(t, LRU, c3.Configuration().EvictionPolicy)
}

func TestManagerStatsAggregation(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	users, err := m.Get(ctx, "users", Configuration{})
	require.NoError(t, err)
	orders, err := m.Get(ctx, "orders", Configuration{})
	require.NoError(t, err)

	require.NoError(t, users.Put(ctx, "u1", 1))
	_, _, err = users.Get(ctx, "u1")
	require.NoError(t, err)
	_, _, err = users.Get(ctx, "u2")
	require.NoError(t, err)
	require.NoError(t, orders.Put(ctx, "o1", 1))
	_, _, err = orders.Get(ctx, "o1")
	require.NoError(t, err)

	all := m.AllStats()
	assert.Len(t, all, 2)
	assert.Equal(t, uint64(1), all["users"].MissCount)

	stats := m.ManagerStats()
	assert.Equal(t, 2, stats.TotalCaches)
	assert.Equal(t, 2, stats.TotalProviders)
	assert.Equal(t, uint64(2), stats.TotalHits)
	assert.Equal(t, uint64(1), stats.TotalMisses)
	assert.Equal(t, int64(2), stats.TotalSize)
	assert.InDelta(t, 2.0/3.0, stats.OverallHitRate, 0.0001)
	assert.False(t, stats.Closed)

	m.ResetAllStats()
	assert.Equal(t, uint64(0), m.ManagerStats().TotalHits)
}

func TestManagerCacheInfoReport(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	_, err := m.Get(ctx, "users", Configuration{MaxSize: 10})
	require.NoError(t, err)

	info := m.CacheInfoReport()
	require.Contains(t, info, "users")
	assert.Equal(t, ProviderHighPerf, info["users"].Implementation)
	assert.Equal(t, int64(10), info["users"].Configuration.MaxSize)
}

func TestManagerCleanupAll(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.Get(ctx, "expiring", Configuration{})
	require.NoError(t, err)
	require.NoError(t, c.PutTTL(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.CleanupAll(ctx))
	assert.Equal(t, int64(0), c.EstimatedSize())
}

func TestManagerRemoveCache(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.Get(ctx, "transient", Configuration{})
	require.NoError(t, err)
	require.NoError(t, m.RemoveCache(ctx, "transient"))

	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, m.AllCaches())
}

func TestManagerClearAll(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.Get(ctx, "filled", Configuration{})
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "k", "v"))

	require.NoError(t, m.ClearAll(ctx))
	assert.True(t, c.IsEmpty())
}

func TestManagerClose(t *testing.T) {
	ctx := context.Background()
	m := NewManager(WithLogger(logger.NewTestLogger()))

	c, err := m.Get(ctx, "doomed", Configuration{})
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, _, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Get(ctx, "after", Configuration{})
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.ErrorIs(t, m.RegisterProvider("x", NewReferenceProvider()), ErrManagerClosed)
	assert.True(t, m.ManagerStats().Closed)
}

func TestManagerBuilder(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	c, err := m.Builder("built").
		MaxSize(7).
		DefaultTTL(time.Minute).
		EvictionPolicy(FIFO).
		RecordStats(true).
		Provider(ProviderReference).
		Build(ctx)
	require.NoError(t, err)

	cfg := c.Configuration()
	assert.Equal(t, "built", cfg.Name)
	assert.Equal(t, int64(7), cfg.MaxSize)
	assert.Equal(t, time.Minute, cfg.DefaultTTL)
	assert.Equal(t, FIFO, cfg.EvictionPolicy)
	assert.IsType(t, &memoryCache{}, c)
}

func TestManagerRegisterCustomProvider(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	custom := NewReferenceProvider()
	require.NoError(t, m.RegisterProvider("custom", custom))

	p, ok := m.Provider("custom")
	require.True(t, ok)
	assert.Same(t, custom, p)

	c, err := m.GetWithProvider(ctx, "via-custom", "custom", Configuration{})
	require.NoError(t, err)
	assert.IsType(t, &memoryCache{}, c)
}

func TestDefaultManagerLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, ShutdownDefault())

	m := Default()
	assert.Same(t, m, Default())

	_, err := m.Get(ctx, "default-scoped", Configuration{})
	require.NoError(t, err)

	require.NoError(t, ShutdownDefault())
	assert.NotSame(t, m, Default())
	require.NoError(t, ShutdownDefault())
}
