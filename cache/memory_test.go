package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mathsanalysis/load/logger"
)

func testOptions() options {
	o := defaultOptions()
	o.log = logger.NewTestLogger()
	o.cleanupInterval = 20 * time.Millisecond
	o.shutdownTimeout = time.Second
	return o
}

func newTestCache(t *testing.T, cfg Configuration) *memoryCache {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	cfg = cfg.withDefaults()
	require.NoError(t, cfg.Validate())
	c := newMemoryCache(cfg, testOptions())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recordingListener captures events for assertions.
type recordingListener struct {
	mu      sync.Mutex
	puts    []string
	gets    []bool
	removes map[string]RemovalCause
	evicts  map[string]RemovalCause
	clears  int
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		removes: make(map[string]RemovalCause),
		evicts:  make(map[string]RemovalCause),
	}
}

func (l *recordingListener) OnPut(key string, _ any) {
	l.mu.Lock()
	l.puts = append(l.puts, key)
	l.mu.Unlock()
}

func (l *recordingListener) OnGet(_ string, _ any, hit bool) {
	l.mu.Lock()
	l.gets = append(l.gets, hit)
	l.mu.Unlock()
}

func (l *recordingListener) OnRemove(key string, _ any, cause RemovalCause) {
	l.mu.Lock()
	l.removes[key] = cause
	l.mu.Unlock()
}

func (l *recordingListener) OnEvict(key string, _ any, cause RemovalCause) {
	l.mu.Lock()
	l.evicts[key] = cause
	l.mu.Unlock()
}

func (l *recordingListener) OnClear() {
	l.mu.Lock()
	l.clears++
	l.mu.Unlock()
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.Put(ctx, "k", "v"))
	found, val, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)
}

func TestGetTyped(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.Put(ctx, "n", 42))
	found, n, err := GetTyped[int](ctx, c, "n")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, n)

	// A type mismatch reads as a miss, not a panic.
	found, _, err = GetTyped[string](ctx, c, "n")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGetMissing(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	found, val, err := c.Get(ctx, "absent")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
	assert.Equal(t, uint64(1), c.Stats().MissCount)
}

func TestEmptyKeyRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	_, _, err := c.Get(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.ErrorIs(t, c.Put(ctx, "", "v"), ErrInvalidArgument)
}

func TestLRUEvictionUnderPressure(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 3, EvictionPolicy: LRU})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))

	require.NoError(t, c.Put(ctx, "A", 1))
	require.NoError(t, c.Put(ctx, "B", 2))
	require.NoError(t, c.Put(ctx, "C", 3))
	found, _, err := c.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, found)
	require.NoError(t, c.Put(ctx, "D", 4))

	snapshot, err := c.AsMap(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "C", "D"}, keysOf(snapshot))

	listener.mu.Lock()
	assert.Equal(t, map[string]RemovalCause{"B": CauseSize}, listener.evicts)
	listener.mu.Unlock()

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.EvictionCount)
	assert.Equal(t, uint64(1), stats.HitCount)
	assert.Equal(t, uint64(0), stats.MissCount)
}

func TestLFUEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 3, EvictionPolicy: LFU})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))

	for _, key := range []string{"A", "B", "C"} {
		require.NoError(t, c.Put(ctx, key, key))
	}
	for _, key := range []string{"A", "A", "B"} {
		found, _, err := c.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
	}
	require.NoError(t, c.Put(ctx, "D", "D"))

	listener.mu.Lock()
	assert.Equal(t, map[string]RemovalCause{"C": CauseSize}, listener.evicts)
	listener.mu.Unlock()

	ok, err := c.ContainsKey(ctx, "C")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFIFOEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 2, EvictionPolicy: FIFO})

	require.NoError(t, c.Put(ctx, "first", 1))
	require.NoError(t, c.Put(ctx, "second", 2))
	// Accessing the oldest entry must not save it under FIFO.
	_, _, err := c.Get(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, "third", 3))

	ok, err := c.ContainsKey(ctx, "first")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(2), c.Size())
}

func TestRandomEvictionKeepsBound(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 5, EvictionPolicy: Random})

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("k%d", i), i))
		assert.LessOrEqual(t, c.Size(), int64(5))
	}
	assert.Equal(t, uint64(45), c.Stats().EvictionCount)
}

func TestNonePolicyRejectsNewKeysWhenFull(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 2, EvictionPolicy: None})

	require.NoError(t, c.Put(ctx, "a", 1))
	require.NoError(t, c.Put(ctx, "b", 2))
	// Full: new keys are rejected silently.
	require.NoError(t, c.Put(ctx, "c", 3))
	ok, err := c.ContainsKey(ctx, "c")
	require.NoError(t, err)
	assert.False(t, ok)

	// Existing keys still overwrite.
	require.NoError(t, c.Put(ctx, "a", 10))
	found, val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 10, val)
	assert.Equal(t, uint64(0), c.Stats().EvictionCount)
}

func TestFillToMaxThenSingleEviction(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{MaxSize: 3, EvictionPolicy: LRU})

	require.NoError(t, c.Put(ctx, "a", 1))
	require.NoError(t, c.Put(ctx, "b", 2))
	assert.Equal(t, int64(2), c.Size())

	// Inserting at size == max-1 fills to exactly max without eviction.
	require.NoError(t, c.Put(ctx, "c", 3))
	assert.Equal(t, int64(3), c.Size())
	assert.Equal(t, uint64(0), c.Stats().EvictionCount)

	// The next insert triggers exactly one eviction.
	require.NoError(t, c.Put(ctx, "d", 4))
	assert.Equal(t, int64(3), c.Size())
	assert.Equal(t, uint64(1), c.Stats().EvictionCount)
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))

	require.NoError(t, c.PutTTL(ctx, "k", "v", 100*time.Millisecond))
	time.Sleep(150 * time.Millisecond)

	found, val, err := c.Get(ctx, "k")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	listener.mu.Lock()
	assert.Equal(t, CauseExpired, listener.removes["k"])
	listener.mu.Unlock()
	assert.Equal(t, uint64(1), c.Stats().MissCount)
}

func TestPerCallTTLOverridesDefault(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{DefaultTTL: time.Hour})

	require.NoError(t, c.PutTTL(ctx, "short", "v", 30*time.Millisecond))
	time.Sleep(60 * time.Millisecond)
	found, _, err := c.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestZeroTTLExpiresImmediately(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.PutTTL(ctx, "k", "v", 0))
	time.Sleep(time.Millisecond)
	found, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestNegativeTTLDisablesExpiry(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{DefaultTTL: 10 * time.Millisecond})

	require.NoError(t, c.PutTTL(ctx, "k", "v", -1))
	time.Sleep(30 * time.Millisecond)
	found, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestNilValueRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	err := c.Put(ctx, "k", nil)
	assert.ErrorIs(t, err, ErrNilValue)
	ok, err := c.ContainsKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNilValueAllowedWhenConfigured(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{AllowNilValues: true})

	require.NoError(t, c.Put(ctx, "k", nil))
	found, val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Nil(t, val)
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	existed, prev, err := c.PutIfAbsent(ctx, "k", "first")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Nil(t, prev)

	existed, prev, err = c.PutIfAbsent(ctx, "k", "second")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "first", prev)

	found, val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first", val)
}

func TestRemoveTwice(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.Put(ctx, "k", "v"))
	found, val, err := c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v", val)

	found, val, err = c.Remove(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)
}

func TestReplaceFiresReplacedCause(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))

	require.NoError(t, c.Put(ctx, "k", "old"))
	require.NoError(t, c.Put(ctx, "k", "new"))

	listener.mu.Lock()
	assert.Equal(t, CauseReplaced, listener.removes["k"])
	assert.Equal(t, []string{"k", "k"}, listener.puts)
	listener.mu.Unlock()
}

func TestContainsKeyDropsExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.PutTTL(ctx, "k", "v", 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)
	ok, err := c.ContainsKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.EstimatedSize())
}

func TestAsMapExcludesExpired(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.Put(ctx, "keep", 1))
	require.NoError(t, c.PutTTL(ctx, "drop", 2, 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	snapshot, err := c.AsMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"keep": 1}, snapshot)
}

func TestBulkOperations(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.PutAll(ctx, map[string]any{"a": 1, "b": 2, "c": 3}))
	result, err := c.GetAll(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, result)

	require.NoError(t, c.RemoveAll(ctx, []string{"a", "c"}))
	assert.Equal(t, int64(1), c.Size())
}

func TestPutAllPartialFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	err := c.PutAll(ctx, map[string]any{"good": 1, "bad": nil})
	assert.ErrorIs(t, err, ErrNilValue)

	// The failed entry does not roll back the successful one.
	ok, cerr := c.ContainsKey(ctx, "good")
	require.NoError(t, cerr)
	assert.True(t, ok)
}

func TestEvictAllPredicate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.PutAll(ctx, map[string]any{"user:1": 1, "user:2": 2, "order:1": 3}))
	require.NoError(t, c.EvictAll(ctx, func(key string) bool {
		return len(key) > 5 && key[:5] == "user:"
	}))

	snapshot, err := c.AsMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order:1": 3}, snapshot)

	assert.ErrorIs(t, c.EvictAll(ctx, nil), ErrInvalidArgument)
}

func TestGetOrLoadCachesResult(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	var calls atomic.Int32
	load := func(context.Context, string) (any, error) {
		calls.Add(1)
		return "loaded", nil
	}

	val, err := c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", val)

	val, err = c.GetOrLoad(ctx, "k", load)
	require.NoError(t, err)
	assert.Equal(t, "loaded", val)
	assert.Equal(t, int32(1), calls.Load())

	assert.Equal(t, uint64(1), c.Stats().LoadCount)
}

func TestGetOrLoadError(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	boom := errors.New("boom")
	_, err := c.GetOrLoad(ctx, "k", func(context.Context, string) (any, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	ok, cerr := c.ContainsKey(ctx, "k")
	require.NoError(t, cerr)
	assert.False(t, ok)
}

func TestGetOrLoadNilResultNotCached(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	val, err := c.GetOrLoad(ctx, "k", func(context.Context, string) (any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, val)

	ok, err := c.ContainsKey(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetOrLoadConcurrent(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	var calls atomic.Int32
	load := func(context.Context, string) (any, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return "slow", nil
	}

	var wg sync.WaitGroup
	results := make([]any, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := c.GetOrLoad(ctx, "k", load)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}
	wg.Wait()

	// Both observers see the same value; the loader may run once or twice,
	// but the published state is consistent.
	assert.Equal(t, "slow", results[0])
	assert.Equal(t, "slow", results[1])
	assert.LessOrEqual(t, calls.Load(), int32(2))

	found, val, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "slow", val)
}

func TestListenerPanicContained(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	opts := testOptions()
	opts.log = log
	cfg := Configuration{Name: "panicky"}.withDefaults()
	c := newMemoryCache(cfg, opts)
	defer c.Close()

	require.NoError(t, c.AddListener(&ListenerFuncs{
		PutFunc: func(string, any) { panic("listener boom") },
	}))

	// The operation must succeed despite the panicking listener.
	require.NoError(t, c.Put(ctx, "k", "v"))
	found, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	var logged bool
	for _, e := range log.Logs() {
		if e.Severity == "ERROR" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestRemoveListener(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))
	require.NoError(t, c.RemoveListener(listener))

	require.NoError(t, c.Put(ctx, "k", "v"))
	listener.mu.Lock()
	assert.Empty(t, listener.puts)
	listener.mu.Unlock()

	assert.ErrorIs(t, c.AddListener(nil), ErrInvalidArgument)
}

func TestBackgroundCleanup(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.PutTTL(ctx, "k", "v", 10*time.Millisecond))
	assert.Eventually(t, func() bool {
		return c.EstimatedSize() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestCloseIdempotentAndTerminal(t *testing.T) {
	ctx := context.Background()
	cfg := Configuration{Name: "closing"}.withDefaults()
	c := newMemoryCache(cfg, testOptions())

	require.NoError(t, c.Put(ctx, "k", "v"))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, _, err := c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Put(ctx, "k", "v"), ErrClosed)
	_, _, err = c.Remove(ctx, "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Clear(ctx), ErrClosed)
	assert.Equal(t, int64(0), c.Size())
	assert.Equal(t, Stats{}, c.Stats())
}

func TestStatsTotalsAndReset(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})

	require.NoError(t, c.Put(ctx, "k", "v"))
	for i := 0; i < 3; i++ {
		_, _, err := c.Get(ctx, "k")
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, _, err := c.Get(ctx, "missing")
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.HitCount)
	assert.Equal(t, uint64(2), stats.MissCount)
	assert.Equal(t, uint64(5), stats.TotalCount())
	assert.InDelta(t, 0.6, stats.HitRate, 0.0001)

	c.ResetStats()
	stats = c.Stats()
	assert.Equal(t, uint64(0), stats.TotalCount())
}

func TestStatsDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := Configuration{Name: "nostats", MaxSize: 10, EvictionPolicy: LRU, ConcurrencyLevel: 1}
	c := newMemoryCache(cfg, testOptions())
	defer c.Close()

	require.NoError(t, c.Put(ctx, "k", "v"))
	_, _, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Stats().TotalCount())
}

func TestUpdateConfigurationUnsupported(t *testing.T) {
	c := newTestCache(t, Configuration{})
	assert.False(t, c.UpdateConfiguration(DefaultConfiguration("other")))
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t, Configuration{})
	listener := newRecordingListener()
	require.NoError(t, c.AddListener(listener))

	require.NoError(t, c.PutAll(ctx, map[string]any{"a": 1, "b": 2}))
	require.NoError(t, c.Clear(ctx))
	assert.True(t, c.IsEmpty())

	listener.mu.Lock()
	assert.Equal(t, 1, listener.clears)
	listener.mu.Unlock()
}

func keysOf(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
