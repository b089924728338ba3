package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mathsanalysis/load/logger"
)

// memoryCache is the reference implementation: a mutex-guarded map plus an
// eviction strategy, with lock-free statistics and a background goroutine
// purging expired entries. Listener notification always happens after the
// critical section.
type memoryCache struct {
	name string
	cfg  Configuration
	opts options
	log  logger.Logger

	mu       sync.Mutex
	storage  map[string]*entry
	strategy evictionStrategy

	stats     statsCounter
	listeners listenerList
	group     singleflight.Group
	pool      *workerPool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
}

var _ Cache = (*memoryCache)(nil)

func newMemoryCache(cfg Configuration, opts options) *memoryCache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &memoryCache{
		name:     cfg.Name,
		cfg:      cfg,
		opts:     opts,
		log:      opts.log.WithPrefix("cache:" + cfg.Name),
		storage:  make(map[string]*entry),
		strategy: newEvictionStrategy(cfg.EvictionPolicy),
		pool:     newWorkerPool(opts.workerCount),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.stats.enabled = cfg.RecordStats
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Configuration() Configuration {
	return c.cfg
}

func (c *memoryCache) ensureOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}
	return nil
}

func (c *memoryCache) Get(_ context.Context, key string) (bool, any, error) {
	if err := c.ensureOpen(); err != nil {
		return false, nil, err
	}
	if err := checkKey(key); err != nil {
		return false, nil, err
	}

	now := time.Now()
	c.mu.Lock()
	e, ok := c.storage[key]
	if !ok {
		c.mu.Unlock()
		c.stats.miss()
		c.listeners.fire(c.log, []event{{kind: eventGet, key: key, hit: false}})
		return false, nil, nil
	}
	if e.expired(now, c.cfg.idleTTL()) {
		delete(c.storage, key)
		c.strategy.onRemove(key, e)
		c.mu.Unlock()
		c.stats.miss()
		c.listeners.fire(c.log, []event{
			{kind: eventRemove, key: key, value: e.value, cause: CauseExpired},
			{kind: eventGet, key: key, hit: false},
		})
		return false, nil, nil
	}
	e.touch(now)
	c.strategy.onAccess(key, e)
	val := e.value
	c.mu.Unlock()

	c.stats.hit()
	c.listeners.fire(c.log, []event{{kind: eventGet, key: key, value: val, hit: true}})
	return true, val, nil
}

// lookup checks for a live entry without touching statistics or listeners.
// Used by the read-through path so a single miss is counted per load.
func (c *memoryCache) lookup(key string) (any, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.storage[key]
	if !ok || e.expired(now, c.cfg.idleTTL()) {
		return nil, false
	}
	return e.value, true
}

func (c *memoryCache) GetOrLoad(ctx context.Context, key string, load LoadFunc) (any, error) {
	if load == nil {
		return nil, fmt.Errorf("%w: nil loader", ErrInvalidArgument)
	}
	found, val, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if found {
		return val, nil
	}

	// Collapse concurrent misses on the same key into one loader invocation.
	// The guarantee is weak by contract: a second load may still happen after
	// the flight completes, but the published value is always a fresh one.
	val, err, _ = c.group.Do(key, func() (any, error) {
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		start := time.Now()
		v, lerr := load(c.ctx, key)
		c.stats.load(time.Since(start))
		if lerr != nil {
			return nil, fmt.Errorf("cache: load for key %q failed: %w", key, lerr)
		}
		if v != nil {
			if perr := c.Put(ctx, key, v); perr != nil {
				return nil, perr
			}
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *memoryCache) Put(ctx context.Context, key string, value any) error {
	ttl, hasTTL := c.cfg.writeTTL()
	return c.put(ctx, key, value, ttl, hasTTL)
}

func (c *memoryCache) PutTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl < 0 {
		return c.put(ctx, key, value, 0, false)
	}
	return c.put(ctx, key, value, ttl, true)
}

func (c *memoryCache) put(_ context.Context, key string, value any, ttl time.Duration, hasTTL bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if value == nil && !c.cfg.AllowNilValues {
		return ErrNilValue
	}

	c.mu.Lock()
	events := c.putLocked(key, value, ttl, hasTTL, time.Now())
	c.mu.Unlock()

	c.listeners.fire(c.log, events)
	return nil
}

// putLocked runs the write path under the cache lock: evict (or reject) at
// capacity, replace an existing entry, insert, update the strategy. The
// returned events are fired after the lock is released.
func (c *memoryCache) putLocked(key string, value any, ttl time.Duration, hasTTL bool, now time.Time) []event {
	var events []event
	old, exists := c.storage[key]
	if !exists && int64(len(c.storage)) >= c.cfg.MaxSize {
		if c.cfg.EvictionPolicy == None {
			// Full and no eviction: new keys are rejected silently,
			// existing keys still overwrite.
			return nil
		}
		if victim, ok := c.strategy.victim(); ok {
			if ve, ok := c.storage[victim]; ok {
				delete(c.storage, victim)
				c.strategy.onRemove(victim, ve)
				c.stats.eviction()
				events = append(events, event{kind: eventEvict, key: victim, value: ve.value, cause: CauseSize})
			}
		}
	}
	if exists {
		c.strategy.onRemove(key, old)
		events = append(events, event{kind: eventRemove, key: key, value: old.value, cause: CauseReplaced})
	}
	e := newEntry(value, now, ttl, hasTTL)
	c.storage[key] = e
	c.strategy.onPut(key, e)
	return append(events, event{kind: eventPut, key: key, value: value})
}

func (c *memoryCache) PutIfAbsent(_ context.Context, key string, value any) (bool, any, error) {
	if err := c.ensureOpen(); err != nil {
		return false, nil, err
	}
	if err := checkKey(key); err != nil {
		return false, nil, err
	}
	if value == nil && !c.cfg.AllowNilValues {
		return false, nil, ErrNilValue
	}

	now := time.Now()
	c.mu.Lock()
	if e, ok := c.storage[key]; ok && !e.expired(now, c.cfg.idleTTL()) {
		prev := e.value
		c.mu.Unlock()
		return true, prev, nil
	}
	ttl, hasTTL := c.cfg.writeTTL()
	events := c.putLocked(key, value, ttl, hasTTL, now)
	c.mu.Unlock()

	c.listeners.fire(c.log, events)
	return false, nil, nil
}

func (c *memoryCache) Remove(_ context.Context, key string) (bool, any, error) {
	if err := c.ensureOpen(); err != nil {
		return false, nil, err
	}
	if err := checkKey(key); err != nil {
		return false, nil, err
	}

	now := time.Now()
	c.mu.Lock()
	e, ok := c.storage[key]
	if !ok {
		c.mu.Unlock()
		return false, nil, nil
	}
	delete(c.storage, key)
	c.strategy.onRemove(key, e)
	wasLive := !e.expired(now, c.cfg.idleTTL())
	c.mu.Unlock()

	cause := CauseExplicit
	if !wasLive {
		cause = CauseExpired
	}
	c.listeners.fire(c.log, []event{{kind: eventRemove, key: key, value: e.value, cause: cause}})
	if !wasLive {
		return false, nil, nil
	}
	return true, e.value, nil
}

func (c *memoryCache) ContainsKey(_ context.Context, key string) (bool, error) {
	if err := c.ensureOpen(); err != nil {
		return false, err
	}
	if err := checkKey(key); err != nil {
		return false, err
	}

	now := time.Now()
	c.mu.Lock()
	e, ok := c.storage[key]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	if e.expired(now, c.cfg.idleTTL()) {
		delete(c.storage, key)
		c.strategy.onRemove(key, e)
		c.mu.Unlock()
		c.listeners.fire(c.log, []event{{kind: eventRemove, key: key, value: e.value, cause: CauseExpired}})
		return false, nil
	}
	c.mu.Unlock()
	return true, nil
}

func (c *memoryCache) AsMap(_ context.Context) (map[string]any, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	events := c.purgeExpiredLocked(time.Now())
	snapshot := make(map[string]any, len(c.storage))
	for key, e := range c.storage {
		snapshot[key] = e.value
	}
	c.mu.Unlock()

	c.listeners.fire(c.log, events)
	return snapshot, nil
}

func (c *memoryCache) Clear(_ context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}

	c.mu.Lock()
	c.storage = make(map[string]*entry)
	c.strategy.clear()
	c.mu.Unlock()

	c.listeners.fire(c.log, []event{{kind: eventClear}})
	return nil
}

func (c *memoryCache) Size() int64 {
	if c.closed.Load() {
		return 0
	}
	c.mu.Lock()
	events := c.purgeExpiredLocked(time.Now())
	size := int64(len(c.storage))
	c.mu.Unlock()
	c.listeners.fire(c.log, events)
	return size
}

func (c *memoryCache) IsEmpty() bool {
	return c.Size() == 0
}

func (c *memoryCache) EstimatedSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.storage))
}

func (c *memoryCache) GetAll(ctx context.Context, keys []string) (map[string]any, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	result := make(map[string]any, len(keys))
	for _, key := range keys {
		found, val, err := c.Get(ctx, key)
		if err != nil {
			return result, err
		}
		if found {
			result[key] = val
		}
	}
	return result, nil
}

func (c *memoryCache) PutAll(ctx context.Context, entries map[string]any) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	var firstErr error
	for key, value := range entries {
		if err := c.Put(ctx, key, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *memoryCache) RemoveAll(ctx context.Context, keys []string) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	var firstErr error
	for _, key := range keys {
		if _, _, err := c.Remove(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *memoryCache) GetAsync(ctx context.Context, key string) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(c.Get(ctx, key))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *memoryCache) PutAsync(ctx context.Context, key string, value any) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(false, nil, c.Put(ctx, key, value))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *memoryCache) RemoveAsync(ctx context.Context, key string) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(c.Remove(ctx, key))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *memoryCache) Stats() Stats {
	if c.closed.Load() {
		return Stats{}
	}
	return c.stats.snapshot(c.EstimatedSize())
}

func (c *memoryCache) ResetStats() {
	c.stats.reset()
}

func (c *memoryCache) UpdateConfiguration(Configuration) bool {
	// Runtime reconfiguration is not supported by the reference implementation.
	return false
}

func (c *memoryCache) CleanUp(_ context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	c.mu.Lock()
	events := c.purgeExpiredLocked(time.Now())
	c.mu.Unlock()
	c.listeners.fire(c.log, events)
	return nil
}

func (c *memoryCache) Evict(ctx context.Context, key string) error {
	_, _, err := c.Remove(ctx, key)
	return err
}

func (c *memoryCache) EvictAll(ctx context.Context, predicate func(key string) bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if predicate == nil {
		return fmt.Errorf("%w: nil predicate", ErrInvalidArgument)
	}

	c.mu.Lock()
	matched := make([]string, 0)
	for key := range c.storage {
		if predicate(key) {
			matched = append(matched, key)
		}
	}
	c.mu.Unlock()

	return c.RemoveAll(ctx, matched)
}

func (c *memoryCache) AddListener(l EventListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	c.listeners.add(l)
	return nil
}

func (c *memoryCache) RemoveListener(l EventListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	c.listeners.remove(l)
	return nil
}

func (c *memoryCache) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			c.pool.stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.opts.shutdownTimeout):
			c.log.Warn("background tasks did not stop within %s", c.opts.shutdownTimeout)
		}

		c.mu.Lock()
		c.storage = make(map[string]*entry)
		c.strategy.clear()
		c.mu.Unlock()
		c.listeners.clear()
	})
	return nil
}

// purgeExpiredLocked removes every expired entry. The caller holds the lock;
// the returned events are fired after it is released.
func (c *memoryCache) purgeExpiredLocked(now time.Time) []event {
	var events []event
	idle := c.cfg.idleTTL()
	for key, e := range c.storage {
		if e.expired(now, idle) {
			delete(c.storage, key)
			c.strategy.onRemove(key, e)
			events = append(events, event{kind: eventRemove, key: key, value: e.value, cause: CauseExpired})
		}
	}
	return events
}

// run is the periodic cleanup task. It stops when the cache is closed and
// never outlives it.
func (c *memoryCache) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.backgroundSweep()
		}
	}
}

func (c *memoryCache) backgroundSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("background cleanup failed: %v", r)
		}
	}()
	c.mu.Lock()
	events := c.purgeExpiredLocked(time.Now())
	c.mu.Unlock()
	c.listeners.fire(c.log, events)
}
