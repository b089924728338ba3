package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mathsanalysis/load/logger"
)

// shardedCache is the optimized implementation: the key space is partitioned
// across independently locked segments so writers on different keys rarely
// contend. Capacity is partitioned exactly across segments, which keeps the
// global size bound intact; eviction is segment-local, so LRU/LFU victim
// selection is approximate relative to the reference implementation.
type shardedCache struct {
	name string
	cfg  Configuration
	opts options
	log  logger.Logger

	shards []*cacheShard
	mask   uint64

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

type cacheShard struct {
	mu       sync.Mutex
	storage  map[string]*entry
	strategy evictionStrategy
	capacity int64
}

var _ Cache = (*shardedCache)(nil)

func shardCount(cfg Configuration) int {
	n := 1
	for n < cfg.ConcurrencyLevel {
		n <<= 1
	}
	for int64(n) > cfg.MaxSize && n > 1 {
		n >>= 1
	}
	return n
}

func newShardedCache(cfg Configuration, opts options) *shardedCache {
	ctx, cancel := context.WithCancel(context.Background())
	n := shardCount(cfg)
	c := &shardedCache{
		name:   cfg.Name,
		cfg:    cfg,
		opts:   opts,
		log:    opts.log.WithPrefix("cache:" + cfg.Name),
		shards: make([]*cacheShard, n),
		mask:   uint64(n - 1),
		pool:   newWorkerPool(opts.workerCount),
		ctx:    ctx,
		cancel: cancel,
	}
	c.stats.enabled = cfg.RecordStats

	// Partition capacity exactly so segment capacities sum to MaxSize.
	base := cfg.MaxSize / int64(n)
	rem := cfg.MaxSize % int64(n)
	for i := range c.shards {
		capacity := base
		if int64(i) < rem {
			capacity++
		}
		c.shards[i] = &cacheShard{
			storage:  make(map[string]*entry),
			strategy: newEvictionStrategy(cfg.EvictionPolicy),
			capacity: capacity,
		}
	}

	c.wg.Add(1)
	go c.run()
	return c
}

func (c *shardedCache) shardFor(key string) *cacheShard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *shardedCache) Name() string {
	return c.name
}

func (c *shardedCache) Configuration() Configuration {
	return c.cfg
}

func (c *shardedCache) ensureOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *shardedCache) Get(_ context.Context, key string) (bool, any, error) {
	if err := c.ensureOpen(); err != nil {
		return false, nil, err
	}
	if err := checkKey(key); err != nil {
		return false, nil, err
	}

	now := time.Now()
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.storage[key]
	if !ok {
		s.mu.Unlock()
		c.stats.miss()
		c.listeners.fire(c.log, []event{{kind: eventGet, key: key, hit: false}})
		return false, nil, nil
	}
	if e.expired(now, c.cfg.idleTTL()) {
		delete(s.storage, key)
		s.strategy.onRemove(key, e)
		s.mu.Unlock()
		c.stats.miss()
		c.listeners.fire(c.log, []event{
			{kind: eventRemove, key: key, value: e.value, cause: CauseExpired},
			{kind: eventGet, key: key, hit: false},
		})
		return false, nil, nil
	}
	e.touch(now)
	s.strategy.onAccess(key, e)
	val := e.value
	s.mu.Unlock()

	c.stats.hit()
	c.listeners.fire(c.log, []event{{kind: eventGet, key: key, value: val, hit: true}})
	return true, val, nil
}

func (c *shardedCache) lookup(key string) (any, bool) {
	now := time.Now()
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.storage[key]
	if !ok || e.expired(now, c.cfg.idleTTL()) {
		return nil, false
	}
	return e.value, true
}

func (c *shardedCache) GetOrLoad(ctx context.Context, key string, load LoadFunc) (any, error) {
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

func (c *shardedCache) Put(ctx context.Context, key string, value any) error {
	ttl, hasTTL := c.cfg.writeTTL()
	return c.put(ctx, key, value, ttl, hasTTL)
}

func (c *shardedCache) PutTTL(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl < 0 {
		return c.put(ctx, key, value, 0, false)
	}
	return c.put(ctx, key, value, ttl, true)
}

func (c *shardedCache) put(_ context.Context, key string, value any, ttl time.Duration, hasTTL bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if err := checkKey(key); err != nil {
		return err
	}
	if value == nil && !c.cfg.AllowNilValues {
		return ErrNilValue
	}

	s := c.shardFor(key)
	s.mu.Lock()
	events := c.putShardLocked(s, key, value, ttl, hasTTL, time.Now())
	s.mu.Unlock()

	c.listeners.fire(c.log, events)
	return nil
}

// putShardLocked is the write path for one segment; the caller holds the
// segment lock. Capacity pressure evicts within the same segment.
func (c *shardedCache) putShardLocked(s *cacheShard, key string, value any, ttl time.Duration, hasTTL bool, now time.Time) []event {
	var events []event
	old, exists := s.storage[key]
	if !exists && int64(len(s.storage)) >= s.capacity {
		if c.cfg.EvictionPolicy == None {
			return nil
		}
		if victim, ok := s.strategy.victim(); ok {
			if ve, ok := s.storage[victim]; ok {
				delete(s.storage, victim)
				s.strategy.onRemove(victim, ve)
				c.stats.eviction()
				events = append(events, event{kind: eventEvict, key: victim, value: ve.value, cause: CauseSize})
			}
		}
	}
	if exists {
		s.strategy.onRemove(key, old)
		events = append(events, event{kind: eventRemove, key: key, value: old.value, cause: CauseReplaced})
	}
	e := newEntry(value, now, ttl, hasTTL)
	s.storage[key] = e
	s.strategy.onPut(key, e)
	return append(events, event{kind: eventPut, key: key, value: value})
}

func (c *shardedCache) PutIfAbsent(_ context.Context, key string, value any) (bool, any, error) {
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
	s := c.shardFor(key)
	s.mu.Lock()
	if e, ok := s.storage[key]; ok && !e.expired(now, c.cfg.idleTTL()) {
		prev := e.value
		s.mu.Unlock()
		return true, prev, nil
	}
	ttl, hasTTL := c.cfg.writeTTL()
	events := c.putShardLocked(s, key, value, ttl, hasTTL, now)
	s.mu.Unlock()

	c.listeners.fire(c.log, events)
	return false, nil, nil
}

func (c *shardedCache) Remove(_ context.Context, key string) (bool, any, error) {
	if err := c.ensureOpen(); err != nil {
		return false, nil, err
	}
	if err := checkKey(key); err != nil {
		return false, nil, err
	}

	now := time.Now()
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.storage[key]
	if !ok {
		s.mu.Unlock()
		return false, nil, nil
	}
	delete(s.storage, key)
	s.strategy.onRemove(key, e)
	wasLive := !e.expired(now, c.cfg.idleTTL())
	s.mu.Unlock()

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

func (c *shardedCache) ContainsKey(_ context.Context, key string) (bool, error) {
	if err := c.ensureOpen(); err != nil {
		return false, err
	}
	if err := checkKey(key); err != nil {
		return false, err
	}

	now := time.Now()
	s := c.shardFor(key)
	s.mu.Lock()
	e, ok := s.storage[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if e.expired(now, c.cfg.idleTTL()) {
		delete(s.storage, key)
		s.strategy.onRemove(key, e)
		s.mu.Unlock()
		c.listeners.fire(c.log, []event{{kind: eventRemove, key: key, value: e.value, cause: CauseExpired}})
		return false, nil
	}
	s.mu.Unlock()
	return true, nil
}

func (c *shardedCache) AsMap(_ context.Context) (map[string]any, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}

	now := time.Now()
	snapshot := make(map[string]any)
	var events []event
	for _, s := range c.shards {
		s.mu.Lock()
		events = append(events, c.purgeShardLocked(s, now)...)
		for key, e := range s.storage {
			snapshot[key] = e.value
		}
		s.mu.Unlock()
	}
	c.listeners.fire(c.log, events)
	return snapshot, nil
}

func (c *shardedCache) Clear(_ context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	for _, s := range c.shards {
		s.mu.Lock()
		s.storage = make(map[string]*entry)
		s.strategy.clear()
		s.mu.Unlock()
	}
	c.listeners.fire(c.log, []event{{kind: eventClear}})
	return nil
}

func (c *shardedCache) Size() int64 {
	if c.closed.Load() {
		return 0
	}
	now := time.Now()
	var size int64
	var events []event
	for _, s := range c.shards {
		s.mu.Lock()
		events = append(events, c.purgeShardLocked(s, now)...)
		size += int64(len(s.storage))
		s.mu.Unlock()
	}
	c.listeners.fire(c.log, events)
	return size
}

func (c *shardedCache) IsEmpty() bool {
	return c.Size() == 0
}

func (c *shardedCache) EstimatedSize() int64 {
	var size int64
	for _, s := range c.shards {
		s.mu.Lock()
		size += int64(len(s.storage))
		s.mu.Unlock()
	}
	return size
}

func (c *shardedCache) GetAll(ctx context.Context, keys []string) (map[string]any, error) {
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

func (c *shardedCache) PutAll(ctx context.Context, entries map[string]any) error {
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

func (c *shardedCache) RemoveAll(ctx context.Context, keys []string) error {
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

func (c *shardedCache) GetAsync(ctx context.Context, key string) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(c.Get(ctx, key))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *shardedCache) PutAsync(ctx context.Context, key string, value any) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(false, nil, c.Put(ctx, key, value))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *shardedCache) RemoveAsync(ctx context.Context, key string) *Future {
	f := newFuture()
	if err := c.pool.submit(func() {
		f.complete(c.Remove(ctx, key))
	}); err != nil {
		return completedFuture(false, nil, err)
	}
	return f
}

func (c *shardedCache) Stats() Stats {
	if c.closed.Load() {
		return Stats{}
	}
	return c.stats.snapshot(c.EstimatedSize())
}

func (c *shardedCache) ResetStats() {
	c.stats.reset()
}

func (c *shardedCache) UpdateConfiguration(Configuration) bool {
	return false
}

func (c *shardedCache) CleanUp(_ context.Context) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	now := time.Now()
	var events []event
	for _, s := range c.shards {
		s.mu.Lock()
		events = append(events, c.purgeShardLocked(s, now)...)
		s.mu.Unlock()
	}
	c.listeners.fire(c.log, events)
	return nil
}

func (c *shardedCache) Evict(ctx context.Context, key string) error {
	_, _, err := c.Remove(ctx, key)
	return err
}

func (c *shardedCache) EvictAll(ctx context.Context, predicate func(key string) bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if predicate == nil {
		return fmt.Errorf("%w: nil predicate", ErrInvalidArgument)
	}

	var matched []string
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.storage {
			if predicate(key) {
				matched = append(matched, key)
			}
		}
		s.mu.Unlock()
	}
	return c.RemoveAll(ctx, matched)
}

func (c *shardedCache) AddListener(l EventListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	c.listeners.add(l)
	return nil
}

func (c *shardedCache) RemoveListener(l EventListener) error {
	if l == nil {
		return fmt.Errorf("%w: nil listener", ErrInvalidArgument)
	}
	c.listeners.remove(l)
	return nil
}

func (c *shardedCache) Close() error {
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

		for _, s := range c.shards {
			s.mu.Lock()
			s.storage = make(map[string]*entry)
			s.strategy.clear()
			s.mu.Unlock()
		}
		c.listeners.clear()
	})
	return nil
}

func (c *shardedCache) purgeShardLocked(s *cacheShard, now time.Time) []event {
	var events []event
	idle := c.cfg.idleTTL()
	for key, e := range s.storage {
		if e.expired(now, idle) {
			delete(s.storage, key)
			s.strategy.onRemove(key, e)
			events = append(events, event{kind: eventRemove, key: key, value: e.value, cause: CauseExpired})
		}
	}
	return events
}

func (c *shardedCache) run() {
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

func (c *shardedCache) backgroundSweep() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("background cleanup failed: %v", r)
		}
	}()
	now := time.Now()
	var events []event
	for _, s := range c.shards {
		s.mu.Lock()
		events = append(events, c.purgeShardLocked(s, now)...)
		s.mu.Unlock()
	}
	c.listeners.fire(c.log, events)
}
