package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mathsanalysis/load/cache"
	"github.com/mathsanalysis/load/logger"

	"github.com/google/uuid"
)

// Default sizing for the wrapper's caches: positives live for 30 minutes,
// negatives for 5, and the negative cache holds roughly 10% of the main one.
const (
	DefaultCacheSize   = 10000
	DefaultPositiveTTL = 30 * time.Minute
	DefaultNegativeTTL = 5 * time.Minute
)

// notFoundSuffix names the negative cache after the main one.
const notFoundSuffix = "_notfound"

// negativeMarker is the unit value stored in the negative cache.
var negativeMarker = struct{}{}

// Cached adapts an arbitrary Loader to the same contract while interposing a
// positive cache and a negative (known-absent) cache. Reads consult the
// positive cache, then the negative cache, then the delegate; writes delegate
// first, then refresh the positive cache and drop any stale negative entry.
// A cache failure never masks a delegate success: the delegate's result is
// returned and the cache error is logged.
type Cached[T any, ID comparable] struct {
	delegate Loader[T, ID]
	main     cache.Cache
	negative cache.Cache
	keys     KeyGenerator[T, ID]
	idOf     func(T) (ID, bool)

	negativeTTL     time.Duration
	cacheNegatives  bool
	log             logger.Logger
}

var _ Loader[any, string] = (*Cached[any, string])(nil)

type cachedOptions[T any, ID comparable] struct {
	manager        *cache.Manager
	config         cache.Configuration
	negativeConfig cache.Configuration
	keys           KeyGenerator[T, ID]
	idOf           func(T) (ID, bool)
	negativeTTL    time.Duration
	cacheNegatives bool
	log            logger.Logger
}

// CachedOption configures a Cached wrapper.
type CachedOption[T any, ID comparable] func(*cachedOptions[T, ID])

// WithManager sets the cache manager the wrapper acquires its caches from.
// Defaults to the process-wide manager.
func WithManager[T any, ID comparable](m *cache.Manager) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.manager = m }
}

// WithConfiguration overrides the main cache configuration.
func WithConfiguration[T any, ID comparable](cfg cache.Configuration) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.config = cfg }
}

// WithNegativeConfiguration overrides the negative cache configuration.
func WithNegativeConfiguration[T any, ID comparable](cfg cache.Configuration) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.negativeConfig = cfg }
}

// WithKeyGenerator substitutes the key generator.
func WithKeyGenerator[T any, ID comparable](gen KeyGenerator[T, ID]) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.keys = gen }
}

// WithIDExtractor sets how the wrapper derives an item's identity for
// write-through keys. The default uses the Identifiable interface.
func WithIDExtractor[T any, ID comparable](fn func(T) (ID, bool)) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.idOf = fn }
}

// WithNegativeTTL sets the TTL for known-absent entries.
func WithNegativeTTL[T any, ID comparable](d time.Duration) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) {
		if d > 0 {
			o.negativeTTL = d
		}
	}
}

// WithNegativeCaching toggles negative-result caching.
func WithNegativeCaching[T any, ID comparable](enabled bool) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) { o.cacheNegatives = enabled }
}

// WithLogger sets the logger used for swallowed cache errors.
func WithLogger[T any, ID comparable](log logger.Logger) CachedOption[T, ID] {
	return func(o *cachedOptions[T, ID]) {
		if log != nil {
			o.log = log
		}
	}
}

// NewCached wraps delegate with transparent caching. The main and negative
// caches are acquired from the manager under cacheName and
// cacheName+"_notfound".
func NewCached[T any, ID comparable](ctx context.Context, delegate Loader[T, ID], cacheName string, opts ...CachedOption[T, ID]) (*Cached[T, ID], error) {
	if delegate == nil {
		return nil, fmt.Errorf("loader: delegate is required")
	}
	if cacheName == "" {
		return nil, fmt.Errorf("loader: cache name is required")
	}

	o := cachedOptions[T, ID]{
		config: cache.Configuration{
			Name:        cacheName,
			MaxSize:     DefaultCacheSize,
			DefaultTTL:  DefaultPositiveTTL,
			RecordStats: true,
		},
		keys:           DefaultKeyGenerator[T, ID]{},
		negativeTTL:    DefaultNegativeTTL,
		cacheNegatives: true,
		log:            logger.NewConsoleLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.manager == nil {
		o.manager = cache.Default()
	}
	if o.idOf == nil {
		o.idOf = func(item T) (ID, bool) {
			if ident, ok := any(item).(Identifiable[ID]); ok {
				return ident.ItemID(), true
			}
			var zero ID
			return zero, false
		}
	}
	if o.negativeConfig.Name == "" {
		negativeSize := o.config.MaxSize / 10
		if negativeSize < 1 {
			negativeSize = 1
		}
		o.negativeConfig = cache.Configuration{
			Name:        cacheName + notFoundSuffix,
			MaxSize:     negativeSize,
			DefaultTTL:  o.negativeTTL,
			RecordStats: true,
		}
	}

	o.config.Name = cacheName
	main, err := o.manager.Get(ctx, cacheName, o.config)
	if err != nil {
		return nil, fmt.Errorf("loader: acquiring cache %q: %w", cacheName, err)
	}
	negative, err := o.manager.Get(ctx, o.negativeConfig.Name, o.negativeConfig)
	if err != nil {
		return nil, fmt.Errorf("loader: acquiring cache %q: %w", o.negativeConfig.Name, err)
	}

	return &Cached[T, ID]{
		delegate:       delegate,
		main:           main,
		negative:       negative,
		keys:           o.keys,
		idOf:           o.idOf,
		negativeTTL:    o.negativeTTL,
		cacheNegatives: o.cacheNegatives,
		log:            o.log.WithPrefix("cached-loader:" + cacheName),
	}, nil
}

// keyFor prefers the identity key so write-through lines up with FindByID
// lookups; items without an extractable identity fall back to content keys.
func (c *Cached[T, ID]) keyFor(item T, params map[string]any) string {
	if id, ok := c.idOf(item); ok {
		return c.keys.ByID(id)
	}
	return c.keys.ForItem(item, params)
}

func (c *Cached[T, ID]) Save(ctx context.Context, item T, params map[string]any) (T, error) {
	saved, err := c.delegate.Save(ctx, item, params)
	if err != nil {
		return saved, err
	}
	c.refresh(ctx, c.keyFor(saved, params), saved)
	return saved, nil
}

// SaveAsync runs Save on a new goroutine; the cache mutations ride on the
// completion of the delegate save and never fail the promise.
func (c *Cached[T, ID]) SaveAsync(ctx context.Context, item T, params map[string]any) *Promise[T] {
	p := newPromise[T]()
	go func() {
		saved, err := c.Save(ctx, item, params)
		p.complete(saved, err == nil, err)
	}()
	return p
}

func (c *Cached[T, ID]) SaveBatch(ctx context.Context, items []T, params map[string]any) ([]T, error) {
	saved, err := c.delegate.SaveBatch(ctx, items, params)
	if err != nil {
		return saved, err
	}

	updates := make(map[string]any, len(saved))
	keys := make([]string, 0, len(saved))
	for _, item := range saved {
		key := c.keyFor(item, params)
		updates[key] = item
		keys = append(keys, key)
	}
	if err := c.main.PutAll(ctx, updates); err != nil {
		c.log.Warn("cache update after batch save failed: %s", err)
	}
	if err := c.negative.RemoveAll(ctx, keys); err != nil {
		c.log.Warn("negative cache invalidation after batch save failed: %s", err)
	}
	return saved, nil
}

// SaveBatchStream collects items from ch under the collector bounds, saves
// them as one batch and refreshes the caches. A collection timeout saves the
// partial batch and records the timeout in the result's errors.
func (c *Cached[T, ID]) SaveBatchStream(ctx context.Context, ch <-chan StreamItem[T], params map[string]any, opts ...CollectOption) *Promise[BatchResult[T]] {
	p := newPromise[BatchResult[T]]()
	go func() {
		start := time.Now()
		result := BatchResult[T]{ID: uuid.NewString()}

		items, errs, err := Collect(ctx, ch, opts...)
		result.Errors = append(result.Errors, errs...)
		if err != nil {
			result.Errors = append(result.Errors, err)
			// A timeout saves whatever was collected; interruption and
			// fail-fast producer errors fail the promise outright.
			if !errors.Is(err, ErrCollectTimeout) || len(items) == 0 {
				result.Elapsed = time.Since(start)
				p.complete(result, false, err)
				return
			}
		}

		saved, saveErr := c.SaveBatch(ctx, items, params)
		if saveErr != nil {
			result.Errors = append(result.Errors, saveErr)
		}
		result.Items = saved
		result.Elapsed = time.Since(start)
		p.complete(result, saveErr == nil, saveErr)
	}()
	return p
}

func (c *Cached[T, ID]) FindByID(ctx context.Context, id ID) (T, bool, error) {
	key := c.keys.ByID(id)

	found, cached, err := c.main.Get(ctx, key)
	if err != nil {
		c.log.Warn("positive cache read failed: %s", err)
	} else if found {
		if item, ok := cached.(T); ok {
			return item, true, nil
		}
	}

	if c.cacheNegatives {
		known, err := c.negative.ContainsKey(ctx, key)
		if err != nil {
			c.log.Warn("negative cache read failed: %s", err)
		} else if known {
			var zero T
			return zero, false, nil
		}
	}

	item, found, err := c.delegate.FindByID(ctx, id)
	if err != nil {
		return item, false, err
	}
	if found {
		c.refresh(ctx, key, item)
	} else if c.cacheNegatives {
		if err := c.negative.PutTTL(ctx, key, negativeMarker, c.negativeTTL); err != nil {
			c.log.Warn("negative cache update failed: %s", err)
		}
	}
	return item, found, nil
}

// FindByIDAsync mirrors FindByID on a new goroutine.
func (c *Cached[T, ID]) FindByIDAsync(ctx context.Context, id ID) *Promise[T] {
	p := newPromise[T]()
	go func() {
		p.complete(c.FindByID(ctx, id))
	}()
	return p
}

// refresh publishes a positive result and drops any stale negative entry.
func (c *Cached[T, ID]) refresh(ctx context.Context, key string, item T) {
	if err := c.main.Put(ctx, key, item); err != nil {
		c.log.Warn("cache update failed for key %q: %s", key, err)
	}
	if _, _, err := c.negative.Remove(ctx, key); err != nil {
		c.log.Warn("negative cache invalidation failed for key %q: %s", key, err)
	}
}

func (c *Cached[T, ID]) InitializeStorage(ctx context.Context, params map[string]any) error {
	return c.delegate.InitializeStorage(ctx, params)
}

func (c *Cached[T, ID]) HealthCheck(ctx context.Context) (HealthStatus, error) {
	status, err := c.delegate.HealthCheck(ctx)
	if err != nil {
		return status, err
	}

	cacheHealthy := c.probeCache(ctx)
	metrics := make(map[string]any, len(status.Metrics)+2)
	for k, v := range status.Metrics {
		metrics[k] = v
	}
	metrics["cacheHealthy"] = cacheHealthy
	metrics["cacheStats"] = c.main.Stats()

	message := status.Message + " [Cache: OK]"
	if !cacheHealthy {
		message = status.Message + " [Cache: ERROR]"
	}
	return HealthStatus{
		Healthy: status.Healthy && cacheHealthy,
		Message: message,
		Metrics: metrics,
	}, nil
}

// probeCache verifies the cache accepts a write and a removal.
func (c *Cached[T, ID]) probeCache(ctx context.Context) bool {
	const probeKey = "health:probe"
	if err := c.main.Put(ctx, probeKey, "ok"); err != nil {
		return false
	}
	if _, _, err := c.main.Remove(ctx, probeKey); err != nil {
		return false
	}
	return true
}

func (c *Cached[T, ID]) DebugInfo(ctx context.Context) (DebugResult, error) {
	debug, err := c.delegate.DebugInfo(ctx)
	if err != nil {
		return debug, err
	}

	info := make(map[string]any, len(debug.AdditionalInfo)+1)
	for k, v := range debug.AdditionalInfo {
		info[k] = v
	}
	info["cache"] = map[string]any{
		"cacheName":          c.main.Name(),
		"cacheSize":          c.main.Size(),
		"cacheStats":         c.main.Stats(),
		"notFoundCacheStats": c.negative.Stats(),
		"cacheConfiguration": c.main.Configuration(),
	}

	return DebugResult{
		LoaderType:       "Cached" + debug.LoaderType,
		PerformanceStats: debug.PerformanceStats,
		ConnectionStats:  debug.ConnectionStats,
		AdditionalInfo:   info,
	}, nil
}

func (c *Cached[T, ID]) Configuration() map[string]any {
	config := c.delegate.Configuration()
	out := make(map[string]any, len(config)+3)
	for k, v := range config {
		out[k] = v
	}
	out["cacheEnabled"] = true
	out["cacheConfiguration"] = c.main.Configuration()
	out["negativeResultCaching"] = c.cacheNegatives
	return out
}

func (c *Cached[T, ID]) UpdateConfiguration(newConfig map[string]any) bool {
	return c.delegate.UpdateConfiguration(newConfig)
}

// Shutdown stops the delegate, then closes both caches.
func (c *Cached[T, ID]) Shutdown(ctx context.Context) error {
	err := c.delegate.Shutdown(ctx)
	if cerr := c.main.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := c.negative.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// EvictFromCache invalidates the cached entries for id.
func (c *Cached[T, ID]) EvictFromCache(ctx context.Context, id ID) error {
	key := c.keys.ByID(id)
	if _, _, err := c.main.Remove(ctx, key); err != nil {
		return err
	}
	_, _, err := c.negative.Remove(ctx, key)
	return err
}

// EvictAllFromCache clears both caches.
func (c *Cached[T, ID]) EvictAllFromCache(ctx context.Context) error {
	if err := c.main.Clear(ctx); err != nil {
		return err
	}
	return c.negative.Clear(ctx)
}

// PreloadIntoCache publishes item without touching the delegate.
func (c *Cached[T, ID]) PreloadIntoCache(ctx context.Context, item T, params map[string]any) error {
	return c.main.Put(ctx, c.keyFor(item, params), item)
}

// CacheStatistics aggregates the positive and negative cache counters.
type CacheStatistics struct {
	TotalHits         uint64
	TotalMisses       uint64
	MainCacheSize     int64
	NotFoundCacheSize int64
	HitRate           float64
	TotalEvictions    uint64
}

func (s CacheStatistics) MissRate() float64 {
	return 1.0 - s.HitRate
}

func (s CacheStatistics) TotalRequests() uint64 {
	return s.TotalHits + s.TotalMisses
}

// CacheStatistics returns the aggregated counters for both caches.
func (c *Cached[T, ID]) CacheStatistics() CacheStatistics {
	mainStats := c.main.Stats()
	negativeStats := c.negative.Stats()
	return CacheStatistics{
		TotalHits:         mainStats.HitCount + negativeStats.HitCount,
		TotalMisses:       mainStats.MissCount + negativeStats.MissCount,
		MainCacheSize:     mainStats.Size,
		NotFoundCacheSize: negativeStats.Size,
		HitRate:           mainStats.HitRate,
		TotalEvictions:    mainStats.EvictionCount + negativeStats.EvictionCount,
	}
}

// Cache returns the underlying positive cache.
func (c *Cached[T, ID]) Cache() cache.Cache {
	return c.main
}

// Delegate returns the wrapped loader.
func (c *Cached[T, ID]) Delegate() Loader[T, ID] {
	return c.delegate
}
