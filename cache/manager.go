package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mathsanalysis/load/logger"
)

// Manager is the registry of providers and named caches. It selects the best
// available provider, merges global defaults into per-cache configuration and
// aggregates observability across every cache it tracks.
type Manager struct {
	log logger.Logger

	mu              sync.RWMutex
	providers       map[string]Provider
	caches          map[string]managedCache
	defaultProvider Provider
	global          Configuration
	closed          bool
}

type managedCache struct {
	Cache
	provider string
}

// ManagerStats aggregates totals across every tracked cache.
type ManagerStats struct {
	TotalCaches    int
	TotalProviders int
	TotalHits      uint64
	TotalMisses    uint64
	TotalSize      int64
	OverallHitRate float64
	Closed         bool
}

// CacheInfo is the detailed per-cache report.
type CacheInfo struct {
	Name           string
	Implementation string
	Stats          Stats
	Configuration  Configuration
	EstimatedSize  int64
}

// NewManager returns a manager with both built-in providers registered. The
// optimized provider is preferred as the default; the reference
// implementation is the fallback.
func NewManager(opts ...Option) *Manager {
	m := newManager(opts...)
	m.providers[ProviderReference] = NewReferenceProvider(opts...)
	m.providers[ProviderHighPerf] = NewHighPerfProvider(opts...)
	m.defaultProvider = bestProvider(m.providers)
	return m
}

// NewManagerWithProvider returns a manager whose default provider is p. Both
// built-in providers remain registrable by name.
func NewManagerWithProvider(p Provider, opts ...Option) *Manager {
	m := newManager(opts...)
	m.providers[p.ProviderName()] = p
	m.defaultProvider = p
	return m
}

func newManager(opts ...Option) *Manager {
	o := applyOptions(opts)
	return &Manager{
		log:       o.log.WithPrefix("cache-manager"),
		providers: make(map[string]Provider),
		caches:    make(map[string]managedCache),
		global:    DefaultConfiguration(DefaultName),
	}
}

// bestProvider prefers the optimized family when present.
func bestProvider(providers map[string]Provider) Provider {
	if p, ok := providers[ProviderHighPerf]; ok {
		return p
	}
	if p, ok := providers[ProviderReference]; ok {
		return p
	}
	for _, p := range providers {
		return p
	}
	return nil
}

func (m *Manager) ensureOpen() error {
	if m.closed {
		return ErrManagerClosed
	}
	return nil
}

// RegisterProvider adds a provider under name.
func (m *Manager) RegisterProvider(name string, p Provider) error {
	if name == "" || p == nil {
		return fmt.Errorf("%w: provider name and instance are required", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	m.providers[name] = p
	return nil
}

// Provider returns the registered provider under name.
func (m *Manager) Provider(name string) (Provider, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[name]
	return p, ok
}

// Providers returns a snapshot of the provider registry.
func (m *Manager) Providers() map[string]Provider {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Provider, len(m.providers))
	for name, p := range m.providers {
		out[name] = p
	}
	return out
}

// Get returns the cache tracked under name, creating it through the default
// provider when absent. Global defaults are merged into cfg per mergeGlobal.
func (m *Manager) Get(ctx context.Context, name string, cfg Configuration) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cache name", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	if tracked, ok := m.caches[name]; ok {
		return tracked.Cache, nil
	}
	merged := m.mergeGlobal(cfg)
	merged.Name = name
	c, err := m.defaultProvider.CreateCache(ctx, merged)
	if err != nil {
		return nil, err
	}
	m.caches[name] = managedCache{Cache: c, provider: m.defaultProvider.ProviderName()}
	return c, nil
}

// GetDefault returns the cache under name using the global configuration.
func (m *Manager) GetDefault(ctx context.Context, name string) (Cache, error) {
	m.mu.RLock()
	global := m.global
	m.mu.RUnlock()
	global.Name = DefaultName
	return m.Get(ctx, name, global)
}

// GetWithProvider is Get scoped to a named provider; the cache is tracked
// under the fully-qualified key "provider:name".
func (m *Manager) GetWithProvider(ctx context.Context, name, providerName string, cfg Configuration) (Cache, error) {
	if name == "" || providerName == "" {
		return nil, fmt.Errorf("%w: cache and provider names are required", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return nil, err
	}
	p, ok := m.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	qualified := providerName + ":" + name
	if tracked, ok := m.caches[qualified]; ok {
		return tracked.Cache, nil
	}
	merged := m.mergeGlobal(cfg)
	merged.Name = name
	c, err := p.CreateCache(ctx, merged)
	if err != nil {
		return nil, err
	}
	m.caches[qualified] = managedCache{Cache: c, provider: providerName}
	return c, nil
}

// mergeGlobal merges the global configuration into a specific one. The merge
// applies only when the caller did not name the configuration explicitly
// (cfg.Name == "default"): set fields win, unset scalars inherit from the
// globals, and the eviction policy counts as set unless it equals the type
// default (LRU).
func (m *Manager) mergeGlobal(cfg Configuration) Configuration {
	if cfg.Name != DefaultName {
		return cfg
	}
	merged := cfg
	if merged.MaxSize <= 0 {
		merged.MaxSize = m.global.MaxSize
	}
	if merged.DefaultTTL == 0 {
		merged.DefaultTTL = m.global.DefaultTTL
	}
	if merged.MaxIdle == 0 {
		merged.MaxIdle = m.global.MaxIdle
	}
	if merged.ExpireAfterWrite == 0 {
		merged.ExpireAfterWrite = m.global.ExpireAfterWrite
	}
	if merged.ExpireAfterAccess == 0 {
		merged.ExpireAfterAccess = m.global.ExpireAfterAccess
	}
	if merged.RefreshAfterWrite == 0 {
		merged.RefreshAfterWrite = m.global.RefreshAfterWrite
	}
	merged.RecordStats = merged.RecordStats || m.global.RecordStats
	merged.AllowNilValues = merged.AllowNilValues || m.global.AllowNilValues
	if merged.EvictionPolicy == "" || merged.EvictionPolicy == LRU {
		merged.EvictionPolicy = m.global.EvictionPolicy
	}
	if merged.ConcurrencyLevel <= 0 {
		merged.ConcurrencyLevel = m.global.ConcurrencyLevel
	}
	return merged
}

// AllCaches returns a snapshot of the tracked caches by qualified name.
func (m *Manager) AllCaches() map[string]Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Cache, len(m.caches))
	for name, tracked := range m.caches {
		out[name] = tracked.Cache
	}
	return out
}

// RemoveCache closes and stops tracking the cache under name.
func (m *Manager) RemoveCache(_ context.Context, name string) error {
	m.mu.Lock()
	tracked, ok := m.caches[name]
	delete(m.caches, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return tracked.Close()
}

// ClearAll clears every tracked cache.
func (m *Manager) ClearAll(ctx context.Context) error {
	var firstErr error
	for _, c := range m.AllCaches() {
		if err := c.Clear(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllStats returns per-cache statistics keyed by tracked name.
func (m *Manager) AllStats() map[string]Stats {
	out := make(map[string]Stats)
	for name, c := range m.AllCaches() {
		out[name] = c.Stats()
	}
	return out
}

// ManagerStats returns totals across every tracked cache.
func (m *Manager) ManagerStats() ManagerStats {
	m.mu.RLock()
	closed := m.closed
	providerCount := len(m.providers)
	caches := make([]Cache, 0, len(m.caches))
	for _, tracked := range m.caches {
		caches = append(caches, tracked.Cache)
	}
	m.mu.RUnlock()

	stats := ManagerStats{
		TotalCaches:    len(caches),
		TotalProviders: providerCount,
		Closed:         closed,
	}
	for _, c := range caches {
		s := c.Stats()
		stats.TotalHits += s.HitCount
		stats.TotalMisses += s.MissCount
		stats.TotalSize += s.Size
	}
	if total := stats.TotalHits + stats.TotalMisses; total > 0 {
		stats.OverallHitRate = float64(stats.TotalHits) / float64(total)
	}
	return stats
}

// CacheInfoReport returns the detailed per-cache report.
func (m *Manager) CacheInfoReport() map[string]CacheInfo {
	m.mu.RLock()
	tracked := make(map[string]managedCache, len(m.caches))
	for name, mc := range m.caches {
		tracked[name] = mc
	}
	m.mu.RUnlock()

	out := make(map[string]CacheInfo, len(tracked))
	for name, mc := range tracked {
		out[name] = CacheInfo{
			Name:           name,
			Implementation: mc.provider,
			Stats:          mc.Stats(),
			Configuration:  mc.Configuration(),
			EstimatedSize:  mc.EstimatedSize(),
		}
	}
	return out
}

// SetGlobalConfiguration replaces the global defaults merged into future
// cache acquisitions.
func (m *Manager) SetGlobalConfiguration(cfg Configuration) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensureOpen(); err != nil {
		return err
	}
	m.global = cfg
	return nil
}

// GlobalConfiguration returns the current global defaults.
func (m *Manager) GlobalConfiguration() Configuration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// ResetAllStats clears counters on every tracked cache.
func (m *Manager) ResetAllStats() {
	for _, c := range m.AllCaches() {
		c.ResetStats()
	}
}

// CleanupAll runs expiration on every tracked cache.
func (m *Manager) CleanupAll(ctx context.Context) error {
	var firstErr error
	for _, c := range m.AllCaches() {
		if err := c.CleanUp(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every cache, then every provider. Further mutating calls fail
// with ErrManagerClosed. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	caches := make([]Cache, 0, len(m.caches))
	for _, tracked := range m.caches {
		caches = append(caches, tracked.Cache)
	}
	providers := make([]Provider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.caches = make(map[string]managedCache)
	m.providers = make(map[string]Provider)
	m.mu.Unlock()

	var firstErr error
	for _, c := range caches {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder returns a fluent builder that accumulates configuration and
// forwards to Get (or GetWithProvider) on Build.
func (m *Manager) Builder(name string) *Builder {
	return &Builder{manager: m, name: name, cfg: Configuration{Name: name}}
}

// Builder accumulates configuration for one cache acquisition.
type Builder struct {
	manager      *Manager
	name         string
	providerName string
	cfg          Configuration
}

func (b *Builder) MaxSize(n int64) *Builder {
	b.cfg.MaxSize = n
	return b
}

func (b *Builder) DefaultTTL(d time.Duration) *Builder {
	b.cfg.DefaultTTL = d
	return b
}

func (b *Builder) MaxIdle(d time.Duration) *Builder {
	b.cfg.MaxIdle = d
	return b
}

func (b *Builder) ExpireAfterWrite(d time.Duration) *Builder {
	b.cfg.ExpireAfterWrite = d
	return b
}

func (b *Builder) ExpireAfterAccess(d time.Duration) *Builder {
	b.cfg.ExpireAfterAccess = d
	return b
}

func (b *Builder) EvictionPolicy(p EvictionPolicy) *Builder {
	b.cfg.EvictionPolicy = p
	return b
}

func (b *Builder) RecordStats(record bool) *Builder {
	b.cfg.RecordStats = record
	return b
}

func (b *Builder) AllowNilValues(allow bool) *Builder {
	b.cfg.AllowNilValues = allow
	return b
}

func (b *Builder) ConcurrencyLevel(n int) *Builder {
	b.cfg.ConcurrencyLevel = n
	return b
}

func (b *Builder) Provider(name string) *Builder {
	b.providerName = name
	return b
}

func (b *Builder) Build(ctx context.Context) (Cache, error) {
	if b.providerName != "" {
		return b.manager.GetWithProvider(ctx, b.name, b.providerName, b.cfg)
	}
	return b.manager.Get(ctx, b.name, b.cfg)
}

var (
	defaultManagerMu sync.Mutex
	defaultManager   *Manager
)

// Default returns the process-wide manager, creating it on first use. Prefer
// building an explicit Manager and passing it around; the default exists as a
// convenience and must be released with ShutdownDefault.
func Default() *Manager {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager()
	}
	return defaultManager
}

// SetDefault replaces the process-wide manager, closing the previous one.
func SetDefault(m *Manager) error {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	var err error
	if defaultManager != nil {
		err = defaultManager.Close()
	}
	defaultManager = m
	return err
}

// ShutdownDefault closes and forgets the process-wide manager. A later call
// to Default creates a fresh one.
func ShutdownDefault() error {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil {
		return nil
	}
	err := defaultManager.Close()
	defaultManager = nil
	return err
}
