package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Provider names for the built-in implementation families.
const (
	ProviderReference = "ReferenceImpl"
	ProviderHighPerf  = "HighPerf"
)

// Provider instantiates caches of one implementation family and owns their
// lifetime.
type Provider interface {
	// CreateCache builds a cache from the configuration and registers it
	// under its configured name.
	CreateCache(ctx context.Context, cfg Configuration) (Cache, error)
	// GetCache returns a cache previously created under name.
	GetCache(name string) (Cache, bool)
	// CacheNames returns the names of all caches the provider owns.
	CacheNames() []string
	// DestroyCache closes and removes the cache under name.
	DestroyCache(ctx context.Context, name string) error
	// Close closes every owned cache and refuses further creation.
	Close() error
	// ProviderName returns the human-readable family name.
	ProviderName() string
	// ProviderStats returns a provider-level snapshot.
	ProviderStats() ProviderStats
}

// ProviderStats is a snapshot of a provider's state.
type ProviderStats struct {
	ID         string
	Provider   string
	CacheCount int
	Names      []string
	Closed     bool
}

// cacheFactory builds one cache instance from a validated configuration.
type cacheFactory func(cfg Configuration, opts options) Cache

// provider is the shared registry behind both built-in families.
type provider struct {
	name    string
	id      string
	opts    options
	factory cacheFactory

	mu     sync.Mutex
	caches map[string]Cache
	closed bool
}

var _ Provider = (*provider)(nil)

// NewReferenceProvider returns the provider for the reference (single-lock)
// cache implementation.
func NewReferenceProvider(opts ...Option) Provider {
	return &provider{
		name: ProviderReference,
		id:   uuid.NewString(),
		opts: applyOptions(opts),
		factory: func(cfg Configuration, o options) Cache {
			return newMemoryCache(cfg, o)
		},
		caches: make(map[string]Cache),
	}
}

// NewHighPerfProvider returns the provider for the sharded cache
// implementation.
func NewHighPerfProvider(opts ...Option) Provider {
	return &provider{
		name: ProviderHighPerf,
		id:   uuid.NewString(),
		opts: applyOptions(opts),
		factory: func(cfg Configuration, o options) Cache {
			return newShardedCache(cfg, o)
		},
		caches: make(map[string]Cache),
	}
}

func (p *provider) CreateCache(_ context.Context, cfg Configuration) (Cache, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.caches[cfg.Name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrCacheExists, cfg.Name)
	}
	c := p.factory(cfg, p.opts)
	p.caches[cfg.Name] = c
	return c, nil
}

func (p *provider) GetCache(name string) (Cache, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.caches[name]
	return c, ok
}

func (p *provider) CacheNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.caches))
	for name := range p.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *provider) DestroyCache(_ context.Context, name string) error {
	p.mu.Lock()
	c, ok := p.caches[name]
	delete(p.caches, name)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.Close()
}

func (p *provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	caches := make([]Cache, 0, len(p.caches))
	for _, c := range p.caches {
		caches = append(caches, c)
	}
	p.caches = make(map[string]Cache)
	p.mu.Unlock()

	var firstErr error
	for _, c := range caches {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *provider) ProviderName() string {
	return p.name
}

func (p *provider) ProviderStats() ProviderStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.caches))
	for name := range p.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return ProviderStats{
		ID:         p.id,
		Provider:   p.name,
		CacheCount: len(names),
		Names:      names,
		Closed:     p.closed,
	}
}
