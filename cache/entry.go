package cache

import (
	"sync/atomic"
	"time"
)

// entry carries a cached value plus the metadata the eviction strategies and
// expiration checks need. The entry has no lock of its own; the owning cache
// (or segment) serializes structural access, while the access metadata uses
// atomics so reads stay cheap.
type entry struct {
	value       any
	createdAt   time.Time
	expiresAt   time.Time // zero means no absolute deadline
	lastAccess  atomic.Int64
	accessCount atomic.Uint64
}

func newEntry(value any, now time.Time, ttl time.Duration, hasTTL bool) *entry {
	e := &entry{value: value, createdAt: now}
	e.lastAccess.Store(now.UnixNano())
	if hasTTL && ttl >= 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}

// expired reports whether the entry is past its absolute deadline or, when
// maxIdle > 0, has not been accessed within maxIdle.
func (e *entry) expired(now time.Time, maxIdle time.Duration) bool {
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		return true
	}
	if maxIdle > 0 && now.UnixNano()-e.lastAccess.Load() > int64(maxIdle) {
		return true
	}
	return false
}

// touch marks a successful lookup.
func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
	e.accessCount.Add(1)
}
