// Package cache provides a thread-safe, statistics-bearing in-memory cache
// with configurable eviction, TTL and idle expiration, event notification,
// and multi-provider management.
//
// # Cache Interface
//
// The [Cache] interface is the full operation surface: point reads and
// writes, read-through loading, bulk operations, async variants, statistics,
// eviction control and listeners. The interface uses [any] for values rather
// than generics because Go does not allow generic methods on interfaces;
// [GetTyped] provides a type-safe read on top.
//
// # Implementations
//
// Two implementation families are provided, each behind a [Provider]:
//
//   - [NewReferenceProvider] ("ReferenceImpl") — a single-mutex map. Exact
//     eviction order for every policy, best for small or correctness-critical
//     caches.
//
//   - [NewHighPerfProvider] ("HighPerf") — the key space is split across
//     independently locked segments selected by xxhash, sized from the
//     configured concurrency level. Throughput scales with cores; victim
//     selection is segment-local and therefore approximate.
//
// Both families run a background goroutine that purges expired entries at a
// fixed interval (default 30s) and stops when the cache closes. Entries also
// expire lazily: Get, ContainsKey, AsMap and Size drop expired entries on
// contact.
//
// # Eviction
//
// Five policies are supported: LRU, LFU, FIFO, RANDOM and NONE. With NONE a
// full cache silently rejects writes of new keys; existing keys always
// overwrite. Every size-triggered eviction fires exactly one OnEvict with
// cause SIZE.
//
// # Manager
//
// A [Manager] registers providers, hands out caches by name, merges global
// defaults into configurations named "default", and aggregates statistics.
// [Default] returns a lazily-built process-wide manager; call
// [ShutdownDefault] to release it.
//
// # Events
//
// Listeners are held in a copy-on-write list and fire after the cache's
// critical section. Listener panics are contained and logged; they never fail
// the originating operation.
package cache
