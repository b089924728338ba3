// Package loader defines the unified persistence contract and a transparent
// caching wrapper around it.
//
// [Loader] is the generic contract concrete relational or document
// implementations satisfy. [Cached] wraps any Loader with a positive cache
// and a negative (known-absent) cache acquired from a [cache.Manager]:
//
//	wrapped, err := loader.NewCached[User, int64](ctx, users, "users")
//	user, found, err := wrapped.FindByID(ctx, 42)
//
// FindByID consults the positive cache, then the negative cache, then the
// delegate. Save and SaveBatch delegate first, then refresh the positive
// cache and invalidate the negative one, so at most one of the two caches
// holds a given key after any wrapper operation. Absent results are recorded
// in the negative cache under a short TTL rather than cached as nil values.
//
// Cache failures never mask delegate successes; they are logged and the
// delegate's result is returned. Async variants return a [Promise] driven by
// the same control flow. [Collect] bounds streamed batch collection by
// timeout, item count and error policy.
package loader
