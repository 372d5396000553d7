// Package cache is a generic in-process key-value cache that fronts a slow
// backing data source (database, remote API, file) with time-based expiry,
// pluggable eviction, pluggable load/write propagation, and optional
// proactive refresh.
//
// # Reading
//
// [Cache.Get] is read-through: a miss or expired entry invokes the
// configured [Loader]. Under [LoadSync] the caller blocks inside an
// engine-wide exclusive load section with a double-check, so concurrent
// misses for the same key execute the loader once. Under [LoadAsync] an
// expired entry's stale value is returned immediately and a single
// deduplicated background reload freshens it. At most one reload is in
// flight per key at any instant, so a thundering herd of callers produces
// exactly one loader execution.
//
// Entries carry two deadlines. The sliding TTL is measured from the last
// write or valid read and gets up to 10% random jitter so simultaneously
// written entries do not expire in lockstep. The optional forced TTL is
// fixed at creation and always dominates: once crossed, the entry is
// invalid no matter how recently it was read.
//
// With [RefreshAhead], a hit on an entry older than TTL×factor schedules a
// background reload before the entry ever expires, keeping hot keys warm.
// A failed refresh keeps the stale value and defers the next attempt.
//
// # Writing
//
// [Cache.Set] and [Cache.Remove] apply the configured [WriteStrategy]:
// [WriteReadOnly] does nothing, [WriteThrough] calls the [Writer]
// synchronously (a writer failure is reported after the cache mutation has
// already applied), and [WriteBehind] queues operations for a background
// flusher that batches by size or interval, groups puts and deletes into
// bulk calls, and retries with a fixed delay. Exhausted retries are logged
// and dropped; write-behind durability is explicitly best-effort.
//
// # Retention tiers
//
// Values are held at one of three tiers (see [store.Tier]): EAGER values
// are ordinary strong references; EPHEMERAL values may be reclaimed by the
// runtime at its next collection pass; RELEASABLE values stay pinned in a
// bounded LRU valve that releases its coldest pins when system memory
// usage crosses a threshold.
//
// # Composition
//
// Anything satisfying [Loader] can back a cache, including another cache
// wrapped with [AsLoader], which yields multi-level topologies:
//
//	l2, _ := cache.New(dbLoader, cache.WithTTL(time.Hour))
//	l1, _ := cache.New(cache.AsLoader(l2), cache.WithTTL(time.Minute))
//
// # Shutdown
//
// [Cache.Close] cancels all background work, performs exactly one final
// write-behind flush, and waits for workers within a bounded grace period
// before abandoning them. Close is idempotent.
package cache
