package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/agentuity/go-cache/metrics"
)

// Cache is a read-through, optionally write-through/write-behind in-process
// cache. All methods are safe for concurrent use.
type Cache interface {
	// Get returns the value for key, loading it through the configured
	// Loader when absent or expired. Under LoadAsync a stale value is
	// returned immediately while a background reload runs; the caller
	// only blocks on the very first load of a key.
	Get(ctx context.Context, key string) (any, error)

	// GetIfPresent returns the value for key without ever triggering a
	// load.
	GetIfPresent(key string) (any, bool)

	// GetAll returns an immutable snapshot of all live key/value pairs.
	GetAll() map[string]any

	// Set stores a value under the default TTL and returns the previous
	// value, if any. Under WriteThrough a writer failure is returned
	// after the cache mutation has already applied.
	Set(ctx context.Context, key string, val any) (any, error)

	// SetTTL stores a value with a custom TTL. A ttl <= 0 falls back to
	// the configured default.
	SetTTL(ctx context.Context, key string, val any, ttl time.Duration) (any, error)

	// SetAll stores every entry in one pass. Bulk inserts do not run
	// per-item eviction and may temporarily exceed MaxSize; the
	// overshoot is logged as a capacity warning, not enforced.
	SetAll(ctx context.Context, entries map[string]any) error

	// Remove deletes key, returning the previous value, and applies the
	// write strategy's delete side effect.
	Remove(ctx context.Context, key string) (any, error)

	// RemoveAll clears the cache and applies the delete side effect for
	// every removed key.
	RemoveAll(ctx context.Context) error

	// RemoveExpired sweeps out expired entries and returns how many
	// were removed.
	RemoveExpired() int

	// Keys returns a snapshot of the cached keys.
	Keys() []string

	// Size returns the number of cached entries.
	Size() int

	// WarmUp bulk-loads the cache through the Loader's LoadAll, when it
	// implements BulkLoader. Partial failures are logged and skipped.
	WarmUp(ctx context.Context) error

	// WarmUpKeys pre-loads the given keys, tolerating individual load
	// failures.
	WarmUpKeys(ctx context.Context, keys []string) error

	// Metrics returns a point-in-time snapshot of the cache counters.
	Metrics() metrics.Snapshot

	// Close tears down all background work, performs one final
	// write-behind flush, and waits for workers within a bounded grace
	// period. Close is idempotent; subsequent calls are no-ops.
	Close() error
}

// Loader fetches a value from the backing data source on a cache miss.
// Any collaborator satisfying Loader can back a cache, including another
// Cache wrapped with AsLoader, which composes multi-level topologies.
type Loader interface {
	Load(ctx context.Context, key string) (any, error)
}

// LoaderFunc adapts a plain function to the Loader interface.
type LoaderFunc func(ctx context.Context, key string) (any, error)

func (f LoaderFunc) Load(ctx context.Context, key string) (any, error) {
	return f(ctx, key)
}

// BulkLoader is an optional Loader extension used by WarmUp. Loaders that
// do not implement it warm up to an empty set.
type BulkLoader interface {
	LoadAll(ctx context.Context) (map[string]any, error)
}

// Writer propagates cache mutations to the backing store. Required for
// WriteThrough and WriteBehind.
type Writer interface {
	Write(ctx context.Context, key string, val any) error
	WriteAll(ctx context.Context, entries map[string]any) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context, keys []string) error
	Flush(ctx context.Context) error
}

// AsLoader exposes a Cache as a Loader so it can back another cache:
//
//	l2, _ := cache.New(dbLoader)
//	l1, _ := cache.New(cache.AsLoader(l2), cache.WithTTL(time.Minute))
func AsLoader(c Cache) Loader {
	return LoaderFunc(c.Get)
}

// Get is a type-safe wrapper over Cache.Get. It fails with ErrLoadFailed
// when the cached value is not assignable to T.
func Get[T any](ctx context.Context, c Cache, key string) (T, error) {
	val, err := c.Get(ctx, key)
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := val.(T)
	if !ok {
		var zero T
		return zero, errors.Mark(errors.Newf("cache: value for %q is %T, not %T", key, val, zero), ErrLoadFailed)
	}
	return typed, nil
}
