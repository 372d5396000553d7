package cache

import "github.com/cockroachdb/errors"

// Sentinel errors marking the cache failure taxonomy. Use errors.Is (or the
// Is* helpers) rather than comparing directly: returned errors carry the
// sentinel as a mark plus key and cause context.
var (
	// ErrLoadFailed marks loader failures surfaced to callers. Only
	// synchronous loads propagate it; background reload failures are
	// logged and the stale value is preserved.
	ErrLoadFailed = errors.New("cache: load failed")

	// ErrWriteFailed marks writer failures. Write-through propagates it
	// after the cache mutation already applied; write-behind never
	// surfaces it to a caller.
	ErrWriteFailed = errors.New("cache: write failed")

	// ErrConfig marks invalid configuration detected at construction.
	ErrConfig = errors.New("cache: invalid configuration")

	// ErrClosed is returned by operations on a closed cache.
	ErrClosed = errors.New("cache: closed")
)

// IsLoadFailure reports whether err originated in the Loader.
func IsLoadFailure(err error) bool { return errors.Is(err, ErrLoadFailed) }

// IsWriteFailure reports whether err originated in the Writer.
func IsWriteFailure(err error) bool { return errors.Is(err, ErrWriteFailed) }
