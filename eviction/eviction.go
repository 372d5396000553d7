package eviction

import "github.com/cockroachdb/errors"

// Tracker maintains per-key bookkeeping for a victim-selection policy.
// Trackers are not safe for concurrent use; the cache engine serializes
// every call together with the matching store mutation.
type Tracker interface {
	// OnInsert records that a key was written to the cache.
	OnInsert(key string)
	// OnAccess records that a key was read. Access-insensitive policies
	// (FIFO, TTL, Random) ignore this.
	OnAccess(key string)
	// OnRemove drops all bookkeeping for a key, whether it was removed
	// explicitly, expired, or evicted.
	OnRemove(key string)
	// Victim returns the key the policy would evict next. It does not
	// remove the key; the engine calls OnRemove once the store entry is
	// actually gone. Returns false when nothing is tracked.
	Victim() (string, bool)
	// Len reports how many keys are currently tracked.
	Len() int
	// Clear drops all bookkeeping.
	Clear()
}

// Policy identifies a victim-selection strategy.
type Policy string

const (
	// LRU evicts the least-recently-accessed key.
	LRU Policy = "LRU"
	// LFU evicts the least-frequently-accessed key, oldest first on ties.
	LFU Policy = "LFU"
	// FIFO evicts the earliest-inserted key regardless of access.
	FIFO Policy = "FIFO"
	// Random evicts a uniformly chosen key.
	Random Policy = "RANDOM"
	// TTL evicts the key with the earliest creation time, where
	// re-inserting a key refreshes its creation.
	TTL Policy = "TTL"
)

// New returns a Tracker for the given policy.
func New(policy Policy) (Tracker, error) {
	switch policy {
	case LRU:
		return newLRU(), nil
	case LFU:
		return newLFU(), nil
	case FIFO:
		return newFIFO(), nil
	case Random:
		return newRandom(), nil
	case TTL:
		return newInsertionAge(), nil
	}
	return nil, errors.Newf("eviction: unknown policy %q", string(policy))
}
