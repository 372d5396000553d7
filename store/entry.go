package store

import (
	"time"
	"weak"

	"go.uber.org/atomic"
)

// box is the unit of retention. Non-eager tiers hold it only through a weak
// handle so the runtime may reclaim it once no strong reference remains.
type box struct {
	val any
}

// Entry is a single cached value plus the expiry metadata that must live and
// die with it. Timestamps are atomics because the hot read path inspects and
// extends them without holding the store lock.
type Entry struct {
	key      string
	strong   *box
	handle   weak.Pointer[box]
	ttl      time.Duration // fixed at creation
	created  atomic.Int64
	sliding  atomic.Int64
	absolute int64 // fixed at creation, 0 = no absolute expiry
}

func (e *Entry) Key() string { return e.key }

// TTL returns the sliding time-to-live the entry was written with. Readers
// use it to extend the sliding deadline, so a per-entry TTL keeps applying
// across accesses.
func (e *Entry) TTL() time.Duration { return e.ttl }

// Value returns the retained value. The second return is false when the
// runtime reclaimed it, which callers must treat as absent.
func (e *Entry) Value() (any, bool) {
	if e.strong != nil {
		return e.strong.val, true
	}
	if b := e.handle.Value(); b != nil {
		return b.val, true
	}
	return nil, false
}

func (e *Entry) CreatedAt() time.Time {
	return time.Unix(0, e.created.Load())
}

// SetCreatedAt resets the creation timestamp. Used after a background
// reload, successful or not, so refresh-ahead math restarts from now.
func (e *Entry) SetCreatedAt(t time.Time) {
	e.created.Store(t.UnixNano())
}

func (e *Entry) SlidingExpiry() time.Time {
	return time.Unix(0, e.sliding.Load())
}

// SetSlidingExpiry extends (or shortens) the sliding deadline. Recomputed on
// every write and on every valid read.
func (e *Entry) SetSlidingExpiry(t time.Time) {
	e.sliding.Store(t.UnixNano())
}

// AbsoluteExpiry returns the hard deadline, or the zero time when none is
// configured.
func (e *Entry) AbsoluteExpiry() time.Time {
	if e.absolute == 0 {
		return time.Time{}
	}
	return time.Unix(0, e.absolute)
}

// Expired reports whether the entry is invalid at now. The absolute deadline
// always dominates: once crossed, no amount of recent access keeps the entry
// alive.
func (e *Entry) Expired(now time.Time) bool {
	n := now.UnixNano()
	if e.absolute != 0 && n >= e.absolute {
		return true
	}
	return n >= e.sliding.Load()
}
