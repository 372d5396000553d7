// Package store is the retention layer of the cache: a key-to-entry index
// parameterized by how strongly values are held. Eager entries are ordinary
// strong references. Ephemeral entries are held through weak handles and may
// vanish at the next collection pass. Releasable entries are weak too, but a
// bounded "pressure valve" of strong pins keeps the hot subset alive until
// system memory pressure forces it to let go.
package store

import (
	"runtime"
	"sync"
	"time"
	"weak"

	"go.uber.org/zap"
)

// Tier is the memory-pressure sensitivity class of stored values.
type Tier string

const (
	// TierEager never releases values early; removal and eviction only.
	TierEager Tier = "EAGER"
	// TierReleasable lets the runtime reclaim values when the pressure
	// valve unpins them. Intended for large, regenerable data.
	TierReleasable Tier = "RELEASABLE"
	// TierEphemeral lets the runtime reclaim values at its next
	// collection pass. Intended for short-lived derived data.
	TierEphemeral Tier = "EPHEMERAL"
)

// Valid reports whether t is a recognized tier.
func (t Tier) Valid() bool {
	switch t {
	case TierEager, TierReleasable, TierEphemeral:
		return true
	}
	return false
}

const reclaimBuffer = 1024

// Store is a concurrency-safe key index over entries. Every operation first
// drains pending reclamation notifications so the index never outlives the
// underlying values for long.
type Store struct {
	tier    Tier
	log     *zap.Logger
	valve   *valve
	monitor *pressureMonitor

	// reclaimed receives keys whose box was collected. Delivery is
	// best-effort: a full channel drops the notification and the sweep
	// in Snapshot/Get catches the entry later.
	reclaimed chan string

	mu      sync.RWMutex
	entries map[string]*Entry
	pruned  []string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for pressure-release events.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithValveCapacity bounds how many releasable values stay pinned. Only
// meaningful for TierReleasable. Defaults to DefaultValveCapacity.
func WithValveCapacity(n int) Option {
	return func(s *Store) { s.valve = newValve(n) }
}

// WithPressureMonitor configures the memory monitor for TierReleasable:
// when system memory usage crosses threshold percent, half of the pinned
// values are released. A threshold <= 0 disables the monitor.
func WithPressureMonitor(threshold float64, interval time.Duration) Option {
	return func(s *Store) {
		s.monitor = newPressureMonitor(threshold, interval)
	}
}

// New creates a Store for the given retention tier.
func New(tier Tier, opts ...Option) *Store {
	s := &Store{
		tier:    tier,
		log:     zap.NewNop(),
		entries: make(map[string]*Entry),
	}
	if tier != TierEager {
		s.reclaimed = make(chan string, reclaimBuffer)
	}
	if tier == TierReleasable {
		s.valve = newValve(DefaultValveCapacity)
		s.monitor = newPressureMonitor(DefaultPressureThreshold, DefaultPressureInterval)
	}
	for _, opt := range opts {
		opt(s)
	}
	if tier != TierReleasable {
		s.valve = nil
		s.monitor = nil
	}
	if s.monitor != nil {
		s.monitor.start(s.valve, s.log)
	}
	return s
}

// Put stores a value with its expiry metadata, returning the previous value
// if one was live. ttl is the entry's own sliding time-to-live; sliding is
// the first deadline computed from it.
func (s *Store) Put(key string, val any, ttl time.Duration, created, sliding, absolute time.Time) (any, bool) {
	s.drain()
	e := s.newEntry(key, val, ttl, created, sliding, absolute)
	s.mu.Lock()
	prev, had := s.liveValueLocked(key)
	s.entries[key] = e
	s.mu.Unlock()
	return prev, had
}

// Get returns the entry for key. Entries whose value was reclaimed are
// pruned opportunistically and reported as absent.
func (s *Store) Get(key string) (*Entry, bool) {
	s.drain()
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if _, live := e.Value(); !live {
		s.prune(key, e)
		return nil, false
	}
	if s.valve != nil {
		s.valve.touch(key)
	}
	return e, true
}

// Remove deletes the entry for key, returning its value if it was live.
func (s *Store) Remove(key string) (any, bool) {
	s.drain()
	s.mu.Lock()
	prev, had := s.liveValueLocked(key)
	delete(s.entries, key)
	s.mu.Unlock()
	if s.valve != nil {
		s.valve.release(key)
	}
	return prev, had
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.drain()
	s.mu.Lock()
	clear(s.entries)
	s.pruned = nil
	s.mu.Unlock()
	if s.valve != nil {
		s.valve.clear()
	}
}

// Len reports the number of indexed keys, including entries whose
// reclamation has not been discovered yet.
func (s *Store) Len() int {
	s.drain()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Keys returns a snapshot of the indexed keys.
func (s *Store) Keys() []string {
	s.drain()
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// ToMap returns an immutable snapshot of all live key/value pairs.
func (s *Store) ToMap() map[string]any {
	s.drain()
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := make(map[string]any, len(s.entries))
	for k, e := range s.entries {
		if v, live := e.Value(); live {
			m[k] = v
		}
	}
	return m
}

// Snapshot returns the current entries. The slice is a copy; the entries
// are shared.
func (s *Store) Snapshot() []*Entry {
	s.drain()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// TakeReclaimed returns the keys pruned since the last call. The cache
// engine uses this to retire eviction bookkeeping for reclaimed entries.
func (s *Store) TakeReclaimed() []string {
	s.drain()
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pruned
	s.pruned = nil
	return p
}

// Close stops the pressure monitor. The index itself needs no teardown.
func (s *Store) Close() {
	if s.monitor != nil {
		s.monitor.stop()
	}
}

func (s *Store) newEntry(key string, val any, ttl time.Duration, created, sliding, absolute time.Time) *Entry {
	e := &Entry{key: key, ttl: ttl}
	if !absolute.IsZero() {
		e.absolute = absolute.UnixNano()
	}
	e.created.Store(created.UnixNano())
	e.sliding.Store(sliding.UnixNano())
	if s.tier == TierEager {
		e.strong = &box{val: val}
		return e
	}
	b := &box{val: val}
	e.handle = weak.Make(b)
	runtime.AddCleanup(b, s.notifyReclaimed, key)
	if s.valve != nil {
		s.valve.pin(key, b)
	}
	return e
}

func (s *Store) notifyReclaimed(key string) {
	select {
	case s.reclaimed <- key:
	default:
	}
}

// drain prunes index entries whose value the runtime reclaimed since the
// last store operation.
func (s *Store) drain() {
	if s.reclaimed == nil || len(s.reclaimed) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		select {
		case k := <-s.reclaimed:
			e, ok := s.entries[k]
			if !ok {
				continue
			}
			// The key may have been re-put with a live box since the
			// old one was collected.
			if _, live := e.Value(); live {
				continue
			}
			delete(s.entries, k)
			s.pruned = append(s.pruned, k)
		default:
			return
		}
	}
}

func (s *Store) prune(key string, e *Entry) {
	s.mu.Lock()
	if cur, ok := s.entries[key]; ok && cur == e {
		delete(s.entries, key)
		s.pruned = append(s.pruned, key)
	}
	s.mu.Unlock()
	if s.valve != nil {
		s.valve.release(key)
	}
}

func (s *Store) liveValueLocked(key string) (any, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value()
}
