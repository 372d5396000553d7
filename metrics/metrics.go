package metrics

import (
	"time"

	"go.uber.org/atomic"
)

// Collector records cache activity. Implementations must be safe for
// concurrent use from the hot read path, so no locking is allowed.
type Collector interface {
	Hit()
	Miss()
	LoadSuccess(elapsed time.Duration)
	LoadFailure(elapsed time.Duration)
	Eviction()
	Expiration()
	Refresh()
	WriteBehindFlush(ops int)
	WriteBehindDrop(ops int)
	// Snapshot returns a point-in-time copy of all counters.
	Snapshot() Snapshot
	// Reset zeroes all counters.
	Reset()
}

// Snapshot is an immutable copy of the collector's counters.
type Snapshot struct {
	Hits               uint64
	Misses             uint64
	LoadSuccesses      uint64
	LoadFailures       uint64
	Evictions          uint64
	Expirations        uint64
	Refreshes          uint64
	WriteBehindFlushes uint64
	WriteBehindDrops   uint64
	LoadCount          uint64
	LoadTime           time.Duration
}

// HitRatio returns hits/(hits+misses), or 0 when there has been no traffic.
func (s Snapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// AverageLoadTime returns the mean loader latency across successful and
// failed loads, or 0 when no load has run.
func (s Snapshot) AverageLoadTime() time.Duration {
	if s.LoadCount == 0 {
		return 0
	}
	return s.LoadTime / time.Duration(s.LoadCount)
}

type collector struct {
	hits        atomic.Uint64
	misses      atomic.Uint64
	loadOK      atomic.Uint64
	loadFail    atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
	refreshes   atomic.Uint64
	wbFlushes   atomic.Uint64
	wbDrops     atomic.Uint64
	loadCount   atomic.Uint64
	loadNanos   atomic.Int64
}

// New returns a lock-free Collector backed by atomic counters.
func New() Collector {
	return &collector{}
}

func (c *collector) Hit()  { c.hits.Inc() }
func (c *collector) Miss() { c.misses.Inc() }

func (c *collector) LoadSuccess(elapsed time.Duration) {
	c.loadOK.Inc()
	c.loadCount.Inc()
	c.loadNanos.Add(int64(elapsed))
}

func (c *collector) LoadFailure(elapsed time.Duration) {
	c.loadFail.Inc()
	c.loadCount.Inc()
	c.loadNanos.Add(int64(elapsed))
}

func (c *collector) Eviction()   { c.evictions.Inc() }
func (c *collector) Expiration() { c.expirations.Inc() }
func (c *collector) Refresh()    { c.refreshes.Inc() }

func (c *collector) WriteBehindFlush(ops int) { c.wbFlushes.Add(uint64(ops)) }
func (c *collector) WriteBehindDrop(ops int)  { c.wbDrops.Add(uint64(ops)) }

func (c *collector) Snapshot() Snapshot {
	return Snapshot{
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		LoadSuccesses:      c.loadOK.Load(),
		LoadFailures:       c.loadFail.Load(),
		Evictions:          c.evictions.Load(),
		Expirations:        c.expirations.Load(),
		Refreshes:          c.refreshes.Load(),
		WriteBehindFlushes: c.wbFlushes.Load(),
		WriteBehindDrops:   c.wbDrops.Load(),
		LoadCount:          c.loadCount.Load(),
		LoadTime:           time.Duration(c.loadNanos.Load()),
	}
}

func (c *collector) Reset() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.loadOK.Store(0)
	c.loadFail.Store(0)
	c.evictions.Store(0)
	c.expirations.Store(0)
	c.refreshes.Store(0)
	c.wbFlushes.Store(0)
	c.wbDrops.Store(0)
	c.loadCount.Store(0)
	c.loadNanos.Store(0)
}

// Nop is a Collector that discards every event. It is used when metrics
// collection is disabled so callers never need nil checks.
type Nop struct{}

var _ Collector = Nop{}

func (Nop) Hit()                      {}
func (Nop) Miss()                     {}
func (Nop) LoadSuccess(time.Duration) {}
func (Nop) LoadFailure(time.Duration) {}
func (Nop) Eviction()                 {}
func (Nop) Expiration()               {}
func (Nop) Refresh()                  {}
func (Nop) WriteBehindFlush(int)      {}
func (Nop) WriteBehindDrop(int)       {}
func (Nop) Snapshot() Snapshot        { return Snapshot{} }
func (Nop) Reset()                    {}
