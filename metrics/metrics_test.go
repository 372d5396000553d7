package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := New()
	c.Hit()
	c.Hit()
	c.Miss()
	c.LoadSuccess(10 * time.Millisecond)
	c.LoadFailure(30 * time.Millisecond)
	c.Eviction()
	c.Expiration()
	c.Refresh()
	c.WriteBehindFlush(5)
	c.WriteBehindDrop(2)

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, uint64(1), s.LoadSuccesses)
	assert.Equal(t, uint64(1), s.LoadFailures)
	assert.Equal(t, uint64(1), s.Evictions)
	assert.Equal(t, uint64(1), s.Expirations)
	assert.Equal(t, uint64(1), s.Refreshes)
	assert.Equal(t, uint64(5), s.WriteBehindFlushes)
	assert.Equal(t, uint64(2), s.WriteBehindDrops)
	assert.Equal(t, uint64(2), s.LoadCount)
	assert.Equal(t, 40*time.Millisecond, s.LoadTime)
	assert.Equal(t, 20*time.Millisecond, s.AverageLoadTime())
	assert.InDelta(t, 2.0/3.0, s.HitRatio(), 1e-9)
}

func TestSnapshotZeroTraffic(t *testing.T) {
	s := New().Snapshot()
	assert.Zero(t, s.HitRatio())
	assert.Zero(t, s.AverageLoadTime())
}

func TestReset(t *testing.T) {
	c := New()
	c.Hit()
	c.Miss()
	c.LoadSuccess(time.Millisecond)
	c.Reset()
	assert.Equal(t, Snapshot{}, c.Snapshot())
}

func TestConcurrentIncrements(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				c.Hit()
				c.Miss()
			}
		}()
	}
	wg.Wait()
	s := c.Snapshot()
	assert.Equal(t, uint64(8000), s.Hits)
	assert.Equal(t, uint64(8000), s.Misses)
}

func TestNopDiscardsEverything(t *testing.T) {
	var c Collector = Nop{}
	c.Hit()
	c.Miss()
	c.LoadSuccess(time.Second)
	assert.Equal(t, Snapshot{}, c.Snapshot())
}
