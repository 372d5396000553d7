package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingLoader struct {
	mu     sync.Mutex
	calls  int
	values map[string]any
	delay  time.Duration
	fail   bool
}

func (l *countingLoader) Load(_ context.Context, key string) (any, error) {
	l.mu.Lock()
	l.calls++
	val, ok := l.values[key]
	fail := l.fail
	delay := l.delay
	l.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if fail || !ok {
		return nil, errors.Newf("no such key %q", key)
	}
	return val, nil
}

func (l *countingLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

func (l *countingLoader) set(key string, val any) {
	l.mu.Lock()
	l.values[key] = val
	l.mu.Unlock()
}

func (l *countingLoader) setFail(fail bool) {
	l.mu.Lock()
	l.fail = fail
	l.mu.Unlock()
}

func newLoader(values map[string]any) *countingLoader {
	if values == nil {
		values = make(map[string]any)
	}
	return &countingLoader{values: values}
}

type bulkLoader struct {
	*countingLoader
	all map[string]any
}

func (l *bulkLoader) LoadAll(context.Context) (map[string]any, error) {
	return l.all, nil
}

func mustNew(t *testing.T, loader Loader, opts ...Option) Cache {
	t.Helper()
	opts = append([]Option{WithAutoCleanup(false, 0), WithShutdownGrace(time.Second)}, opts...)
	c, err := New(loader, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestGetLoadsOnce(t *testing.T) {
	loader := newLoader(map[string]any{"a": 1})
	c := mustNew(t, loader)
	ctx := context.Background()

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, val)

	val, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, val)
	assert.Equal(t, 1, loader.count())

	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.Hits)
	assert.Equal(t, uint64(1), snap.Misses)
	assert.Equal(t, uint64(1), snap.LoadSuccesses)
}

func TestSetThenGetDoesNotLoad(t *testing.T) {
	loader := newLoader(nil)
	c := mustNew(t, loader, WithTTL(time.Minute))
	ctx := context.Background()

	prev, err := c.Set(ctx, "a", "v")
	require.NoError(t, err)
	assert.Nil(t, prev)

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, 0, loader.count())
}

func TestSetReturnsPreviousValue(t *testing.T) {
	c := mustNew(t, newLoader(nil))
	ctx := context.Background()
	_, _ = c.Set(ctx, "a", 1)
	prev, err := c.Set(ctx, "a", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, prev)
}

func TestSetTTLKeepsCustomTTLAcrossReads(t *testing.T) {
	loader := newLoader(map[string]any{"a": "reloaded"})
	c := mustNew(t, loader, WithTTL(40*time.Millisecond))
	ctx := context.Background()

	_, err := c.SetTTL(ctx, "a", "v", time.Minute)
	require.NoError(t, err)

	// The read extends the sliding deadline with the entry's own TTL,
	// not the engine default.
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	time.Sleep(120 * time.Millisecond) // well past the default TTL

	val, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, 0, loader.count())
}

func TestSetTTLShorterThanDefaultExpiresEarly(t *testing.T) {
	loader := newLoader(map[string]any{"a": "reloaded"})
	c := mustNew(t, loader, WithTTL(time.Hour))
	ctx := context.Background()

	_, _ = c.SetTTL(ctx, "a", "v", 30*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "reloaded", val)
	assert.Equal(t, 1, loader.count())
}

func TestSyncReloadAfterExpiry(t *testing.T) {
	loader := newLoader(map[string]any{"a": "fresh"})
	c := mustNew(t, loader, WithTTL(50*time.Millisecond))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "stale")
	time.Sleep(120 * time.Millisecond)

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "fresh", val)
	assert.Equal(t, 1, loader.count())
}

func TestAsyncReturnsStaleThenFresh(t *testing.T) {
	loader := newLoader(map[string]any{"a": "fresh"})
	c := mustNew(t, loader,
		WithTTL(50*time.Millisecond),
		WithLoadStrategy(LoadAsync))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "stale")
	time.Sleep(120 * time.Millisecond)

	// Expired: the caller gets the stale value immediately.
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "stale", val)

	require.Eventually(t, func() bool {
		v, err := c.Get(ctx, "a")
		return err == nil && v == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAsyncStampedeTriggersSingleLoad(t *testing.T) {
	loader := newLoader(map[string]any{"a": "fresh"})
	loader.delay = 100 * time.Millisecond
	c := mustNew(t, loader,
		WithTTL(50*time.Millisecond),
		WithLoadStrategy(LoadAsync))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "stale")
	time.Sleep(120 * time.Millisecond)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.Get(ctx, "a")
			assert.NoError(t, err)
			assert.Equal(t, "stale", val)
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		v, _ := c.Get(ctx, "a")
		return v == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, loader.count())
}

func TestSyncConcurrentMissesLoadOnce(t *testing.T) {
	loader := newLoader(map[string]any{"a": 42})
	loader.delay = 50 * time.Millisecond
	c := mustNew(t, loader)
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := c.Get(ctx, "a")
			assert.NoError(t, err)
			assert.Equal(t, 42, val)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, loader.count())

	// Only the caller that ran the loader counts as a miss; everyone
	// satisfied by its result is a hit.
	snap := c.Metrics()
	assert.Equal(t, uint64(1), snap.Misses)
	assert.Equal(t, uint64(9), snap.Hits)
}

func TestSyncLoadFailurePropagatesAndPurges(t *testing.T) {
	loader := newLoader(nil)
	c := mustNew(t, loader)

	_, err := c.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, uint64(1), c.Metrics().LoadFailures)
}

func TestEvictionLRU(t *testing.T) {
	c := mustNew(t, newLoader(nil), WithMaxSize(3), WithEvictionPolicy("LRU"))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", 1)
	_, _ = c.Set(ctx, "b", 2)
	_, _ = c.Set(ctx, "c", 3)
	_, ok := c.GetIfPresent("a") // a becomes most recently used
	require.True(t, ok)

	_, _ = c.Set(ctx, "d", 4) // evicts b, the least recently used
	assert.Equal(t, 3, c.Size())
	_, ok = c.GetIfPresent("b")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"a", "c", "d"}, c.Keys())
	assert.Equal(t, uint64(1), c.Metrics().Evictions)
}

func TestEvictionOnePerInsert(t *testing.T) {
	c := mustNew(t, newLoader(nil), WithMaxSize(2), WithEvictionPolicy("FIFO"))
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		_, _ = c.Set(ctx, k, k)
		assert.LessOrEqual(t, c.Size(), 2)
	}
	assert.ElementsMatch(t, []string{"d", "e"}, c.Keys())
}

func TestForcedTTLDominatesSlidingTTL(t *testing.T) {
	loader := newLoader(map[string]any{"a": "reloaded"})
	c := mustNew(t, loader,
		WithTTL(80*time.Millisecond),
		WithForcedTTL(400*time.Millisecond))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "original")
	start := time.Now()

	// Continuous access keeps the sliding deadline moving, but must not
	// outlive the absolute one.
	for time.Since(start) < 250*time.Millisecond {
		val, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "original", val)
		time.Sleep(30 * time.Millisecond)
	}
	assert.Equal(t, 0, loader.count())

	time.Sleep(250 * time.Millisecond) // now past the forced deadline
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "reloaded", val)
	assert.Equal(t, 1, loader.count())
}

func TestRefreshAheadSchedulesOneReload(t *testing.T) {
	loader := newLoader(map[string]any{"a": "fresh"})
	loader.delay = 50 * time.Millisecond
	c := mustNew(t, loader,
		WithTTL(300*time.Millisecond),
		WithRefreshAhead(0.4))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "warm")
	time.Sleep(150 * time.Millisecond) // past ttl*factor, before expiry

	// A burst of hits while the reload is in flight schedules it once.
	for range 5 {
		val, err := c.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "warm", val)
	}

	require.Eventually(t, func() bool {
		v, _ := c.Get(ctx, "a")
		return v == "fresh"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, loader.count())
	assert.Equal(t, uint64(1), c.Metrics().Refreshes)
}

func TestRefreshAheadFailureKeepsStaleValue(t *testing.T) {
	loader := newLoader(map[string]any{"a": "fresh"})
	c := mustNew(t, loader,
		WithTTL(300*time.Millisecond),
		WithRefreshAhead(0.3))
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "warm")
	loader.setFail(true)
	time.Sleep(150 * time.Millisecond)

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "warm", val)

	require.Eventually(t, func() bool {
		return loader.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The failed refresh is swallowed and the stale value survives.
	val, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "warm", val)
}

func TestRemoveReturnsPreviousAndForgets(t *testing.T) {
	loader := newLoader(map[string]any{"a": "reloaded"})
	c := mustNew(t, loader)
	ctx := context.Background()

	_, _ = c.Set(ctx, "a", "v")
	prev, err := c.Remove(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", prev)
	assert.Equal(t, 0, c.Size())

	// Next read goes back to the loader.
	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "reloaded", val)
}

func TestRemoveExpiredSweep(t *testing.T) {
	c := mustNew(t, newLoader(nil), WithTTL(40*time.Millisecond))
	ctx := context.Background()
	_, _ = c.Set(ctx, "a", 1)
	_, _ = c.Set(ctx, "b", 2)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 2, c.RemoveExpired())
	assert.Equal(t, 0, c.Size())
	assert.Equal(t, uint64(2), c.Metrics().Expirations)
}

func TestAutoCleanupSweepsWithoutAccess(t *testing.T) {
	loader := newLoader(nil)
	c, err := New(loader,
		WithTTL(30*time.Millisecond),
		WithAutoCleanup(true, 50*time.Millisecond))
	require.NoError(t, err)
	defer c.Close()

	_, _ = c.Set(context.Background(), "a", 1)
	require.Eventually(t, func() bool {
		return c.Size() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWarmUpBulkLoads(t *testing.T) {
	loader := &bulkLoader{
		countingLoader: newLoader(nil),
		all:            map[string]any{"a": 1, "b": 2},
	}
	c := mustNew(t, loader)
	ctx := context.Background()

	require.NoError(t, c.WarmUp(ctx))
	assert.Equal(t, 2, c.Size())

	val, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, val)
	assert.Equal(t, 0, loader.count())
}

func TestWarmUpKeysToleratesPartialFailure(t *testing.T) {
	loader := newLoader(map[string]any{"a": 1})
	c := mustNew(t, loader)

	require.NoError(t, c.WarmUpKeys(context.Background(), []string{"a", "missing"}))
	assert.Equal(t, 1, c.Size())
	val, ok := c.GetIfPresent("a")
	require.True(t, ok)
	assert.Equal(t, 1, val)
}

func TestBulkInsertMayOvershootMaxSize(t *testing.T) {
	c := mustNew(t, newLoader(nil), WithMaxSize(2))
	err := c.SetAll(context.Background(), map[string]any{"a": 1, "b": 2, "c": 3, "d": 4})
	require.NoError(t, err)
	assert.Equal(t, 4, c.Size())
}

func TestTieredComposition(t *testing.T) {
	loader := newLoader(map[string]any{"a": "deep"})
	l2 := mustNew(t, loader, WithTTL(time.Hour))
	l1 := mustNew(t, AsLoader(l2), WithTTL(time.Minute))
	ctx := context.Background()

	val, err := l1.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "deep", val)
	assert.Equal(t, 1, loader.count())

	// The L1 hit never reaches L2 or the loader again.
	_, err = l1.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.count())
	assert.Equal(t, uint64(1), l2.Metrics().Misses)
}

func TestTypedGet(t *testing.T) {
	c := mustNew(t, newLoader(map[string]any{"n": 7}))
	ctx := context.Background()

	n, err := Get[int](ctx, c, "n")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = Get[string](ctx, c, "n")
	require.Error(t, err)
	assert.True(t, IsLoadFailure(err))
}

func TestCloseIsIdempotent(t *testing.T) {
	c, err := New(newLoader(nil))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err = c.Get(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = c.Set(context.Background(), "a", 1)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	assert.ErrorIs(t, err, ErrConfig)

	loader := newLoader(nil)
	_, err = New(loader, WithTTL(-time.Second))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(loader, WithEvictionPolicy("CLOCK"))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = New(loader, WithWriteStrategy(WriteThrough))
	assert.ErrorIs(t, err, ErrConfig) // no writer supplied

	_, err = New(loader, WithRefreshAhead(1.5))
	assert.ErrorIs(t, err, ErrConfig)

	// A zero flush interval would panic the flusher's ticker.
	_, err = New(loader,
		WithWriter(newRecordingWriter()),
		WithWriteStrategy(WriteBehind),
		WithWriteBehind(10, 0, 3, time.Millisecond))
	assert.ErrorIs(t, err, ErrConfig)
}
