package cache

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/agentuity/go-cache/eviction"
	"github.com/agentuity/go-cache/metrics"
	"github.com/agentuity/go-cache/store"
)

type engine struct {
	cfg   Config
	log   *zap.Logger
	stats metrics.Collector

	loader Loader
	writer Writer

	store   *store.Store
	tracker eviction.Tracker

	// mu guards the store index, its expiry metadata, and the eviction
	// tracker so the three always change as a unit per key. The read
	// path stays off this lock except for the tracker access note.
	mu sync.Mutex

	// loadMu is the engine-wide exclusive load section for LoadSync.
	loadMu sync.Mutex

	refreshMu  sync.Mutex
	refreshing map[string]struct{}
	reloadCh   chan string

	wb *writeBehind

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

var _ Cache = (*engine)(nil)

// New creates a cache backed by loader. The loader is required; configure
// everything else through options.
func New(loader Loader, opts ...Option) (Cache, error) {
	o := options{
		cfg: DefaultConfig(),
		log: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if loader == nil {
		return nil, errors.Mark(errors.New("no loader supplied"), ErrConfig)
	}
	if err := o.cfg.validate(o.writer); err != nil {
		return nil, err
	}
	tracker, err := eviction.New(o.cfg.EvictionPolicy)
	if err != nil {
		return nil, errors.Mark(err, ErrConfig)
	}
	collector := o.collector
	if collector == nil {
		if o.cfg.EnableMetrics {
			collector = metrics.New()
		} else {
			collector = metrics.Nop{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &engine{
		cfg:    o.cfg,
		log:    o.log,
		stats:  collector,
		loader: loader,
		writer: o.writer,
		store: store.New(o.cfg.RetentionTier,
			store.WithLogger(o.log),
			store.WithValveCapacity(o.cfg.ValveCapacity),
			store.WithPressureMonitor(o.cfg.PressureThreshold, store.DefaultPressureInterval)),
		tracker:    tracker,
		refreshing: make(map[string]struct{}),
		reloadCh:   make(chan string, o.cfg.ReloadQueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	for range c.workerCount() {
		c.wg.Add(1)
		go c.reloadWorker()
	}
	if c.cfg.WriteStrategy == WriteBehind {
		c.wb = newWriteBehind(c.writer, c.stats, c.log, c.cfg)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.wb.run()
		}()
	}
	if c.cfg.EnableAutoCleanup && c.cfg.CleanupInterval > 0 {
		c.wg.Add(1)
		go c.sweep()
	}
	return c, nil
}

func (c *engine) workerCount() int {
	if c.cfg.AsyncWorkers <= 0 {
		return 1
	}
	return c.cfg.AsyncWorkers
}

func (c *engine) Get(ctx context.Context, key string) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	now := time.Now()
	if ent, ok := c.store.Get(key); ok {
		if !ent.Expired(now) {
			if val, live := ent.Value(); live {
				c.stats.Hit()
				ent.SetSlidingExpiry(now.Add(c.jitteredTTL(ent.TTL())))
				c.touch(key)
				if c.refreshDue(ent, now) {
					c.scheduleReload(key)
				}
				return val, nil
			}
		} else if c.cfg.LoadStrategy == LoadAsync {
			// Stale but present: the caller never blocks. A single
			// deduplicated background reload freshens the entry.
			if stale, live := ent.Value(); live {
				c.stats.Miss()
				c.scheduleReload(key)
				return stale, nil
			}
		}
	}
	return c.loadSync(ctx, key)
}

func (c *engine) GetIfPresent(key string) (any, bool) {
	if c.closed.Load() {
		return nil, false
	}
	now := time.Now()
	ent, ok := c.store.Get(key)
	if !ok {
		c.stats.Miss()
		return nil, false
	}
	if ent.Expired(now) {
		c.stats.Miss()
		c.purgeExpired(key, now)
		return nil, false
	}
	val, live := ent.Value()
	if !live {
		c.stats.Miss()
		return nil, false
	}
	c.stats.Hit()
	ent.SetSlidingExpiry(now.Add(c.jitteredTTL(ent.TTL())))
	c.touch(key)
	return val, true
}

func (c *engine) GetAll() map[string]any {
	return c.store.ToMap()
}

func (c *engine) Set(ctx context.Context, key string, val any) (any, error) {
	return c.SetTTL(ctx, key, val, c.cfg.TTL)
}

func (c *engine) SetTTL(ctx context.Context, key string, val any, ttl time.Duration) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	return c.put(ctx, key, val, ttl, true)
}

func (c *engine) SetAll(ctx context.Context, entries map[string]any) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.bulkInsert(entries)
	switch c.cfg.WriteStrategy {
	case WriteThrough:
		if err := c.writer.WriteAll(ctx, entries); err != nil {
			return errors.Mark(errors.Wrap(err, "cache: write-through bulk"), ErrWriteFailed)
		}
	case WriteBehind:
		for k, v := range entries {
			c.wb.enqueue(writeOp{key: k, val: v})
		}
	}
	return nil
}

func (c *engine) Remove(ctx context.Context, key string) (any, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	c.mu.Lock()
	c.reconcileLocked()
	prev, _ := c.store.Remove(key)
	c.tracker.OnRemove(key)
	c.mu.Unlock()
	switch c.cfg.WriteStrategy {
	case WriteThrough:
		if err := c.writer.Delete(ctx, key); err != nil {
			return prev, errors.Mark(errors.Wrapf(err, "cache: write-through delete %q", key), ErrWriteFailed)
		}
	case WriteBehind:
		c.wb.enqueue(writeOp{del: true, key: key})
	}
	return prev, nil
}

func (c *engine) RemoveAll(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	keys := c.store.Keys()
	c.store.Clear()
	c.tracker.Clear()
	c.mu.Unlock()
	switch c.cfg.WriteStrategy {
	case WriteThrough:
		if err := c.writer.DeleteAll(ctx, keys); err != nil {
			return errors.Mark(errors.Wrap(err, "cache: write-through clear"), ErrWriteFailed)
		}
	case WriteBehind:
		for _, k := range keys {
			c.wb.enqueue(writeOp{del: true, key: k})
		}
	}
	return nil
}

func (c *engine) RemoveExpired() int {
	now := time.Now()
	removed := 0
	for _, ent := range c.store.Snapshot() {
		if !ent.Expired(now) {
			continue
		}
		if c.purgeExpired(ent.Key(), now) {
			removed++
		}
	}
	return removed
}

func (c *engine) Keys() []string {
	return c.store.Keys()
}

func (c *engine) Size() int {
	return c.store.Len()
}

func (c *engine) WarmUp(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	bl, ok := c.loader.(BulkLoader)
	if !ok {
		return nil
	}
	entries, err := bl.LoadAll(ctx)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "cache: warm-up"), ErrLoadFailed)
	}
	c.bulkInsert(entries)
	return nil
}

func (c *engine) Metrics() metrics.Snapshot {
	return c.stats.Snapshot()
}

func (c *engine) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		if c.wb != nil {
			// Exactly one final synchronous flush before the pools
			// are allowed to terminate.
			c.closeErr = c.wb.shutdown()
		}
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(c.cfg.ShutdownGrace):
			c.log.Warn("shutdown grace elapsed; abandoning background workers",
				zap.Duration("grace", c.cfg.ShutdownGrace))
		}
		c.store.Close()
	})
	return c.closeErr
}

// put is the single commit path for both caller writes and load results.
// Load commits pass propagate=false: the loaded value already lives in the
// backing store, so no write side effect applies.
func (c *engine) put(ctx context.Context, key string, val any, ttl time.Duration, propagate bool) (any, error) {
	c.mu.Lock()
	c.reconcileLocked()
	if c.cfg.MaxSize > 0 && c.store.Len() >= c.cfg.MaxSize {
		if _, exists := c.store.Get(key); !exists {
			c.evictOneLocked()
		}
	}
	prev := c.insertLocked(key, val, ttl)
	c.mu.Unlock()
	if !propagate {
		return prev, nil
	}
	switch c.cfg.WriteStrategy {
	case WriteThrough:
		if err := c.writer.Write(ctx, key, val); err != nil {
			// The cache mutation already applied; the caller learns
			// about the divergence window through this error.
			return prev, errors.Mark(errors.Wrapf(err, "cache: write-through %q", key), ErrWriteFailed)
		}
	case WriteBehind:
		c.wb.enqueue(writeOp{key: key, val: val})
	}
	return prev, nil
}

// insertLocked writes the entry and its tracker bookkeeping. Caller holds mu.
func (c *engine) insertLocked(key string, val any, ttl time.Duration) any {
	now := time.Now()
	var absolute time.Time
	if c.cfg.ForcedTTL > 0 {
		absolute = now.Add(c.cfg.ForcedTTL)
	}
	prev, _ := c.store.Put(key, val, ttl, now, now.Add(c.jitteredTTL(ttl)), absolute)
	c.tracker.OnInsert(key)
	return prev
}

// bulkInsert skips per-item eviction; capacity overshoot is reported, not
// enforced.
func (c *engine) bulkInsert(entries map[string]any) {
	c.mu.Lock()
	c.reconcileLocked()
	for k, v := range entries {
		c.insertLocked(k, v, c.cfg.TTL)
	}
	size := c.store.Len()
	c.mu.Unlock()
	if c.cfg.MaxSize > 0 && size > c.cfg.MaxSize {
		c.log.Warn("bulk insert exceeded max size",
			zap.Int("size", size),
			zap.Int("max_size", c.cfg.MaxSize))
	}
}

func (c *engine) evictOneLocked() {
	victim, ok := c.tracker.Victim()
	if !ok {
		return
	}
	c.store.Remove(victim)
	c.tracker.OnRemove(victim)
	c.stats.Eviction()
	c.log.Debug("evicted", zap.String("key", victim))
}

// purgeExpired removes key if it is still expired, re-checking under the
// lock so a concurrent re-put is never clobbered.
func (c *engine) purgeExpired(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconcileLocked()
	ent, ok := c.store.Get(key)
	if !ok || !ent.Expired(now) {
		return false
	}
	c.store.Remove(key)
	c.tracker.OnRemove(key)
	c.stats.Expiration()
	return true
}

// purge drops a partial entry after a failed synchronous load.
func (c *engine) purge(key string) {
	c.mu.Lock()
	c.reconcileLocked()
	c.store.Remove(key)
	c.tracker.OnRemove(key)
	c.mu.Unlock()
}

func (c *engine) touch(key string) {
	c.mu.Lock()
	c.tracker.OnAccess(key)
	c.reconcileLocked()
	c.mu.Unlock()
}

// reconcileLocked retires tracker bookkeeping for keys whose values the
// runtime reclaimed. Caller holds mu.
func (c *engine) reconcileLocked() {
	for _, k := range c.store.TakeReclaimed() {
		c.tracker.OnRemove(k)
	}
}

func (c *engine) refreshDue(ent *store.Entry, now time.Time) bool {
	if c.cfg.RefreshStrategy != RefreshAhead {
		return false
	}
	threshold := time.Duration(float64(ent.TTL()) * c.cfg.RefreshAheadFactor)
	return now.Sub(ent.CreatedAt()) >= threshold
}

// jitteredTTL adds up to 10% random jitter so simultaneously written
// entries do not expire in lockstep.
func (c *engine) jitteredTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	span := int64(ttl / 10)
	if span <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int64N(span+1))
}

// sweep periodically removes expired entries so memory is reclaimed even
// for keys that are never read again.
func (c *engine) sweep() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.RemoveExpired(); n > 0 {
				c.log.Debug("expiry sweep", zap.Int("removed", n))
			}
		}
	}
}
