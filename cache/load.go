package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// loadSync is the slow path: the caller blocks while the loader runs inside
// the engine-wide exclusive load section.
func (c *engine) loadSync(ctx context.Context, key string) (any, error) {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	now := time.Now()
	ttl := c.cfg.TTL
	if ent, ok := c.store.Get(key); ok {
		if !ent.Expired(now) {
			// A competing caller finished loading this key while we
			// waited for the section. That is a hit like any other.
			if val, live := ent.Value(); live {
				c.stats.Hit()
				ent.SetSlidingExpiry(now.Add(c.jitteredTTL(ent.TTL())))
				c.touch(key)
				return val, nil
			}
		} else {
			// Reloading an expired entry keeps the TTL it was written
			// with.
			ttl = ent.TTL()
		}
	}
	c.stats.Miss()
	val, err := c.load(ctx, key)
	if err != nil {
		c.purge(key)
		return nil, err
	}
	if _, perr := c.put(ctx, key, val, ttl, false); perr != nil {
		return nil, perr
	}
	return val, nil
}

// load invokes the loader once and records the outcome.
func (c *engine) load(ctx context.Context, key string) (any, error) {
	start := time.Now()
	val, err := c.loader.Load(ctx, key)
	if err != nil {
		c.stats.LoadFailure(time.Since(start))
		return nil, errors.Mark(errors.Wrapf(err, "cache: load %q", key), ErrLoadFailed)
	}
	c.stats.LoadSuccess(time.Since(start))
	return val, nil
}

// scheduleReload queues a deduplicated background reload for key. At most
// one reload is ever in flight per key; scheduling an already-refreshing
// key is a no-op. The caller never blocks: when the reload queue is full
// the refresh is skipped and a later access retries.
func (c *engine) scheduleReload(key string) {
	if c.closed.Load() {
		return
	}
	c.refreshMu.Lock()
	if _, inFlight := c.refreshing[key]; inFlight {
		c.refreshMu.Unlock()
		return
	}
	c.refreshing[key] = struct{}{}
	c.refreshMu.Unlock()

	select {
	case c.reloadCh <- key:
	default:
		c.clearRefreshing(key)
		c.log.Debug("reload queue full; skipping refresh", zap.String("key", key))
	}
}

func (c *engine) clearRefreshing(key string) {
	c.refreshMu.Lock()
	delete(c.refreshing, key)
	c.refreshMu.Unlock()
}

func (c *engine) reloadWorker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case key := <-c.reloadCh:
			c.runReload(key)
		}
	}
}

// runReload executes one background reload. Failures are swallowed: the
// stale value was already served, so we keep it and push the entry's
// creation time forward to defer the next attempt instead of retrying on
// every subsequent hit.
func (c *engine) runReload(key string) {
	defer c.clearRefreshing(key)
	ttl := c.cfg.TTL
	if ent, ok := c.store.Get(key); ok {
		ttl = ent.TTL()
	}
	val, err := c.load(c.ctx, key)
	if err != nil {
		if ent, ok := c.store.Get(key); ok {
			ent.SetCreatedAt(time.Now())
		}
		c.log.Warn("background reload failed; keeping stale value",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.stats.Refresh()
	if _, err := c.put(c.ctx, key, val, ttl, false); err != nil {
		c.log.Warn("background reload commit failed", zap.String("key", key), zap.Error(err))
	}
}

// WarmUpKeys pre-loads the given keys with bounded concurrency. Individual
// load failures are logged and skipped so a partially available backing
// store still warms up everything it can.
func (c *engine) WarmUpKeys(ctx context.Context, keys []string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var (
		mu     sync.Mutex
		loaded = make(map[string]any, len(keys))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workerCount())
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			val, err := c.load(gctx, key)
			if err != nil {
				c.log.Warn("warm-up load failed; skipping key",
					zap.String("key", key), zap.Error(err))
				return nil
			}
			mu.Lock()
			loaded[key] = val
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.bulkInsert(loaded)
	return nil
}
