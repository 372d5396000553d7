package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/agentuity/go-cache/metrics"
)

// writeOp is one queued mutation awaiting a batched flush.
type writeOp struct {
	del bool
	key string
	val any
}

// writeBehind drains queued mutations in batches: a flush runs when the
// batch size is reached or on every interval tick. Bulk writer calls are
// retried a bounded number of times with a fixed delay; exhausted retries
// are logged at error severity and dropped, never surfaced to a caller.
type writeBehind struct {
	writer     Writer
	stats      metrics.Collector
	log        *zap.Logger
	batchSize  int
	interval   time.Duration
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	pending []writeOp

	// flushMu serializes flushes so queue order is preserved end to end.
	flushMu sync.Mutex

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newWriteBehind(writer Writer, stats metrics.Collector, log *zap.Logger, cfg Config) *writeBehind {
	return &writeBehind{
		writer:     writer,
		stats:      stats,
		log:        log,
		batchSize:  cfg.WriteBehindBatchSize,
		interval:   cfg.WriteBehindInterval,
		maxRetries: cfg.WriteBehindMaxRetries,
		retryDelay: cfg.WriteBehindRetryDelay,
		kick:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
	}
}

// enqueue appends a mutation. Never blocks beyond the in-memory append.
func (w *writeBehind) enqueue(op writeOp) {
	w.mu.Lock()
	w.pending = append(w.pending, op)
	n := len(w.pending)
	w.mu.Unlock()
	if n >= w.batchSize {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (w *writeBehind) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.flush()
		case <-w.kick:
			w.flush()
		}
	}
}

// flush drains the queue, groups operations by kind, and issues bulk calls.
// A later operation on a key supersedes an earlier one, so only each key's
// final state reaches the writer.
func (w *writeBehind) flush() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	ops := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(ops) == 0 {
		return
	}

	puts := make(map[string]any)
	delSet := make(map[string]struct{})
	for _, op := range ops {
		if op.del {
			delete(puts, op.key)
			delSet[op.key] = struct{}{}
		} else {
			puts[op.key] = op.val
			delete(delSet, op.key)
		}
	}

	if len(puts) > 0 {
		if err := w.retry(func(ctx context.Context) error {
			return w.writer.WriteAll(ctx, puts)
		}); err != nil {
			w.log.Error("write-behind flush dropped puts after retries",
				zap.Int("ops", len(puts)),
				zap.Int("max_retries", w.maxRetries),
				zap.Error(err))
			w.stats.WriteBehindDrop(len(puts))
		} else {
			w.stats.WriteBehindFlush(len(puts))
		}
	}
	if len(delSet) > 0 {
		keys := make([]string, 0, len(delSet))
		for k := range delSet {
			keys = append(keys, k)
		}
		if err := w.retry(func(ctx context.Context) error {
			return w.writer.DeleteAll(ctx, keys)
		}); err != nil {
			w.log.Error("write-behind flush dropped deletes after retries",
				zap.Int("ops", len(keys)),
				zap.Int("max_retries", w.maxRetries),
				zap.Error(err))
			w.stats.WriteBehindDrop(len(keys))
		} else {
			w.stats.WriteBehindFlush(len(keys))
		}
	}
}

// retry runs fn up to maxRetries+1 times with a fixed inter-attempt delay.
func (w *writeBehind) retry(fn func(ctx context.Context) error) error {
	ctx := context.Background()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(w.retryDelay)),
		backoff.WithMaxTries(uint(w.maxRetries+1)))
	return err
}

// shutdown stops the flusher and performs exactly one final synchronous
// flush, then asks the writer to flush its own buffers.
func (w *writeBehind) shutdown() error {
	w.stopOnce.Do(func() { close(w.stop) })
	w.flush()
	if err := w.writer.Flush(context.Background()); err != nil {
		w.log.Error("writer flush failed during shutdown", zap.Error(err))
		return err
	}
	return nil
}
