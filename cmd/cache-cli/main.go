package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentuity/go-cache/cache"
	"github.com/agentuity/go-cache/eviction"
	"github.com/agentuity/go-cache/store"
)

var (
	policy       string
	tier         string
	loadStrategy string
	ttl          time.Duration
	maxSize      int
	keySpace     int
	ops          int
	workers      int
	loaderDelay  time.Duration
	refreshAhead float64
	verbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "cache-cli",
	Short: "Exercise and benchmark the go-cache engine",
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a synthetic read workload against a configured cache",
	RunE:  runBench,
}

func init() {
	benchCmd.Flags().StringVar(&policy, "policy", "LRU", "eviction policy (LRU, LFU, FIFO, RANDOM, TTL)")
	benchCmd.Flags().StringVar(&tier, "tier", "EAGER", "retention tier (EAGER, RELEASABLE, EPHEMERAL)")
	benchCmd.Flags().StringVar(&loadStrategy, "load", "SYNC", "load strategy (SYNC, ASYNC)")
	benchCmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "sliding TTL")
	benchCmd.Flags().IntVar(&maxSize, "max-size", 10000, "max entries (0 = unbounded)")
	benchCmd.Flags().IntVar(&keySpace, "keys", 50000, "distinct key count")
	benchCmd.Flags().IntVar(&ops, "ops", 200000, "total get operations")
	benchCmd.Flags().IntVar(&workers, "workers", 8, "concurrent workers")
	benchCmd.Flags().DurationVar(&loaderDelay, "loader-delay", time.Millisecond, "simulated backing store latency")
	benchCmd.Flags().Float64Var(&refreshAhead, "refresh-ahead", 0, "refresh-ahead factor (0 = disabled)")
	benchCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log cache internals")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, _ []string) error {
	log := zap.NewNop()
	if verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			return err
		}
	}

	loader := cache.LoaderFunc(func(ctx context.Context, key string) (any, error) {
		time.Sleep(loaderDelay)
		return "value-" + key, nil
	})

	opts := []cache.Option{
		cache.WithTTL(ttl),
		cache.WithMaxSize(maxSize),
		cache.WithEvictionPolicy(eviction.Policy(policy)),
		cache.WithRetentionTier(store.Tier(tier)),
		cache.WithLoadStrategy(cache.LoadStrategy(loadStrategy)),
		cache.WithLogger(log),
	}
	if refreshAhead > 0 {
		opts = append(opts, cache.WithRefreshAhead(refreshAhead))
	}
	c, err := cache.New(loader, opts...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx := cmd.Context()
	start := time.Now()
	perWorker := ops / workers

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				key := fmt.Sprintf("key-%d", zipfish())
				if _, err := c.Get(ctx, key); err != nil {
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	snap := c.Metrics()
	fmt.Printf("ops:        %d in %s (%.0f ops/s)\n", ops, elapsed.Round(time.Millisecond), float64(ops)/elapsed.Seconds())
	fmt.Printf("hits:       %d\n", snap.Hits)
	fmt.Printf("misses:     %d\n", snap.Misses)
	fmt.Printf("hit ratio:  %.2f%%\n", snap.HitRatio()*100)
	fmt.Printf("loads:      %d ok, %d failed, avg %s\n", snap.LoadSuccesses, snap.LoadFailures, snap.AverageLoadTime().Round(time.Microsecond))
	fmt.Printf("evictions:  %d\n", snap.Evictions)
	fmt.Printf("refreshes:  %d\n", snap.Refreshes)
	fmt.Printf("entries:    %d\n", c.Size())
	return nil
}

// zipfish skews key selection toward the low end of the key space so the
// workload has a hot set, which is what makes hit ratios meaningful.
func zipfish() int {
	n := rand.IntN(keySpace)
	if rand.IntN(4) != 0 {
		n = rand.IntN(max(keySpace/10, 1))
	}
	return n
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
