package cache

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentuity/go-cache/eviction"
	"github.com/agentuity/go-cache/metrics"
	"github.com/agentuity/go-cache/store"
)

// LoadStrategy controls how misses and expired entries are reloaded.
type LoadStrategy string

const (
	// LoadSync runs the loader inline; every caller blocks until the
	// load finishes or fails.
	LoadSync LoadStrategy = "SYNC"
	// LoadAsync returns the stale value immediately and reloads in the
	// background. The very first load of a key still behaves like
	// LoadSync because there is nothing stale to return.
	LoadAsync LoadStrategy = "ASYNC"
)

// WriteStrategy controls how cache mutations reach the backing store.
type WriteStrategy string

const (
	// WriteReadOnly applies no side effect; the caller owns
	// backing-store consistency.
	WriteReadOnly WriteStrategy = "READ_ONLY"
	// WriteThrough writes synchronously inside Set/Remove.
	WriteThrough WriteStrategy = "WRITE_THROUGH"
	// WriteBehind queues mutations for batched, retried background
	// flushes. Durability is best-effort: exhausted retries are logged
	// and dropped.
	WriteBehind WriteStrategy = "WRITE_BEHIND"
)

// RefreshStrategy controls when values are reloaded.
type RefreshStrategy string

const (
	// RefreshOnMiss reloads only when an entry has expired.
	RefreshOnMiss RefreshStrategy = "ON_MISS"
	// RefreshAhead proactively reloads in the background once an entry's
	// age crosses TTL times RefreshAheadFactor, keeping hits warm.
	RefreshAhead RefreshStrategy = "REFRESH_AHEAD"
)

// DefaultTTL is the sliding TTL used when none is configured.
const DefaultTTL = 5 * time.Minute

// Config is the full tuning surface of a cache instance. The zero value is
// not usable; start from DefaultConfig or rely on New's defaults.
type Config struct {
	// TTL is the sliding time-to-live, measured from the last write or
	// valid read. A small random jitter (up to 10% of TTL) is added to
	// each recomputed deadline to desynchronize mass expiry.
	TTL time.Duration

	// ForcedTTL is a hard expiry measured from creation, independent of
	// access. 0 disables it. When both are set, an entry is invalid the
	// moment either deadline is crossed.
	ForcedTTL time.Duration

	// MaxSize bounds the entry count; 0 means unbounded. Enforced
	// opportunistically: one eviction per over-capacity single insert.
	// Bulk inserts may overshoot (logged, not enforced).
	MaxSize int

	EvictionPolicy  eviction.Policy
	RetentionTier   store.Tier
	LoadStrategy    LoadStrategy
	WriteStrategy   WriteStrategy
	RefreshStrategy RefreshStrategy

	// RefreshAheadFactor is the fraction of TTL after which a hit
	// schedules a background reload. Must be within [0,1].
	RefreshAheadFactor float64

	WriteBehindBatchSize  int
	WriteBehindInterval   time.Duration
	WriteBehindMaxRetries int
	WriteBehindRetryDelay time.Duration

	EnableMetrics     bool
	EnableAutoCleanup bool
	CleanupInterval   time.Duration

	// AsyncWorkers sizes the background reload pool and bounds WarmUpKeys
	// concurrency.
	AsyncWorkers int
	// ReloadQueueSize bounds pending background reloads. When full, a
	// refresh is skipped rather than blocking a caller.
	ReloadQueueSize int
	// ShutdownGrace bounds how long Close waits for background workers
	// after the final flush before abandoning them.
	ShutdownGrace time.Duration

	// PressureThreshold is the system memory used-percent above which
	// the RELEASABLE tier starts releasing pinned values. <= 0 disables
	// the monitor.
	PressureThreshold float64
	// ValveCapacity bounds how many RELEASABLE values stay pinned.
	ValveCapacity int
}

// DefaultConfig returns the configuration New starts from.
func DefaultConfig() Config {
	return Config{
		TTL:                   DefaultTTL,
		EvictionPolicy:        eviction.LRU,
		RetentionTier:         store.TierEager,
		LoadStrategy:          LoadSync,
		WriteStrategy:         WriteReadOnly,
		RefreshStrategy:       RefreshOnMiss,
		RefreshAheadFactor:    0.8,
		WriteBehindBatchSize:  64,
		WriteBehindInterval:   time.Second,
		WriteBehindMaxRetries: 3,
		WriteBehindRetryDelay: 100 * time.Millisecond,
		EnableMetrics:         true,
		EnableAutoCleanup:     true,
		CleanupInterval:       time.Minute,
		AsyncWorkers:          4,
		ReloadQueueSize:       256,
		ShutdownGrace:         5 * time.Second,
		PressureThreshold:     store.DefaultPressureThreshold,
		ValveCapacity:         store.DefaultValveCapacity,
	}
}

func (c Config) validate(writer Writer) error {
	if c.TTL <= 0 {
		return errors.Mark(errors.New("ttl must be positive"), ErrConfig)
	}
	if c.ForcedTTL < 0 {
		return errors.Mark(errors.New("forced ttl must not be negative"), ErrConfig)
	}
	if c.MaxSize < 0 {
		return errors.Mark(errors.New("max size must not be negative"), ErrConfig)
	}
	if !c.RetentionTier.Valid() {
		return errors.Mark(errors.Newf("unknown retention tier %q", string(c.RetentionTier)), ErrConfig)
	}
	switch c.LoadStrategy {
	case LoadSync, LoadAsync:
	default:
		return errors.Mark(errors.Newf("unknown load strategy %q", string(c.LoadStrategy)), ErrConfig)
	}
	switch c.WriteStrategy {
	case WriteReadOnly:
	case WriteThrough, WriteBehind:
		if writer == nil {
			return errors.Mark(errors.Newf("write strategy %s requires a writer", string(c.WriteStrategy)), ErrConfig)
		}
	default:
		return errors.Mark(errors.Newf("unknown write strategy %q", string(c.WriteStrategy)), ErrConfig)
	}
	switch c.RefreshStrategy {
	case RefreshOnMiss, RefreshAhead:
	default:
		return errors.Mark(errors.Newf("unknown refresh strategy %q", string(c.RefreshStrategy)), ErrConfig)
	}
	if c.RefreshAheadFactor < 0 || c.RefreshAheadFactor > 1 {
		return errors.Mark(errors.Newf("refresh ahead factor %v outside [0,1]", c.RefreshAheadFactor), ErrConfig)
	}
	if c.WriteStrategy == WriteBehind {
		if c.WriteBehindBatchSize <= 0 {
			return errors.Mark(errors.New("write-behind batch size must be positive"), ErrConfig)
		}
		if c.WriteBehindInterval <= 0 {
			return errors.Mark(errors.New("write-behind interval must be positive"), ErrConfig)
		}
		if c.WriteBehindMaxRetries < 0 {
			return errors.Mark(errors.New("write-behind max retries must not be negative"), ErrConfig)
		}
		if c.WriteBehindRetryDelay < 0 {
			return errors.Mark(errors.New("write-behind retry delay must not be negative"), ErrConfig)
		}
	}
	if c.ReloadQueueSize < 0 {
		return errors.Mark(errors.New("reload queue size must not be negative"), ErrConfig)
	}
	return nil
}

type options struct {
	cfg       Config
	writer    Writer
	log       *zap.Logger
	collector metrics.Collector
}

// Option customizes a cache at construction.
type Option func(*options)

// WithConfig replaces the entire configuration.
func WithConfig(cfg Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithTTL sets the sliding TTL. Defaults to DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(o *options) { o.cfg.TTL = d }
}

// WithForcedTTL sets the hard expiry measured from creation. 0 disables.
func WithForcedTTL(d time.Duration) Option {
	return func(o *options) { o.cfg.ForcedTTL = d }
}

// WithMaxSize bounds the entry count. 0 means unbounded.
func WithMaxSize(n int) Option {
	return func(o *options) { o.cfg.MaxSize = n }
}

// WithEvictionPolicy selects the victim-selection policy. Defaults to LRU.
func WithEvictionPolicy(p eviction.Policy) Option {
	return func(o *options) { o.cfg.EvictionPolicy = p }
}

// WithRetentionTier selects how strongly values are retained. Defaults to
// EAGER.
func WithRetentionTier(t store.Tier) Option {
	return func(o *options) { o.cfg.RetentionTier = t }
}

// WithLoadStrategy selects sync or async reload behavior.
func WithLoadStrategy(s LoadStrategy) Option {
	return func(o *options) { o.cfg.LoadStrategy = s }
}

// WithWriteStrategy selects the write propagation strategy. WriteThrough
// and WriteBehind also need WithWriter.
func WithWriteStrategy(s WriteStrategy) Option {
	return func(o *options) { o.cfg.WriteStrategy = s }
}

// WithWriter supplies the backing-store writer.
func WithWriter(w Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithRefreshAhead enables proactive background reloads once an entry's age
// crosses TTL*factor.
func WithRefreshAhead(factor float64) Option {
	return func(o *options) {
		o.cfg.RefreshStrategy = RefreshAhead
		o.cfg.RefreshAheadFactor = factor
	}
}

// WithWriteBehind tunes the write-behind flusher.
func WithWriteBehind(batchSize int, interval time.Duration, maxRetries int, retryDelay time.Duration) Option {
	return func(o *options) {
		o.cfg.WriteBehindBatchSize = batchSize
		o.cfg.WriteBehindInterval = interval
		o.cfg.WriteBehindMaxRetries = maxRetries
		o.cfg.WriteBehindRetryDelay = retryDelay
	}
}

// WithAutoCleanup controls the periodic expiry sweep.
func WithAutoCleanup(enabled bool, interval time.Duration) Option {
	return func(o *options) {
		o.cfg.EnableAutoCleanup = enabled
		if interval > 0 {
			o.cfg.CleanupInterval = interval
		}
	}
}

// WithoutMetrics disables metrics collection; Metrics() then returns a zero
// snapshot.
func WithoutMetrics() Option {
	return func(o *options) { o.cfg.EnableMetrics = false }
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithCollector substitutes a custom metrics collector, overriding
// EnableMetrics.
func WithCollector(c metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithAsyncWorkers sizes the background reload pool.
func WithAsyncWorkers(n int) Option {
	return func(o *options) { o.cfg.AsyncWorkers = n }
}

// WithShutdownGrace bounds how long Close waits for background workers.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *options) { o.cfg.ShutdownGrace = d }
}

// fileConfig is the YAML shape of Config. Durations are human strings
// ("45s", "1h30m", "2d") parsed with str2duration.
type fileConfig struct {
	TTL                string   `yaml:"ttl"`
	ForcedTTL          string   `yaml:"forced_ttl"`
	MaxSize            *int     `yaml:"max_size"`
	EvictionPolicy     string   `yaml:"eviction_policy"`
	RetentionTier      string   `yaml:"retention_tier"`
	LoadStrategy       string   `yaml:"load_strategy"`
	WriteStrategy      string   `yaml:"write_strategy"`
	RefreshStrategy    string   `yaml:"refresh_strategy"`
	RefreshAheadFactor *float64 `yaml:"refresh_ahead_factor"`
	WriteBehind        struct {
		BatchSize  *int   `yaml:"batch_size"`
		Interval   string `yaml:"interval"`
		MaxRetries *int   `yaml:"max_retries"`
		RetryDelay string `yaml:"retry_delay"`
	} `yaml:"write_behind"`
	Metrics         *bool  `yaml:"metrics"`
	AutoCleanup     *bool  `yaml:"auto_cleanup"`
	CleanupInterval string `yaml:"cleanup_interval"`
	AsyncWorkers    *int   `yaml:"async_workers"`
}

// LoadConfig reads a YAML config file and overlays it on DefaultConfig.
// Omitted fields keep their defaults. CACHE_* environment variables (see
// applyEnv) override both, so a deployment can retune a cache without
// editing its config file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "cache: read config %q", path)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(buf, &fc); err != nil {
		return cfg, errors.Mark(errors.Wrapf(err, "cache: parse config %q", path), ErrConfig)
	}
	if err := fc.apply(&cfg); err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays CACHE_* environment variables on cfg. Unset variables
// leave the field alone; durations accept the same strings as the file.
func applyEnv(cfg *Config) error {
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"CACHE_TTL", &cfg.TTL},
		{"CACHE_FORCED_TTL", &cfg.ForcedTTL},
		{"CACHE_CLEANUP_INTERVAL", &cfg.CleanupInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := str2duration.ParseDuration(v)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "cache: env %s", d.env), ErrConfig)
		}
		*d.dst = parsed
	}
	ints := []struct {
		env string
		dst *int
	}{
		{"CACHE_MAX_SIZE", &cfg.MaxSize},
		{"CACHE_ASYNC_WORKERS", &cfg.AsyncWorkers},
	}
	for _, n := range ints {
		v := os.Getenv(n.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "cache: env %s", n.env), ErrConfig)
		}
		*n.dst = parsed
	}
	if v := os.Getenv("CACHE_EVICTION_POLICY"); v != "" {
		cfg.EvictionPolicy = eviction.Policy(v)
	}
	if v := os.Getenv("CACHE_RETENTION_TIER"); v != "" {
		cfg.RetentionTier = store.Tier(v)
	}
	if v := os.Getenv("CACHE_LOAD_STRATEGY"); v != "" {
		cfg.LoadStrategy = LoadStrategy(v)
	}
	if v := os.Getenv("CACHE_WRITE_STRATEGY"); v != "" {
		cfg.WriteStrategy = WriteStrategy(v)
	}
	if v := os.Getenv("CACHE_REFRESH_STRATEGY"); v != "" {
		cfg.RefreshStrategy = RefreshStrategy(v)
	}
	return nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.TTL, &cfg.TTL, "ttl"},
		{fc.ForcedTTL, &cfg.ForcedTTL, "forced_ttl"},
		{fc.WriteBehind.Interval, &cfg.WriteBehindInterval, "write_behind.interval"},
		{fc.WriteBehind.RetryDelay, &cfg.WriteBehindRetryDelay, "write_behind.retry_delay"},
		{fc.CleanupInterval, &cfg.CleanupInterval, "cleanup_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := str2duration.ParseDuration(d.raw)
		if err != nil {
			return errors.Mark(errors.Wrapf(err, "cache: config field %s", d.name), ErrConfig)
		}
		*d.dst = parsed
	}
	if fc.MaxSize != nil {
		cfg.MaxSize = *fc.MaxSize
	}
	if fc.EvictionPolicy != "" {
		cfg.EvictionPolicy = eviction.Policy(fc.EvictionPolicy)
	}
	if fc.RetentionTier != "" {
		cfg.RetentionTier = store.Tier(fc.RetentionTier)
	}
	if fc.LoadStrategy != "" {
		cfg.LoadStrategy = LoadStrategy(fc.LoadStrategy)
	}
	if fc.WriteStrategy != "" {
		cfg.WriteStrategy = WriteStrategy(fc.WriteStrategy)
	}
	if fc.RefreshStrategy != "" {
		cfg.RefreshStrategy = RefreshStrategy(fc.RefreshStrategy)
	}
	if fc.RefreshAheadFactor != nil {
		cfg.RefreshAheadFactor = *fc.RefreshAheadFactor
	}
	if fc.WriteBehind.BatchSize != nil {
		cfg.WriteBehindBatchSize = *fc.WriteBehind.BatchSize
	}
	if fc.WriteBehind.MaxRetries != nil {
		cfg.WriteBehindMaxRetries = *fc.WriteBehind.MaxRetries
	}
	if fc.Metrics != nil {
		cfg.EnableMetrics = *fc.Metrics
	}
	if fc.AutoCleanup != nil {
		cfg.EnableAutoCleanup = *fc.AutoCleanup
	}
	if fc.AsyncWorkers != nil {
		cfg.AsyncWorkers = *fc.AsyncWorkers
	}
	return nil
}
