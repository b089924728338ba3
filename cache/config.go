package cache

import (
	"fmt"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/mathsanalysis/load/logger"
)

// Configuration describes a single cache instance. Before validating,
// providers fill a zero Name, MaxSize, EvictionPolicy or ConcurrencyLevel and
// a false RecordStats from DefaultConfiguration. Zero durations are kept as
// given: no TTL, no idle expiry.
type Configuration struct {
	Name       string
	MaxSize    int64
	DefaultTTL time.Duration
	// MaxIdle expires entries not accessed within the duration. Zero disables
	// idle expiry.
	MaxIdle           time.Duration
	ExpireAfterWrite  time.Duration
	ExpireAfterAccess time.Duration
	// RefreshAfterWrite is a hint to providers that support refresh-on-read.
	// Neither built-in provider does; the value is validated and ignored.
	RefreshAfterWrite time.Duration
	RecordStats       bool
	AllowNilValues    bool
	EvictionPolicy    EvictionPolicy
	ConcurrencyLevel  int
	// WeakKeys, WeakValues and SoftValues are best-effort hints from the
	// configuration surface. Go has no weak/soft references observable
	// through the cache contract; the fields are accepted and ignored.
	WeakKeys   bool
	WeakValues bool
	SoftValues bool
}

// DefaultName is the configuration name that opts into global-default
// inheritance when acquiring a cache through a manager.
const DefaultName = "default"

// DefaultConfiguration returns the baseline configuration: 1000 entries,
// 1 hour TTL, 30 minute idle expiry, LRU eviction, stats on.
func DefaultConfiguration(name string) Configuration {
	if name == "" {
		name = DefaultName
	}
	return Configuration{
		Name:             name,
		MaxSize:          1000,
		DefaultTTL:       time.Hour,
		MaxIdle:          30 * time.Minute,
		RecordStats:      true,
		EvictionPolicy:   LRU,
		ConcurrencyLevel: 16,
	}
}

// withDefaults fills unset Name, MaxSize, EvictionPolicy, ConcurrencyLevel
// and RecordStats from DefaultConfiguration. Duration fields are left as
// given.
func (c Configuration) withDefaults() Configuration {
	def := DefaultConfiguration(c.Name)
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxSize == 0 {
		c.MaxSize = def.MaxSize
	}
	if c.EvictionPolicy == "" {
		c.EvictionPolicy = def.EvictionPolicy
	}
	if c.ConcurrencyLevel == 0 {
		c.ConcurrencyLevel = def.ConcurrencyLevel
	}
	if !c.RecordStats {
		c.RecordStats = def.RecordStats
	}
	return c
}

// Validate rejects non-positive sizes, negative durations and unknown
// eviction policies. Validation never mutates state.
func (c Configuration) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfig, c.MaxSize)
	}
	if c.ConcurrencyLevel <= 0 {
		return fmt.Errorf("%w: concurrency level must be positive, got %d", ErrInvalidConfig, c.ConcurrencyLevel)
	}
	if !c.EvictionPolicy.valid() {
		return fmt.Errorf("%w: unknown eviction policy %q", ErrInvalidConfig, c.EvictionPolicy)
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"default_ttl", c.DefaultTTL},
		{"max_idle", c.MaxIdle},
		{"expire_after_write", c.ExpireAfterWrite},
		{"expire_after_access", c.ExpireAfterAccess},
		{"refresh_after_write", c.RefreshAfterWrite},
	} {
		if d.value < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %s", ErrInvalidConfig, d.name, d.value)
		}
	}
	return nil
}

// writeTTL resolves the effective write expiry: explicit expire-after-write
// wins over the default TTL.
func (c Configuration) writeTTL() (time.Duration, bool) {
	if c.ExpireAfterWrite > 0 {
		return c.ExpireAfterWrite, true
	}
	if c.DefaultTTL > 0 {
		return c.DefaultTTL, true
	}
	return 0, false
}

// idleTTL resolves the effective idle expiry: explicit expire-after-access
// wins over max-idle.
func (c Configuration) idleTTL() time.Duration {
	if c.ExpireAfterAccess > 0 {
		return c.ExpireAfterAccess
	}
	return c.MaxIdle
}

// ConfigFromMap builds a Configuration from the recognized option map.
// Duration options accept time.Duration values, integer nanoseconds, or
// strings such as "30m" and "1h30m". Unrecognized keys are ignored.
func ConfigFromMap(options map[string]any) (Configuration, error) {
	var cfg Configuration
	for key, raw := range options {
		var err error
		switch key {
		case "name":
			if s, ok := raw.(string); ok {
				cfg.Name = s
			} else {
				err = fmt.Errorf("expected string, got %T", raw)
			}
		case "max_size":
			cfg.MaxSize, err = toInt64(raw)
		case "default_ttl":
			cfg.DefaultTTL, err = toDuration(raw)
		case "max_idle":
			cfg.MaxIdle, err = toDuration(raw)
		case "expire_after_write":
			cfg.ExpireAfterWrite, err = toDuration(raw)
		case "expire_after_access":
			cfg.ExpireAfterAccess, err = toDuration(raw)
		case "refresh_after_write":
			cfg.RefreshAfterWrite, err = toDuration(raw)
		case "record_stats":
			cfg.RecordStats, err = toBool(raw)
		case "allow_null_values":
			cfg.AllowNilValues, err = toBool(raw)
		case "eviction_policy":
			if s, ok := raw.(string); ok {
				cfg.EvictionPolicy = EvictionPolicy(s)
			} else if p, ok := raw.(EvictionPolicy); ok {
				cfg.EvictionPolicy = p
			} else {
				err = fmt.Errorf("expected string, got %T", raw)
			}
		case "concurrency_level":
			var level int64
			level, err = toInt64(raw)
			cfg.ConcurrencyLevel = int(level)
		case "weak_keys":
			cfg.WeakKeys, err = toBool(raw)
		case "weak_values":
			cfg.WeakValues, err = toBool(raw)
		case "soft_values":
			cfg.SoftValues, err = toBool(raw)
		}
		if err != nil {
			return Configuration{}, fmt.Errorf("%w: option %q: %s", ErrInvalidConfig, key, err)
		}
	}
	return cfg, nil
}

func toInt64(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toBool(raw any) (bool, error) {
	if b, ok := raw.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expected bool, got %T", raw)
}

func toDuration(raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case time.Duration:
		return v, nil
	case int:
		return time.Duration(v), nil
	case int64:
		return time.Duration(v), nil
	case float64:
		return time.Duration(v), nil
	case string:
		d, err := str2duration.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("bad duration %q: %s", v, err)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("expected duration, got %T", raw)
	}
}

// DefaultCleanupInterval is how often the background task purges expired
// entries.
const DefaultCleanupInterval = 30 * time.Second

// DefaultShutdownTimeout bounds how long Close waits for the background task
// and worker pool to drain.
const DefaultShutdownTimeout = 5 * time.Second

// options holds the non-serializable collaborators shared by providers and
// the caches they create.
type options struct {
	log             logger.Logger
	cleanupInterval time.Duration
	shutdownTimeout time.Duration
	workerCount     int
}

// Option configures a provider, a manager, or the caches they create.
type Option func(*options)

func defaultOptions() options {
	return options{
		log:             logger.NewConsoleLogger(),
		cleanupInterval: DefaultCleanupInterval,
		shutdownTimeout: DefaultShutdownTimeout,
		workerCount:     4,
	}
}

func applyOptions(opts []Option) options {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithLogger sets the logger used for listener failures, background task
// errors and swallowed async errors.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithCleanupInterval sets the period of the background expiry task.
// Defaults to DefaultCleanupInterval (30 seconds).
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.cleanupInterval = d
		}
	}
}

// WithShutdownTimeout bounds how long Close waits for background work.
// Defaults to DefaultShutdownTimeout (5 seconds).
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.shutdownTimeout = d
		}
	}
}

// WithWorkerCount sets the size of the worker pool serving the async
// operations. Defaults to 4.
func WithWorkerCount(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workerCount = n
		}
	}
}
