package searchmux

import (
	"time"

	"go.uber.org/zap"

	"github.com/driftlock/searchmux/internal/backend"
	"github.com/driftlock/searchmux/internal/backend/badgerdb"
	"github.com/driftlock/searchmux/internal/backend/bleve"
	"github.com/driftlock/searchmux/internal/backend/memory"
	backendredis "github.com/driftlock/searchmux/internal/backend/redis"
	"github.com/driftlock/searchmux/internal/backend/sqlite"
	"github.com/driftlock/searchmux/internal/domain/strategy"
	"github.com/driftlock/searchmux/internal/masking"
)

// Engine defaults, applied when the corresponding option is not given.
const (
	defaultBackendTimeout   = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerRecovery  = 30 * time.Second
	defaultCacheCapacity    = 1024
	defaultCacheTTL         = 5 * time.Minute
	defaultPopularTTL       = 30 * time.Minute
	defaultPopularityCount  = 10
)

// Option configures the Engine.
type Option interface {
	apply(*engineConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*engineConfig)

func (f optionFunc) apply(c *engineConfig) { f(c) }

// backendBuilder defers driver construction to New so option order does
// not matter and construction errors surface there.
type backendBuilder func(logger *zap.Logger) (backend.Backend, error)

type engineConfig struct {
	buildDatabase    backendBuilder
	buildAccelerator backendBuilder

	defaultStrategy strategy.Strategy
	backendTimeout  time.Duration

	breakerThreshold int
	breakerRecovery  time.Duration

	healthInterval time.Duration
	healthTimeout  time.Duration

	cacheCapacity       int
	cacheTTL            time.Duration
	popularTTL          time.Duration
	popularityThreshold int
	popularityReset     time.Duration
	staleRetention      time.Duration
	sweepInterval       time.Duration

	maskRules    []masking.RuleSpec
	maskRulesSet bool

	warmupQueries []Query
	warmupWorkers int

	eventBuffer int
	logger      *zap.Logger
}

func defaultEngineConfig() *engineConfig {
	return &engineConfig{
		buildDatabase: func(*zap.Logger) (backend.Backend, error) {
			return memory.New(backendDatabase, backend.RoleDatabase), nil
		},
		buildAccelerator: func(*zap.Logger) (backend.Backend, error) {
			return memory.New(backendAccelerator, backend.RoleAccelerator), nil
		},
		defaultStrategy:     strategy.CacheFirst,
		backendTimeout:      defaultBackendTimeout,
		breakerThreshold:    defaultBreakerThreshold,
		breakerRecovery:     defaultBreakerRecovery,
		cacheCapacity:       defaultCacheCapacity,
		cacheTTL:            defaultCacheTTL,
		popularTTL:          defaultPopularTTL,
		popularityThreshold: defaultPopularityCount,
	}
}

// WithBackends injects pre-built backends for both roles. Mainly for
// tests and custom wiring; the driver options below cover the bundled
// drivers. The engine owns the backends and closes them on Close.
func WithBackends(database, accelerator Backend) Option {
	return optionFunc(func(c *engineConfig) {
		c.buildDatabase = func(*zap.Logger) (backend.Backend, error) { return database, nil }
		c.buildAccelerator = func(*zap.Logger) (backend.Backend, error) { return accelerator, nil }
	})
}

// WithMemoryDatabase keeps the database role in process memory.
// Contents are lost on Close. This is the default database driver.
func WithMemoryDatabase() Option {
	return optionFunc(func(c *engineConfig) {
		c.buildDatabase = func(*zap.Logger) (backend.Backend, error) {
			return memory.New(backendDatabase, backend.RoleDatabase), nil
		}
	})
}

// WithSQLiteDatabase stores documents in a SQLite file at path.
func WithSQLiteDatabase(path string) Option {
	return optionFunc(func(c *engineConfig) {
		c.buildDatabase = func(*zap.Logger) (backend.Backend, error) {
			return sqlite.New(backendDatabase, backend.RoleDatabase, path)
		}
	})
}

// WithBadgerDatabase stores documents in a Badger key-value store at
// path. An empty path runs Badger fully in memory.
func WithBadgerDatabase(path string) Option {
	return optionFunc(func(c *engineConfig) {
		c.buildDatabase = func(logger *zap.Logger) (backend.Backend, error) {
			return badgerdb.New(backendDatabase, backend.RoleDatabase, path, logger)
		}
	})
}

// WithBleveDatabase indexes documents in a bleve full-text index at
// path. Term matching is token-based rather than substring.
func WithBleveDatabase(path string) Option {
	return optionFunc(func(c *engineConfig) {
		c.buildDatabase = func(*zap.Logger) (backend.Backend, error) {
			return bleve.New(backendDatabase, backend.RoleDatabase, path)
		}
	})
}

// WithMemoryAccelerator keeps the accelerator role in process memory.
// This is the default accelerator driver.
func WithMemoryAccelerator() Option {
	return optionFunc(func(c *engineConfig) {
		c.buildAccelerator = func(*zap.Logger) (backend.Backend, error) {
			return memory.New(backendAccelerator, backend.RoleAccelerator), nil
		}
	})
}

// RedisConfig holds connection parameters for the redis accelerator
// driver. Only Addrs is required.
type RedisConfig struct {
	Addrs     []string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// WithRedisAccelerator connects the accelerator role to Redis or
// Valkey. Documents live in hashes under the key prefix (default
// "searchmux:"); New waits for the instance to answer PING before
// returning.
func WithRedisAccelerator(cfg RedisConfig) Option {
	return optionFunc(func(c *engineConfig) {
		c.buildAccelerator = func(*zap.Logger) (backend.Backend, error) {
			return backendredis.New(backendAccelerator, backend.RoleAccelerator, backendredis.Config{
				Addrs:     cfg.Addrs,
				Username:  cfg.Username,
				Password:  cfg.Password,
				DB:        cfg.DB,
				KeyPrefix: cfg.KeyPrefix,
			})
		}
	})
}

// WithDefaultStrategy sets the strategy used for queries without an
// explicit override. Defaults to CacheFirst.
func WithDefaultStrategy(s Strategy) Option {
	return optionFunc(func(c *engineConfig) {
		c.defaultStrategy = s
	})
}

// WithBackendTimeout bounds a single backend call. Defaults to 5s.
func WithBackendTimeout(d time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.backendTimeout = d
	})
}

// WithBreaker configures the per-backend circuit breakers: threshold is
// the number of consecutive failures that opens a circuit, recovery is
// how long an open circuit waits before a half-open trial.
// Defaults: 5 failures, 30s recovery.
func WithBreaker(threshold int, recovery time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.breakerThreshold = threshold
		c.breakerRecovery = recovery
	})
}

// WithHealthCheck sets the background probe cadence and the per-probe
// timeout. Defaults: 15s interval, 2s timeout.
func WithHealthCheck(interval, timeout time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.healthInterval = interval
		c.healthTimeout = timeout
	})
}

// WithCache sizes the result cache. capacity is the LRU entry limit,
// ttl the ordinary entry lifetime and popularTTL the extended lifetime
// an entry earns after popularityThreshold hits on its fingerprint.
// Defaults: 1024 entries, 5m, 30m, 10 hits.
func WithCache(capacity int, ttl, popularTTL time.Duration, popularityThreshold int) Option {
	return optionFunc(func(c *engineConfig) {
		c.cacheCapacity = capacity
		c.cacheTTL = ttl
		c.popularTTL = popularTTL
		c.popularityThreshold = popularityThreshold
	})
}

// WithCacheRetention tunes the stale-serving window and the background
// sweep: staleRetention is how long an expired entry stays servable,
// sweepInterval how often retained entries are purged, popularityReset
// how often hit counters restart from zero. Zero values keep the
// defaults (5m, 1m, 15m).
func WithCacheRetention(staleRetention, sweepInterval, popularityReset time.Duration) Option {
	return optionFunc(func(c *engineConfig) {
		c.staleRetention = staleRetention
		c.sweepInterval = sweepInterval
		c.popularityReset = popularityReset
	})
}

// WithMaskRules replaces the default masking rules. Rules run in the
// order given; an empty list disables masking entirely.
func WithMaskRules(rules []MaskRule) Option {
	return optionFunc(func(c *engineConfig) {
		c.maskRules = rules
		c.maskRulesSet = true
	})
}

// WithWarmup runs the given queries against the database backend during
// New and primes the cache with the results. workers below 1 falls back
// to half the CPU count. Individual warm-up failures are logged, not
// fatal.
func WithWarmup(queries []Query, workers int) Option {
	return optionFunc(func(c *engineConfig) {
		c.warmupQueries = queries
		c.warmupWorkers = workers
	})
}

// WithEventBuffer sets the event channel capacity. When the buffer is
// full the oldest event is dropped and counted. Defaults to 256.
func WithEventBuffer(capacity int) Option {
	return optionFunc(func(c *engineConfig) {
		c.eventBuffer = capacity
	})
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(c *engineConfig) {
		c.logger = logger
	})
}
