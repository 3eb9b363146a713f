package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/driftlock/searchmux/internal/domain/strategy"
)

// Config holds the searchmux service configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Engine   EngineConfig   `yaml:"engine"`
	Backends BackendsConfig `yaml:"backends"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Health   HealthConfig   `yaml:"health"`
	Cache    CacheConfig    `yaml:"cache"`
	Masking  MaskingConfig  `yaml:"masking"`
	Warmup   WarmupConfig   `yaml:"warmup"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int             `yaml:"port"`
	ReadTimeoutSec  int             `yaml:"read_timeout_sec"`
	WriteTimeoutSec int             `yaml:"write_timeout_sec"`
	ShutdownSec     int             `yaml:"shutdown_timeout_sec"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds request throttling settings. A zero rate disables
// throttling.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// EngineConfig holds strategy-router settings.
type EngineConfig struct {
	DefaultStrategy   string `yaml:"default_strategy"` // cache_first, database_only, circuit_aware, hybrid
	BackendTimeoutSec int    `yaml:"backend_timeout_sec"`
}

// BackendsConfig names the two backends the engine routes between.
type BackendsConfig struct {
	Database    BackendConfig `yaml:"database"`
	Accelerator BackendConfig `yaml:"accelerator"`
}

// BackendConfig holds one backend's driver settings. Which fields apply
// depends on the driver: addrs and password for redis, path for the
// file-backed drivers.
type BackendConfig struct {
	Driver    string   `yaml:"driver"` // memory, sqlite, badger, bleve, redis
	Addrs     []string `yaml:"addrs"`
	Password  string   `yaml:"password"`
	Path      string   `yaml:"path"`
	KeyPrefix string   `yaml:"key_prefix"`
}

// BreakerConfig holds circuit breaker settings, shared by both backends.
type BreakerConfig struct {
	FailureThreshold   int `yaml:"failure_threshold"`
	RecoveryTimeoutSec int `yaml:"recovery_timeout_sec"`
}

// HealthConfig holds background health monitor settings.
type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Capacity            int `yaml:"capacity"`
	TTLSec              int `yaml:"ttl_sec"`
	PopularTTLSec       int `yaml:"popular_ttl_sec"`
	PopularityThreshold int `yaml:"popularity_threshold"`
	StaleRetentionSec   int `yaml:"stale_retention_sec"`
	SweepIntervalSec    int `yaml:"sweep_interval_sec"`
	PopularityResetSec  int `yaml:"popularity_reset_sec"`
}

// MaskingConfig holds the masking rule list. Rules apply in declared order.
type MaskingConfig struct {
	Rules []MaskingRuleConfig `yaml:"rules"`
}

// MaskingRuleConfig is one regex masking rule. An empty mask defaults to "*".
type MaskingRuleConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Mask    string `yaml:"mask"`
}

// WarmupConfig holds startup cache warm-up settings.
type WarmupConfig struct {
	Workers    int                 `yaml:"workers"`
	TimeoutSec int                 `yaml:"timeout_sec"`
	Queries    []WarmupQueryConfig `yaml:"queries"`
}

// WarmupQueryConfig is one query executed during warm-up.
type WarmupQueryConfig struct {
	Collection string            `yaml:"collection"`
	Term       string            `yaml:"term"`
	Filters    map[string]string `yaml:"filters"`
	Limit      int               `yaml:"limit"`
}

// Path returns the config file path Load would read for env.
// SEARCHMUX_CONFIG overrides discovery.
func Path(env string) string {
	return findConfigPath(env)
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse decodes raw YAML bytes, substitutes ${VAR} references, applies
// defaults and validates. Used by Load and by the hot-reload watcher.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Engine.DefaultStrategy == "" {
		c.Engine.DefaultStrategy = string(strategy.CacheFirst)
	}
	if c.Engine.BackendTimeoutSec <= 0 {
		c.Engine.BackendTimeoutSec = 5
	}
	if c.Backends.Database.Driver == "" {
		c.Backends.Database.Driver = "memory"
	}
	if c.Backends.Accelerator.Driver == "" {
		c.Backends.Accelerator.Driver = "memory"
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeoutSec <= 0 {
		c.Breaker.RecoveryTimeoutSec = 30
	}
	if c.Health.IntervalSec <= 0 {
		c.Health.IntervalSec = 15
	}
	if c.Health.TimeoutSec <= 0 {
		c.Health.TimeoutSec = 2
	}
	if c.Cache.Capacity <= 0 {
		c.Cache.Capacity = 1024
	}
	if c.Cache.TTLSec <= 0 {
		c.Cache.TTLSec = 300
	}
	if c.Cache.PopularTTLSec <= 0 {
		c.Cache.PopularTTLSec = 1800
	}
	if c.Cache.PopularityThreshold <= 0 {
		c.Cache.PopularityThreshold = 10
	}
	if c.Cache.StaleRetentionSec <= 0 {
		c.Cache.StaleRetentionSec = 300
	}
	if c.Cache.SweepIntervalSec <= 0 {
		c.Cache.SweepIntervalSec = 60
	}
	if c.Cache.PopularityResetSec <= 0 {
		c.Cache.PopularityResetSec = 900
	}
	if c.Warmup.TimeoutSec <= 0 {
		c.Warmup.TimeoutSec = 10
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if !strategy.Strategy(c.Engine.DefaultStrategy).IsValid() {
		return fmt.Errorf("engine.default_strategy must be one of cache_first, database_only, circuit_aware, hybrid, got %q", c.Engine.DefaultStrategy)
	}
	if err := c.Backends.Database.validate("backends.database", databaseDrivers); err != nil {
		return err
	}
	if err := c.Backends.Accelerator.validate("backends.accelerator", acceleratorDrivers); err != nil {
		return err
	}
	if c.Cache.PopularTTLSec < c.Cache.TTLSec {
		return fmt.Errorf("cache.popular_ttl_sec must be >= cache.ttl_sec, got %d < %d", c.Cache.PopularTTLSec, c.Cache.TTLSec)
	}
	for i, r := range c.Masking.Rules {
		if r.Pattern == "" {
			return fmt.Errorf("masking.rules[%d] (%s) has an empty pattern", i, r.Name)
		}
	}
	for i, q := range c.Warmup.Queries {
		if q.Collection == "" || q.Term == "" {
			return fmt.Errorf("warmup.queries[%d] requires collection and term", i)
		}
	}
	return nil
}

// Drivers allowed per role: the database must be durable, the
// accelerator volatile.
var (
	databaseDrivers    = []string{"memory", "sqlite", "badger", "bleve"}
	acceleratorDrivers = []string{"memory", "redis"}
)

func (b *BackendConfig) validate(path string, allowed []string) error {
	if !slices.Contains(allowed, b.Driver) {
		return fmt.Errorf("%s.driver must be one of %s, got %q", path, strings.Join(allowed, ", "), b.Driver)
	}
	switch b.Driver {
	case "redis":
		if len(b.Addrs) == 0 {
			return fmt.Errorf("%s.addrs is required for the redis driver", path)
		}
	case "sqlite", "bleve":
		if b.Path == "" {
			return fmt.Errorf("%s.path is required for the %s driver", path, b.Driver)
		}
	}
	return nil
}

// findConfigPath locates the config file. SEARCHMUX_CONFIG overrides discovery.
func findConfigPath(env string) string {
	if path := os.Getenv("SEARCHMUX_CONFIG"); path != "" {
		return path
	}

	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
