// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file in the working directory is
// loaded first when present.
//
// The routing table itself (providers, models, weights) does not live here —
// it is read from Redis at request time. This package covers only process
// wiring: addresses, credentials sources, tunables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Stage is the deployment stage substituted into templated secret
	// references, e.g. "dev" or "prod". Default: "dev".
	Stage string

	// DefaultRegion is used for requests that carry no region and for
	// secret reference templating. Default: "us-east-1".
	DefaultRegion string

	// Redis holds the connection URL for the shared KV store (routing
	// config, circuit state, rate-limit windows, response cache).
	Redis RedisConfig

	// ConfigStore controls how the routing table is read from Redis.
	ConfigStore ConfigStoreConfig

	// CircuitBreaker controls per-(provider,region) circuit thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Cache controls the response cache.
	Cache CacheConfig

	// RouteLog controls the asynchronous routing-decision log.
	RouteLog RouteLogConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ConfigStoreConfig controls the routing-table reader.
type ConfigStoreConfig struct {
	// ActiveKey is the Redis key holding the active routing table.
	// Default: "gateway:config:active".
	ActiveKey string

	// CacheTTL is how long a fetched routing table is served from the
	// in-process cache before re-reading Redis. Default: 60s.
	CacheTTL time.Duration
}

// CircuitBreakerConfig controls circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive qualifying failures
	// that open a circuit. Default: 3.
	FailureThreshold int

	// Cooldown is how long a circuit stays open before a probe request is
	// admitted. Default: 30s.
	Cooldown time.Duration

	// HalfOpenSuccesses is the number of successful probes that close a
	// half-open circuit. Default: 2.
	HalfOpenSuccesses int

	// RecordTTL is the expiry on persisted circuit records. Default: 168h.
	RecordTTL time.Duration
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache, shared across replicas.
	//   "memory" — In-process TTL cache. Not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// RouteLogConfig controls the asynchronous routing-decision sink.
type RouteLogConfig struct {
	// ClickHouseAddr is a host:port for the ClickHouse native protocol.
	// Empty disables the sink; decisions are still logged via slog.
	ClickHouseAddr string

	// Database and Table name the destination. Defaults: "gateway",
	// "route_decisions".
	Database string
	Table    string

	// Username/Password authenticate the ClickHouse connection.
	Username string
	Password string

	// FlushInterval is the maximum time a buffered batch waits before
	// being sent. Default: 5s.
	FlushInterval time.Duration

	// BatchSize is the row count that triggers an early flush. Default: 256.
	BatchSize int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STAGE", "dev")
	v.SetDefault("DEFAULT_REGION", "us-east-1")

	v.SetDefault("CONFIG_ACTIVE_KEY", "gateway:config:active")
	v.SetDefault("CONFIG_CACHE_TTL", "60s")

	v.SetDefault("CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("CB_COOLDOWN", "30s")
	v.SetDefault("CB_HALF_OPEN_SUCCESSES", 2)
	v.SetDefault("CB_RECORD_TTL", "168h")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")

	v.SetDefault("ROUTELOG_DATABASE", "gateway")
	v.SetDefault("ROUTELOG_TABLE", "route_decisions")
	v.SetDefault("ROUTELOG_FLUSH_INTERVAL", "5s")
	v.SetDefault("ROUTELOG_BATCH_SIZE", 256)

	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:          v.GetInt("PORT"),
		LogLevel:      strings.ToLower(v.GetString("LOG_LEVEL")),
		Stage:         v.GetString("STAGE"),
		DefaultRegion: v.GetString("DEFAULT_REGION"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ConfigStore: ConfigStoreConfig{
			ActiveKey: v.GetString("CONFIG_ACTIVE_KEY"),
			CacheTTL:  v.GetDuration("CONFIG_CACHE_TTL"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:  v.GetInt("CB_FAILURE_THRESHOLD"),
			Cooldown:          v.GetDuration("CB_COOLDOWN"),
			HalfOpenSuccesses: v.GetInt("CB_HALF_OPEN_SUCCESSES"),
			RecordTTL:         v.GetDuration("CB_RECORD_TTL"),
		},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		RouteLog: RouteLogConfig{
			ClickHouseAddr: v.GetString("ROUTELOG_CLICKHOUSE_ADDR"),
			Database:       v.GetString("ROUTELOG_DATABASE"),
			Table:          v.GetString("ROUTELOG_TABLE"),
			Username:       v.GetString("ROUTELOG_USERNAME"),
			Password:       v.GetString("ROUTELOG_PASSWORD"),
			FlushInterval:  v.GetDuration("ROUTELOG_FLUSH_INTERVAL"),
			BatchSize:      v.GetInt("ROUTELOG_BATCH_SIZE"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required; the routing table, circuit state " +
				"and rate-limit windows live in Redis",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.Cooldown <= 0 {
		return fmt.Errorf("config: CB_COOLDOWN must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenSuccesses < 1 {
		return fmt.Errorf("config: CB_HALF_OPEN_SUCCESSES must be ≥ 1, got %d", c.CircuitBreaker.HalfOpenSuccesses)
	}

	if c.RouteLog.ClickHouseAddr != "" && c.RouteLog.BatchSize < 1 {
		return fmt.Errorf("config: ROUTELOG_BATCH_SIZE must be ≥ 1, got %d", c.RouteLog.BatchSize)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
