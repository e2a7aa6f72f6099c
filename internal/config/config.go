// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. A .env file, when present, is loaded
// into the process environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example DATABASE_URL becomes
// database_url in YAML.
//
// Nothing is strictly required: the defaults run the gateway against a local
// sqlite file, an in-process cache and a filesystem blob store. Provider
// credentials are never configured here; callers send them per request.
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

	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	Blob      BlobConfig
	Events    EventsConfig
	Timeouts  TimeoutConfig
	Instances InstanceConfig
	Azure     AzureConfig
	RateLimit RateLimitConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// DatabaseConfig selects the relational store.
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "mysql".
	Driver string
	// URL is a sqlite path or a mysql DSN (user:pass@tcp(host:3306)/db).
	URL string
	// MaxOpenConns caps the pool for mysql. Default: 10.
	MaxOpenConns int
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the cache-aside read tier.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis" : Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory": In-process TTL cache. No external deps; not shared across replicas.
	//   "none"  : Cache disabled entirely.
	// Default: "memory".
	Mode string

	// Per-read lifetimes. Defaults: 15s, 30s, 60s, 60s.
	TTLModel     time.Duration
	TTLModelList time.Duration
	TTLLogs      time.Duration
	TTLAnalytics time.Duration

	// ExcludeExact lists key prefixes that are never cached.
	// Example: ["analytics:"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against key
	// prefixes. Reads under a matching prefix bypass the cache.
	// Example: ["^logs"]
	ExcludePatterns []string
}

// BlobConfig selects where log payloads are written.
type BlobConfig struct {
	// Mode is "fs" (default) or "s3".
	Mode string
	// Dir is the root directory of the filesystem store. Default: ./data/blobs.
	Dir string
	// Timeout bounds one payload write. Default: 10s.
	Timeout time.Duration

	S3 S3Config
}

// S3Config holds the S3-compatible bucket settings used when Mode is "s3".
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// EventsConfig configures the log event sinks. Empty values disable a sink.
type EventsConfig struct {
	NATSURL       string
	NATSStream    string
	NATSSubject   string
	ClickHouseDSN string
}

// TimeoutConfig bounds the blocking operations of the gateway.
type TimeoutConfig struct {
	// Provider bounds a non-streaming provider call. Default: 60s.
	Provider time.Duration
	// Stream bounds a whole streamed response. Default: 10m.
	Stream time.Duration
	// Probe bounds each readiness check. Default: 2s.
	Probe time.Duration
	// Shutdown bounds graceful shutdown. Default: 15s.
	Shutdown time.Duration
}

// InstanceConfig sizes the provider instance cache.
type InstanceConfig struct {
	// Size is the maximum number of cached provider clients. Default: 100.
	Size int
	// TTL is the lifetime of a cached client. Default: 1h.
	TTL time.Duration
}

// AzureConfig holds Azure OpenAI settings shared by all azure models.
type AzureConfig struct {
	// APIVersion is the API version string, e.g. "2024-10-21".
	APIVersion string
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum inference requests per minute per credential.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
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
	v.SetDefault("CORS_ORIGINS", "*")

	v.SetDefault("DATABASE_DRIVER", "sqlite")
	v.SetDefault("DATABASE_URL", "gateway.db")
	v.SetDefault("DATABASE_MAX_OPEN_CONNS", 10)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL_MODEL", "15s")
	v.SetDefault("CACHE_TTL_MODEL_LIST", "30s")
	v.SetDefault("CACHE_TTL_LOGS", "60s")
	v.SetDefault("CACHE_TTL_ANALYTICS", "60s")

	v.SetDefault("BLOB_MODE", "fs")
	v.SetDefault("BLOB_DIR", "./data/blobs")
	v.SetDefault("BLOB_TIMEOUT", "10s")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", true)

	v.SetDefault("NATS_STREAM", "INFERENCE_LOGS")
	v.SetDefault("NATS_SUBJECT", "inference.logs")

	v.SetDefault("PROVIDER_TIMEOUT", "60s")
	v.SetDefault("STREAM_TIMEOUT", "10m")
	v.SetDefault("PROBE_TIMEOUT", "2s")
	v.SetDefault("SHUTDOWN_TIMEOUT", "15s")

	v.SetDefault("INSTANCE_CACHE_SIZE", 100)
	v.SetDefault("INSTANCE_CACHE_TTL", "1h")

	v.SetDefault("AZURE_API_VERSION", "2024-10-21")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Database: DatabaseConfig{
			Driver:       strings.ToLower(v.GetString("DATABASE_DRIVER")),
			URL:          v.GetString("DATABASE_URL"),
			MaxOpenConns: v.GetInt("DATABASE_MAX_OPEN_CONNS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTLModel:        v.GetDuration("CACHE_TTL_MODEL"),
			TTLModelList:    v.GetDuration("CACHE_TTL_MODEL_LIST"),
			TTLLogs:         v.GetDuration("CACHE_TTL_LOGS"),
			TTLAnalytics:    v.GetDuration("CACHE_TTL_ANALYTICS"),
			ExcludeExact:    stringList(v, "CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: stringList(v, "CACHE_EXCLUDE_PATTERNS"),
		},

		Blob: BlobConfig{
			Mode:    strings.ToLower(v.GetString("BLOB_MODE")),
			Dir:     v.GetString("BLOB_DIR"),
			Timeout: v.GetDuration("BLOB_TIMEOUT"),
			S3: S3Config{
				Endpoint:  v.GetString("S3_ENDPOINT"),
				Region:    v.GetString("S3_REGION"),
				Bucket:    v.GetString("S3_BUCKET"),
				AccessKey: v.GetString("S3_ACCESS_KEY"),
				SecretKey: v.GetString("S3_SECRET_KEY"),
				UseSSL:    v.GetBool("S3_USE_SSL"),
			},
		},

		Events: EventsConfig{
			NATSURL:       v.GetString("NATS_URL"),
			NATSStream:    v.GetString("NATS_STREAM"),
			NATSSubject:   v.GetString("NATS_SUBJECT"),
			ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		},

		Timeouts: TimeoutConfig{
			Provider: v.GetDuration("PROVIDER_TIMEOUT"),
			Stream:   v.GetDuration("STREAM_TIMEOUT"),
			Probe:    v.GetDuration("PROBE_TIMEOUT"),
			Shutdown: v.GetDuration("SHUTDOWN_TIMEOUT"),
		},

		Instances: InstanceConfig{
			Size: v.GetInt("INSTANCE_CACHE_SIZE"),
			TTL:  v.GetDuration("INSTANCE_CACHE_TTL"),
		},

		Azure: AzureConfig{APIVersion: v.GetString("AZURE_API_VERSION")},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CORSOrigins: stringList(v, "CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be between 1 and 65535, got %d", c.Port)
	}

	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		return fmt.Errorf("config: invalid DATABASE_DRIVER %q; must be one of: sqlite, mysql", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("config: DATABASE_URL must not be empty")
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Blob.Mode {
	case "fs":
		if c.Blob.Dir == "" {
			return errors.New("config: BLOB_DIR is required when BLOB_MODE=fs")
		}
	case "s3":
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return errors.New("config: S3_ENDPOINT and S3_BUCKET are required when BLOB_MODE=s3")
		}
	default:
		return fmt.Errorf("config: invalid BLOB_MODE %q; must be one of: fs, s3", c.Blob.Mode)
	}

	for name, d := range map[string]time.Duration{
		"PROVIDER_TIMEOUT":     c.Timeouts.Provider,
		"STREAM_TIMEOUT":       c.Timeouts.Stream,
		"PROBE_TIMEOUT":        c.Timeouts.Probe,
		"SHUTDOWN_TIMEOUT":     c.Timeouts.Shutdown,
		"BLOB_TIMEOUT":         c.Blob.Timeout,
		"INSTANCE_CACHE_TTL":   c.Instances.TTL,
		"CACHE_TTL_MODEL":      c.Cache.TTLModel,
		"CACHE_TTL_MODEL_LIST": c.Cache.TTLModelList,
		"CACHE_TTL_LOGS":       c.Cache.TTLLogs,
		"CACHE_TTL_ANALYTICS":  c.Cache.TTLAnalytics,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be a positive duration", name)
		}
	}

	if c.Instances.Size < 1 {
		return fmt.Errorf("config: INSTANCE_CACHE_SIZE must be ≥ 1, got %d", c.Instances.Size)
	}
	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}

	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// stringList reads a comma-separated env value or a YAML list.
func stringList(v *viper.Viper, key string) []string {
	raw, ok := v.Get(key).(string)
	if !ok {
		return v.GetStringSlice(key)
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
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
