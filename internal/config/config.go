// Package config loads and validates bulk-fetch configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Site       SiteConfig       `mapstructure:"site"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Headless   HeadlessConfig   `mapstructure:"headless"`
	Scraper    ScraperConfig    `mapstructure:"scraper"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	KV         KVConfig         `mapstructure:"kv"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	DB         DBConfig         `mapstructure:"db"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SiteConfig describes the scraped retail site.
type SiteConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	BrandsPath string `mapstructure:"brands_path"`
	Currency   string `mapstructure:"currency"`
}

// HTTPConfig configures the shared fetch client.
type HTTPConfig struct {
	TimeoutSeconds     int     `mapstructure:"timeout_seconds"`
	MaxConnections     int     `mapstructure:"max_connections"`
	InsecureSkipVerify bool    `mapstructure:"insecure_skip_verify"`
	UserAgent          string  `mapstructure:"user_agent"`
	RatePerSecond      float64 `mapstructure:"rate_per_second"`
	Burst              int     `mapstructure:"burst"`
}

// HeadlessConfig configures the headless rendering fetcher.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	NavTimeoutSec  int  `mapstructure:"nav_timeout_seconds"`
	// MinVisibleText is the body text length below which a plain fetch is re-rendered.
	MinVisibleText int  `mapstructure:"min_visible_text"`
}

// ScraperConfig bounds pagination and enrichment.
type ScraperConfig struct {
	FallbackPages   int `mapstructure:"fallback_pages"`
	BatchSize       int `mapstructure:"batch_size"`
	MaxPages        int `mapstructure:"max_pages"`
	PageDelayMs     int `mapstructure:"page_delay_ms"`
	MaxImages       int `mapstructure:"max_images"`
	CacheTTLMinutes int `mapstructure:"cache_ttl_minutes"`
}

// QueueConfig configures the in-process task queue.
type QueueConfig struct {
	Name        string `mapstructure:"name"`
	MaxRetries  int    `mapstructure:"max_retries"`
	TaskDelayMs int    `mapstructure:"task_delay_ms"`
}

// WorkerConfig sets the per-brand ceilings.
type WorkerConfig struct {
	MaxRetries         int `mapstructure:"max_retries"`
	TaskTimeoutSeconds int `mapstructure:"task_timeout_seconds"`
	BackoffBaseSeconds int `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds  int `mapstructure:"backoff_max_seconds"`
}

// JobsConfig controls job retention.
type JobsConfig struct {
	RetentionHours         int `mapstructure:"retention_hours"`
	CleanupIntervalMinutes int `mapstructure:"cleanup_interval_minutes"`
}

// KVConfig selects the key-value backend for the brand cache and job state.
type KVConfig struct {
	Provider string      `mapstructure:"provider"`
	Prefix   string      `mapstructure:"prefix"`
	Redis    RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DeadLetterConfig selects where exhausted brand tasks are published.
type DeadLetterConfig struct {
	Provider string `mapstructure:"provider"`
	Topic    string `mapstructure:"topic"`
}

// PubSubConfig holds metadata for Pub/Sub publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ArchiveConfig selects where finished job snapshots are written.
type ArchiveConfig struct {
	Provider string `mapstructure:"provider"`
	Bucket   string `mapstructure:"bucket"`
	Dir      string `mapstructure:"dir"`
	Prefix   string `mapstructure:"prefix"`
}

// DBConfig controls access to the job-run history database.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// TracingConfig toggles OpenTelemetry span recording.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BULKFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("site.base_url", "https://www.gosport.az")
	v.SetDefault("site.brands_path", "/brands")
	v.SetDefault("site.currency", "AZN")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_connections", 10)
	v.SetDefault("http.insecure_skip_verify", true)
	v.SetDefault("http.user_agent",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	v.SetDefault("http.rate_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.min_visible_text", 64)
	v.SetDefault("scraper.fallback_pages", 5)
	v.SetDefault("scraper.batch_size", 3)
	v.SetDefault("scraper.max_pages", 200)
	v.SetDefault("scraper.page_delay_ms", 300)
	v.SetDefault("scraper.max_images", 10)
	v.SetDefault("scraper.cache_ttl_minutes", 30)
	v.SetDefault("queue.name", "bulk-fetch")
	v.SetDefault("queue.max_retries", 2)
	v.SetDefault("queue.task_delay_ms", 100)
	v.SetDefault("worker.max_retries", 5)
	v.SetDefault("worker.task_timeout_seconds", 240)
	v.SetDefault("worker.backoff_base_seconds", 10)
	v.SetDefault("worker.backoff_max_seconds", 120)
	v.SetDefault("jobs.retention_hours", 24)
	v.SetDefault("jobs.cleanup_interval_minutes", 60)
	v.SetDefault("kv.provider", "memory")
	v.SetDefault("kv.prefix", "bulkfetch:")
	v.SetDefault("deadletter.provider", "memory")
	v.SetDefault("deadletter.topic", "bulk-fetch.dead-letter")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "jobs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "bulkfetch")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Site.BaseURL == "" {
		return fmt.Errorf("site.base_url is required")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxConnections <= 0 {
		return fmt.Errorf("http.max_connections must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Scraper.MaxPages <= 0 {
		return fmt.Errorf("scraper.max_pages must be > 0")
	}
	if c.Scraper.BatchSize <= 0 {
		return fmt.Errorf("scraper.batch_size must be > 0")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.MaxRetries < 0 || c.Worker.MaxRetries < 0 {
		return fmt.Errorf("queue.max_retries and worker.max_retries must be >= 0")
	}
	if c.Worker.TaskTimeoutSeconds <= 0 {
		return fmt.Errorf("worker.task_timeout_seconds must be > 0")
	}
	switch c.KV.Provider {
	case "memory":
	case "redis":
		if c.KV.Redis.Addr == "" {
			return fmt.Errorf("kv.redis.addr must be set when kv.provider is redis")
		}
	default:
		return fmt.Errorf("unknown kv.provider %q", c.KV.Provider)
	}
	switch c.DeadLetter.Provider {
	case "memory":
	case "redis":
		if c.KV.Redis.Addr == "" {
			return fmt.Errorf("kv.redis.addr must be set when deadletter.provider is redis")
		}
	case "pubsub":
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id must be set when deadletter.provider is pubsub")
		}
	default:
		return fmt.Errorf("unknown deadletter.provider %q", c.DeadLetter.Provider)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.Dir == "" {
			return fmt.Errorf("archive.dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("unknown archive.provider %q", c.Archive.Provider)
	}
	return nil
}

// RequestTimeout is the per-fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// TaskTimeout is the hard ceiling raced against one brand scrape.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.Worker.TaskTimeoutSeconds) * time.Second
}

// CacheTTL is the lifetime of the aggregate brand directory cache.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Scraper.CacheTTLMinutes) * time.Minute
}

// Retention is how long finished jobs are kept.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Jobs.RetentionHours) * time.Hour
}
