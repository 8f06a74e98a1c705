// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Results   ResultsConfig   `mapstructure:"results"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the job store backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx connection pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Provider         string       `mapstructure:"provider"`
	Depth            int          `mapstructure:"depth"`
	LeaseSeconds     int          `mapstructure:"lease_seconds"`
	MaxAttempts      int          `mapstructure:"max_attempts"`
	BackoffInitialMs int          `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int          `mapstructure:"backoff_max_ms"`
	PubSub           PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig names the GCP Pub/Sub resources backing the two lanes.
type PubSubConfig struct {
	ProjectID        string `mapstructure:"project_id"`
	DefaultTopic     string `mapstructure:"default_topic"`
	DefaultSub       string `mapstructure:"default_subscription"`
	BatchTopic       string `mapstructure:"batch_topic"`
	BatchSub         string `mapstructure:"batch_subscription"`
	AckDeadlineSecs  int    `mapstructure:"ack_deadline_seconds"`
	MaxOutstanding   int    `mapstructure:"max_outstanding_messages"`
}

// ResultsConfig selects where finished result payloads are stored.
type ResultsConfig struct {
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// WorkerConfig governs pipeline execution.
type WorkerConfig struct {
	Concurrency         int `mapstructure:"concurrency"`
	StageTimeoutSeconds int `mapstructure:"stage_timeout_seconds"`
	HeartbeatSeconds    int `mapstructure:"heartbeat_seconds"`
	LivenessSeconds     int `mapstructure:"liveness_seconds"`
	// FetchRPS caps upstream fetch calls per second across the pool's
	// workers; zero disables the limiter.
	FetchRPS   float64 `mapstructure:"fetch_rps"`
	FetchBurst int     `mapstructure:"fetch_burst"`
}

// BatchConfig bounds batch expansion and aggregation.
type BatchConfig struct {
	MaxURLs        int `mapstructure:"max_urls"`
	StaggerMs      int `mapstructure:"stagger_ms"`
	MaxConcurrent  int `mapstructure:"max_concurrent"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// RetentionConfig sets the passive TTL horizon for jobs and results.
type RetentionConfig struct {
	TTLHours int `mapstructure:"ttl_hours"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TTL returns the record retention horizon as a duration.
func (r RetentionConfig) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// Load builds a Config from disk/environment. A local .env file, when
// present, is folded into the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("SENTIMENT")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("queue.provider", "memory")
	v.SetDefault("queue.depth", 256)
	v.SetDefault("queue.lease_seconds", 60)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_initial_ms", 250)
	v.SetDefault("queue.backoff_max_ms", 5000)
	v.SetDefault("queue.pubsub.ack_deadline_seconds", 60)
	v.SetDefault("queue.pubsub.max_outstanding_messages", 16)
	v.SetDefault("results.provider", "memory")
	v.SetDefault("results.gcs_prefix", "results")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.stage_timeout_seconds", 30)
	v.SetDefault("worker.heartbeat_seconds", 10)
	v.SetDefault("worker.liveness_seconds", 30)
	v.SetDefault("worker.fetch_rps", 5.0)
	v.SetDefault("worker.fetch_burst", 2)
	v.SetDefault("batch.max_urls", 10)
	v.SetDefault("batch.stagger_ms", 2000)
	v.SetDefault("batch.max_concurrent", 3)
	v.SetDefault("batch.timeout_seconds", 600)
	v.SetDefault("batch.poll_interval_ms", 500)
	v.SetDefault("retention.ttl_hours", 720)
	v.SetDefault("logging.development", true)
}

// Validate rejects impossible combinations before any service starts.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.provider is postgres but store.postgres.dsn is not set")
		}
	default:
		return fmt.Errorf("unknown store provider %q", c.Store.Provider)
	}
	switch c.Queue.Provider {
	case "memory":
	case "pubsub":
		ps := c.Queue.PubSub
		if ps.ProjectID == "" || ps.DefaultTopic == "" || ps.DefaultSub == "" {
			return fmt.Errorf("queue.provider is pubsub but project/topic/subscription are not set")
		}
	default:
		return fmt.Errorf("unknown queue provider %q", c.Queue.Provider)
	}
	switch c.Results.Provider {
	case "memory":
	case "gcs":
		if c.Results.GCSBucket == "" {
			return fmt.Errorf("results.provider is gcs but results.gcs_bucket is not set")
		}
	default:
		return fmt.Errorf("unknown results provider %q", c.Results.Provider)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be >= 1")
	}
	if c.Batch.MaxURLs < 1 {
		return fmt.Errorf("batch.max_urls must be >= 1")
	}
	if c.Retention.TTLHours < 1 {
		return fmt.Errorf("retention.ttl_hours must be >= 1")
	}
	return nil
}
