// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package config

import (
	"time"
)

// Config holds all application configuration loaded from defaults, an
// optional YAML config file, and environment variables.
//
// Loading order (Koanf v2):
//  1. Defaults: built-in sensible defaults for all optional settings
//  2. Config file: optional YAML file (config.yaml) for persistent settings
//  3. Environment variables: override any setting
//
// Config is immutable after Load() and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	NATS     NATSConfig     `koanf:"nats"`
	Database DatabaseConfig `koanf:"database"`
	Dedup    DedupConfig    `koanf:"dedup"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Jobs     JobsConfig     `koanf:"jobs"`
	Worker   WorkerConfig   `koanf:"worker"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
//
// Environment Variables:
//   - HTTP_PORT: listen port (default: 8080)
//   - HTTP_HOST: listen host (default: 0.0.0.0)
//   - HTTP_TIMEOUT: read/write timeout (default: 30s)
//   - ENVIRONMENT: development or production (default: development)
type ServerConfig struct {
	Port        int           `koanf:"port"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`
}

// SecurityConfig holds authentication and request-limit settings.
//
// Environment Variables:
//   - JWT_SECRET: HMAC secret for bearer token verification (32+ bytes)
//   - UPLOAD_SIGNING_SECRET: HMAC secret for signed upload URLs
//   - RATE_LIMIT_REQUESTS / RATE_LIMIT_WINDOW: request rate limit
//   - DISABLE_RATE_LIMIT: disable rate limiting (default: false)
//   - CORS_ORIGINS: comma-separated allowed origins (default: *)
type SecurityConfig struct {
	JWTSecret           string        `koanf:"jwt_secret"`
	UploadSigningSecret string        `koanf:"upload_signing_secret"`
	RateLimitReqs       int           `koanf:"rate_limit_reqs"`
	RateLimitWindow     time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled   bool          `koanf:"rate_limit_disabled"`
	CORSOrigins         []string      `koanf:"cors_origins"`
}

// NATSConfig holds broker settings for Watermill over NATS JetStream.
// When EmbeddedServer is true the process runs its own JetStream-enabled
// nats-server and ignores URL.
//
// Environment Variables:
//   - NATS_ENABLED: use NATS JetStream; false selects the in-process
//     GoChannel transport (default: true)
//   - NATS_URL: broker URL (default: nats://127.0.0.1:4222)
//   - NATS_EMBEDDED: run an embedded server (default: true)
//   - NATS_STORE_DIR: JetStream storage directory
type NATSConfig struct {
	Enabled             bool          `koanf:"enabled"`
	URL                 string        `koanf:"url"`
	EmbeddedServer      bool          `koanf:"embedded_server"`
	StoreDir            string        `koanf:"store_dir"`
	MaxMemory           int64         `koanf:"max_memory"`
	MaxStore            int64         `koanf:"max_store"`
	StreamRetentionDays int           `koanf:"stream_retention_days"`
	DurableName         string        `koanf:"durable_name"`
	QueueGroup          string        `koanf:"queue_group"`
	SubscribersCount    int           `koanf:"subscribers_count"`

	// Watermill Router middleware settings.
	RouterRetryCount           int           `koanf:"router_retry_count"`
	RouterRetryInitialInterval time.Duration `koanf:"router_retry_initial_interval"`
	RouterPoisonQueueEnabled   bool          `koanf:"router_poison_queue_enabled"`
	RouterCloseTimeout         time.Duration `koanf:"router_close_timeout"`
}

// DatabaseConfig holds DuckDB settings.
//
// Environment Variables:
//   - DUCKDB_PATH: database file path (default: /data/causeway.duckdb)
//   - DUCKDB_MAX_MEMORY: memory limit (default: 2GB)
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// DedupConfig holds the deduplication key store settings.
// RetentionDays bounds how long idempotency keys are remembered; a
// duplicate arriving after the horizon is treated as new.
type DedupConfig struct {
	Path          string        `koanf:"path"`
	RetentionDays int           `koanf:"retention_days"`
	CacheSize     int           `koanf:"cache_size"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// IngestConfig holds event intake and upload settings.
type IngestConfig struct {
	MaxPayloadBytes int64         `koanf:"max_payload_bytes"`
	UploadDir       string        `koanf:"upload_dir"`
	UploadURLTTL    time.Duration `koanf:"upload_url_ttl"`
	// KeyTimeBucket is the coarse window used when deriving idempotency
	// keys for requests that do not supply one.
	KeyTimeBucket time.Duration `koanf:"key_time_bucket"`
}

// JobsConfig holds analysis job orchestration settings.
type JobsConfig struct {
	RepublishAfter     time.Duration `koanf:"republish_after"`
	SweepInterval      time.Duration `koanf:"sweep_interval"`
	MaxPublishAttempts int           `koanf:"max_publish_attempts"`
	// RepublishPerSecond rate-limits the reconciler's republish burst.
	RepublishPerSecond float64 `koanf:"republish_per_second"`
	DefaultListLimit   int     `koanf:"default_list_limit"`
	MaxListLimit       int     `koanf:"max_list_limit"`
}

// WorkerConfig holds analysis worker settings.
type WorkerConfig struct {
	// ExecutionTimeout bounds a single model run; on expiry the job is
	// marked FAILED and the worker slot is freed.
	ExecutionTimeout time.Duration `koanf:"execution_timeout"`
	Concurrency      int           `koanf:"concurrency"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}
