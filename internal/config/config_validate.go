// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	minSecretLength = 32

	natsMinMemory    = 64 * 1024 * 1024  // 64MB
	natsMinStore     = 100 * 1024 * 1024 // 100MB
	natsMinRetention = 1
	natsMaxRetention = 365
	natsMaxSubs      = 32

	dedupMinRetentionDays = 1
	dedupMaxRetentionDays = 365
)

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateDedup(); err != nil {
		return err
	}
	if err := c.validateJobs(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout < time.Second {
		return fmt.Errorf("HTTP_TIMEOUT must be at least 1s")
	}
	switch c.Server.Environment {
	case "development", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be development or production, got %q", c.Server.Environment)
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if c.Security.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.Security.JWTSecret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}
	if c.Security.UploadSigningSecret != "" && len(c.Security.UploadSigningSecret) < minSecretLength {
		return fmt.Errorf("UPLOAD_SIGNING_SECRET must be at least %d characters", minSecretLength)
	}
	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("RATE_LIMIT_REQUESTS must be at least 1")
		}
		if c.Security.RateLimitWindow < time.Second {
			return fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
		}
	}
	return nil
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}

	if !c.NATS.EmbeddedServer {
		if err := validateNATSURL(c.NATS.URL); err != nil {
			return fmt.Errorf("NATS_URL is invalid: %w", err)
		}
	}
	if c.NATS.EmbeddedServer && c.NATS.StoreDir == "" {
		return fmt.Errorf("NATS_STORE_DIR is required when NATS_EMBEDDED=true")
	}
	if c.NATS.MaxMemory < natsMinMemory {
		return fmt.Errorf("NATS_MAX_MEMORY must be at least %d bytes", int64(natsMinMemory))
	}
	if c.NATS.MaxStore < natsMinStore {
		return fmt.Errorf("NATS_MAX_STORE must be at least %d bytes", int64(natsMinStore))
	}
	if c.NATS.StreamRetentionDays < natsMinRetention || c.NATS.StreamRetentionDays > natsMaxRetention {
		return fmt.Errorf("NATS_RETENTION_DAYS must be between %d and %d", natsMinRetention, natsMaxRetention)
	}
	if c.NATS.SubscribersCount < 1 || c.NATS.SubscribersCount > natsMaxSubs {
		return fmt.Errorf("NATS_SUBSCRIBERS must be between 1 and %d", natsMaxSubs)
	}
	if c.NATS.DurableName == "" {
		return fmt.Errorf("NATS_DURABLE_NAME is required when NATS_ENABLED=true")
	}
	if c.NATS.QueueGroup == "" {
		return fmt.Errorf("NATS_QUEUE_GROUP is required when NATS_ENABLED=true")
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("DUCKDB_PATH is required")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("DUCKDB_THREADS must not be negative")
	}
	return nil
}

func (c *Config) validateDedup() error {
	if c.Dedup.Path == "" {
		return fmt.Errorf("DEDUP_PATH is required")
	}
	if c.Dedup.RetentionDays < dedupMinRetentionDays || c.Dedup.RetentionDays > dedupMaxRetentionDays {
		return fmt.Errorf("DEDUP_RETENTION_DAYS must be between %d and %d",
			dedupMinRetentionDays, dedupMaxRetentionDays)
	}
	if c.Dedup.CacheSize < 0 {
		return fmt.Errorf("DEDUP_CACHE_SIZE must not be negative")
	}
	return nil
}

func (c *Config) validateJobs() error {
	if c.Jobs.MaxPublishAttempts < 1 {
		return fmt.Errorf("JOBS_MAX_PUBLISH_ATTEMPTS must be at least 1")
	}
	if c.Jobs.RepublishAfter < time.Second {
		return fmt.Errorf("JOBS_REPUBLISH_AFTER must be at least 1s")
	}
	if c.Jobs.DefaultListLimit < 1 || c.Jobs.DefaultListLimit > c.Jobs.MaxListLimit {
		return fmt.Errorf("JOBS_DEFAULT_LIST_LIMIT must be between 1 and JOBS_MAX_LIST_LIMIT")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.ExecutionTimeout < time.Second {
		return fmt.Errorf("WORKER_EXECUTION_TIMEOUT must be at least 1s")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of trace, debug, info, warn, error, fatal, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// validateNATSURL checks that the URL uses the nats scheme and has a host.
func validateNATSURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return fmt.Errorf("scheme must be nats or tls, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL has no host")
	}
	return nil
}
