// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package broker

import (
	"time"

	"github.com/tomtom215/causeway/internal/config"
)

// PublisherConfig holds settings for the JetStream publisher.
type PublisherConfig struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectBuffer int

	// EnableTrackMsgID turns on JetStream server-side deduplication via
	// the Nats-Msg-Id header.
	EnableTrackMsgID bool

	// Circuit breaker settings.
	BreakerName             string
	BreakerMaxRequests      uint32
	BreakerInterval         time.Duration
	BreakerTimeout          time.Duration
	BreakerFailureThreshold uint32
}

// DefaultPublisherConfig returns production defaults for the publisher.
func DefaultPublisherConfig(url string) PublisherConfig {
	return PublisherConfig{
		URL:                     url,
		MaxReconnects:           -1, // Reconnect forever
		ReconnectWait:           2 * time.Second,
		ReconnectBuffer:         8 * 1024 * 1024,
		EnableTrackMsgID:        true,
		BreakerName:             "nats-publish",
		BreakerMaxRequests:      3,
		BreakerInterval:         60 * time.Second,
		BreakerTimeout:          30 * time.Second,
		BreakerFailureThreshold: 5,
	}
}

// SubscriberConfig holds settings for durable JetStream subscribers.
type SubscriberConfig struct {
	URL              string
	StreamName       string
	DurableName      string
	QueueGroup       string
	SubscribersCount int
	MaxReconnects    int
	ReconnectWait    time.Duration
	MaxDeliver       int
	MaxAckPending    int
	AckWaitTimeout   time.Duration
	CloseTimeout     time.Duration
}

// DefaultSubscriberConfig returns production defaults for a subscriber
// bound to the given stream.
func DefaultSubscriberConfig(url, streamName string) SubscriberConfig {
	return SubscriberConfig{
		URL:              url,
		StreamName:       streamName,
		DurableName:      "causeway",
		QueueGroup:       "workers",
		SubscribersCount: 4,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    256,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     30 * time.Second,
	}
}

// StreamConfig describes one JetStream stream.
type StreamConfig struct {
	Name            string
	Subjects        []string
	MaxAge          time.Duration
	MaxBytes        int64
	MaxMsgs         int64
	DuplicateWindow time.Duration
	Replicas        int
}

// RouterConfig holds settings for the Watermill router middleware chain.
type RouterConfig struct {
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	// PoisonQueueEnabled routes permanently failed messages to the
	// per-stream poison topic instead of dropping them.
	PoisonQueueEnabled bool
}

// DefaultRouterConfig returns production defaults for the router.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonQueueEnabled:   true,
	}
}

// RouterConfigFrom maps application configuration onto router settings.
func RouterConfigFrom(cfg *config.NATSConfig) RouterConfig {
	rc := DefaultRouterConfig()
	if cfg.RouterRetryCount > 0 {
		rc.RetryMaxRetries = cfg.RouterRetryCount
	}
	if cfg.RouterRetryInitialInterval > 0 {
		rc.RetryInitialInterval = cfg.RouterRetryInitialInterval
	}
	if cfg.RouterCloseTimeout > 0 {
		rc.CloseTimeout = cfg.RouterCloseTimeout
	}
	rc.PoisonQueueEnabled = cfg.RouterPoisonQueueEnabled
	return rc
}

// SubscriberConfigFrom maps application configuration onto subscriber
// settings for the given stream.
func SubscriberConfigFrom(cfg *config.NATSConfig, streamName string) SubscriberConfig {
	sc := DefaultSubscriberConfig(cfg.URL, streamName)
	if cfg.DurableName != "" {
		sc.DurableName = cfg.DurableName
	}
	if cfg.QueueGroup != "" {
		sc.QueueGroup = cfg.QueueGroup
	}
	if cfg.SubscribersCount > 0 {
		sc.SubscribersCount = cfg.SubscribersCount
	}
	return sc
}

// ServerConfig holds embedded NATS server settings.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// ServerConfigFrom maps application configuration onto embedded server
// settings. Port -1 lets the server pick a free port.
func ServerConfigFrom(cfg *config.NATSConfig) ServerConfig {
	return ServerConfig{
		Host:              "127.0.0.1",
		Port:              4222,
		StoreDir:          cfg.StoreDir,
		JetStreamMaxMem:   cfg.MaxMemory,
		JetStreamMaxStore: cfg.MaxStore,
	}
}
