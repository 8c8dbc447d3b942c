// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/tomtom215/causeway/internal/config"
)

// Stream names. Each stream owns one subject hierarchy, including its
// poison subject.
const (
	StreamEvents  = "EVENTS"
	StreamJobs    = "JOBS"
	StreamUploads = "UPLOADS"
)

// JetStreamContext is the subset of jetstream.JetStream used by the
// initializer, narrowed for testing with mocks.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	DeleteStream(ctx context.Context, name string) error
}

// StreamInitializer provisions JetStream streams before publishers and
// subscribers start, so delivery guarantees hold from the first message.
type StreamInitializer struct {
	js     JetStreamContext
	config StreamConfig
}

// NewStreamInitializer creates an initializer for one stream.
func NewStreamInitializer(js JetStreamContext, cfg *StreamConfig) (*StreamInitializer, error) {
	if js == nil {
		return nil, fmt.Errorf("%w: JetStream context required", ErrInvalidConfig)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: stream config required", ErrInvalidConfig)
	}

	return &StreamInitializer{js: js, config: *cfg}, nil
}

// EnsureStream creates the stream or updates its configuration when it
// already exists. Idempotent.
func (s *StreamInitializer) EnsureStream(ctx context.Context) (jetstream.Stream, error) {
	streamCfg := jetstream.StreamConfig{
		Name:        s.config.Name,
		Subjects:    s.config.Subjects,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      s.config.MaxAge,
		MaxBytes:    s.config.MaxBytes,
		MaxMsgs:     s.config.MaxMsgs,
		Duplicates:  s.config.DuplicateWindow,
		Replicas:    s.config.Replicas,
		Storage:     jetstream.FileStorage,
		AllowDirect: true,
		Discard:     jetstream.DiscardOld,
		AllowRollup: true,
	}

	_, err := s.js.Stream(ctx, s.config.Name)
	if err == nil {
		stream, err := s.js.UpdateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("update stream %s: %w", s.config.Name, err)
		}
		return stream, nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err := s.js.CreateStream(ctx, streamCfg)
		if err != nil {
			return nil, fmt.Errorf("create stream %s: %w", s.config.Name, err)
		}
		return stream, nil
	}

	return nil, fmt.Errorf("check stream %s: %w", s.config.Name, err)
}

// IsHealthy reports whether the stream exists and is reachable.
func (s *StreamInitializer) IsHealthy(ctx context.Context) bool {
	_, err := s.js.Stream(ctx, s.config.Name)
	return err == nil
}

// StreamConfigs returns the three application streams derived from the
// NATS configuration. The duplicate window backs JetStream message ID
// deduplication for republished dispatch messages.
func StreamConfigs(cfg *config.NATSConfig) []StreamConfig {
	maxAge := time.Duration(cfg.StreamRetentionDays) * 24 * time.Hour
	return []StreamConfig{
		{
			Name:            StreamEvents,
			Subjects:        []string{"events.>"},
			MaxAge:          maxAge,
			MaxBytes:        cfg.MaxStore,
			DuplicateWindow: 2 * time.Minute,
			Replicas:        1,
		},
		{
			Name:            StreamJobs,
			Subjects:        []string{"jobs.>"},
			MaxAge:          maxAge,
			MaxBytes:        cfg.MaxStore / 4,
			DuplicateWindow: 2 * time.Minute,
			Replicas:        1,
		},
		{
			Name:            StreamUploads,
			Subjects:        []string{"uploads.>"},
			MaxAge:          maxAge,
			MaxBytes:        cfg.MaxStore / 4,
			DuplicateWindow: 2 * time.Minute,
			Replicas:        1,
		},
	}
}

// EnsureStreams provisions every application stream.
func EnsureStreams(ctx context.Context, js JetStreamContext, cfg *config.NATSConfig) error {
	for _, sc := range StreamConfigs(cfg) {
		init, err := NewStreamInitializer(js, &sc)
		if err != nil {
			return err
		}
		if _, err := init.EnsureStream(ctx); err != nil {
			return err
		}
	}
	return nil
}
