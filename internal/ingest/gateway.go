// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package ingest accepts marketing events into the intake pipeline. The
// gateway normalizes submissions, derives idempotency keys for callers
// that omit them, and publishes accepted events to the raw event topic.
// Persistence and deduplication happen downstream in the writer.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
)

// Publisher is the broker surface the gateway needs.
type Publisher interface {
	PublishPayload(ctx context.Context, topic, msgID string, payload []byte) error
}

// Gateway validates and publishes incoming events.
type Gateway struct {
	publisher  Publisher
	serializer *events.Serializer
	cfg        *config.IngestConfig
}

// NewGateway creates an intake gateway.
func NewGateway(publisher Publisher, cfg *config.IngestConfig) *Gateway {
	return &Gateway{
		publisher:  publisher,
		serializer: events.NewSerializer(),
		cfg:        cfg,
	}
}

// SubmitEvent accepts one event from the named caller. A missing
// idempotency key is derived from the caller, the event content as
// submitted, and a coarse time bucket, so an identical retry collapses
// to the same key. The key is derived before any gateway stamping: the
// hashed bytes contain only what the caller sent, never the receipt
// time. A missing occurred_at is stamped with the receipt time after
// derivation. The broker message ID is the idempotency key, which lets
// the stream's duplicate window absorb tight retry loops before the
// writer ever sees them.
func (g *Gateway) SubmitEvent(ctx context.Context, caller string, event *events.Event) (*events.Event, error) {
	event.EnsureSchemaVersion()

	if event.IdempotencyKey == "" {
		content, err := json.Marshal(event)
		if err != nil {
			return nil, fmt.Errorf("marshal event for key derivation: %w", err)
		}
		bucketAt := event.OccurredAt
		if bucketAt.IsZero() {
			bucketAt = time.Now().UTC()
		}
		event.IdempotencyKey = events.DeriveIdempotencyKey(caller, content, bucketAt, g.cfg.KeyTimeBucket)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := g.serializer.Marshal(event)
	if err != nil {
		return nil, err
	}
	metrics.EventsAccepted.Inc()

	if err := g.publisher.PublishPayload(ctx, events.TopicEventsRaw, event.IdempotencyKey, payload); err != nil {
		return nil, fmt.Errorf("publish event: %w", err)
	}
	metrics.EventsPublished.Inc()

	logging.Ctx(ctx).Debug().
		Str("idempotency_key", event.IdempotencyKey).
		Str("event_type", event.EventType).
		Str("source", event.Source).
		Msg("Event accepted")

	return event, nil
}
