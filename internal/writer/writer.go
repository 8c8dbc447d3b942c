// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package writer persists raw events from the broker. The writer is the
// only component that inserts event rows; the relational insert carries
// the idempotency guarantee, and the dedup key store in front of it only
// saves the round trip for keys already seen.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/causeway/internal/broker"
	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/dedup"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
)

// Store is the persistence surface the writer needs. *database.DB
// satisfies it.
type Store interface {
	InsertEventIfAbsent(ctx context.Context, event *events.Event) (bool, error)
	SweepDedupKeys(ctx context.Context, horizon time.Duration) (int64, error)
	CountEvents(ctx context.Context) (int64, error)
}

// Writer consumes events.raw messages and persists them exactly once
// per idempotency key.
type Writer struct {
	store      Store
	keys       dedup.Store
	serializer *events.Serializer
	ttl        time.Duration
}

// New creates a writer. The key TTL follows the dedup retention window.
func New(store Store, keys dedup.Store, cfg *config.DedupConfig) *Writer {
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	return &Writer{
		store:      store,
		keys:       keys,
		serializer: events.NewSerializer(),
		ttl:        time.Duration(retention) * 24 * time.Hour,
	}
}

// Handle persists one raw event message. Malformed payloads are
// permanent; store failures are retryable.
func (w *Writer) Handle(msg *message.Message) error {
	ctx := msg.Context()

	event, err := w.serializer.Unmarshal(msg.Payload)
	if err != nil {
		metrics.EventsParseFailed.Inc()
		return broker.Permanent(fmt.Errorf("unmarshal event %s: %w", msg.UUID, err))
	}
	if err := event.Validate(); err != nil {
		metrics.EventsParseFailed.Inc()
		return broker.Permanent(fmt.Errorf("invalid event %s: %w", msg.UUID, err))
	}
	event.EnsureSchemaVersion()

	// Fast path: a key the store already saw needs no insert. Key store
	// errors fall through to the insert, which is authoritative.
	seen, err := w.keys.Seen(ctx, event.IdempotencyKey)
	if err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("Dedup key lookup failed, falling through to insert")
	} else if seen {
		metrics.EventsDuplicatesSuppressed.Inc()
		return nil
	}

	start := time.Now()
	inserted, err := w.store.InsertEventIfAbsent(ctx, event)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", event.IdempotencyKey, err)
	}
	metrics.RecordEventWrite(time.Since(start), inserted)

	if err := w.keys.Record(ctx, event.IdempotencyKey, w.ttl); err != nil {
		// The row is durable; the key store catches up on the next
		// duplicate's insert round trip.
		logging.Ctx(ctx).Warn().Err(err).Msg("Dedup key record failed")
	}

	if !inserted {
		logging.Ctx(ctx).Debug().
			Str("idempotency_key", event.IdempotencyKey).
			Msg("Duplicate event suppressed by store")
	}
	return nil
}

// Sweeper expires dedup keys past the retention window from both the
// relational table and the key store, and refreshes the stored event
// count gauge on each pass.
type Sweeper struct {
	store    Store
	keys     dedup.Store
	interval time.Duration
	horizon  time.Duration
}

// NewSweeper creates a sweeper from the dedup configuration.
func NewSweeper(store Store, keys dedup.Store, cfg *config.DedupConfig) *Sweeper {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 30
	}
	return &Sweeper{
		store:    store,
		keys:     keys,
		interval: interval,
		horizon:  time.Duration(retention) * 24 * time.Hour,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log := logging.WithComponent("dedup-sweeper")
	log.Info().Dur("interval", s.interval).Dur("horizon", s.horizon).Msg("Dedup sweeper started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	log := logging.WithComponent("dedup-sweeper")

	if stored, err := s.store.CountEvents(ctx); err == nil {
		metrics.EventsStored.Set(float64(stored))
	}

	swept, err := s.store.SweepDedupKeys(ctx, s.horizon)
	if err != nil {
		log.Error().Err(err).Msg("Dedup table sweep failed")
	} else if swept > 0 {
		log.Info().Int64("swept", swept).Msg("Expired dedup keys removed")
	}

	if _, err := s.keys.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("Dedup key store sweep failed")
	}
}
