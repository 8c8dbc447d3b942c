// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/causeway/internal/events"
)

// InsertEventIfAbsent stores an event unless a row with the same
// idempotency key already exists. Returns true when the row was new.
//
// The insert is a single conflict-tolerant statement: under concurrent
// duplicate submissions exactly one caller observes inserted=true and
// the rest observe inserted=false without errors. The dedup_keys row is
// written in the same transaction so the retention sweep sees every key
// the events table holds.
func (db *DB) InsertEventIfAbsent(ctx context.Context, event *events.Event) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (
			idempotency_key, occurred_at, source, event_type,
			user_id, anonymous_id, marketing_channel, campaign_id,
			revenue_usd, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		event.IdempotencyKey, event.OccurredAt.UTC(), event.Source, event.EventType,
		nullIfEmpty(event.UserID), nullIfEmpty(event.AnonymousID),
		nullIfEmpty(event.MarketingChannel), nullIfEmpty(event.CampaignID),
		event.RevenueUSD, string(event.Payload),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if affected > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dedup_keys (idempotency_key, first_seen_at)
			VALUES (?, ?)
			ON CONFLICT (idempotency_key) DO NOTHING`,
			event.IdempotencyKey, time.Now().UTC(),
		); err != nil {
			return false, fmt.Errorf("failed to insert dedup key: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit event insert: %w", err)
	}

	return affected > 0, nil
}

// GetEvent retrieves a stored event by idempotency key.
func (db *DB) GetEvent(ctx context.Context, idempotencyKey string) (*events.Event, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT idempotency_key, occurred_at, source, event_type,
			user_id, anonymous_id, marketing_channel, campaign_id,
			revenue_usd, payload
		FROM events WHERE idempotency_key = ?`,
		idempotencyKey,
	)

	var (
		event                                      events.Event
		userID, anonID, channel, campaign, payload sql.NullString
	)
	err := row.Scan(
		&event.IdempotencyKey, &event.OccurredAt, &event.Source, &event.EventType,
		&userID, &anonID, &channel, &campaign,
		&event.RevenueUSD, &payload,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	event.UserID = userID.String
	event.AnonymousID = anonID.String
	event.MarketingChannel = channel.String
	event.CampaignID = campaign.String
	if payload.Valid && payload.String != "" {
		event.Payload = []byte(payload.String)
	}

	return &event, nil
}

// CountEvents returns the total number of stored events.
func (db *DB) CountEvents(ctx context.Context) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

// SweepDedupKeys deletes dedup keys older than the retention horizon.
// Returns the number of keys removed.
func (db *DB) SweepDedupKeys(ctx context.Context, horizon time.Duration) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	cutoff := time.Now().UTC().Add(-horizon)
	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM dedup_keys WHERE first_seen_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep dedup keys: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected, nil
}

// nullIfEmpty maps empty strings to NULL for optional text columns.
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
