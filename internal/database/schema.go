// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package database

import (
	"context"
	"fmt"
	"time"
)

// schemaContext returns a context with timeout for schema operations.
func schemaContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 60*time.Second)
}

// createTables creates the core database tables and indexes.
func (db *DB) createTables() error {
	ctx, cancel := schemaContext()
	defer cancel()

	for _, query := range tableCreationQueries() {
		if _, err := db.conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute query: %s: %w", query, err)
		}
	}

	return nil
}

// tableCreationQueries returns the table creation SQL statements.
//
// The events primary key on idempotency_key is the single-winner
// arbiter for duplicate submissions: concurrent inserts of the same
// key resolve to exactly one stored row.
func tableCreationQueries() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS events (
			idempotency_key TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL,
			event_type TEXT NOT NULL,
			user_id TEXT,
			anonymous_id TEXT,
			marketing_channel TEXT,
			campaign_id TEXT,
			revenue_usd DOUBLE DEFAULT 0,
			payload TEXT,
			ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			principal TEXT NOT NULL,
			model_name TEXT NOT NULL,
			model_version TEXT,
			params TEXT,
			priority INTEGER DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT,
			publish_attempts INTEGER DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS results (
			job_id TEXT PRIMARY KEY,
			effect_estimates TEXT NOT NULL,
			confidence_intervals TEXT,
			diagnostics TEXT,
			written_at TIMESTAMP NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dedup_keys (
			idempotency_key TEXT PRIMARY KEY,
			first_seen_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_campaign
			ON events(campaign_id, occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_occurred_at
			ON events(occurred_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created
			ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_principal
			ON jobs(principal, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_dedup_first_seen
			ON dedup_keys(first_seen_at)`,
	}
}
