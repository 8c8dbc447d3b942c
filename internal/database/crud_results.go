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

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/jobs"
)

// Result is a persisted analysis result document: effect estimates,
// confidence intervals, and diagnostics, each stored as a JSON object.
// At most one row exists per job; a rerun of the same job overwrites
// the previous result.
type Result struct {
	JobID               string          `json:"job_id"`
	EffectEstimates     json.RawMessage `json:"effect_estimates"`
	ConfidenceIntervals json.RawMessage `json:"confidence_intervals,omitempty"`
	Diagnostics         json.RawMessage `json:"diagnostics,omitempty"`
	WrittenAt           time.Time       `json:"written_at"`
}

// CompleteJob atomically stores the result document and transitions the
// job RUNNING -> SUCCEEDED. Returns false without writing anything when
// the job is not RUNNING (lost race or already finished): result rows
// only ever exist for jobs that reached SUCCEEDED.
func (db *DB) CompleteJob(ctx context.Context, jobID string, result *Result) (bool, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(jobs.StatusSucceeded), now, now, jobID, string(jobs.StatusRunning),
	)
	if err != nil {
		return false, fmt.Errorf("failed to finish job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO results (job_id, effect_estimates, confidence_intervals, diagnostics, written_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			effect_estimates = excluded.effect_estimates,
			confidence_intervals = excluded.confidence_intervals,
			diagnostics = excluded.diagnostics,
			written_at = excluded.written_at`,
		jobID,
		string(result.EffectEstimates),
		nullIfEmpty(string(result.ConfidenceIntervals)),
		nullIfEmpty(string(result.Diagnostics)),
		now,
	); err != nil {
		return false, fmt.Errorf("failed to upsert result: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit job completion: %w", err)
	}
	return true, nil
}

// GetResult retrieves the result document for a job. Returns
// ErrNotFound when the job has no result.
func (db *DB) GetResult(ctx context.Context, jobID string) (*Result, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT job_id, effect_estimates, confidence_intervals, diagnostics, written_at
		FROM results WHERE job_id = ?`,
		jobID,
	)

	var (
		r         Result
		estimates string
		intervals sql.NullString
		diags     sql.NullString
	)
	if err := row.Scan(&r.JobID, &estimates, &intervals, &diags, &r.WrittenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	r.EffectEstimates = json.RawMessage(estimates)
	if intervals.Valid {
		r.ConfidenceIntervals = json.RawMessage(intervals.String)
	}
	if diags.Valid {
		r.Diagnostics = json.RawMessage(diags.String)
	}
	r.WrittenAt = r.WrittenAt.UTC()

	return &r, nil
}
