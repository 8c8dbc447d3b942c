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

	"github.com/tomtom215/causeway/internal/jobs"
)

// CreateJob inserts a new job row. The caller supplies the job ID and
// initial status (normally QUEUED with publish_attempts=1).
func (db *DB) CreateJob(ctx context.Context, job *jobs.Job) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO jobs (
			job_id, principal, model_name, model_version, params, priority,
			status, error, publish_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.Principal, job.ModelName, nullIfEmpty(job.ModelVersion),
		string(job.Params), job.Priority, string(job.Status), nullIfEmpty(job.Error),
		job.PublishAttempts, job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (db *DB) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// ListJobs returns jobs most-recent-first.
func (db *DB) ListJobs(ctx context.Context, filter jobs.Filter) ([]*jobs.Job, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	query := jobSelectColumns + ` FROM jobs`
	var (
		conditions []string
		args       []interface{}
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Principal != "" {
		conditions = append(conditions, "principal = ?")
		args = append(args, filter.Principal)
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}
	return out, nil
}

// TransitionJob performs a compare-and-swap status transition. It
// returns true when this caller won the transition, and false when the
// row was not in the expected from status (lost race, duplicate
// delivery, or cancellation). The state machine is enforced up front:
// an impossible from->to pair returns ErrInvalidTransition.
func (db *DB) TransitionJob(ctx context.Context, jobID string, from, to jobs.Status, update jobs.TransitionUpdate) (bool, error) {
	if !jobs.CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?,
			error = COALESCE(?, error),
			started_at = COALESCE(?, started_at),
			finished_at = COALESCE(?, finished_at),
			updated_at = ?
		WHERE job_id = ? AND status = ?`,
		string(to), nullIfEmpty(update.Error),
		nullableTime(update.StartedAt), nullableTime(update.FinishedAt),
		now, jobID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return affected > 0, nil
}

// IncrementPublishAttempts bumps the publish counter for a queued job
// and returns the new count. Used by the reconciler before republishing.
func (db *DB) IncrementPublishAttempts(ctx context.Context, jobID string) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	res, err := db.conn.ExecContext(ctx,
		`UPDATE jobs SET publish_attempts = publish_attempts + 1, updated_at = ?
		WHERE job_id = ? AND status = ?`,
		time.Now().UTC(), jobID, string(jobs.StatusQueued),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment publish attempts: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return 0, ErrNotFound
	}

	var attempts int
	if err := db.conn.QueryRowContext(ctx,
		`SELECT publish_attempts FROM jobs WHERE job_id = ?`, jobID,
	).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read publish attempts: %w", err)
	}
	return attempts, nil
}

// ListStuckQueued returns queued jobs whose last update is older than
// the threshold, oldest first. The reconciler republishes these.
func (db *DB) ListStuckQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*jobs.Job, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	rows, err := db.conn.QueryContext(ctx,
		jobSelectColumns+` FROM jobs
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC LIMIT ?`,
		string(jobs.StatusQueued), cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stuck jobs: %w", err)
	}
	return out, nil
}

// CountJobsByStatus returns the number of jobs in the given state.
func (db *DB) CountJobsByStatus(ctx context.Context, status jobs.Status) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	if err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status),
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

const jobSelectColumns = `SELECT
	job_id, principal, model_name, model_version, params, priority,
	status, error, publish_attempts, created_at, updated_at,
	started_at, finished_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		job                     jobs.Job
		version, errMsg, params sql.NullString
		status                  string
		startedAt, finishedAt   sql.NullTime
	)

	err := row.Scan(
		&job.JobID, &job.Principal, &job.ModelName, &version, &params, &job.Priority,
		&status, &errMsg, &job.PublishAttempts, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &finishedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Status = jobs.Status(status)
	job.ModelVersion = version.String
	job.Error = errMsg.String
	if params.Valid && params.String != "" {
		job.Params = []byte(params.String)
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}

	return &job, nil
}

// nullableTime maps nil pointers to NULL.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
