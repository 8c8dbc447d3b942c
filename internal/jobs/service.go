// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/events"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
)

// ErrCannotCancel is returned when cancellation loses to a worker claim
// or the job already finished.
var ErrCannotCancel = errors.New("job is not queued and cannot be cancelled")

// Store is the persistence surface the service needs. *database.DB
// satisfies it.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter Filter) ([]*Job, error)
	TransitionJob(ctx context.Context, jobID string, from, to Status, update TransitionUpdate) (bool, error)
	IncrementPublishAttempts(ctx context.Context, jobID string) (int, error)
	ListStuckQueued(ctx context.Context, olderThan time.Duration, limit int) ([]*Job, error)
	CountJobsByStatus(ctx context.Context, status Status) (int64, error)
}

// Publisher is the broker surface the service needs.
type Publisher interface {
	PublishPayload(ctx context.Context, topic, msgID string, payload []byte) error
}

// Models is the registry surface the service needs: parameter
// validation at submission and version resolution for the job record.
type Models interface {
	ValidateParams(name string, params json.RawMessage) error
	Resolve(name string) (string, error)
}

// Service is the job control plane: submission, inspection, and
// cancellation. Execution belongs to the worker.
type Service struct {
	store     Store
	publisher Publisher
	models    Models
	cfg       *config.JobsConfig
}

// NewService creates the job service.
func NewService(store Store, publisher Publisher, models Models, cfg *config.JobsConfig) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		models:    models,
		cfg:       cfg,
	}
}

// SubmitRequest carries a job submission.
type SubmitRequest struct {
	Principal string
	ModelName string
	Params    json.RawMessage
	Priority  int
}

// Submit validates the request, persists a QUEUED job, and publishes the
// dispatch message. A failed publish leaves the job QUEUED; the
// reconciler republishes it later, so submission succeeds as long as the
// row is durable.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if err := s.models.ValidateParams(req.ModelName, req.Params); err != nil {
		return nil, err
	}
	version, err := s.models.Resolve(req.ModelName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &Job{
		JobID:           uuid.NewString(),
		Principal:       req.Principal,
		ModelName:       req.ModelName,
		ModelVersion:    version,
		Params:          req.Params,
		Priority:        req.Priority,
		Status:          StatusQueued,
		PublishAttempts: 1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	metrics.JobsSubmitted.WithLabelValues(req.ModelName).Inc()

	if err := s.publishRun(ctx, job, job.PublishAttempts); err != nil {
		// The row is durable; dispatch is retried by the reconciler.
		logging.Ctx(ctx).Warn().
			Err(err).
			Str("job_id", job.JobID).
			Msg("Job dispatch publish failed, leaving queued for republish")
	}

	return job, nil
}

// publishRun sends the dispatch message. The message ID carries the
// attempt counter so JetStream deduplication never swallows an
// intentional republish.
func (s *Service) publishRun(ctx context.Context, job *Job, attempt int) error {
	msg := RunMessage{
		JobID:     job.JobID,
		Principal: job.Principal,
		ModelName: job.ModelName,
		Params:    job.Params,
		Priority:  job.Priority,
	}
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal run message: %w", err)
	}

	msgID := fmt.Sprintf("%s-%d", job.JobID, attempt)
	return s.publisher.PublishPayload(ctx, events.TopicJobsRun, msgID, payload)
}

// Get returns one job by ID.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// List returns jobs matching the filter, clamped to the configured
// listing limits.
func (s *Service) List(ctx context.Context, filter Filter) ([]*Job, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.DefaultListLimit
	}
	if filter.Limit > s.cfg.MaxListLimit {
		filter.Limit = s.cfg.MaxListLimit
	}
	return s.store.ListJobs(ctx, filter)
}

// Cancel transitions a QUEUED job to CANCELLED. A job that a worker
// already claimed, or that finished, returns ErrCannotCancel: cancellation
// never preempts execution.
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, error) {
	won, err := s.store.TransitionJob(ctx, jobID, StatusQueued, StatusCancelled, TransitionUpdate{})
	if err != nil {
		return nil, err
	}
	if !won {
		// Distinguish missing jobs from lost races.
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, ErrCannotCancel
	}

	metrics.JobsCancelled.Inc()
	logging.Ctx(ctx).Info().Str("job_id", jobID).Msg("Job cancelled")

	return s.store.GetJob(ctx, jobID)
}
