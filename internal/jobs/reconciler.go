// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package jobs

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
)

// sweepBatchSize bounds how many stuck jobs one sweep handles.
const sweepBatchSize = 100

// Reconciler republishes dispatch messages for jobs that stayed QUEUED
// past the republish threshold: the original publish was lost, or every
// worker missed it. Republishing is rate limited so a large backlog
// cannot flood the broker. A job whose publish attempts exceed the
// configured maximum is failed instead of republished.
type Reconciler struct {
	service *Service
	store   Store
	cfg     *config.JobsConfig
	limiter *rate.Limiter
}

// NewReconciler creates a reconciler sharing the service's store and
// publisher.
func NewReconciler(service *Service, cfg *config.JobsConfig) *Reconciler {
	perSecond := cfg.RepublishPerSecond
	if perSecond <= 0 {
		perSecond = 10
	}
	return &Reconciler{
		service: service,
		store:   service.store,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(perSecond), int(math.Ceil(perSecond))),
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := logging.WithComponent("reconciler")
	log.Info().
		Dur("interval", interval).
		Dur("republish_after", r.cfg.RepublishAfter).
		Int("max_publish_attempts", r.cfg.MaxPublishAttempts).
		Msg("Job reconciler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("Reconciler sweep failed")
			}
		}
	}
}

// Sweep republishes one batch of stuck jobs and refreshes the queue
// depth gauge.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if depth, err := r.store.CountJobsByStatus(ctx, StatusQueued); err == nil {
		metrics.JobsQueuedDepth.Set(float64(depth))
	}

	stuck, err := r.store.ListStuckQueued(ctx, r.cfg.RepublishAfter, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, job := range stuck {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		r.reconcile(ctx, job)
	}
	return nil
}

// reconcile republishes one job, or fails it when attempts ran out.
func (r *Reconciler) reconcile(ctx context.Context, job *Job) {
	log := logging.WithComponent("reconciler")

	attempts, err := r.store.IncrementPublishAttempts(ctx, job.JobID)
	if err != nil {
		// The job moved on since listing: claimed or cancelled.
		log.Debug().Err(err).Str("job_id", job.JobID).Msg("Skipping job that left the queue")
		return
	}

	if r.cfg.MaxPublishAttempts > 0 && attempts > r.cfg.MaxPublishAttempts {
		won, err := r.store.TransitionJob(ctx, job.JobID, StatusQueued, StatusFailed, TransitionUpdate{
			Error: "dispatch publish attempts exhausted",
		})
		if err != nil {
			log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to fail exhausted job")
			return
		}
		if won {
			metrics.JobsFailed.WithLabelValues(job.ModelName, "publish").Inc()
			log.Warn().
				Str("job_id", job.JobID).
				Int("attempts", attempts).
				Msg("Job failed after exhausting publish attempts")
		}
		return
	}

	if err := r.service.publishRun(ctx, job, attempts); err != nil {
		log.Warn().Err(err).Str("job_id", job.JobID).Int("attempt", attempts).
			Msg("Republish failed, will retry next sweep")
		return
	}

	metrics.JobsRequeued.Inc()
	log.Info().Str("job_id", job.JobID).Int("attempt", attempts).Msg("Republished stuck job")
}
