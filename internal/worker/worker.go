// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package worker executes dispatched analysis jobs. A worker claims the
// job row with a single compare-and-swap from QUEUED to RUNNING, loads
// the model's data, runs the analysis under the execution timeout, and
// commits the result document atomically with the SUCCEEDED transition.
// A dispatch message for a job that is not QUEUED is discarded: the
// claim CAS is the only gate, so a redelivery for a RUNNING job never
// starts a second execution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/broker"
	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/database"
	"github.com/tomtom215/causeway/internal/jobs"
	"github.com/tomtom215/causeway/internal/logging"
	"github.com/tomtom215/causeway/internal/metrics"
	"github.com/tomtom215/causeway/internal/model"
)

// Store is the persistence surface the worker needs. *database.DB
// satisfies it.
type Store interface {
	TransitionJob(ctx context.Context, jobID string, from, to jobs.Status, update jobs.TransitionUpdate) (bool, error)
	CompleteJob(ctx context.Context, jobID string, result *database.Result) (bool, error)
}

// Worker consumes jobs.run messages and executes models.
type Worker struct {
	store    Store
	registry *model.Registry
	data     model.DataSource
	timeout  time.Duration
}

// New creates a worker.
func New(store Store, registry *model.Registry, data model.DataSource, cfg *config.WorkerConfig) *Worker {
	timeout := cfg.ExecutionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Worker{
		store:    store,
		registry: registry,
		data:     data,
		timeout:  timeout,
	}
}

// Handle processes one dispatch message. Returned plain errors trigger
// the router's retry path; permanent errors go to the poison topic.
func (w *Worker) Handle(msg *message.Message) error {
	ctx := msg.Context()
	log := logging.Ctx(ctx)

	run, err := jobs.UnmarshalRunMessage(msg.Payload)
	if err != nil {
		return broker.Permanent(fmt.Errorf("unmarshal run message %s: %w", msg.UUID, err))
	}
	if run.JobID == "" {
		return broker.Permanent(errors.New("run message missing job_id"))
	}

	claimed, err := w.claim(ctx, run.JobID)
	if err != nil {
		return err
	}
	if !claimed {
		// Duplicate delivery, a cancellation, or a finished job. Acked
		// without execution.
		log.Debug().Str("job_id", run.JobID).Msg("Discarding dispatch for job that is not queued")
		return nil
	}

	return w.execute(ctx, run)
}

// claim moves the job QUEUED -> RUNNING. Losing the race means another
// delivery already owns the job, or it was cancelled; either way this
// delivery is done.
func (w *Worker) claim(ctx context.Context, jobID string) (bool, error) {
	started := time.Now().UTC()
	won, err := w.store.TransitionJob(ctx, jobID, jobs.StatusQueued, jobs.StatusRunning, jobs.TransitionUpdate{
		StartedAt: &started,
	})
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if won {
		metrics.JobsClaimed.Inc()
	}
	return won, nil
}

// execute runs the model's two stages under the execution timeout and
// commits the outcome. The model goroutine is abandoned on timeout; its
// context is cancelled so store reads unwind promptly.
func (w *Worker) execute(ctx context.Context, run *jobs.RunMessage) error {
	log := logging.Ctx(ctx)

	reg, err := w.registry.Get(run.ModelName)
	if err != nil {
		// Validated at submission; only a registry change mid-flight
		// lands here.
		return w.fail(ctx, run, fmt.Sprintf("model %s is not registered", run.ModelName), "plugin")
	}

	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type outcome struct {
		result *model.Result
		err    error
	}
	outcomeCh := make(chan outcome, 1)
	start := time.Now()
	go func() {
		dataset, err := reg.Model.LoadData(runCtx, w.data, run.Params)
		if err != nil {
			outcomeCh <- outcome{err: fmt.Errorf("load data: %w", err)}
			return
		}
		result, err := reg.Model.RunAnalysis(runCtx, dataset)
		outcomeCh <- outcome{result: result, err: err}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a model timeout. The job stays RUNNING; the
			// redelivered message will be discarded by the claim CAS.
			return ctx.Err()
		}
		metrics.ModelExecutionDuration.WithLabelValues(run.ModelName).Observe(time.Since(start).Seconds())
		metrics.JobsFailed.WithLabelValues(run.ModelName, "timeout").Inc()
		return w.fail(ctx, run, fmt.Sprintf("execution exceeded %s", w.timeout), "")
	case out := <-outcomeCh:
		metrics.RecordModelRun(run.ModelName, time.Since(start), out.err)
		if out.err != nil {
			return w.fail(ctx, run, out.err.Error(), "")
		}

		doc, err := resultDocument(run.JobID, out.result)
		if err != nil {
			return w.fail(ctx, run, fmt.Sprintf("encode result: %v", err), "")
		}
		committed, err := w.store.CompleteJob(ctx, run.JobID, doc)
		if err != nil {
			return fmt.Errorf("commit result for job %s: %w", run.JobID, err)
		}
		if !committed {
			log.Warn().Str("job_id", run.JobID).Msg("Result discarded, job was no longer running")
			return nil
		}
		log.Info().
			Str("job_id", run.JobID).
			Str("model", run.ModelName).
			Dur("duration", time.Since(start)).
			Msg("Job succeeded")
		return nil
	}
}

// resultDocument encodes a model result into the persisted form.
func resultDocument(jobID string, r *model.Result) (*database.Result, error) {
	estimates, err := json.Marshal(r.EffectEstimates)
	if err != nil {
		return nil, err
	}
	intervals, err := json.Marshal(r.ConfidenceIntervals)
	if err != nil {
		return nil, err
	}
	diags, err := json.Marshal(r.Diagnostics)
	if err != nil {
		return nil, err
	}
	return &database.Result{
		JobID:               jobID,
		EffectEstimates:     estimates,
		ConfidenceIntervals: intervals,
		Diagnostics:         diags,
		WrittenAt:           time.Now().UTC(),
	}, nil
}

// fail transitions the job RUNNING -> FAILED. The message is acked: the
// failure is recorded on the job, redelivery cannot improve it.
func (w *Worker) fail(ctx context.Context, run *jobs.RunMessage, errMsg, reason string) error {
	finished := time.Now().UTC()
	won, err := w.store.TransitionJob(ctx, run.JobID, jobs.StatusRunning, jobs.StatusFailed, jobs.TransitionUpdate{
		Error:      errMsg,
		FinishedAt: &finished,
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", run.JobID, err)
	}
	if won && reason != "" {
		metrics.JobsFailed.WithLabelValues(run.ModelName, reason).Inc()
	}

	logging.Ctx(ctx).Warn().
		Str("job_id", run.JobID).
		Str("model", run.ModelName).
		Str("error", errMsg).
		Msg("Job failed")
	return nil
}
