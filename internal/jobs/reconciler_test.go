// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package jobs

import (
	"context"
	"testing"
	"time"
)

// staleQueuedJob plants a job whose last update is old enough for the
// reconciler to pick up.
func staleQueuedJob(t *testing.T, store *fakeStore, attempts int) *Job {
	t.Helper()
	old := time.Now().UTC().Add(-time.Hour)
	job := &Job{
		JobID:           "job-stale-" + time.Now().Format("150405.000000000"),
		Principal:       "analyst-1",
		ModelName:       "did",
		Status:          StatusQueued,
		PublishAttempts: attempts,
		CreatedAt:       old,
		UpdatedAt:       old,
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	return job
}

func TestSweepRepublishesStuckJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestService(store, pub)
	rec := NewReconciler(svc, testJobsConfig())

	job := staleQueuedJob(t, store, 1)

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if pub.count() != 1 {
		t.Fatalf("Expected 1 republish, got %d", pub.count())
	}
	stored, err := store.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.PublishAttempts != 2 {
		t.Errorf("Expected 2 publish attempts, got %d", stored.PublishAttempts)
	}
	if stored.Status != StatusQueued {
		t.Errorf("Expected job to stay QUEUED, got %s", stored.Status)
	}
}

func TestSweepFailsExhaustedJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestService(store, pub)
	rec := NewReconciler(svc, testJobsConfig())

	// Already at the maximum; the next increment exceeds it.
	job := staleQueuedJob(t, store, 3)

	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	if pub.count() != 0 {
		t.Errorf("Expected no republish for exhausted job, got %d", pub.count())
	}
	stored, err := store.GetJob(context.Background(), job.JobID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if stored.Status != StatusFailed {
		t.Errorf("Expected FAILED, got %s", stored.Status)
	}
	if stored.Error == "" {
		t.Error("Expected an error message on the failed job")
	}
}

func TestSweepSkipsFreshAndClaimedJobs(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	pub := &fakePublisher{}
	svc := newTestService(store, pub)
	rec := NewReconciler(svc, testJobsConfig())

	// Fresh submission: not stuck yet.
	if _, err := svc.Submit(context.Background(), SubmitRequest{Principal: "a", ModelName: "did"}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Stale but already claimed by a worker.
	claimed := staleQueuedJob(t, store, 1)
	if _, err := store.TransitionJob(context.Background(), claimed.JobID, StatusQueued, StatusRunning, TransitionUpdate{}); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	before := pub.count()
	if err := rec.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if pub.count() != before {
		t.Errorf("Expected no republishes, got %d", pub.count()-before)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeStore(), &fakePublisher{})
	cfg := testJobsConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	rec := NewReconciler(svc, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := rec.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
