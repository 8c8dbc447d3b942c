// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/causeway/internal/broker"
	"github.com/tomtom215/causeway/internal/config"
	"github.com/tomtom215/causeway/internal/database"
	"github.com/tomtom215/causeway/internal/jobs"
	"github.com/tomtom215/causeway/internal/model"

	"github.com/goccy/go-json"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore tracks one job and records transitions.
type fakeStore struct {
	mu        sync.Mutex
	job       *jobs.Job
	result    *database.Result
	failNext  bool
	completed bool
}

func newFakeStore(status jobs.Status) *fakeStore {
	return &fakeStore{
		job: &jobs.Job{
			JobID:     "job-1",
			Principal: "analyst-1",
			ModelName: "did",
			Status:    status,
		},
	}
}

func (s *fakeStore) TransitionJob(_ context.Context, jobID string, from, to jobs.Status, update jobs.TransitionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return false, errStoreDown
	}
	if s.job == nil || s.job.JobID != jobID || s.job.Status != from {
		return false, nil
	}
	s.job.Status = to
	if update.Error != "" {
		s.job.Error = update.Error
	}
	return true, nil
}

func (s *fakeStore) CompleteJob(_ context.Context, jobID string, result *database.Result) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return false, errStoreDown
	}
	if s.job == nil || s.job.JobID != jobID || s.job.Status != jobs.StatusRunning {
		return false, nil
	}
	s.job.Status = jobs.StatusSucceeded
	s.result = result
	s.completed = true
	return true, nil
}

func (s *fakeStore) status() jobs.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.job.Status
}

// fakeModel returns a canned result or error, optionally blocking in
// the analysis stage until the context expires. It records whether
// either stage ran.
type fakeModel struct {
	result *model.Result
	err    error
	block  bool

	mu  sync.Mutex
	ran bool
}

func (m *fakeModel) LoadData(_ context.Context, _ model.DataSource, params json.RawMessage) (*model.Dataset, error) {
	m.mu.Lock()
	m.ran = true
	m.mu.Unlock()
	return &model.Dataset{Params: params}, nil
}

func (m *fakeModel) RunAnalysis(ctx context.Context, _ *model.Dataset) (*model.Result, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return m.result, m.err
}

func (m *fakeModel) executed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ran
}

// fakeData satisfies model.DataSource; the fake models never touch it.
type fakeData struct{}

func (fakeData) CampaignCells(context.Context, string, string, time.Time) ([]database.CampaignCell, error) {
	return nil, nil
}

func (fakeData) CampaignUsers(context.Context, string, string) ([]database.CampaignUser, error) {
	return nil, nil
}

func (fakeData) CampaignSplitTime(context.Context, string) (time.Time, error) {
	return time.Time{}, nil
}

func testRegistry(t *testing.T, m model.Model) *model.Registry {
	t.Helper()
	reg := model.NewRegistry()
	reg.Register(model.Registration{Name: "did", Version: "1.1.0", Model: m})
	return reg
}

func testWorker(store Store, reg *model.Registry, timeout time.Duration) *Worker {
	return New(store, reg, fakeData{}, &config.WorkerConfig{ExecutionTimeout: timeout})
}

func runMessage(t *testing.T, jobID, modelName string) *message.Message {
	t.Helper()
	payload, err := (&jobs.RunMessage{JobID: jobID, Principal: "analyst-1", ModelName: modelName}).Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.Background())
	return msg
}

func attResult(att float64) *model.Result {
	return &model.Result{
		EffectEstimates: map[string]float64{"att": att},
		ConfidenceIntervals: map[string]model.Interval{
			"att": {Lower: att - 1, Upper: att + 1},
		},
		Diagnostics: map[string]interface{}{"observations": 100},
	}
}

func TestHandleRunsJobToSuccess(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{result: attResult(1.5)}), time.Second)

	if err := w.Handle(runMessage(t, "job-1", "did")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.status() != jobs.StatusSucceeded {
		t.Errorf("Expected SUCCEEDED, got %s", store.status())
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.result == nil {
		t.Fatal("Expected a persisted result document")
	}
	if string(store.result.EffectEstimates) != `{"att":1.5}` {
		t.Errorf("Unexpected effect estimates: %s", store.result.EffectEstimates)
	}
	if len(store.result.ConfidenceIntervals) == 0 {
		t.Error("Expected confidence intervals in the result document")
	}
	if len(store.result.Diagnostics) == 0 {
		t.Error("Expected diagnostics in the result document")
	}
	if store.result.WrittenAt.IsZero() {
		t.Error("Expected written_at stamped on the result document")
	}
}

func TestHandleMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{}), time.Second)

	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	msg.SetContext(context.Background())

	err := w.Handle(msg)
	if !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed payload, got %v", err)
	}
	if store.status() != jobs.StatusQueued {
		t.Errorf("Expected job untouched, got %s", store.status())
	}
}

func TestHandleMissingJobIDIsPermanent(t *testing.T) {
	t.Parallel()

	w := testWorker(newFakeStore(jobs.StatusQueued), testRegistry(t, &fakeModel{}), time.Second)

	msg := message.NewMessage(watermill.NewUUID(), []byte(`{"model_name":"did"}`))
	msg.SetContext(context.Background())

	if err := w.Handle(msg); !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for missing job_id, got %v", err)
	}
}

func TestHandleAcksCancelledJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusCancelled)
	w := testWorker(store, testRegistry(t, &fakeModel{}), time.Second)

	if err := w.Handle(runMessage(t, "job-1", "did")); err != nil {
		t.Fatalf("Expected cancelled job to be acked, got %v", err)
	}
	if store.status() != jobs.StatusCancelled {
		t.Errorf("Expected CANCELLED to stand, got %s", store.status())
	}
}

func TestHandleDiscardsRedeliveryForRunningJob(t *testing.T) {
	t.Parallel()

	// Another delivery already claimed the job. The duplicate must be
	// acked without touching the job or running the model.
	store := newFakeStore(jobs.StatusRunning)
	m := &fakeModel{result: attResult(1)}
	w := testWorker(store, testRegistry(t, m), time.Second)

	if err := w.Handle(runMessage(t, "job-1", "did")); err != nil {
		t.Fatalf("Expected redelivery to be acked, got %v", err)
	}
	if store.status() != jobs.StatusRunning {
		t.Errorf("Expected job left RUNNING, got %s", store.status())
	}
	if m.executed() {
		t.Error("Expected no model execution for a duplicate delivery")
	}
}

func TestHandleModelErrorFailsJobAndAcks(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{err: errors.New("insufficient observations")}), time.Second)

	if err := w.Handle(runMessage(t, "job-1", "did")); err != nil {
		t.Fatalf("Expected model failure to be acked, got %v", err)
	}
	if store.status() != jobs.StatusFailed {
		t.Errorf("Expected FAILED, got %s", store.status())
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.job.Error == "" {
		t.Error("Expected error message on failed job")
	}
}

func TestHandleTimeoutFailsJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{block: true}), 20*time.Millisecond)

	if err := w.Handle(runMessage(t, "job-1", "did")); err != nil {
		t.Fatalf("Expected timeout to be acked, got %v", err)
	}
	if store.status() != jobs.StatusFailed {
		t.Errorf("Expected FAILED after timeout, got %s", store.status())
	}
}

func TestHandleUnknownModelFailsJob(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{}), time.Second)

	if err := w.Handle(runMessage(t, "job-1", "vanished")); err != nil {
		t.Fatalf("Expected unknown model to be acked, got %v", err)
	}
	if store.status() != jobs.StatusFailed {
		t.Errorf("Expected FAILED, got %s", store.status())
	}
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	store.failNext = true
	w := testWorker(store, testRegistry(t, &fakeModel{}), time.Second)

	err := w.Handle(runMessage(t, "job-1", "did"))
	if err == nil || broker.IsPermanent(err) {
		t.Errorf("Expected retryable error on store failure, got %v", err)
	}
}

func TestHandleShutdownLeavesJobRunning(t *testing.T) {
	t.Parallel()

	store := newFakeStore(jobs.StatusQueued)
	w := testWorker(store, testRegistry(t, &fakeModel{block: true}), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	msg := runMessage(t, "job-1", "did")
	msg.SetContext(ctx)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := w.Handle(msg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}
	if store.status() != jobs.StatusRunning {
		t.Errorf("Expected job left RUNNING, got %s", store.status())
	}
}
