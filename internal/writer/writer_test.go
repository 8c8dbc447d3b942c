// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package writer

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
	"github.com/tomtom215/causeway/internal/dedup"
	"github.com/tomtom215/causeway/internal/events"
)

var errStoreDown = errors.New("store unavailable")

// fakeStore records inserted keys.
type fakeStore struct {
	mu       sync.Mutex
	inserted map[string]bool
	swept    int64
	counted  int64
	failNext bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{inserted: make(map[string]bool)}
}

func (s *fakeStore) InsertEventIfAbsent(_ context.Context, event *events.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		return false, errStoreDown
	}
	if s.inserted[event.IdempotencyKey] {
		return false, nil
	}
	s.inserted[event.IdempotencyKey] = true
	return true, nil
}

func (s *fakeStore) SweepDedupKeys(context.Context, time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept++
	return 3, nil
}

func (s *fakeStore) CountEvents(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counted++
	return int64(len(s.inserted)), nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func testWriter(store Store) *Writer {
	return New(store, dedup.NewMemoryStore(), &config.DedupConfig{RetentionDays: 30})
}

func eventMessage(t *testing.T, key string) *message.Message {
	t.Helper()
	payload, err := events.NewSerializer().Marshal(&events.Event{
		IdempotencyKey: key,
		OccurredAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Source:         events.SourceAPI,
		EventType:      events.EventTypeClick,
		AnonymousID:    "anon-1",
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(context.Background())
	return msg
}

func TestHandlePersistsEvent(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	w := testWriter(store)

	if err := w.Handle(eventMessage(t, "key-1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("Expected 1 inserted event, got %d", store.count())
	}
}

func TestHandleSuppressesDuplicateViaKeyStore(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	w := testWriter(store)

	if err := w.Handle(eventMessage(t, "key-1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	// The second delivery hits the key store and never reaches the
	// relational insert.
	store.mu.Lock()
	store.failNext = true
	store.mu.Unlock()

	if err := w.Handle(eventMessage(t, "key-1")); err != nil {
		t.Fatalf("Expected duplicate suppressed before insert, got %v", err)
	}
}

func TestHandleFallsThroughOnKeyStoreError(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	keys := dedup.NewMemoryStore()
	w := New(store, keys, &config.DedupConfig{RetentionDays: 30})

	// A closed key store errors on every call; the insert still runs.
	if err := keys.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := w.Handle(eventMessage(t, "key-1")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if store.count() != 1 {
		t.Errorf("Expected insert despite key store failure, got %d", store.count())
	}
}

func TestHandleMalformedPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	w := testWriter(newFakeStore())

	msg := message.NewMessage(watermill.NewUUID(), []byte("not json"))
	msg.SetContext(context.Background())
	if err := w.Handle(msg); !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for malformed payload, got %v", err)
	}

	msg = message.NewMessage(watermill.NewUUID(), []byte(`{"idempotency_key":""}`))
	msg.SetContext(context.Background())
	if err := w.Handle(msg); !broker.IsPermanent(err) {
		t.Errorf("Expected permanent error for invalid event, got %v", err)
	}
}

func TestHandleStoreFailureIsRetryable(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failNext = true
	w := testWriter(store)

	err := w.Handle(eventMessage(t, "key-1"))
	if err == nil || broker.IsPermanent(err) {
		t.Errorf("Expected retryable error on store failure, got %v", err)
	}
}

func TestSweeperRunsBothSweeps(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	s := NewSweeper(store, dedup.NewMemoryStore(), &config.DedupConfig{
		RetentionDays: 30,
		SweepInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	if err := s.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.swept == 0 {
		t.Error("Expected at least one table sweep")
	}
	if store.counted == 0 {
		t.Error("Expected the stored event gauge refreshed")
	}
}
