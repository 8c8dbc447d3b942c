// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package broker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/causeway/internal/config"
)

func testNATSConfig() *config.NATSConfig {
	return &config.NATSConfig{
		URL:                      "nats://127.0.0.1:4222",
		StreamRetentionDays:      7,
		MaxStore:                 10 << 30,
		RouterPoisonQueueEnabled: true,
	}
}

func TestPermanentErrorWrapping(t *testing.T) {
	t.Parallel()

	if Permanent(nil) != nil {
		t.Error("Expected Permanent(nil) to be nil")
	}

	base := errors.New("malformed payload")
	wrapped := Permanent(base)
	if !IsPermanent(wrapped) {
		t.Error("Expected wrapped error to be permanent")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Expected wrapped error to unwrap to base")
	}
	if IsPermanent(base) {
		t.Error("Expected plain error to not be permanent")
	}
	if IsPermanent(errors.Join(errors.New("outer"), wrapped)) != true {
		t.Error("Expected permanent error to be found in a joined chain")
	}
}

func TestRouterDeliversToHandler(t *testing.T) {
	t.Parallel()

	logger := watermill.NopLogger{}
	pubSub := NewInProcessPubSub(logger)
	defer func() { _ = pubSub.Close() }()

	cfg := DefaultRouterConfig()
	cfg.RetryInitialInterval = time.Millisecond

	router, err := NewRouter(&cfg, nil, "", logger)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	received := make(chan *message.Message, 1)
	router.AddConsumerHandler("deliver", "events.raw", pubSub, func(msg *message.Message) error {
		received <- msg
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	defer func() { _ = router.Close() }()

	if err := pubSub.Publish("events.raw", message.NewMessage("msg-1", []byte(`{"ok":true}`))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.UUID != "msg-1" {
			t.Errorf("Expected message msg-1, got %s", msg.UUID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for handler delivery")
	}
}

func TestRouterRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	logger := watermill.NopLogger{}
	pubSub := NewInProcessPubSub(logger)
	defer func() { _ = pubSub.Close() }()

	cfg := DefaultRouterConfig()
	cfg.RetryMaxRetries = 3
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond

	router, err := NewRouter(&cfg, nil, "", logger)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	var attempts atomic.Int32
	done := make(chan struct{})
	router.AddConsumerHandler("flaky", "events.raw", pubSub, func(msg *message.Message) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient store failure")
		}
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	defer func() { _ = router.Close() }()

	if err := pubSub.Publish("events.raw", message.NewMessage("msg-retry", []byte(`{}`))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case <-done:
		if got := attempts.Load(); got != 3 {
			t.Errorf("Expected 3 attempts, got %d", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for retries to succeed")
	}
}

func TestRouterRoutesPermanentFailuresToPoison(t *testing.T) {
	t.Parallel()

	logger := watermill.NopLogger{}
	pubSub := NewInProcessPubSub(logger)
	defer func() { _ = pubSub.Close() }()

	cfg := DefaultRouterConfig()
	cfg.RetryMaxRetries = 3
	cfg.RetryInitialInterval = time.Millisecond

	router, err := NewRouter(&cfg, pubSub, "events.poison", logger)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}

	var attempts atomic.Int32
	router.AddConsumerHandler("poisoner", "events.raw", pubSub, func(msg *message.Message) error {
		attempts.Add(1)
		return Permanent(errors.New("unparseable payload"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poisoned, err := pubSub.Subscribe(ctx, "events.poison")
	if err != nil {
		t.Fatalf("Subscribe to poison topic failed: %v", err)
	}

	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	defer func() { _ = router.Close() }()

	if err := pubSub.Publish("events.raw", message.NewMessage("msg-poison", []byte("not json"))); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-poisoned:
		msg.Ack()
		if got := attempts.Load(); got != 1 {
			t.Errorf("Expected permanent failure to skip retries, got %d attempts", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for poison message")
	}
}

func TestRouterConfigFromAppliesOverrides(t *testing.T) {
	t.Parallel()

	cfg := testNATSConfig()
	cfg.RouterRetryCount = 7
	cfg.RouterRetryInitialInterval = 5 * time.Second
	cfg.RouterCloseTimeout = time.Minute
	cfg.RouterPoisonQueueEnabled = false

	rc := RouterConfigFrom(cfg)
	if rc.RetryMaxRetries != 7 {
		t.Errorf("Expected 7 retries, got %d", rc.RetryMaxRetries)
	}
	if rc.RetryInitialInterval != 5*time.Second {
		t.Errorf("Expected 5s initial interval, got %s", rc.RetryInitialInterval)
	}
	if rc.CloseTimeout != time.Minute {
		t.Errorf("Expected 1m close timeout, got %s", rc.CloseTimeout)
	}
	if rc.PoisonQueueEnabled {
		t.Error("Expected poison queue disabled")
	}
}

func TestSubscriberConfigFromAppliesOverrides(t *testing.T) {
	t.Parallel()

	cfg := testNATSConfig()
	cfg.DurableName = "causeway-writer"
	cfg.QueueGroup = "writers"
	cfg.SubscribersCount = 8

	sc := SubscriberConfigFrom(cfg, StreamEvents)
	if sc.StreamName != StreamEvents {
		t.Errorf("Expected stream %s, got %s", StreamEvents, sc.StreamName)
	}
	if sc.DurableName != "causeway-writer" {
		t.Errorf("Expected durable causeway-writer, got %s", sc.DurableName)
	}
	if sc.QueueGroup != "writers" {
		t.Errorf("Expected queue group writers, got %s", sc.QueueGroup)
	}
	if sc.SubscribersCount != 8 {
		t.Errorf("Expected 8 subscribers, got %d", sc.SubscribersCount)
	}
}

func TestStreamConfigsCoverAllSubjects(t *testing.T) {
	t.Parallel()

	streams := StreamConfigs(testNATSConfig())
	if len(streams) != 3 {
		t.Fatalf("Expected 3 streams, got %d", len(streams))
	}

	names := make(map[string][]string, len(streams))
	for _, s := range streams {
		names[s.Name] = s.Subjects
		if s.MaxAge != 7*24*time.Hour {
			t.Errorf("Expected 7 day retention for %s, got %s", s.Name, s.MaxAge)
		}
		if s.DuplicateWindow <= 0 {
			t.Errorf("Expected a deduplication window for %s", s.Name)
		}
	}

	if got := names[StreamEvents]; len(got) != 1 || got[0] != "events.>" {
		t.Errorf("Unexpected EVENTS subjects: %v", got)
	}
	if got := names[StreamJobs]; len(got) != 1 || got[0] != "jobs.>" {
		t.Errorf("Unexpected JOBS subjects: %v", got)
	}
	if got := names[StreamUploads]; len(got) != 1 || got[0] != "uploads.>" {
		t.Errorf("Unexpected UPLOADS subjects: %v", got)
	}
}
