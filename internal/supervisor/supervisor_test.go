// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer is a controllable HTTPServer.
type fakeServer struct {
	started   chan struct{}
	release   chan error
	shutdowns atomic.Int32
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		started: make(chan struct{}),
		release: make(chan error, 1),
	}
}

func (s *fakeServer) ListenAndServe() error {
	close(s.started)
	return <-s.release
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdowns.Add(1)
	s.release <- http.ErrServerClosed
	return nil
}

func TestHTTPServiceGracefulShutdown(t *testing.T) {
	t.Parallel()

	server := newFakeServer()
	svc := NewHTTPService(server, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-server.started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	if server.shutdowns.Load() != 1 {
		t.Errorf("Expected 1 shutdown call, got %d", server.shutdowns.Load())
	}
}

func TestHTTPServiceSurfacesStartupFailure(t *testing.T) {
	t.Parallel()

	server := newFakeServer()
	svc := NewHTTPService(server, time.Second)

	go func() {
		<-server.started
		server.release <- errors.New("listen tcp: address in use")
	}()

	if err := svc.Serve(context.Background()); err == nil {
		t.Error("Expected startup failure to surface")
	}
}

func TestRunServicePassesContextTermination(t *testing.T) {
	t.Parallel()

	svc := NewRunService("ticker", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if svc.String() != "ticker" {
		t.Errorf("Expected service name, got %q", svc.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := svc.Serve(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline error, got %v", err)
	}
}

func TestRunServiceWrapsFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	svc := NewRunService("worker", func(context.Context) error { return boom })

	err := svc.Serve(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped failure, got %v", err)
	}
}

func TestTreeServesAndStops(t *testing.T) {
	t.Parallel()

	tree := NewTree(slog.Default(), DefaultTreeConfig())

	var ran atomic.Bool
	tree.AddPipelineService(NewRunService("probe", func(ctx context.Context) error {
		ran.Store(true)
		<-ctx.Done()
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	deadline := time.After(2 * time.Second)
	for !ran.Load() {
		select {
		case <-deadline:
			t.Fatal("Pipeline service never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tree did not stop after cancellation")
	}
}
