// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package dedup provides the fast-path idempotency key store used by the
// event writer. The relational events table remains the authority for
// duplicate suppression; this store answers "seen recently?" without a
// SQL round trip. Entries expire at the retention horizon, after which a
// duplicate submission is treated as a new event.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StoreOperationsTotal counts dedup store operations by outcome.
	StoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "causeway_dedup_store_operations_total",
			Help: "Total number of dedup store operations",
		},
		[]string{"operation", "outcome"}, // operation: check, record, sweep; outcome: success, failure, hit
	)

	// KeysSweptTotal counts expired keys removed by sweeps.
	KeysSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "causeway_dedup_keys_swept_total",
			Help: "Total number of expired dedup keys removed",
		},
	)
)

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("dedup store is closed")

// Entry records when an idempotency key was first observed.
type Entry struct {
	Key       string    `json:"key"`
	FirstSeen time.Time `json:"first_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store answers whether an idempotency key was seen within the retention
// horizon and records newly observed keys.
type Store interface {
	// Seen reports whether the key has an unexpired entry.
	Seen(ctx context.Context, key string) (bool, error)

	// Record stores the key with the given time-to-live. Recording an
	// existing key refreshes nothing: the first observation wins.
	Record(ctx context.Context, key string, ttl time.Duration) error

	// Sweep removes expired entries and returns how many were dropped.
	Sweep(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// MemoryStore is an in-memory Store for tests and single-node setups
// where losing the fast path on restart is acceptable.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Seen reports whether the key has an unexpired entry.
func (s *MemoryStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.ExpiresAt) {
		StoreOperationsTotal.WithLabelValues("check", "success").Inc()
		return false, nil
	}
	StoreOperationsTotal.WithLabelValues("check", "hit").Inc()
	return true, nil
}

// Record stores the key unless an unexpired entry already exists.
func (s *MemoryStore) Record(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		StoreOperationsTotal.WithLabelValues("record", "failure").Inc()
		return ErrStoreClosed
	}

	now := time.Now()
	if existing, ok := s.entries[key]; ok && now.Before(existing.ExpiresAt) {
		StoreOperationsTotal.WithLabelValues("record", "hit").Inc()
		return nil
	}

	s.entries[key] = &Entry{Key: key, FirstSeen: now, ExpiresAt: now.Add(ttl)}
	StoreOperationsTotal.WithLabelValues("record", "success").Inc()
	return nil
}

// Sweep removes expired entries.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	count := 0
	now := time.Now()
	for key, entry := range s.entries {
		if now.After(entry.ExpiresAt) {
			delete(s.entries, key)
			count++
		}
	}

	StoreOperationsTotal.WithLabelValues("sweep", "success").Inc()
	KeysSweptTotal.Add(float64(count))
	return count, nil
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	return nil
}
