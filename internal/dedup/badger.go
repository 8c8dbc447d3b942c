// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/config"
)

// dedupKeyPrefix namespaces dedup entries within the BadgerDB keyspace.
const dedupKeyPrefix = "dedup:"

// badgerGCDiscardRatio is the value-log garbage collection threshold.
const badgerGCDiscardRatio = 0.5

// approximate on-disk footprint per entry, used to size the block cache
// from the configured entry count.
const entryFootprintBytes = 256

// BadgerStore is a BadgerDB-backed Store. Entries carry a Badger TTL so
// expiry needs no external bookkeeping; Sweep only reclaims value-log
// space left behind by expired entries.
type BadgerStore struct {
	db     *badger.DB
	owned  bool
	closed bool
	mu     sync.RWMutex
}

// Open opens a BadgerDB at the configured path and wraps it in a store.
func Open(cfg *config.DedupConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.Logger = nil // Suppress BadgerDB logs
	if cfg.CacheSize > 0 {
		opts = opts.WithBlockCacheSize(int64(cfg.CacheSize) * entryFootprintBytes)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for dedup keys: %w", err)
	}
	return &BadgerStore{db: db, owned: true}, nil
}

// NewBadgerStore wraps an existing BadgerDB instance. The caller retains
// ownership of the database lifecycle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func makeKey(key string) []byte {
	return append([]byte(dedupKeyPrefix), key...)
}

// Seen reports whether the key has an unexpired entry.
func (s *BadgerStore) Seen(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return false, ErrStoreClosed
	}
	s.mu.RUnlock()

	var seen bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(makeKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	if err != nil {
		StoreOperationsTotal.WithLabelValues("check", "failure").Inc()
		return false, fmt.Errorf("check dedup key: %w", err)
	}

	if seen {
		StoreOperationsTotal.WithLabelValues("check", "hit").Inc()
	} else {
		StoreOperationsTotal.WithLabelValues("check", "success").Inc()
	}
	return seen, nil
}

// Record stores the key with the given TTL. An existing entry is left
// untouched so the first observation time survives retries.
func (s *BadgerStore) Record(_ context.Context, key string, ttl time.Duration) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		StoreOperationsTotal.WithLabelValues("record", "failure").Inc()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	badgerKey := makeKey(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(badgerKey)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		now := time.Now().UTC()
		data, err := json.Marshal(&Entry{
			Key:       key,
			FirstSeen: now,
			ExpiresAt: now.Add(ttl),
		})
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(badgerKey, data).WithTTL(ttl))
	})
	if err != nil {
		StoreOperationsTotal.WithLabelValues("record", "failure").Inc()
		return fmt.Errorf("record dedup key: %w", err)
	}

	StoreOperationsTotal.WithLabelValues("record", "success").Inc()
	return nil
}

// Sweep runs value-log garbage collection. Badger drops expired entries
// on read; GC reclaims the disk space they occupied. The returned count
// is the number of GC rounds that rewrote a log file.
func (s *BadgerStore) Sweep(ctx context.Context) (int, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return 0, ErrStoreClosed
	}
	s.mu.RUnlock()

	rounds := 0
	for {
		select {
		case <-ctx.Done():
			return rounds, ctx.Err()
		default:
		}

		err := s.db.RunValueLogGC(badgerGCDiscardRatio)
		if err != nil {
			if errors.Is(err, badger.ErrNoRewrite) {
				StoreOperationsTotal.WithLabelValues("sweep", "success").Inc()
				return rounds, nil
			}
			StoreOperationsTotal.WithLabelValues("sweep", "failure").Inc()
			return rounds, fmt.Errorf("dedup value log gc: %w", err)
		}
		rounds++
		KeysSweptTotal.Inc()
	}
}

// Close closes the store, and the underlying database when owned.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.owned {
		return s.db.Close()
	}
	return nil
}
