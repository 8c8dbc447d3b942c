// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package events

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DeriveIdempotencyKey computes a stable idempotency key for a submission
// that did not supply one. The key hashes the submitting caller, the raw
// payload bytes, and a coarse time bucket, so an identical retry within
// the bucket collapses to the same key while genuinely repeated events in
// later buckets are stored separately.
func DeriveIdempotencyKey(caller string, payload []byte, occurredAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Hour
	}

	h := sha256.New()
	h.Write([]byte(caller))
	h.Write([]byte{0})
	h.Write(payload)
	h.Write([]byte{0})
	h.Write([]byte(occurredAt.UTC().Truncate(bucket).Format(time.RFC3339)))

	return hex.EncodeToString(h.Sum(nil))
}
