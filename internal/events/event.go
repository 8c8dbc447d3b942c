// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package events defines the canonical marketing event schema, the broker
// topic layout, and idempotency key derivation for the intake path.
package events

import (
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersion is the current event schema version.
// Increment this when making breaking changes to Event.
const SchemaVersion = 1

// Broker topics. Poison topics receive messages that permanently failed
// handling and would otherwise block the stream.
const (
	// TopicEventsRaw carries accepted marketing events awaiting persistence.
	TopicEventsRaw = "events.raw"
	// TopicJobsRun carries analysis job dispatch messages.
	TopicJobsRun = "jobs.run"
	// TopicUploadsCompleted carries batch upload completion notifications.
	TopicUploadsCompleted = "uploads.completed"

	// TopicEventsPoison receives undeliverable event messages.
	TopicEventsPoison = "events.poison"
	// TopicJobsPoison receives undeliverable job messages.
	TopicJobsPoison = "jobs.poison"
)

// Event is the canonical marketing event format used across all intake
// sources (direct API, batch upload ingestion).
type Event struct {
	// Schema version for forward/backward compatibility.
	SchemaVersion int `json:"schema_version,omitempty"`

	// IdempotencyKey uniquely identifies the logical event. Retried
	// submissions carry the same key and collapse to one stored row.
	IdempotencyKey string `json:"idempotency_key"`

	// OccurredAt is when the event happened at the source.
	OccurredAt time.Time `json:"occurred_at"`

	// Source identifies the intake path: api, upload.
	Source string `json:"source"`

	// EventType classifies the event: impression, click, conversion, ...
	EventType string `json:"event_type"`

	// User identity. AnonymousID is always present; UserID only after
	// the user is known.
	UserID      string `json:"user_id,omitempty"`
	AnonymousID string `json:"anonymous_id"`

	// Marketing attribution.
	MarketingChannel string  `json:"marketing_channel,omitempty"`
	CampaignID       string  `json:"campaign_id,omitempty"`
	RevenueUSD       float64 `json:"revenue_usd,omitempty"`

	// Payload carries source-specific properties verbatim.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Source constants for the intake paths.
const (
	// SourceAPI marks events accepted through POST /v1/events.
	SourceAPI = "api"
	// SourceUpload marks events ingested from batch uploads.
	SourceUpload = "upload"
)

// EventType constants for the common marketing event kinds. The schema
// is open: unknown types are stored as-is.
const (
	EventTypeImpression = "impression"
	EventTypeClick      = "click"
	EventTypeSignup     = "signup"
	EventTypeConversion = "conversion"
)

// New creates an event stamped with the schema version, source, and
// current time. The idempotency key is left for the gateway to fill.
func New(source string) *Event {
	return &Event{
		SchemaVersion: SchemaVersion,
		Source:        source,
		OccurredAt:    time.Now().UTC(),
	}
}

// EnsureSchemaVersion sets the schema version if not already set.
// Call this when processing events that may predate explicit versioning.
func (e *Event) EnsureSchemaVersion() {
	if e.SchemaVersion == 0 {
		e.SchemaVersion = SchemaVersion
	}
}

// Validate checks required fields and returns an error if validation fails.
func (e *Event) Validate() error {
	if e.IdempotencyKey == "" {
		return &ValidationError{Field: "idempotency_key", Message: "required"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "source", Message: "required"}
	}
	if e.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "required"}
	}
	if e.AnonymousID == "" && e.UserID == "" {
		return &ValidationError{Field: "anonymous_id", Message: "anonymous_id or user_id required"}
	}
	if e.OccurredAt.IsZero() {
		return &ValidationError{Field: "occurred_at", Message: "required"}
	}
	if e.RevenueUSD < 0 {
		return &ValidationError{Field: "revenue_usd", Message: "must not be negative"}
	}
	return nil
}

// ValidationError represents a field validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
