// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package jobs defines the analysis job record, its status state machine,
// the control-plane service for submitting and tracking jobs, and the
// reconciler that re-publishes jobs stuck in the queue.
package jobs

import (
	"time"

	"github.com/goccy/go-json"
)

// Status is the lifecycle state of an analysis job.
//
// Transitions are monotonic:
//
//	QUEUED -> RUNNING -> SUCCEEDED
//	QUEUED -> RUNNING -> FAILED
//	QUEUED -> CANCELLED
//	QUEUED -> FAILED (publish attempts exhausted)
//
// SUCCEEDED, FAILED, and CANCELLED are terminal.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to == StatusSucceeded || to == StatusFailed
	}
	return false
}

// Job is an analysis job record. Rows are immutable history: a finished
// job is never re-run in place, re-submission creates a new job.
type Job struct {
	JobID        string          `json:"job_id"`
	Principal    string          `json:"principal"`
	ModelName    string          `json:"model_name"`
	ModelVersion string          `json:"model_version,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	Error        string          `json:"error,omitempty"`

	// PublishAttempts counts how many times the dispatch message has
	// been published, including reconciler republishes.
	PublishAttempts int `json:"publish_attempts"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Filter narrows job listings.
type Filter struct {
	// Status filters to one lifecycle state when non-empty.
	Status Status
	// Principal scopes the listing to one caller when non-empty.
	Principal string
	// Limit caps the number of rows returned.
	Limit int
}

// TransitionUpdate carries the optional fields written with a status
// change.
type TransitionUpdate struct {
	Error      string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunMessage is the broker payload dispatching a job to workers.
type RunMessage struct {
	JobID     string          `json:"job_id"`
	Principal string          `json:"principal"`
	ModelName string          `json:"model_name"`
	Params    json.RawMessage `json:"params,omitempty"`
	Priority  int             `json:"priority"`
}

// Marshal encodes the run message for publishing.
func (m *RunMessage) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// UnmarshalRunMessage decodes a broker payload.
func UnmarshalRunMessage(data []byte) (*RunMessage, error) {
	var m RunMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
