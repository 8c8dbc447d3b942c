// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

// Package model defines the pluggable causal analysis model registry and
// the built-in estimators. A model runs in two stages: LoadData pulls
// campaign aggregates through the DataSource interface, RunAnalysis
// turns the loaded dataset into a standardized result document with
// effect estimates, confidence intervals, and diagnostics.
package model

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/database"
)

// ErrUnknownModel is returned when a job names a model that is not
// registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrInvalidParams is returned when model parameters fail validation.
var ErrInvalidParams = errors.New("invalid model parameters")

// DataSource provides the campaign aggregates models consume.
// *database.DB satisfies it.
type DataSource interface {
	CampaignCells(ctx context.Context, campaignID, treatmentChannel string, cutoff time.Time) ([]database.CampaignCell, error)
	CampaignUsers(ctx context.Context, campaignID, treatmentChannel string) ([]database.CampaignUser, error)
	CampaignSplitTime(ctx context.Context, campaignID string) (time.Time, error)
}

// Dataset is the prepared input for one analysis run. LoadData fills
// the fields its model needs; RunAnalysis consumes them. Params carry
// through so the second stage sees the same submission.
type Dataset struct {
	Params json.RawMessage
	Cutoff time.Time
	Cells  []database.CampaignCell
	Users  []database.CampaignUser
}

// Interval is a confidence interval bound pair.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Result is the standardized estimator output: point estimates,
// confidence intervals keyed by the same estimate names, and
// model-specific diagnostics.
type Result struct {
	EffectEstimates     map[string]float64     `json:"effect_estimates"`
	ConfidenceIntervals map[string]Interval    `json:"confidence_intervals"`
	Diagnostics         map[string]interface{} `json:"diagnostics"`
}

// Model is a causal analysis estimator. LoadData pulls and prepares the
// aggregates the estimator needs; RunAnalysis computes the result from
// a loaded dataset without touching the store again.
type Model interface {
	LoadData(ctx context.Context, ds DataSource, params json.RawMessage) (*Dataset, error)
	RunAnalysis(ctx context.Context, dataset *Dataset) (*Result, error)
}

// Registration binds a model implementation to its registry entry.
type Registration struct {
	Name    string
	Version string
	Model   Model

	// ValidateParams rejects bad parameters at submission time, before
	// a job is created. Nil means any parameters are accepted.
	ValidateParams func(params json.RawMessage) error
}

// Info describes a registered model for the listing endpoint.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Registry holds the registered models. Registration is explicit and
// last-wins: registering a name again replaces the previous entry.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]Registration)}
}

// Register adds or replaces a model registration.
func (r *Registry) Register(reg Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[reg.Name] = reg
}

// Get returns the registration for a model name.
func (r *Registry) Get(name string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.models[name]
	if !ok {
		return Registration{}, ErrUnknownModel
	}
	return reg, nil
}

// Resolve returns the registered version for a model name.
func (r *Registry) Resolve(name string) (string, error) {
	reg, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return reg.Version, nil
}

// ValidateParams runs the model's parameter validation, if any.
func (r *Registry) ValidateParams(name string, params json.RawMessage) error {
	reg, err := r.Get(name)
	if err != nil {
		return err
	}
	if reg.ValidateParams == nil {
		return nil
	}
	return reg.ValidateParams(params)
}

// List returns registered models sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.models))
	for _, reg := range r.models {
		out = append(out, Info{Name: reg.Name, Version: reg.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultRegistry returns a registry with the built-in estimators.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(DiDRegistration())
	r.Register(PSMRegistration())
	return r
}
