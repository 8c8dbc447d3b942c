// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package model

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/database"
)

// fakeDataSource returns canned aggregates and records the queries it
// served.
type fakeDataSource struct {
	mu    sync.Mutex
	cells []database.CampaignCell
	users []database.CampaignUser
	split time.Time
	err   error

	cellsCutoff time.Time
	splitCalls  int
}

func (f *fakeDataSource) CampaignCells(_ context.Context, _, _ string, cutoff time.Time) ([]database.CampaignCell, error) {
	f.mu.Lock()
	f.cellsCutoff = cutoff
	f.mu.Unlock()
	return f.cells, f.err
}

func (f *fakeDataSource) CampaignUsers(_ context.Context, _, _ string) ([]database.CampaignUser, error) {
	return f.users, f.err
}

func (f *fakeDataSource) CampaignSplitTime(_ context.Context, _ string) (time.Time, error) {
	f.mu.Lock()
	f.splitCalls++
	f.mu.Unlock()
	return f.split, f.err
}

// runModel drives both stages the way the worker does.
func runModel(t *testing.T, m Model, ds DataSource, params string) (*Result, error) {
	t.Helper()
	dataset, err := m.LoadData(context.Background(), ds, json.RawMessage(params))
	if err != nil {
		return nil, err
	}
	return m.RunAnalysis(context.Background(), dataset)
}

func TestRegistryLastWins(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	r.Register(Registration{Name: "did", Version: "1.0.0", Model: &DiD{}})
	r.Register(Registration{Name: "did", Version: "2.0.0", Model: &DiD{}})

	reg, err := r.Get("did")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if reg.Version != "2.0.0" {
		t.Errorf("Expected last registration to win, got version %s", reg.Version)
	}
}

func TestRegistryUnknownModel(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	if _, err := r.Get("nonexistent"); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}
	if err := r.ValidateParams("nonexistent", nil); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel from ValidateParams, got %v", err)
	}
}

func TestRegistryListSorted(t *testing.T) {
	t.Parallel()

	r := DefaultRegistry()
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("Expected 2 built-in models, got %d", len(list))
	}
	if list[0].Name != "did" || list[1].Name != "psm" {
		t.Errorf("Expected sorted listing [did psm], got %v", list)
	}
}

func TestDiDParamValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"campaign only", `{"campaign_id":"c1"}`, false},
		{"with split date", `{"campaign_id":"c1","split_date":"2024-01-15"}`, false},
		{"with rfc3339 split", `{"campaign_id":"c1","split_date":"2024-01-15T08:00:00Z"}`, false},
		{"with channel", `{"campaign_id":"c1","treatment_channel":"paid"}`, false},
		{"missing campaign", `{"treatment_channel":"paid"}`, true},
		{"bad split date", `{"campaign_id":"c1","split_date":"January 15"}`, true},
		{"malformed", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateDiDParams(json.RawMessage(tt.params))
			if tt.wantErr && !errors.Is(err, ErrInvalidParams) {
				t.Errorf("Expected ErrInvalidParams, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func didCells() []database.CampaignCell {
	// Treated rises 10 -> 25, control rises 5 -> 8: ATT = 15 - 3 = 12.
	return []database.CampaignCell{
		{Treatment: true, Post: false, N: 100, Mean: 10, Variance: 4},
		{Treatment: true, Post: true, N: 100, Mean: 25, Variance: 4},
		{Treatment: false, Post: false, N: 200, Mean: 5, Variance: 1},
		{Treatment: false, Post: true, N: 200, Mean: 8, Variance: 1},
	}
}

func TestDiDEstimate(t *testing.T) {
	t.Parallel()

	ds := &fakeDataSource{cells: didCells()}

	result, err := runModel(t, &DiD{}, ds,
		`{"campaign_id":"c1","treatment_channel":"paid","split_date":"2026-06-01"}`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	att := result.EffectEstimates["att"]
	if math.Abs(att-12) > 1e-9 {
		t.Errorf("Expected ATT 12, got %v", att)
	}

	ci, ok := result.ConfidenceIntervals["att"]
	if !ok {
		t.Fatal("Expected a confidence interval for att")
	}
	if ci.Lower >= att || ci.Upper <= att {
		t.Errorf("Expected interval around the estimate, got [%v, %v]", ci.Lower, ci.Upper)
	}

	if obs, _ := result.Diagnostics["observations"].(int64); obs != 600 {
		t.Errorf("Expected 600 observations, got %v", result.Diagnostics["observations"])
	}
	if se, _ := result.Diagnostics["standard_error"].(float64); se <= 0 {
		t.Errorf("Expected positive standard error, got %v", result.Diagnostics["standard_error"])
	}
}

func TestDiDDefaultsSplitToCampaignMedian(t *testing.T) {
	t.Parallel()

	median := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	ds := &fakeDataSource{cells: didCells(), split: median}

	dataset, err := (&DiD{}).LoadData(context.Background(), ds, json.RawMessage(`{"campaign_id":"c1"}`))
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}
	if !dataset.Cutoff.Equal(median) {
		t.Errorf("Expected median cutoff %v, got %v", median, dataset.Cutoff)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.splitCalls != 1 {
		t.Errorf("Expected one split time lookup, got %d", ds.splitCalls)
	}
	if !ds.cellsCutoff.Equal(median) {
		t.Errorf("Expected cells aggregated at the median, got %v", ds.cellsCutoff)
	}
}

func TestDiDExplicitSplitDateSkipsMedian(t *testing.T) {
	t.Parallel()

	ds := &fakeDataSource{cells: didCells(), split: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	dataset, err := (&DiD{}).LoadData(context.Background(), ds,
		json.RawMessage(`{"campaign_id":"c1","split_date":"2024-01-15"}`))
	if err != nil {
		t.Fatalf("LoadData failed: %v", err)
	}

	want := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	if !dataset.Cutoff.Equal(want) {
		t.Errorf("Expected cutoff %v, got %v", want, dataset.Cutoff)
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.splitCalls != 0 {
		t.Errorf("Expected no split time lookup, got %d", ds.splitCalls)
	}
}

func TestDiDRequiresAllFourCells(t *testing.T) {
	t.Parallel()

	ds := &fakeDataSource{cells: []database.CampaignCell{
		{Treatment: true, Post: true, N: 10, Mean: 5},
	}}

	_, err := runModel(t, &DiD{}, ds,
		`{"campaign_id":"c1","treatment_channel":"paid","split_date":"2026-06-01"}`)
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams for missing cells, got %v", err)
	}
}

func TestPSMEstimate(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	// Two treated users with near-identical controls. Revenue gaps are
	// 10 and 20, so the matched ATT is 15.
	ds := &fakeDataSource{users: []database.CampaignUser{
		{UserKey: "t1", Treated: true, Events: 10, ChannelMix: 2, FirstSeen: base, Revenue: 30},
		{UserKey: "t2", Treated: true, Events: 20, ChannelMix: 3, FirstSeen: base.Add(24 * time.Hour), Revenue: 50},
		{UserKey: "c1", Treated: false, Events: 10, ChannelMix: 2, FirstSeen: base, Revenue: 20},
		{UserKey: "c2", Treated: false, Events: 20, ChannelMix: 3, FirstSeen: base.Add(24 * time.Hour), Revenue: 30},
	}}

	result, err := runModel(t, &PSM{}, ds, `{"campaign_id":"c1","treatment_channel":"paid"}`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	att := result.EffectEstimates["att"]
	if math.Abs(att-15) > 1e-9 {
		t.Errorf("Expected ATT 15, got %v", att)
	}
	if ci := result.ConfidenceIntervals["att"]; ci.Lower > att || ci.Upper < att {
		t.Errorf("Expected interval containing the estimate, got [%v, %v]", ci.Lower, ci.Upper)
	}
	if pairs, _ := result.Diagnostics["matched_pairs"].(int); pairs != 2 {
		t.Errorf("Expected 2 matched pairs, got %v", result.Diagnostics["matched_pairs"])
	}
	if dropped, _ := result.Diagnostics["dropped_treated"].(int); dropped != 0 {
		t.Errorf("Expected no dropped treated users, got %v", result.Diagnostics["dropped_treated"])
	}
}

func TestPSMCaliperDropsDistantTreated(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	// The second treated user is far from every control in feature
	// space, so a tight caliper drops it.
	ds := &fakeDataSource{users: []database.CampaignUser{
		{UserKey: "t1", Treated: true, Events: 10, ChannelMix: 2, FirstSeen: base, Revenue: 30},
		{UserKey: "t2", Treated: true, Events: 500, ChannelMix: 9, FirstSeen: base.Add(90 * 24 * time.Hour), Revenue: 900},
		{UserKey: "c1", Treated: false, Events: 10, ChannelMix: 2, FirstSeen: base, Revenue: 20},
	}}

	result, err := runModel(t, &PSM{}, ds,
		`{"campaign_id":"c1","treatment_channel":"paid","caliper":0.1}`)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if pairs, _ := result.Diagnostics["matched_pairs"].(int); pairs != 1 {
		t.Errorf("Expected 1 matched pair, got %v", result.Diagnostics["matched_pairs"])
	}
	if dropped, _ := result.Diagnostics["dropped_treated"].(int); dropped != 1 {
		t.Errorf("Expected 1 dropped treated user, got %v", result.Diagnostics["dropped_treated"])
	}
}

func TestPSMRequiresBothGroups(t *testing.T) {
	t.Parallel()

	ds := &fakeDataSource{users: []database.CampaignUser{
		{UserKey: "t1", Treated: true, Events: 1, Revenue: 5},
	}}

	_, err := runModel(t, &PSM{}, ds, `{"campaign_id":"c1","treatment_channel":"paid"}`)
	if !errors.Is(err, ErrInvalidParams) {
		t.Errorf("Expected ErrInvalidParams, got %v", err)
	}
}
