// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package model

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/database"
)

// DiDName is the registry name of the difference-in-differences model.
const DiDName = "did"

// didVersion tracks the estimator implementation, not the API.
const didVersion = "1.1.0"

// defaultTreatmentChannel defines treatment group membership when the
// submission does not name a channel.
const defaultTreatmentChannel = "paid_search"

// critical95 is the two-sided 95% normal critical value.
const critical95 = 1.959963984540054

// DiDParams configure a difference-in-differences run. Only campaign_id
// is required: the treatment channel defaults to paid_search, and a
// missing split date falls back to the campaign's median event time.
type DiDParams struct {
	CampaignID       string `json:"campaign_id"`
	TreatmentChannel string `json:"treatment_channel"`
	SplitDate        string `json:"split_date"`
}

// splitTime parses the split date. Accepts a bare date or RFC3339.
func (p *DiDParams) splitTime() (time.Time, error) {
	if p.SplitDate == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", p.SplitDate); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, p.SplitDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: split_date must be YYYY-MM-DD or RFC3339", ErrInvalidParams)
	}
	return t.UTC(), nil
}

// DiD is the two-period, two-group difference-in-differences estimator.
// The average treatment effect on the treated is the interaction term of
// the 2x2 cell means; the standard error assumes independent cells.
type DiD struct{}

// DiDRegistration returns the registry entry for the estimator.
func DiDRegistration() Registration {
	return Registration{
		Name:           DiDName,
		Version:        didVersion,
		Model:          &DiD{},
		ValidateParams: validateDiDParams,
	}
}

func validateDiDParams(params json.RawMessage) error {
	var p DiDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.CampaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrInvalidParams)
	}
	if _, err := p.splitTime(); err != nil {
		return err
	}
	return nil
}

// LoadData aggregates the campaign into the four (treatment, pre/post)
// cells. A submission without a split date splits at the campaign's
// median event time.
func (m *DiD) LoadData(ctx context.Context, ds DataSource, params json.RawMessage) (*Dataset, error) {
	var p DiDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.TreatmentChannel == "" {
		p.TreatmentChannel = defaultTreatmentChannel
	}

	cutoff, err := p.splitTime()
	if err != nil {
		return nil, err
	}
	if cutoff.IsZero() {
		cutoff, err = ds.CampaignSplitTime(ctx, p.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("resolve split time for campaign %s: %w", p.CampaignID, err)
		}
	}

	cells, err := ds.CampaignCells(ctx, p.CampaignID, p.TreatmentChannel, cutoff)
	if err != nil {
		return nil, fmt.Errorf("load campaign cells: %w", err)
	}

	return &Dataset{Params: params, Cutoff: cutoff, Cells: cells}, nil
}

// RunAnalysis estimates the treatment effect from the four cells.
func (m *DiD) RunAnalysis(_ context.Context, dataset *Dataset) (*Result, error) {
	var p DiDParams
	if err := json.Unmarshal(dataset.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}

	var (
		treatedPre, treatedPost, controlPre, controlPost *database.CampaignCell
		total                                            int64
	)
	for i := range dataset.Cells {
		c := &dataset.Cells[i]
		total += c.N
		switch {
		case c.Treatment && c.Post:
			treatedPost = c
		case c.Treatment && !c.Post:
			treatedPre = c
		case !c.Treatment && c.Post:
			controlPost = c
		default:
			controlPre = c
		}
	}
	if treatedPre == nil || treatedPost == nil || controlPre == nil || controlPost == nil {
		return nil, fmt.Errorf("%w: campaign %s lacks observations in all four cells", ErrInvalidParams, p.CampaignID)
	}

	att := (treatedPost.Mean - treatedPre.Mean) - (controlPost.Mean - controlPre.Mean)
	se := math.Sqrt(
		cellVariance(treatedPost) + cellVariance(treatedPre) +
			cellVariance(controlPost) + cellVariance(controlPre),
	)

	return &Result{
		EffectEstimates: map[string]float64{"att": att},
		ConfidenceIntervals: map[string]Interval{
			"att": {Lower: att - critical95*se, Upper: att + critical95*se},
		},
		Diagnostics: map[string]interface{}{
			"standard_error":    se,
			"observations":      total,
			"cutoff":            dataset.Cutoff.UTC().Format(time.RFC3339),
			"treated_pre_mean":  treatedPre.Mean,
			"treated_post_mean": treatedPost.Mean,
			"control_pre_mean":  controlPre.Mean,
			"control_post_mean": controlPost.Mean,
		},
	}, nil
}

// cellVariance is the variance of the cell mean.
func cellVariance(c *database.CampaignCell) float64 {
	if c.N <= 0 {
		return 0
	}
	return c.Variance / float64(c.N)
}
