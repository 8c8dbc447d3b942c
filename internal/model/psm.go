// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package model

import (
	"context"
	"fmt"
	"math"

	"github.com/goccy/go-json"

	"github.com/tomtom215/causeway/internal/database"
)

// PSMName is the registry name of the propensity score matching model.
const PSMName = "psm"

const psmVersion = "1.0.2"

// defaultCaliper is the maximum match distance in standardized feature
// space. Treated users with no control inside the caliper are dropped.
const defaultCaliper = 0.5

// PSMParams configure a propensity score matching run.
type PSMParams struct {
	CampaignID       string  `json:"campaign_id"`
	TreatmentChannel string  `json:"treatment_channel"`
	Caliper          float64 `json:"caliper,omitempty"`
}

// PSM estimates the treatment effect by nearest-neighbor matching of
// treated users to control users on standardized activity features, then
// averaging the matched revenue differences.
type PSM struct{}

// PSMRegistration returns the registry entry for the estimator.
func PSMRegistration() Registration {
	return Registration{
		Name:           PSMName,
		Version:        psmVersion,
		Model:          &PSM{},
		ValidateParams: validatePSMParams,
	}
}

func validatePSMParams(params json.RawMessage) error {
	var p PSMParams
	if err := json.Unmarshal(params, &p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.CampaignID == "" {
		return fmt.Errorf("%w: campaign_id is required", ErrInvalidParams)
	}
	if p.Caliper < 0 {
		return fmt.Errorf("%w: caliper must not be negative", ErrInvalidParams)
	}
	return nil
}

// LoadData pulls per-user campaign aggregates for matching.
func (m *PSM) LoadData(ctx context.Context, ds DataSource, params json.RawMessage) (*Dataset, error) {
	var p PSMParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	if p.TreatmentChannel == "" {
		p.TreatmentChannel = defaultTreatmentChannel
	}

	users, err := ds.CampaignUsers(ctx, p.CampaignID, p.TreatmentChannel)
	if err != nil {
		return nil, fmt.Errorf("load campaign users: %w", err)
	}

	return &Dataset{Params: params, Users: users}, nil
}

// RunAnalysis matches each treated user to the nearest control and
// averages the matched revenue differences.
func (m *PSM) RunAnalysis(_ context.Context, dataset *Dataset) (*Result, error) {
	var p PSMParams
	if err := json.Unmarshal(dataset.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	caliper := p.Caliper
	if caliper == 0 {
		caliper = defaultCaliper
	}

	users := dataset.Users
	var treated, control []database.CampaignUser
	for _, u := range users {
		if u.Treated {
			treated = append(treated, u)
		} else {
			control = append(control, u)
		}
	}
	if len(treated) == 0 || len(control) == 0 {
		return nil, fmt.Errorf("%w: campaign %s needs both treated and control users", ErrInvalidParams, p.CampaignID)
	}

	treatedFeatures := standardizedFeatures(users, treated)
	controlFeatures := standardizedFeatures(users, control)

	var (
		diffs   []float64
		sumDiff float64
		dropped int
	)
	for i := range treated {
		best := -1
		bestDist := math.Inf(1)
		for j := range control {
			d := distance(treatedFeatures[i], controlFeatures[j])
			if d < bestDist {
				bestDist = d
				best = j
			}
		}
		if best < 0 || bestDist > caliper {
			dropped++
			continue
		}
		diff := treated[i].Revenue - control[best].Revenue
		diffs = append(diffs, diff)
		sumDiff += diff
	}
	matched := len(diffs)
	if matched == 0 {
		return nil, fmt.Errorf("%w: no matches inside caliper %g", ErrInvalidParams, caliper)
	}

	att := sumDiff / float64(matched)
	se := matchedDiffStdErr(diffs, att)

	return &Result{
		EffectEstimates: map[string]float64{"att": att},
		ConfidenceIntervals: map[string]Interval{
			"att": {Lower: att - critical95*se, Upper: att + critical95*se},
		},
		Diagnostics: map[string]interface{}{
			"standard_error":  se,
			"matched_pairs":   matched,
			"treated_total":   len(treated),
			"control_total":   len(control),
			"dropped_treated": dropped,
			"caliper":         caliper,
		},
	}, nil
}

// matchedDiffStdErr is the standard error of the mean matched
// difference. A single pair yields zero rather than NaN.
func matchedDiffStdErr(diffs []float64, mean float64) float64 {
	n := len(diffs)
	if n < 2 {
		return 0
	}
	var ss float64
	for _, d := range diffs {
		dev := d - mean
		ss += dev * dev
	}
	return math.Sqrt(ss/float64(n-1)) / math.Sqrt(float64(n))
}

// featureCount is the dimensionality of the matching space.
const featureCount = 3

// standardizedFeatures projects users into feature vectors standardized
// against the full population, so no feature dominates the distance.
func standardizedFeatures(population, subset []database.CampaignUser) [][featureCount]float64 {
	var mean, std [featureCount]float64
	for _, u := range population {
		f := rawFeatures(u)
		for k := 0; k < featureCount; k++ {
			mean[k] += f[k]
		}
	}
	n := float64(len(population))
	for k := 0; k < featureCount; k++ {
		mean[k] /= n
	}
	for _, u := range population {
		f := rawFeatures(u)
		for k := 0; k < featureCount; k++ {
			d := f[k] - mean[k]
			std[k] += d * d
		}
	}
	for k := 0; k < featureCount; k++ {
		std[k] = math.Sqrt(std[k] / n)
		if std[k] == 0 {
			std[k] = 1
		}
	}

	out := make([][featureCount]float64, len(subset))
	for i, u := range subset {
		f := rawFeatures(u)
		for k := 0; k < featureCount; k++ {
			out[i][k] = (f[k] - mean[k]) / std[k]
		}
	}
	return out
}

func rawFeatures(u database.CampaignUser) [featureCount]float64 {
	return [featureCount]float64{
		float64(u.Events),
		float64(u.ChannelMix),
		float64(u.FirstSeen.Unix()),
	}
}

func distance(a, b [featureCount]float64) float64 {
	var sum float64
	for k := 0; k < featureCount; k++ {
		d := a[k] - b[k]
		sum += d * d
	}
	return math.Sqrt(sum)
}
