// Causeway - Marketing Event Ingestion and Causal Analysis Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/causeway

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CampaignCell is one cell of the treatment x period aggregate the
// difference-in-differences estimator consumes.
type CampaignCell struct {
	Treatment bool
	Post      bool
	N         int64
	Mean      float64
	Variance  float64
}

// CampaignCells aggregates campaign events into the four
// (treatment, pre/post) cells. Treatment membership is defined by the
// marketing channel; the cutoff splits pre from post.
func (db *DB) CampaignCells(ctx context.Context, campaignID, treatmentChannel string, cutoff time.Time) ([]CampaignCell, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT
			(marketing_channel = ?) AS treatment,
			(occurred_at >= ?) AS post,
			COUNT(*) AS n,
			COALESCE(AVG(revenue_usd), 0) AS mean_revenue,
			COALESCE(VAR_SAMP(revenue_usd), 0) AS var_revenue
		FROM events
		WHERE campaign_id = ?
		GROUP BY 1, 2`,
		treatmentChannel, cutoff.UTC(), campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign cells: %w", err)
	}
	defer rows.Close()

	var cells []CampaignCell
	for rows.Next() {
		var c CampaignCell
		if err := rows.Scan(&c.Treatment, &c.Post, &c.N, &c.Mean, &c.Variance); err != nil {
			return nil, fmt.Errorf("failed to scan campaign cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign cells: %w", err)
	}
	return cells, nil
}

// CampaignSplitTime returns the median event time of a campaign, used
// as the pre/post cutoff when a submission does not name one.
func (db *DB) CampaignSplitTime(ctx context.Context, campaignID string) (time.Time, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var split sql.NullTime
	err := db.conn.QueryRowContext(ctx,
		`SELECT median(occurred_at) FROM events WHERE campaign_id = ?`,
		campaignID,
	).Scan(&split)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute campaign split time: %w", err)
	}
	if !split.Valid {
		return time.Time{}, fmt.Errorf("campaign %s has no events to split on", campaignID)
	}
	return split.Time.UTC(), nil
}

// CampaignUser is one user's observed activity within a campaign,
// consumed by the propensity score matching estimator.
type CampaignUser struct {
	UserKey    string
	Treated    bool
	Events     int64
	Revenue    float64
	FirstSeen  time.Time
	ChannelMix int64 // distinct marketing channels observed
}

// CampaignUsers returns per-user aggregates for a campaign. Users are
// keyed by user_id when known, anonymous_id otherwise. Treated means
// the user was exposed to the treatment channel at least once.
func (db *DB) CampaignUsers(ctx context.Context, campaignID, treatmentChannel string) ([]CampaignUser, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT
			COALESCE(user_id, anonymous_id) AS user_key,
			BOOL_OR(marketing_channel = ?) AS treated,
			COUNT(*) AS events,
			COALESCE(SUM(revenue_usd), 0) AS revenue,
			MIN(occurred_at) AS first_seen,
			COUNT(DISTINCT marketing_channel) AS channel_mix
		FROM events
		WHERE campaign_id = ? AND COALESCE(user_id, anonymous_id) IS NOT NULL
		GROUP BY 1`,
		treatmentChannel, campaignID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate campaign users: %w", err)
	}
	defer rows.Close()

	var users []CampaignUser
	for rows.Next() {
		var (
			u       CampaignUser
			userKey sql.NullString
		)
		if err := rows.Scan(&userKey, &u.Treated, &u.Events, &u.Revenue, &u.FirstSeen, &u.ChannelMix); err != nil {
			return nil, fmt.Errorf("failed to scan campaign user: %w", err)
		}
		u.UserKey = userKey.String
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating campaign users: %w", err)
	}
	return users, nil
}
