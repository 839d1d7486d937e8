package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

// ErrBudgetExceeded is returned by AddUsage when recording the call would
// push the tier past its daily call limit or the day past the cost limit.
// The cost tracker maps this to its own sentinel.
var ErrBudgetExceeded = errors.New("storage: budget exceeded")

// GetUsage returns the ledger row for (date, tier); a zero row if absent.
func (db *DB) GetUsage(ctx context.Context, date time.Time, tier model.Tier) (model.ApiUsage, error) {
	u := model.ApiUsage{UsageDate: date, Tier: tier}
	err := db.pool.QueryRow(ctx,
		`SELECT call_count, input_tokens, output_tokens, estimated_cost_usd
		 FROM api_usage WHERE usage_date = $1 AND tier = $2`,
		date, tier,
	).Scan(&u.CallCount, &u.InputTokens, &u.OutputTokens, &u.EstimatedCostUSD)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, nil
		}
		return model.ApiUsage{}, fmt.Errorf("storage: get usage: %w", err)
	}
	return u, nil
}

// UsageForDate returns all tier ledger rows for a date.
func (db *DB) UsageForDate(ctx context.Context, date time.Time) ([]model.ApiUsage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT usage_date, tier, call_count, input_tokens, output_tokens, estimated_cost_usd
		 FROM api_usage WHERE usage_date = $1 ORDER BY tier`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: usage for date: %w", err)
	}
	defer rows.Close()

	var out []model.ApiUsage
	for rows.Next() {
		var u model.ApiUsage
		if err := rows.Scan(&u.UsageDate, &u.Tier, &u.CallCount, &u.InputTokens, &u.OutputTokens, &u.EstimatedCostUSD); err != nil {
			return nil, fmt.Errorf("storage: scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DailyCost returns the summed estimated cost across tiers for a date.
func (db *DB) DailyCost(ctx context.Context, date time.Time) (float64, error) {
	var cost float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM api_usage WHERE usage_date = $1`,
		date,
	).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("storage: daily cost: %w", err)
	}
	return cost, nil
}

// AddUsage atomically records one call against the (date, tier) ledger row.
//
// The upsert's conditional WHERE enforces the per-tier call limit: two
// concurrent requests racing for the last slot serialize on the row and
// only one passes. The cost limit is re-checked inside the same
// transaction after the increment; on violation the transaction rolls
// back and ErrBudgetExceeded is returned, leaving the ledger untouched.
func (db *DB) AddUsage(ctx context.Context, date time.Time, tier model.Tier, inputTokens, outputTokens int64, costUSD float64, callLimit int64, costLimitUSD float64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin usage tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all usage recording for the day. The per-tier upsert alone
	// cannot guard the cross-tier cost sum: two transactions touching
	// different tier rows would each pass a snapshot-read re-check.
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('api_usage:' || $1::date::text))`, date,
	); err != nil {
		return fmt.Errorf("storage: lock usage day: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO api_usage (usage_date, tier, call_count, input_tokens, output_tokens, estimated_cost_usd)
		 VALUES ($1, $2, 1, $3, $4, $5)
		 ON CONFLICT (usage_date, tier) DO UPDATE SET
		     call_count         = api_usage.call_count + 1,
		     input_tokens       = api_usage.input_tokens + EXCLUDED.input_tokens,
		     output_tokens      = api_usage.output_tokens + EXCLUDED.output_tokens,
		     estimated_cost_usd = api_usage.estimated_cost_usd + EXCLUDED.estimated_cost_usd
		 WHERE api_usage.call_count < $6`,
		date, tier, inputTokens, outputTokens, costUSD, callLimit,
	)
	if err != nil {
		return fmt.Errorf("storage: add usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBudgetExceeded
	}

	var totalCost float64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM api_usage WHERE usage_date = $1`,
		date,
	).Scan(&totalCost); err != nil {
		return fmt.Errorf("storage: re-check daily cost: %w", err)
	}
	if totalCost > costLimitUSD {
		return ErrBudgetExceeded
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit usage: %w", err)
	}
	return nil
}
