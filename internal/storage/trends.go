package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

const trendColumns = `id, name, definition, indicators, baseline_log_odds, current_log_odds,
	decay_half_life_days, is_active, created_at, updated_at`

// CreateTrend inserts a trend and returns it.
func (db *DB) CreateTrend(ctx context.Context, t model.Trend) (model.Trend, error) {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Definition == nil {
		t.Definition = map[string]any{}
	}
	if t.Indicators == nil {
		t.Indicators = map[string]model.Indicator{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO trends (id, name, definition, indicators, baseline_log_odds, current_log_odds,
		 decay_half_life_days, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Name, t.Definition, t.Indicators, t.BaselineLogOdds, t.CurrentLogOdds,
		t.DecayHalfLifeDays, t.IsActive, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Trend{}, fmt.Errorf("storage: create trend: %w", err)
	}
	return t, nil
}

// GetTrend retrieves a trend by ID.
func (db *DB) GetTrend(ctx context.Context, id string) (model.Trend, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+trendColumns+` FROM trends WHERE id = $1`, id)
	t, err := scanTrend(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trend{}, ErrNotFound
		}
		return model.Trend{}, fmt.Errorf("storage: get trend: %w", err)
	}
	return t, nil
}

// ListActiveTrends returns all active trends ordered by ID.
func (db *DB) ListActiveTrends(ctx context.Context) ([]model.Trend, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+trendColumns+` FROM trends WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active trends: %w", err)
	}
	defer rows.Close()

	var out []model.Trend
	for rows.Next() {
		t, err := scanTrend(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trend: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTrendForUpdate locks and retrieves a trend row inside tx.
// All log-odds mutation (evidence, decay, invalidation) happens under
// this lock so concurrent deltas compose additively.
func (db *DB) GetTrendForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Trend, error) {
	row := tx.QueryRow(ctx, `SELECT `+trendColumns+` FROM trends WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTrend(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Trend{}, ErrNotFound
		}
		return model.Trend{}, fmt.Errorf("storage: get trend for update: %w", err)
	}
	return t, nil
}

// SetTrendLogOddsTx writes a trend's current log-odds inside tx.
func (db *DB) SetTrendLogOddsTx(ctx context.Context, tx pgx.Tx, id string, logOdds float64, updatedAt time.Time) error {
	tag, err := tx.Exec(ctx,
		`UPDATE trends SET current_log_odds = $2, updated_at = $3 WHERE id = $1`,
		id, logOdds, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: set trend log-odds: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTrend replaces a trend's definition fields (not its log-odds state).
func (db *DB) UpdateTrend(ctx context.Context, t model.Trend) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE trends SET name = $2, definition = $3, indicators = $4,
		 baseline_log_odds = $5, decay_half_life_days = $6, is_active = $7
		 WHERE id = $1`,
		t.ID, t.Name, t.Definition, t.Indicators,
		t.BaselineLogOdds, t.DecayHalfLifeDays, t.IsActive,
	)
	if err != nil {
		return fmt.Errorf("storage: update trend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTrend(row pgx.Row) (model.Trend, error) {
	var t model.Trend
	err := row.Scan(
		&t.ID, &t.Name, &t.Definition, &t.Indicators, &t.BaselineLogOdds, &t.CurrentLogOdds,
		&t.DecayHalfLifeDays, &t.IsActive, &t.CreatedAt, &t.UpdatedAt,
	)
	return t, err
}
