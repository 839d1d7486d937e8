package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

const outcomeColumns = `id, trend_id, prediction_date, predicted_probability, probability_band,
	outcome, brier_score, outcome_notes, recorded_by, created_at`

// InsertOutcome records a predicted-vs-actual outcome row.
func (db *DB) InsertOutcome(ctx context.Context, o model.TrendOutcome) (model.TrendOutcome, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO trend_outcomes (id, trend_id, prediction_date, predicted_probability,
		 probability_band, outcome, brier_score, outcome_notes, recorded_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		o.ID, o.TrendID, o.PredictionDate, o.PredictedProbability,
		o.ProbabilityBand, o.Outcome, o.BrierScore, o.OutcomeNotes, o.RecordedBy, o.CreatedAt,
	)
	if err != nil {
		return model.TrendOutcome{}, fmt.Errorf("storage: insert outcome: %w", err)
	}
	return o, nil
}

// ListOutcomes returns a trend's outcomes inside [from, to], ascending by
// prediction date. Zero times disable the respective bound. Empty trendID
// returns outcomes across all trends.
func (db *DB) ListOutcomes(ctx context.Context, trendID string, from, to time.Time) ([]model.TrendOutcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM trend_outcomes
		 WHERE ($1 = '' OR trend_id = $1)
		 AND ($2::timestamptz IS NULL OR prediction_date >= $2)
		 AND ($3::timestamptz IS NULL OR prediction_date <= $3)
		 ORDER BY prediction_date`,
		trendID, nullableTime(from), nullableTime(to),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outcomes: %w", err)
	}
	defer rows.Close()

	var out []model.TrendOutcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOutcome(row pgx.Row) (model.TrendOutcome, error) {
	var o model.TrendOutcome
	err := row.Scan(
		&o.ID, &o.TrendID, &o.PredictionDate, &o.PredictedProbability, &o.ProbabilityBand,
		&o.Outcome, &o.BrierScore, &o.OutcomeNotes, &o.RecordedBy, &o.CreatedAt,
	)
	return o, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
