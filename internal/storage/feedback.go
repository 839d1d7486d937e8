package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

const feedbackColumns = `id, target_type, target_id, action, original_value, corrected_value,
	notes, created_by, created_at`

// InsertFeedback records an analyst intervention.
func (db *DB) InsertFeedback(ctx context.Context, f model.HumanFeedback) (model.HumanFeedback, error) {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO human_feedback (id, target_type, target_id, action, original_value,
		 corrected_value, notes, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		f.ID, f.TargetType, f.TargetID, f.Action, f.OriginalValue,
		f.CorrectedValue, f.Notes, f.CreatedBy, f.CreatedAt,
	)
	if err != nil {
		return model.HumanFeedback{}, fmt.Errorf("storage: insert feedback: %w", err)
	}
	return f, nil
}

// LatestFeedback returns the most recent feedback row for a target, or
// ErrNotFound. Suppression checks consult only the latest action.
func (db *DB) LatestFeedback(ctx context.Context, target model.FeedbackTarget, targetID string) (model.HumanFeedback, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+feedbackColumns+` FROM human_feedback
		 WHERE target_type = $1 AND target_id = $2
		 ORDER BY created_at DESC LIMIT 1`,
		target, targetID,
	)
	f, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.HumanFeedback{}, ErrNotFound
		}
		return model.HumanFeedback{}, fmt.Errorf("storage: latest feedback: %w", err)
	}
	return f, nil
}

// InsertTaxonomyGap audits an unknown trend/signal identifier from an
// LLM response.
func (db *DB) InsertTaxonomyGap(ctx context.Context, g model.TaxonomyGap) (model.TaxonomyGap, error) {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO taxonomy_gaps (id, kind, trend_id, signal_type, event_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.Kind, g.TrendID, g.SignalType, g.EventID, g.CreatedAt,
	)
	if err != nil {
		return model.TaxonomyGap{}, fmt.Errorf("storage: insert taxonomy gap: %w", err)
	}
	return g, nil
}

func scanFeedback(row pgx.Row) (model.HumanFeedback, error) {
	var f model.HumanFeedback
	err := row.Scan(
		&f.ID, &f.TargetType, &f.TargetID, &f.Action, &f.OriginalValue, &f.CorrectedValue,
		&f.Notes, &f.CreatedBy, &f.CreatedAt,
	)
	return f, err
}
