package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

const evidenceColumns = `id, trend_id, event_id, signal_type, delta_log_odds, factors, reasoning,
	is_invalidated, invalidated_at, invalidation_feedback_id, created_at`

// InsertEvidenceTx writes a trend evidence row inside tx, alongside the
// log-odds update it belongs to.
func (db *DB) InsertEvidenceTx(ctx context.Context, tx pgx.Tx, ev model.TrendEvidence) (model.TrendEvidence, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO trend_evidence (id, trend_id, event_id, signal_type, delta_log_odds,
		 factors, reasoning, is_invalidated, invalidated_at, invalidation_feedback_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.ID, ev.TrendID, ev.EventID, ev.SignalType, ev.DeltaLogOdds,
		ev.Factors, ev.Reasoning, ev.IsInvalidated, ev.InvalidatedAt, ev.InvalidationFeedbackID, ev.CreatedAt,
	)
	if err != nil {
		return model.TrendEvidence{}, fmt.Errorf("storage: insert evidence: %w", err)
	}
	return ev, nil
}

// CountEvidenceForPair counts evidence rows for a (trend, event) pair,
// invalidated or not. Novelty decays by this ordinal.
func (db *DB) CountEvidenceForPair(ctx context.Context, trendID string, eventID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trend_evidence WHERE trend_id = $1 AND event_id = $2`,
		trendID, eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count evidence for pair: %w", err)
	}
	return n, nil
}

// ActiveEvidenceForEventTx returns and locks the not-yet-invalidated
// evidence rows of an event inside tx, ordered by trend for deterministic
// lock acquisition during invalidation.
func (db *DB) ActiveEvidenceForEventTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) ([]model.TrendEvidence, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+evidenceColumns+` FROM trend_evidence
		 WHERE event_id = $1 AND NOT is_invalidated
		 ORDER BY trend_id, created_at
		 FOR UPDATE`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active evidence for event: %w", err)
	}
	defer rows.Close()

	var out []model.TrendEvidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// InvalidateEvidenceTx flags evidence rows as invalidated inside tx.
func (db *DB) InvalidateEvidenceTx(ctx context.Context, tx pgx.Tx, ids []uuid.UUID, feedbackID uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE trend_evidence SET is_invalidated = TRUE, invalidated_at = $2, invalidation_feedback_id = $3
		 WHERE id = ANY($1)`,
		ids, at, feedbackID,
	)
	if err != nil {
		return fmt.Errorf("storage: invalidate evidence: %w", err)
	}
	return nil
}

// ListEvidence returns a trend's evidence rows, newest first.
func (db *DB) ListEvidence(ctx context.Context, trendID string, limit int) ([]model.TrendEvidence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+evidenceColumns+` FROM trend_evidence
		 WHERE trend_id = $1 ORDER BY created_at DESC LIMIT $2`,
		trendID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.TrendEvidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvidence(row pgx.Row) (model.TrendEvidence, error) {
	var ev model.TrendEvidence
	err := row.Scan(
		&ev.ID, &ev.TrendID, &ev.EventID, &ev.SignalType, &ev.DeltaLogOdds, &ev.Factors, &ev.Reasoning,
		&ev.IsInvalidated, &ev.InvalidatedAt, &ev.InvalidationFeedbackID, &ev.CreatedAt,
	)
	return ev, err
}
