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

const sourceColumns = `id, name, type, url, credibility_score, source_tier, reporting_type,
	active, last_fetched_at, ingestion_window_end_at, error_count, last_error, config, created_at`

// CreateSource inserts a source and returns it.
func (db *DB) CreateSource(ctx context.Context, s model.Source) (model.Source, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO sources (id, name, type, url, credibility_score, source_tier, reporting_type,
		 active, last_fetched_at, ingestion_window_end_at, error_count, last_error, config, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.Name, s.Type, s.URL, s.CredibilityScore, s.Tier, s.ReportingType,
		s.Active, s.LastFetchedAt, s.IngestionWindowEndAt, s.ErrorCount, s.LastError, s.Config, s.CreatedAt,
	)
	if err != nil {
		return model.Source{}, fmt.Errorf("storage: create source: %w", err)
	}
	return s, nil
}

// GetSource retrieves a source by ID.
func (db *DB) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Source{}, ErrNotFound
		}
		return model.Source{}, fmt.Errorf("storage: get source: %w", err)
	}
	return s, nil
}

// ListActiveSources returns all active sources ordered by name.
func (db *DB) ListActiveSources(ctx context.Context) ([]model.Source, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+sourceColumns+` FROM sources WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("storage: list active sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AdvanceSourceWatermark records a successful collection window: it moves
// ingestion_window_end_at forward, stamps last_fetched_at, and resets the
// error counter.
func (db *DB) AdvanceSourceWatermark(ctx context.Context, id uuid.UUID, windowEnd time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE sources SET ingestion_window_end_at = $2, last_fetched_at = now(),
		 error_count = 0, last_error = NULL WHERE id = $1`,
		id, windowEnd,
	)
	if err != nil {
		return fmt.Errorf("storage: advance source watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSourceError increments a source's error counter and stores the
// last error message. Used for transient collector failures.
func (db *DB) RecordSourceError(ctx context.Context, id uuid.UUID, msg string) error {
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE sources SET error_count = error_count + 1, last_error = $2 WHERE id = $1`,
		id, msg,
	)
	if err != nil {
		return fmt.Errorf("storage: record source error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// StaleSources returns active sources not fetched since the cutoff
// (or never fetched). The freshness checker alerts on these.
func (db *DB) StaleSources(ctx context.Context, cutoff time.Time) ([]model.Source, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+sourceColumns+` FROM sources
		 WHERE active AND (last_fetched_at IS NULL OR last_fetched_at < $1)
		 ORDER BY last_fetched_at NULLS FIRST`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: stale sources: %w", err)
	}
	defer rows.Close()

	var out []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan source: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSource(row pgx.Row) (model.Source, error) {
	var s model.Source
	err := row.Scan(
		&s.ID, &s.Name, &s.Type, &s.URL, &s.CredibilityScore, &s.Tier, &s.ReportingType,
		&s.Active, &s.LastFetchedAt, &s.IngestionWindowEndAt, &s.ErrorCount, &s.LastError,
		&s.Config, &s.CreatedAt,
	)
	return s, err
}
