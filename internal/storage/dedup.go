package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Duplicate-candidate lookups for the dedup service. All are bounded to
// items fetched at or after `since`, and exclude the item being re-run
// when exclude is non-nil.

// FindItemByExternalID returns the newest window-bounded item with the
// given external_id, or ErrNotFound.
func (db *DB) FindItemByExternalID(ctx context.Context, externalID string, since time.Time, exclude *uuid.UUID) (uuid.UUID, error) {
	return db.findItemBy(ctx, "external_id", externalID, since, exclude)
}

// FindItemByURL returns the newest window-bounded item with the given
// (normalized) URL, or ErrNotFound.
func (db *DB) FindItemByURL(ctx context.Context, url string, since time.Time, exclude *uuid.UUID) (uuid.UUID, error) {
	return db.findItemBy(ctx, "url", url, since, exclude)
}

// FindItemByContentHash returns the newest window-bounded item with the
// given content_hash, or ErrNotFound.
func (db *DB) FindItemByContentHash(ctx context.Context, hash string, since time.Time, exclude *uuid.UUID) (uuid.UUID, error) {
	return db.findItemBy(ctx, "content_hash", hash, since, exclude)
}

func (db *DB) findItemBy(ctx context.Context, column, value string, since time.Time, exclude *uuid.UUID) (uuid.UUID, error) {
	// column is one of three compile-time constants above, never user input.
	query := `SELECT id FROM raw_items WHERE ` + column + ` = $1 AND fetched_at >= $2
		 AND ($3::uuid IS NULL OR id <> $3) ORDER BY fetched_at DESC LIMIT 1`
	var id uuid.UUID
	err := db.pool.QueryRow(ctx, query, value, since, exclude).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: find item by %s: %w", column, err)
	}
	return id, nil
}

// NearestItem returns the window-bounded item with the lowest cosine
// distance to vec among items embedded with the same model, along with
// that distance. Ties break on id ascending. Returns ErrNotFound when no
// candidate exists.
func (db *DB) NearestItem(ctx context.Context, vec pgvector.Vector, embeddingModel string, since time.Time, exclude *uuid.UUID) (uuid.UUID, float64, error) {
	var id uuid.UUID
	var distance float64
	err := db.pool.QueryRow(ctx,
		`SELECT id, embedding <=> $1 AS distance FROM raw_items
		 WHERE embedding IS NOT NULL AND embedding_model = $2 AND fetched_at >= $3
		 AND ($4::uuid IS NULL OR id <> $4)
		 ORDER BY distance, id
		 LIMIT 1`,
		vec, embeddingModel, since, exclude,
	).Scan(&id, &distance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, 0, ErrNotFound
		}
		return uuid.Nil, 0, fmt.Errorf("storage: nearest item: %w", err)
	}
	return id, distance, nil
}
