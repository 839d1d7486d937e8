package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/horadus-ai/horadus/internal/model"
)

const itemColumns = `id, source_id, external_id, url, title, raw_content, content_hash,
	fetched_at, published_at, language, embedding, embedding_model, embedding_generated_at,
	processing_status, error_message, created_at`

// CreateRawItem inserts a raw item and returns it.
func (db *DB) CreateRawItem(ctx context.Context, it model.RawItem) (model.RawItem, error) {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	now := time.Now().UTC()
	if it.FetchedAt.IsZero() {
		it.FetchedAt = now
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.ProcessingStatus == "" {
		it.ProcessingStatus = model.StatusPending
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO raw_items (id, source_id, external_id, url, title, raw_content, content_hash,
		 fetched_at, published_at, language, embedding, embedding_model, embedding_generated_at,
		 processing_status, error_message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		it.ID, it.SourceID, it.ExternalID, it.URL, it.Title, it.RawContent, it.ContentHash,
		it.FetchedAt, it.PublishedAt, it.Language, it.Embedding, it.EmbeddingModel, it.EmbeddingGeneratedAt,
		it.ProcessingStatus, it.ErrorMessage, it.CreatedAt,
	)
	if err != nil {
		return model.RawItem{}, fmt.Errorf("storage: create raw item: %w", err)
	}
	return it, nil
}

// GetRawItem retrieves a raw item by ID.
func (db *DB) GetRawItem(ctx context.Context, id uuid.UUID) (model.RawItem, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM raw_items WHERE id = $1`, id)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RawItem{}, ErrNotFound
		}
		return model.RawItem{}, fmt.Errorf("storage: get raw item: %w", err)
	}
	return it, nil
}

// AcquirePendingItems flips up to limit PENDING items to PROCESSING and
// returns them. FOR UPDATE SKIP LOCKED gives each concurrent worker a
// disjoint set; error_message is cleared on acquisition.
func (db *DB) AcquirePendingItems(ctx context.Context, limit int) ([]model.RawItem, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE raw_items SET processing_status = 'PROCESSING', error_message = NULL,
		 processing_started_at = now()
		 WHERE id IN (
		     SELECT id FROM raw_items
		     WHERE processing_status = 'PENDING'
		     ORDER BY fetched_at
		     LIMIT $1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+itemColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire pending items: %w", err)
	}
	defer rows.Close()

	var out []model.RawItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan raw item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// SetItemStatus sets the processing status and error message of an item.
// Messages are truncated to 1000 characters.
func (db *DB) SetItemStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus, errMsg *string) error {
	if errMsg != nil && len(*errMsg) > 1000 {
		truncated := (*errMsg)[:1000]
		errMsg = &truncated
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE raw_items SET processing_status = $2, error_message = $3 WHERE id = $1`,
		id, status, errMsg,
	)
	if err != nil {
		return fmt.Errorf("storage: set item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetItemEmbedding persists an item's embedding with its model lineage.
func (db *DB) SetItemEmbedding(ctx context.Context, id uuid.UUID, vec pgvector.Vector, embeddingModel string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE raw_items SET embedding = $2, embedding_model = $3, embedding_generated_at = $4 WHERE id = $1`,
		id, vec, embeddingModel, at,
	)
	if err != nil {
		return fmt.Errorf("storage: set item embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReapStaleProcessing resets PROCESSING items acquired before the cutoff
// back to PENDING. Covers workers that died mid-item; live workers are
// unaffected because acquisition commits immediately and the cutoff is
// far beyond any single item's processing time.
func (db *DB) ReapStaleProcessing(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE raw_items SET processing_status = 'PENDING'
		 WHERE processing_status = 'PROCESSING' AND processing_started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: reap stale processing: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountItemsByStatus returns a status → count map for run metrics.
func (db *DB) CountItemsByStatus(ctx context.Context) (map[model.ProcessingStatus]int64, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT processing_status, COUNT(*) FROM raw_items GROUP BY processing_status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count items by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ProcessingStatus]int64)
	for rows.Next() {
		var status model.ProcessingStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("storage: scan status count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

func scanItem(row pgx.Row) (model.RawItem, error) {
	var it model.RawItem
	err := row.Scan(
		&it.ID, &it.SourceID, &it.ExternalID, &it.URL, &it.Title, &it.RawContent, &it.ContentHash,
		&it.FetchedAt, &it.PublishedAt, &it.Language, &it.Embedding, &it.EmbeddingModel, &it.EmbeddingGeneratedAt,
		&it.ProcessingStatus, &it.ErrorMessage, &it.CreatedAt,
	)
	return it, err
}
