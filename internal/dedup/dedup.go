// Package dedup detects duplicate raw items inside a rolling window.
//
// Checks run in a fixed order — external_id, url, content_hash,
// embedding similarity — and short-circuit on the first hit. All lookups
// are bounded to items fetched within the window, and the item being
// re-processed excludes itself.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/horadus-ai/horadus/internal/storage"
)

// MatchReason names which check found the duplicate.
type MatchReason string

const (
	MatchExternalID  MatchReason = "external_id"
	MatchURL         MatchReason = "url"
	MatchContentHash MatchReason = "content_hash"
	MatchEmbedding   MatchReason = "embedding"
)

// Check describes one candidate item to test for duplication.
type Check struct {
	ExternalID     *string
	URL            *string
	ContentHash    *string
	Embedding      *pgvector.Vector
	EmbeddingModel *string
	// ExcludeItemID excludes the item itself on re-runs.
	ExcludeItemID *uuid.UUID
	// WindowDays overrides the service default when positive.
	WindowDays int
}

// Result is the outcome of a duplicate check.
type Result struct {
	IsDuplicate   bool
	MatchedItemID uuid.UUID
	MatchReason   MatchReason
	// Similarity is set only for embedding matches (1 − cosine distance).
	Similarity float64
}

// Service runs window-bounded duplicate detection against storage.
type Service struct {
	db                  *storage.DB
	logger              *slog.Logger
	windowDays          int
	similarityThreshold float64
	queryMode           QueryMode
}

// New creates a dedup service.
// similarityThreshold is the cosine similarity at or above which two
// embeddings are considered duplicates (default contract: 0.92).
func New(db *storage.DB, logger *slog.Logger, windowDays int, similarityThreshold float64, queryMode QueryMode) *Service {
	if windowDays <= 0 {
		windowDays = 7
	}
	return &Service{
		db:                  db,
		logger:              logger,
		windowDays:          windowDays,
		similarityThreshold: similarityThreshold,
		queryMode:           queryMode,
	}
}

// CheckDuplicate runs the ordered checks and returns the first match.
func (s *Service) CheckDuplicate(ctx context.Context, c Check) (Result, error) {
	days := c.WindowDays
	if days <= 0 {
		days = s.windowDays
	}
	since := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	if c.ExternalID != nil && *c.ExternalID != "" {
		id, err := s.db.FindItemByExternalID(ctx, *c.ExternalID, since, c.ExcludeItemID)
		if err == nil {
			return Result{IsDuplicate: true, MatchedItemID: id, MatchReason: MatchExternalID}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("dedup: external_id check: %w", err)
		}
	}

	if c.URL != nil && *c.URL != "" {
		normalized := NormalizeURL(*c.URL, s.queryMode)
		id, err := s.db.FindItemByURL(ctx, normalized, since, c.ExcludeItemID)
		if err == nil {
			return Result{IsDuplicate: true, MatchedItemID: id, MatchReason: MatchURL}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("dedup: url check: %w", err)
		}
	}

	if c.ContentHash != nil && *c.ContentHash != "" {
		id, err := s.db.FindItemByContentHash(ctx, *c.ContentHash, since, c.ExcludeItemID)
		if err == nil {
			return Result{IsDuplicate: true, MatchedItemID: id, MatchReason: MatchContentHash}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("dedup: content_hash check: %w", err)
		}
	}

	if c.Embedding != nil && c.EmbeddingModel != nil && *c.EmbeddingModel != "" {
		id, distance, err := s.db.NearestItem(ctx, *c.Embedding, *c.EmbeddingModel, since, c.ExcludeItemID)
		if err == nil && distance <= 1-s.similarityThreshold {
			return Result{
				IsDuplicate:   true,
				MatchedItemID: id,
				MatchReason:   MatchEmbedding,
				Similarity:    1 - distance,
			}, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("dedup: embedding check: %w", err)
		}
	}

	return Result{}, nil
}

// NormalizeIncomingURL applies the service's configured query mode.
// Collectors normalize before persisting so that the url column stores
// canonical values and the url check is an exact index lookup.
func (s *Service) NormalizeIncomingURL(raw string) string {
	return NormalizeURL(raw, s.queryMode)
}
