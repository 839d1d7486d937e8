package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// ProcessingStatus tracks an item through the pipeline.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusClassified ProcessingStatus = "CLASSIFIED"
	StatusNoise      ProcessingStatus = "NOISE"
	StatusError      ProcessingStatus = "ERROR"
)

// Valid reports whether s is a known processing status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusClassified, StatusNoise, StatusError:
		return true
	}
	return false
}

// RawItem is one collected piece of content before and after
// classification.
type RawItem struct {
	ID       uuid.UUID `json:"id"`
	SourceID uuid.UUID `json:"source_id"`

	// ExternalID is the upstream identifier (RSS guid, API id) when the
	// source provides one; the strongest dedup key.
	ExternalID *string `json:"external_id,omitempty"`
	// URL is stored in normalized form.
	URL   *string `json:"url,omitempty"`
	Title *string `json:"title,omitempty"`

	RawContent string `json:"raw_content"`
	// ContentHash is the SHA-256 hex of the normalized content.
	ContentHash string `json:"content_hash"`

	FetchedAt   time.Time  `json:"fetched_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	// Language is the ISO 639-1 code, "en" when undetected.
	Language string `json:"language"`

	Embedding            *pgvector.Vector `json:"-"`
	EmbeddingModel       *string          `json:"embedding_model,omitempty"`
	EmbeddingGeneratedAt *time.Time       `json:"embedding_generated_at,omitempty"`

	ProcessingStatus ProcessingStatus `json:"processing_status"`
	ErrorMessage     *string          `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
