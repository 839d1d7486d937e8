// Package model holds the domain types shared across the pipeline:
// sources, raw items, events, trends, evidence, usage, and feedback.
// Types here carry no behavior beyond validation helpers; persistence
// lives in internal/storage.
package model

import (
	"time"

	"github.com/google/uuid"
)

// SourceType names the collector that feeds a source.
type SourceType string

const (
	SourceRSS      SourceType = "rss"
	SourceGDELT    SourceType = "gdelt"
	SourceTelegram SourceType = "telegram"
	SourceAPI      SourceType = "api"
)

// SourceTier ranks outlets by editorial standing. The clusterer maps
// tiers to credibility multipliers.
type SourceTier string

const (
	TierPrimary       SourceTier = "primary"
	TierWire          SourceTier = "wire"
	TierMajor         SourceTier = "major"
	TierRegional      SourceTier = "regional"
	TierAggregatorSrc SourceTier = "aggregator"
)

// ReportingType distinguishes how close a source is to the facts it
// reports.
type ReportingType string

const (
	ReportingFirsthand  ReportingType = "firsthand"
	ReportingSecondary  ReportingType = "secondary"
	ReportingAggregator ReportingType = "aggregator"
)

// Source is a configured upstream feed.
type Source struct {
	ID               uuid.UUID     `json:"id"`
	Name             string        `json:"name"`
	Type             SourceType    `json:"type"`
	URL              string        `json:"url"`
	CredibilityScore float64       `json:"credibility_score"` // [0,1]
	Tier             SourceTier    `json:"source_tier"`
	ReportingType    ReportingType `json:"reporting_type"`
	Active           bool          `json:"active"`

	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	// IngestionWindowEndAt is the collection watermark: the end of the
	// last successfully ingested window. The next window starts here
	// (minus overlap), so restarts never leave gaps.
	IngestionWindowEndAt *time.Time `json:"ingestion_window_end_at,omitempty"`

	ErrorCount int     `json:"error_count"`
	LastError  *string `json:"last_error,omitempty"`

	// Config is collector-specific settings (feed URLs, API params).
	Config map[string]any `json:"config,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
