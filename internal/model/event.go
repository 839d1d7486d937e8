package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// LifecycleStatus is the event state machine.
//
//	EMERGING  → CONFIRMED  (unique_source_count ≥ 3)
//	CONFIRMED → FADING     (no mention for 48h)
//	FADING    → ARCHIVED   (no mention for 7d)
//	FADING/ARCHIVED → CONFIRMED on a new mention (revival)
type LifecycleStatus string

const (
	LifecycleEmerging  LifecycleStatus = "EMERGING"
	LifecycleConfirmed LifecycleStatus = "CONFIRMED"
	LifecycleFading    LifecycleStatus = "FADING"
	LifecycleArchived  LifecycleStatus = "ARCHIVED"
)

// ExtractedClaims is the structured tier-2 output persisted on an event.
type ExtractedClaims struct {
	Claims       []string      `json:"claims"`
	TrendImpacts []TrendImpact `json:"trend_impacts"`
}

// ImpactDirection states which way a signal pushes a trend's log-odds.
type ImpactDirection string

const (
	DirectionEscalatory   ImpactDirection = "escalatory"
	DirectionDeEscalatory ImpactDirection = "de_escalatory"
)

// Valid reports whether d is a known direction.
func (d ImpactDirection) Valid() bool {
	return d == DirectionEscalatory || d == DirectionDeEscalatory
}

// TrendImpact is one tier-2-declared effect of an event on a trend.
type TrendImpact struct {
	TrendID    string          `json:"trend_id"`
	SignalType string          `json:"signal_type"`
	Direction  ImpactDirection `json:"direction"`
	Severity   float64         `json:"severity"`   // [0,1]
	Confidence float64         `json:"confidence"` // [0,1]
	Rationale  string          `json:"rationale,omitempty"`
}

// Event is a cluster of raw items describing the same real-world happening.
type Event struct {
	ID               uuid.UUID `json:"id"`
	CanonicalSummary string    `json:"canonical_summary"`

	Embedding            *pgvector.Vector `json:"-"`
	EmbeddingModel       *string          `json:"embedding_model,omitempty"`
	EmbeddingGeneratedAt *time.Time       `json:"embedding_generated_at,omitempty"`

	SourceCount       int `json:"source_count"`        // linked items
	UniqueSourceCount int `json:"unique_source_count"` // distinct source_ids among linked items

	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastMentionAt time.Time  `json:"last_mention_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`

	LifecycleStatus LifecycleStatus `json:"lifecycle_status"`

	// PrimaryItemID is a weak reference to the linked item whose source has
	// the highest effective credibility. Not a foreign key: the item may be
	// retention-deleted without cascading.
	PrimaryItemID *uuid.UUID `json:"primary_item_id,omitempty"`

	ExtractedWho      []string         `json:"extracted_who,omitempty"`
	ExtractedWhat     *string          `json:"extracted_what,omitempty"`
	ExtractedWhere    *string          `json:"extracted_where,omitempty"`
	ExtractedWhen     *time.Time       `json:"extracted_when,omitempty"`
	Categories        []string         `json:"categories,omitempty"`
	ExtractedClaims   *ExtractedClaims `json:"extracted_claims,omitempty"`
	HasContradictions bool             `json:"has_contradictions"`

	CreatedAt time.Time `json:"created_at"`
}

// EventItem links an item to its event. item_id carries a unique
// constraint: an item belongs to at most one event.
type EventItem struct {
	EventID   uuid.UUID `json:"event_id"`
	ItemID    uuid.UUID `json:"item_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EventSourceProfile is the per-linked-item shape the corroboration scorer
// consumes: the linked item's source with its cluster fields.
type EventSourceProfile struct {
	SourceID      uuid.UUID
	Tier          SourceTier
	ReportingType ReportingType
	Credibility   float64
}
