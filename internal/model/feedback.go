package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackTarget is what a piece of human feedback applies to.
type FeedbackTarget string

const (
	TargetEvent FeedbackTarget = "event"
	TargetTrend FeedbackTarget = "trend"
)

// FeedbackAction enumerates the declared analyst interventions.
type FeedbackAction string

const (
	ActionPin           FeedbackAction = "pin"
	ActionMarkNoise     FeedbackAction = "mark_noise"
	ActionInvalidate    FeedbackAction = "invalidate"
	ActionOverrideDelta FeedbackAction = "override_delta"
)

// Valid reports whether a is a known feedback action.
func (a FeedbackAction) Valid() bool {
	switch a {
	case ActionPin, ActionMarkNoise, ActionInvalidate, ActionOverrideDelta:
		return true
	}
	return false
}

// Suppresses reports whether this action puts the target event on hold:
// the clusterer skips merges and the pipeline skips classification for
// events whose latest feedback suppresses them.
func (a FeedbackAction) Suppresses() bool {
	return a == ActionMarkNoise || a == ActionInvalidate
}

// HumanFeedback is an analyst intervention on an event or trend.
type HumanFeedback struct {
	ID             uuid.UUID      `json:"id"`
	TargetType     FeedbackTarget `json:"target_type"`
	TargetID       string         `json:"target_id"`
	Action         FeedbackAction `json:"action"`
	OriginalValue  *float64       `json:"original_value,omitempty"`
	CorrectedValue *float64       `json:"corrected_value,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	CreatedBy      string         `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// GapKind classifies a taxonomy gap.
type GapKind string

const (
	GapUnknownTrendID    GapKind = "UNKNOWN_TREND_ID"
	GapUnknownSignalType GapKind = "UNKNOWN_SIGNAL_TYPE"
)

// TaxonomyGap audits an LLM output that referenced an identifier missing
// from the active trend configuration. Curators review these to grow the
// taxonomy; the pipeline skips the impact.
type TaxonomyGap struct {
	ID         uuid.UUID  `json:"id"`
	Kind       GapKind    `json:"kind"`
	TrendID    string     `json:"trend_id"`
	SignalType string     `json:"signal_type,omitempty"`
	EventID    *uuid.UUID `json:"event_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
