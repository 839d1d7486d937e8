package model

import (
	"time"

	"github.com/google/uuid"
)

// Indicator configures how one signal type moves a trend.
type Indicator struct {
	Weight    float64         `json:"weight"`
	Direction ImpactDirection `json:"direction"`
	// DecayHalfLifeDays overrides the trend-level half-life for temporal
	// decay of evidence carrying this signal. Zero means "use trend default".
	DecayHalfLifeDays float64  `json:"decay_half_life_days,omitempty"`
	Keywords          []string `json:"keywords,omitempty"`
}

// Trend is a monitored hypothesis with a log-odds probability state.
// Probabilities are never stored; only log-odds are.
type Trend struct {
	// ID is the stable slug referenced by LLM outputs (e.g. "eu-russia-escalation").
	ID         string               `json:"id"`
	Name       string               `json:"name"`
	Definition map[string]any       `json:"definition"`
	Indicators map[string]Indicator `json:"indicators"` // keyed by signal_type

	BaselineLogOdds float64 `json:"baseline_log_odds"`
	CurrentLogOdds  float64 `json:"current_log_odds"`

	// DecayHalfLifeDays controls both evidence temporal decay (when the
	// indicator has no override) and the periodic pull toward baseline.
	DecayHalfLifeDays float64 `json:"decay_half_life_days"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EvidenceFactors is the multiplicative breakdown behind one evidence delta.
type EvidenceFactors struct {
	BaseWeight     float64 `json:"base_weight"`
	Severity       float64 `json:"severity"`
	Confidence     float64 `json:"confidence"`
	Credibility    float64 `json:"credibility"`
	Corroboration  float64 `json:"corroboration"`
	Novelty        float64 `json:"novelty"`
	EvidenceAgeDays float64 `json:"evidence_age_days"`
	TemporalDecay  float64 `json:"temporal_decay"`
	Direction      ImpactDirection `json:"direction"`
}

// TrendEvidence records one applied evidence delta.
type TrendEvidence struct {
	ID           uuid.UUID       `json:"id"`
	TrendID      string          `json:"trend_id"`
	EventID      uuid.UUID       `json:"event_id"`
	SignalType   string          `json:"signal_type"`
	DeltaLogOdds float64         `json:"delta_log_odds"`
	Factors      EvidenceFactors `json:"factors"`
	Reasoning    string          `json:"reasoning"`
	CreatedAt    time.Time       `json:"created_at"`

	IsInvalidated          bool       `json:"is_invalidated"`
	InvalidatedAt          *time.Time `json:"invalidated_at,omitempty"`
	InvalidationFeedbackID *uuid.UUID `json:"invalidation_feedback_id,omitempty"`
}

// TrendSnapshot is one point of the append-only log-odds time series.
type TrendSnapshot struct {
	TrendID   string    `json:"trend_id"`
	Timestamp time.Time `json:"timestamp"`
	LogOdds   float64   `json:"log_odds"`
}

// OutcomeKind classifies how a prediction resolved.
type OutcomeKind string

const (
	OutcomeOccurred    OutcomeKind = "OCCURRED"
	OutcomeDidNotOccur OutcomeKind = "DID_NOT_OCCUR"
	OutcomePartial     OutcomeKind = "PARTIAL"
	OutcomeOngoing     OutcomeKind = "ONGOING"
)

// Valid reports whether k is a known outcome kind.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeOccurred, OutcomeDidNotOccur, OutcomePartial, OutcomeOngoing:
		return true
	}
	return false
}

// TrendOutcome records predicted-vs-actual for calibration.
type TrendOutcome struct {
	ID                   uuid.UUID   `json:"id"`
	TrendID              string      `json:"trend_id"`
	PredictionDate       time.Time   `json:"prediction_date"`
	PredictedProbability float64     `json:"predicted_probability"`
	ProbabilityBand      string      `json:"probability_band"`
	Outcome              OutcomeKind `json:"outcome"`
	// BrierScore is nil for ONGOING outcomes (not yet scorable).
	BrierScore   *float64  `json:"brier_score,omitempty"`
	OutcomeNotes string    `json:"outcome_notes,omitempty"`
	RecordedBy   string    `json:"recorded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
