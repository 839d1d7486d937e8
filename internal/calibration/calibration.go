// Package calibration scores predictions against recorded outcomes:
// Brier scores per outcome, reliability buckets per report, and drift
// alerts when the system's probabilities stop matching reality.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/storage"
	"github.com/horadus-ai/horadus/internal/trend"
)

// ErrInvalidOutcome rejects outcome kinds outside the known set.
var ErrInvalidOutcome = errors.New("calibration: invalid outcome")

const reliabilityBuckets = 10

// confidenceFlagThreshold is the mean signed error beyond which the
// report flags systematic over/underconfidence.
const confidenceFlagThreshold = 0.05

// Service records outcomes and computes calibration reports.
type Service struct {
	db     *storage.DB
	engine *trend.Engine
	logger *slog.Logger
	now    func() time.Time
}

// New creates a calibration service.
func New(db *storage.DB, engine *trend.Engine, logger *slog.Logger) *Service {
	return &Service{db: db, engine: engine, logger: logger, now: time.Now}
}

// ProbabilityBand maps a probability to its risk band.
func ProbabilityBand(p float64) string {
	switch {
	case p < 0.10:
		return "low"
	case p < 0.25:
		return "guarded"
	case p < 0.50:
		return "elevated"
	case p < 0.75:
		return "high"
	default:
		return "severe"
	}
}

// BrierScore returns (p − a)² for scorable outcomes, nil for ONGOING.
func BrierScore(p float64, outcome model.OutcomeKind) *float64 {
	var actual float64
	switch outcome {
	case model.OutcomeOccurred:
		actual = 1
	case model.OutcomeDidNotOccur:
		actual = 0
	case model.OutcomePartial:
		actual = 0.5
	default:
		return nil
	}
	score := (p - actual) * (p - actual)
	return &score
}

// RecordOutcome persists how a prediction resolved. The predicted
// probability comes from the newest snapshot at or before outcomeDate,
// falling back to the trend's baseline when no snapshot is that old.
func (s *Service) RecordOutcome(ctx context.Context, trendID string, outcomeDate time.Time, outcome model.OutcomeKind, notes, recordedBy string) (model.TrendOutcome, error) {
	if !outcome.Valid() {
		return model.TrendOutcome{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	tr, err := s.db.GetTrend(ctx, trendID)
	if err != nil {
		return model.TrendOutcome{}, fmt.Errorf("calibration: record outcome: %w", err)
	}

	logOdds := tr.BaselineLogOdds
	snap, err := s.db.LatestSnapshotAtOrBefore(ctx, trendID, outcomeDate)
	switch {
	case err == nil:
		logOdds = snap.LogOdds
	case errors.Is(err, storage.ErrNotFound):
		// Predates the first snapshot; score against the baseline.
	default:
		return model.TrendOutcome{}, fmt.Errorf("calibration: record outcome: %w", err)
	}

	p := s.engine.Probability(logOdds)
	rec := model.TrendOutcome{
		TrendID:              trendID,
		PredictionDate:       outcomeDate.UTC(),
		PredictedProbability: p,
		ProbabilityBand:      ProbabilityBand(p),
		Outcome:              outcome,
		BrierScore:           BrierScore(p, outcome),
		OutcomeNotes:         notes,
		RecordedBy:           recordedBy,
	}

	stored, err := s.db.InsertOutcome(ctx, rec)
	if err != nil {
		return model.TrendOutcome{}, err
	}
	s.logger.Info("recorded trend outcome",
		"trend_id", trendID, "outcome", outcome, "predicted", p, "band", rec.ProbabilityBand)
	return stored, nil
}

// Bucket is one reliability bin of the calibration report.
type Bucket struct {
	// Lower and Upper bound the predicted-probability bin [Lower, Upper).
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Count int     `json:"count"`
	// ActualRate is the observed outcome frequency in the bin.
	ActualRate float64 `json:"actual_rate"`
	// ExpectedRate is the bin midpoint.
	ExpectedRate float64 `json:"expected_rate"`
	AbsError     float64 `json:"abs_error"`
}

// Report is the calibration summary for a trend (or all trends).
type Report struct {
	TrendID        string    `json:"trend_id,omitempty"`
	From           time.Time `json:"from,omitempty"`
	To             time.Time `json:"to,omitempty"`
	TotalOutcomes  int       `json:"total_outcomes"`
	Resolved       int       `json:"resolved"`
	MeanBrier      float64   `json:"mean_brier"`
	Buckets        []Bucket  `json:"buckets"`
	Overconfident  bool      `json:"overconfident"`
	Underconfident bool      `json:"underconfident"`
	// MeanSignedError is mean(predicted − actual) over resolved outcomes.
	MeanSignedError float64 `json:"mean_signed_error"`
}

// GetReport computes the calibration report. Empty trendID spans all
// trends; zero times disable the date bounds.
func (s *Service) GetReport(ctx context.Context, trendID string, from, to time.Time) (Report, error) {
	outcomes, err := s.db.ListOutcomes(ctx, trendID, from, to)
	if err != nil {
		return Report{}, fmt.Errorf("calibration: report: %w", err)
	}
	return buildReport(trendID, from, to, outcomes), nil
}

func buildReport(trendID string, from, to time.Time, outcomes []model.TrendOutcome) Report {
	report := Report{
		TrendID:       trendID,
		From:          from,
		To:            to,
		TotalOutcomes: len(outcomes),
		Buckets:       make([]Bucket, reliabilityBuckets),
	}
	for i := range report.Buckets {
		report.Buckets[i].Lower = float64(i) / reliabilityBuckets
		report.Buckets[i].Upper = float64(i+1) / reliabilityBuckets
		report.Buckets[i].ExpectedRate = (report.Buckets[i].Lower + report.Buckets[i].Upper) / 2
	}

	actualSums := make([]float64, reliabilityBuckets)
	var brierSum, signedErrSum float64
	for _, o := range outcomes {
		actual, scorable := actualValue(o.Outcome)
		if !scorable {
			continue
		}
		report.Resolved++
		if o.BrierScore != nil {
			brierSum += *o.BrierScore
		} else {
			brierSum += (o.PredictedProbability - actual) * (o.PredictedProbability - actual)
		}
		signedErrSum += o.PredictedProbability - actual

		idx := bucketIndex(o.PredictedProbability)
		report.Buckets[idx].Count++
		actualSums[idx] += actual
	}

	if report.Resolved > 0 {
		report.MeanBrier = brierSum / float64(report.Resolved)
		report.MeanSignedError = signedErrSum / float64(report.Resolved)
		report.Overconfident = report.MeanSignedError > confidenceFlagThreshold
		report.Underconfident = report.MeanSignedError < -confidenceFlagThreshold
	}
	for i := range report.Buckets {
		b := &report.Buckets[i]
		if b.Count > 0 {
			b.ActualRate = actualSums[i] / float64(b.Count)
			b.AbsError = math.Abs(b.ActualRate - b.ExpectedRate)
		}
	}
	return report
}

func actualValue(outcome model.OutcomeKind) (float64, bool) {
	switch outcome {
	case model.OutcomeOccurred:
		return 1, true
	case model.OutcomeDidNotOccur:
		return 0, true
	case model.OutcomePartial:
		return 0.5, true
	default:
		return 0, false
	}
}

func bucketIndex(p float64) int {
	idx := int(p * reliabilityBuckets)
	if idx >= reliabilityBuckets {
		idx = reliabilityBuckets - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
