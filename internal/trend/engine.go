package trend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/storage"
)

// Config bounds the engine's numeric behavior.
type Config struct {
	// MaxDeltaPerEvent clamps any single evidence delta.
	MaxDeltaPerEvent float64
	// MinProbability and MaxProbability clamp exposed probabilities.
	MinProbability float64
	MaxProbability float64
	// DefaultHalfLifeDays applies when neither the indicator nor the
	// trend declares one.
	DefaultHalfLifeDays float64
}

// Engine mutates trend log-odds state.
type Engine struct {
	db     *storage.DB
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a trend engine.
func New(db *storage.DB, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxDeltaPerEvent <= 0 {
		cfg.MaxDeltaPerEvent = 0.5
	}
	if cfg.MinProbability <= 0 {
		cfg.MinProbability = 0.001
	}
	if cfg.MaxProbability <= 0 || cfg.MaxProbability >= 1 {
		cfg.MaxProbability = 0.999
	}
	if cfg.DefaultHalfLifeDays <= 0 {
		cfg.DefaultHalfLifeDays = 30
	}
	return &Engine{db: db, logger: logger, cfg: cfg, now: time.Now}
}

// Probability converts log-odds to the exposed clamped probability.
func (e *Engine) Probability(logOdds float64) float64 {
	return clamp(Sigmoid(logOdds), e.cfg.MinProbability, e.cfg.MaxProbability)
}

// ComputeDelta multiplies the factor chain into a signed, clamped
// log-odds delta. Factors must already carry TemporalDecay.
func (e *Engine) ComputeDelta(f model.EvidenceFactors) float64 {
	raw := f.BaseWeight * f.Severity * f.Confidence * f.Credibility * f.Corroboration * f.Novelty * f.TemporalDecay
	if f.Direction == model.DirectionDeEscalatory {
		raw = -raw
	}
	return clamp(raw, -e.cfg.MaxDeltaPerEvent, e.cfg.MaxDeltaPerEvent)
}

// Update reports one applied evidence delta.
type Update struct {
	TrendID             string
	PreviousProbability float64
	NewProbability      float64
	DeltaApplied        float64
	Direction           model.ImpactDirection
}

// ApplyEvidence applies one evidence delta to a trend inside a single
// transaction: the trend row is locked, temporal decay is resolved
// against the indicator (falling back to the trend, then the default),
// the evidence row is written with its factor breakdown, and the
// log-odds move.
func (e *Engine) ApplyEvidence(ctx context.Context, trendID string, eventID uuid.UUID, signalType string, f model.EvidenceFactors, reasoning string) (Update, error) {
	var update Update
	err := storage.RetryTx(ctx, func() error {
		var err error
		update, err = e.applyEvidenceOnce(ctx, trendID, eventID, signalType, f, reasoning)
		return err
	})
	return update, err
}

func (e *Engine) applyEvidenceOnce(ctx context.Context, trendID string, eventID uuid.UUID, signalType string, f model.EvidenceFactors, reasoning string) (Update, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return Update{}, fmt.Errorf("trend: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tr, err := e.db.GetTrendForUpdate(ctx, tx, trendID)
	if err != nil {
		return Update{}, err
	}

	halfLife := tr.DecayHalfLifeDays
	if ind, ok := tr.Indicators[signalType]; ok && ind.DecayHalfLifeDays > 0 {
		halfLife = ind.DecayHalfLifeDays
	}
	if halfLife <= 0 {
		halfLife = e.cfg.DefaultHalfLifeDays
	}
	f.TemporalDecay = TemporalDecay(f.EvidenceAgeDays, halfLife)

	delta := e.ComputeDelta(f)
	now := e.now().UTC()
	newLogOdds := tr.CurrentLogOdds + delta

	if err := e.db.SetTrendLogOddsTx(ctx, tx, trendID, newLogOdds, now); err != nil {
		return Update{}, err
	}
	if _, err := e.db.InsertEvidenceTx(ctx, tx, model.TrendEvidence{
		TrendID:      trendID,
		EventID:      eventID,
		SignalType:   signalType,
		DeltaLogOdds: delta,
		Factors:      f,
		Reasoning:    reasoning,
		CreatedAt:    now,
	}); err != nil {
		return Update{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Update{}, fmt.Errorf("trend: commit: %w", err)
	}

	update := Update{
		TrendID:             trendID,
		PreviousProbability: e.Probability(tr.CurrentLogOdds),
		NewProbability:      e.Probability(newLogOdds),
		DeltaApplied:        delta,
		Direction:           f.Direction,
	}
	e.logger.Info("applied trend evidence",
		"trend_id", trendID, "event_id", eventID, "signal_type", signalType,
		"delta", delta, "probability", update.NewProbability)
	return update, nil
}

// ApplyDecay pulls every active trend toward its baseline by the
// half-life factor for the time elapsed since its last update. The row
// lock serializes decay against concurrent evidence, so both effects
// compose instead of overwriting each other.
func (e *Engine) ApplyDecay(ctx context.Context) (int, error) {
	trends, err := e.db.ListActiveTrends(ctx)
	if err != nil {
		return 0, fmt.Errorf("trend: decay: %w", err)
	}

	decayed := 0
	for _, tr := range trends {
		changed, err := e.decayOne(ctx, tr.ID)
		if err != nil {
			return decayed, err
		}
		if changed {
			decayed++
		}
	}
	return decayed, nil
}

func (e *Engine) decayOne(ctx context.Context, trendID string) (bool, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("trend: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-read under the lock: updated_at may have moved since the list.
	tr, err := e.db.GetTrendForUpdate(ctx, tx, trendID)
	if err != nil {
		return false, err
	}

	now := e.now().UTC()
	days := now.Sub(tr.UpdatedAt).Hours() / 24
	if days <= 0 {
		return false, nil
	}
	halfLife := tr.DecayHalfLifeDays
	if halfLife <= 0 {
		halfLife = e.cfg.DefaultHalfLifeDays
	}

	newLogOdds := DecayTowardBaseline(tr.CurrentLogOdds, tr.BaselineLogOdds, days, halfLife)
	if newLogOdds == tr.CurrentLogOdds {
		return false, nil
	}

	if err := e.db.SetTrendLogOddsTx(ctx, tx, trendID, newLogOdds, now); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("trend: commit: %w", err)
	}

	e.logger.Info("decayed trend toward baseline",
		"trend_id", trendID, "from", tr.CurrentLogOdds, "to", newLogOdds, "elapsed_days", days)
	return true, nil
}

// DecayTowardBaseline shrinks the displacement from baseline by the
// half-life factor for the elapsed time.
func DecayTowardBaseline(current, baseline, elapsedDays, halfLifeDays float64) float64 {
	return baseline + (current-baseline)*TemporalDecay(elapsedDays, halfLifeDays)
}

// SnapshotAll appends one time-series point per active trend.
func (e *Engine) SnapshotAll(ctx context.Context) (int, error) {
	trends, err := e.db.ListActiveTrends(ctx)
	if err != nil {
		return 0, fmt.Errorf("trend: snapshot: %w", err)
	}

	now := e.now().UTC()
	for _, tr := range trends {
		if err := e.db.InsertSnapshot(ctx, model.TrendSnapshot{
			TrendID:   tr.ID,
			Timestamp: now,
			LogOdds:   tr.CurrentLogOdds,
		}); err != nil {
			return 0, err
		}
	}
	return len(trends), nil
}

// InvalidateEventEvidence reverses all not-yet-invalidated evidence of
// an event: per affected trend, the sum of its deltas is subtracted
// from current log-odds, and the evidence rows are flagged with the
// feedback that triggered the reversal. Returns reversed delta per trend.
func (e *Engine) InvalidateEventEvidence(ctx context.Context, eventID, feedbackID uuid.UUID) (map[string]float64, error) {
	// Multiple trend rows get locked here; retry shields against
	// deadlocks with concurrent evidence application.
	var perTrend map[string]float64
	err := storage.RetryTx(ctx, func() error {
		var err error
		perTrend, err = e.invalidateOnce(ctx, eventID, feedbackID)
		return err
	})
	return perTrend, err
}

func (e *Engine) invalidateOnce(ctx context.Context, eventID, feedbackID uuid.UUID) (map[string]float64, error) {
	tx, err := e.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("trend: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	evidence, err := e.db.ActiveEvidenceForEventTx(ctx, tx, eventID)
	if err != nil {
		return nil, err
	}
	if len(evidence) == 0 {
		return map[string]float64{}, tx.Commit(ctx)
	}

	perTrend := make(map[string]float64)
	var ids []uuid.UUID
	for _, ev := range evidence {
		perTrend[ev.TrendID] += ev.DeltaLogOdds
		ids = append(ids, ev.ID)
	}

	// Deterministic trend lock order.
	trendIDs := make([]string, 0, len(perTrend))
	for id := range perTrend {
		trendIDs = append(trendIDs, id)
	}
	sort.Strings(trendIDs)

	now := e.now().UTC()
	for _, trendID := range trendIDs {
		tr, err := e.db.GetTrendForUpdate(ctx, tx, trendID)
		if err != nil {
			return nil, err
		}
		if err := e.db.SetTrendLogOddsTx(ctx, tx, trendID, tr.CurrentLogOdds-perTrend[trendID], now); err != nil {
			return nil, err
		}
	}

	if err := e.db.InvalidateEvidenceTx(ctx, tx, ids, feedbackID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("trend: commit: %w", err)
	}

	e.logger.Info("invalidated event evidence",
		"event_id", eventID, "feedback_id", feedbackID, "evidence_rows", len(ids), "trends", len(perTrend))
	return perTrend, nil
}

// History returns a trend's downsampled snapshot series.
func (e *Engine) History(ctx context.Context, trendID string, from, to time.Time, bucket storage.SnapshotBucket) ([]model.TrendSnapshot, error) {
	return e.db.SnapshotHistory(ctx, trendID, from, to, bucket)
}
