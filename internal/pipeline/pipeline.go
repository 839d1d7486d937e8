// Package pipeline orchestrates the per-item state machine: language
// policy, dedup, embedding, clustering, tier-1 relevance, tier-2
// extraction, and evidence application, with budget denials reverting
// items to PENDING instead of failing them.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/horadus-ai/horadus/internal/classify"
	"github.com/horadus-ai/horadus/internal/cluster"
	"github.com/horadus-ai/horadus/internal/cost"
	"github.com/horadus-ai/horadus/internal/dedup"
	"github.com/horadus-ai/horadus/internal/embedding"
	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/storage"
	"github.com/horadus-ai/horadus/internal/telemetry"
	"github.com/horadus-ai/horadus/internal/trend"
)

// Config holds the orchestrator's policy knobs.
type Config struct {
	// SupportedLanguages whitelists item languages for classification.
	SupportedLanguages []string
	// UnsupportedLanguageMode is "skip" (→ NOISE) or "defer" (stay PENDING).
	UnsupportedLanguageMode string
	// BatchSize bounds one ProcessPending sweep.
	BatchSize int
}

// Orchestrator runs items through the classification pipeline.
type Orchestrator struct {
	db        *storage.DB
	deduper   *dedup.Service
	embedder  *embedding.Service
	clusterer *cluster.Clusterer
	tier1     *classify.Tier1
	tier2     *classify.Tier2
	engine    *trend.Engine
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	itemsProcessed metric.Int64Counter
}

// New creates the orchestrator.
func New(db *storage.DB, deduper *dedup.Service, embedder *embedding.Service, clusterer *cluster.Clusterer,
	tier1 *classify.Tier1, tier2 *classify.Tier2, engine *trend.Engine, logger *slog.Logger, cfg Config) *Orchestrator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.UnsupportedLanguageMode == "" {
		cfg.UnsupportedLanguageMode = "skip"
	}
	meter := telemetry.Meter("horadus/pipeline")
	itemsProcessed, _ := meter.Int64Counter("horadus.pipeline.items",
		metric.WithDescription("Items processed by terminal status"),
	)
	return &Orchestrator{
		db:        db,
		deduper:   deduper,
		embedder:  embedder,
		clusterer: clusterer,
		tier1:     tier1,
		tier2:     tier2,
		engine:    engine,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,

		itemsProcessed: itemsProcessed,
	}
}

// RunStats aggregates one processing sweep.
type RunStats struct {
	Scanned          int `json:"scanned"`
	Processed        int `json:"processed"`
	Classified       int `json:"classified"`
	Noise            int `json:"noise"`
	Duplicates       int `json:"duplicates"`
	Deferred         int `json:"deferred"`
	Errors           int `json:"errors"`
	Embedded         int `json:"embedded"`
	EventsCreated    int `json:"events_created"`
	EventsMerged     int `json:"events_merged"`
	TrendImpactsSeen int `json:"trend_impacts_seen"`
	TrendUpdates     int `json:"trend_updates"`
	TaxonomyGaps     int `json:"taxonomy_gaps"`
}

func (s *RunStats) add(o RunStats) {
	s.Scanned += o.Scanned
	s.Processed += o.Processed
	s.Classified += o.Classified
	s.Noise += o.Noise
	s.Duplicates += o.Duplicates
	s.Deferred += o.Deferred
	s.Errors += o.Errors
	s.Embedded += o.Embedded
	s.EventsCreated += o.EventsCreated
	s.EventsMerged += o.EventsMerged
	s.TrendImpactsSeen += o.TrendImpactsSeen
	s.TrendUpdates += o.TrendUpdates
	s.TaxonomyGaps += o.TaxonomyGaps
}

// ProcessPending acquires up to limit pending items and runs each
// through the state machine. A limit of zero uses the configured batch
// size. Per-item failures are contained; the sweep continues.
func (o *Orchestrator) ProcessPending(ctx context.Context, limit int) (RunStats, error) {
	if limit <= 0 {
		limit = o.cfg.BatchSize
	}

	items, err := o.db.AcquirePendingItems(ctx, limit)
	if err != nil {
		return RunStats{}, fmt.Errorf("pipeline: acquire: %w", err)
	}

	var stats RunStats
	stats.Scanned = len(items)
	for _, item := range items {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		itemStats := o.processOne(ctx, item)
		stats.add(itemStats)
	}
	if stats.Scanned > 0 {
		o.logger.Info("processing sweep complete",
			"scanned", stats.Scanned, "classified", stats.Classified, "noise", stats.Noise,
			"duplicates", stats.Duplicates, "errors", stats.Errors, "trend_updates", stats.TrendUpdates)
	}
	return stats, nil
}

// processOne runs the state machine for a single already-acquired item.
func (o *Orchestrator) processOne(ctx context.Context, item model.RawItem) RunStats {
	stats, err := o.classifyItem(ctx, &item)
	stats.Processed++

	switch {
	case err == nil:
		// Terminal status already set by classifyItem.
	case errors.Is(err, cost.ErrBudgetExceeded):
		// Budget denial is recoverable: the item returns to the queue
		// untouched and a later sweep retries it.
		if setErr := o.db.SetItemStatus(ctx, item.ID, model.StatusPending, nil); setErr != nil {
			o.logger.Error("failed to revert item to pending", "item_id", item.ID, "error", setErr)
		}
		stats.Deferred++
		o.count(ctx, "deferred_budget")
	default:
		msg := err.Error()
		if setErr := o.db.SetItemStatus(ctx, item.ID, model.StatusError, &msg); setErr != nil {
			o.logger.Error("failed to set item error", "item_id", item.ID, "error", setErr)
		}
		stats.Errors++
		o.count(ctx, "error")
		o.logger.Error("item failed", "item_id", item.ID, "error", err)
	}
	return stats
}

// classifyItem is the fallible core. It sets the item's terminal
// status itself on the success paths and returns an error only for
// ERROR/PENDING-revert outcomes.
func (o *Orchestrator) classifyItem(ctx context.Context, item *model.RawItem) (RunStats, error) {
	var stats RunStats

	// Language policy.
	if !o.languageSupported(item.Language) {
		if o.cfg.UnsupportedLanguageMode == "defer" {
			reason := fmt.Sprintf("deferred: unsupported language %q", item.Language)
			if err := o.db.SetItemStatus(ctx, item.ID, model.StatusPending, &reason); err != nil {
				return stats, err
			}
			stats.Deferred++
			o.count(ctx, "deferred_language")
			return stats, nil
		}
		reason := fmt.Sprintf("unsupported language %q", item.Language)
		if err := o.db.SetItemStatus(ctx, item.ID, model.StatusNoise, &reason); err != nil {
			return stats, err
		}
		stats.Noise++
		o.count(ctx, "noise_language")
		return stats, nil
	}

	// Dedup, excluding the item itself for re-runs.
	dup, err := o.deduper.CheckDuplicate(ctx, dedup.Check{
		ExternalID:     item.ExternalID,
		URL:            item.URL,
		ContentHash:    &item.ContentHash,
		Embedding:      item.Embedding,
		EmbeddingModel: item.EmbeddingModel,
		ExcludeItemID:  &item.ID,
	})
	if err != nil {
		return stats, err
	}
	if dup.IsDuplicate {
		reason := fmt.Sprintf("duplicate of %s (%s)", dup.MatchedItemID, dup.MatchReason)
		if err := o.db.SetItemStatus(ctx, item.ID, model.StatusNoise, &reason); err != nil {
			return stats, err
		}
		stats.Noise++
		stats.Duplicates++
		o.count(ctx, "duplicate")
		return stats, nil
	}

	// Embedding, if the collector did not bring one.
	if item.Embedding == nil {
		if err := o.embedItem(ctx, item); err != nil {
			return stats, err
		}
		stats.Embedded++
	}

	// Clustering.
	src, err := o.db.GetSource(ctx, item.SourceID)
	if err != nil {
		return stats, fmt.Errorf("pipeline: source lookup: %w", err)
	}
	assignment, err := o.clusterer.Assign(ctx, *item, src)
	if err != nil {
		return stats, err
	}
	if assignment.Created {
		stats.EventsCreated++
	} else if !assignment.Suppressed {
		stats.EventsMerged++
	}
	if assignment.Suppressed {
		reason := fmt.Sprintf("matched suppressed event %s", assignment.EventID)
		if err := o.db.SetItemStatus(ctx, item.ID, model.StatusNoise, &reason); err != nil {
			return stats, err
		}
		stats.Noise++
		o.count(ctx, "suppressed")
		return stats, nil
	}

	// Tier-1 relevance for this single item.
	trends, err := o.db.ListActiveTrends(ctx)
	if err != nil {
		return stats, fmt.Errorf("pipeline: list trends: %w", err)
	}
	t1, err := o.tier1.Classify(ctx, []model.RawItem{*item}, trends)
	if err != nil {
		return stats, err
	}
	if t1[0].Err != nil {
		return stats, t1[0].Err
	}
	if !t1[0].Queue {
		reason := fmt.Sprintf("below relevance threshold (max %d)", t1[0].MaxRelevance)
		if err := o.db.SetItemStatus(ctx, item.ID, model.StatusNoise, &reason); err != nil {
			return stats, err
		}
		stats.Noise++
		o.count(ctx, "noise_relevance")
		return stats, nil
	}

	// Tier-2 extraction on the event, persisted under the row lock.
	extractStats, err := o.extractAndApply(ctx, assignment.EventID, trends)
	stats.add(extractStats)
	if err != nil {
		return stats, err
	}

	if err := o.db.SetItemStatus(ctx, item.ID, model.StatusClassified, nil); err != nil {
		return stats, err
	}
	stats.Classified++
	o.count(ctx, "classified")
	return stats, nil
}

func (o *Orchestrator) embedItem(ctx context.Context, item *model.RawItem) error {
	text := item.RawContent
	if item.Title != nil && *item.Title != "" {
		text = *item.Title + "\n" + text
	}
	vec, err := o.embedder.EmbedText(ctx, text)
	if err != nil {
		return err
	}
	now := o.now().UTC()
	embeddingModel := o.embedder.Model()
	if err := o.db.SetItemEmbedding(ctx, item.ID, vec, embeddingModel, now); err != nil {
		return err
	}
	item.Embedding = &vec
	item.EmbeddingModel = &embeddingModel
	item.EmbeddingGeneratedAt = &now
	return nil
}

// extractAndApply runs tier-2 on the event and converts declared
// impacts into trend evidence.
func (o *Orchestrator) extractAndApply(ctx context.Context, eventID uuid.UUID, trends []model.Trend) (RunStats, error) {
	var stats RunStats

	ev, err := o.db.GetEvent(ctx, eventID)
	if err != nil {
		return stats, err
	}
	recentItems, err := o.db.RecentEventItems(ctx, eventID, 5)
	if err != nil {
		return stats, err
	}

	extraction, err := o.tier2.Extract(ctx, ev, recentItems, trends)
	if err != nil {
		return stats, err
	}
	if err := o.persistExtraction(ctx, eventID, extraction); err != nil {
		return stats, err
	}

	trendsByID := make(map[string]model.Trend, len(trends))
	for _, tr := range trends {
		trendsByID[tr.ID] = tr
	}

	profiles, err := o.db.EventSourceProfiles(ctx, eventID)
	if err != nil {
		return stats, err
	}
	ev, err = o.db.GetEvent(ctx, eventID)
	if err != nil {
		return stats, err
	}

	for _, impact := range extraction.Impacts {
		stats.TrendImpactsSeen++

		tr, known := trendsByID[impact.TrendID]
		if !known {
			if _, err := o.db.InsertTaxonomyGap(ctx, model.TaxonomyGap{
				Kind:       model.GapUnknownTrendID,
				TrendID:    impact.TrendID,
				SignalType: impact.SignalType,
				EventID:    &eventID,
			}); err != nil {
				return stats, err
			}
			stats.TaxonomyGaps++
			continue
		}
		indicator, knownSignal := tr.Indicators[impact.SignalType]
		if !knownSignal {
			if _, err := o.db.InsertTaxonomyGap(ctx, model.TaxonomyGap{
				Kind:       model.GapUnknownSignalType,
				TrendID:    impact.TrendID,
				SignalType: impact.SignalType,
				EventID:    &eventID,
			}); err != nil {
				return stats, err
			}
			stats.TaxonomyGaps++
			continue
		}

		factors, err := o.buildFactors(ctx, ev, profiles, tr, indicator, impact)
		if err != nil {
			return stats, err
		}
		if _, err := o.engine.ApplyEvidence(ctx, tr.ID, eventID, impact.SignalType, factors, impact.Rationale); err != nil {
			return stats, err
		}
		stats.TrendUpdates++
	}
	return stats, nil
}

// persistExtraction writes tier-2 output onto the event under its row
// lock, so merges racing with extraction do not lose fields.
func (o *Orchestrator) persistExtraction(ctx context.Context, eventID uuid.UUID, extraction classify.Extraction) error {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := o.db.GetEventForUpdate(ctx, tx, eventID)
	if err != nil {
		return err
	}
	extraction.ApplyTo(&ev)
	if err := o.db.UpdateEventTx(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("pipeline: commit: %w", err)
	}
	return nil
}

func (o *Orchestrator) buildFactors(ctx context.Context, ev model.Event, profiles []model.EventSourceProfile,
	tr model.Trend, indicator model.Indicator, impact model.TrendImpact) (model.EvidenceFactors, error) {

	credibility := averageCredibility(profiles)
	corroboration := trend.CorroborationScore(profiles, ev.HasContradictions, ev.UniqueSourceCount)

	prior, err := o.db.CountEvidenceForPair(ctx, tr.ID, ev.ID)
	if err != nil {
		return model.EvidenceFactors{}, err
	}

	ageDays := o.evidenceAgeDays(ev)
	return model.EvidenceFactors{
		BaseWeight:      indicator.Weight,
		Severity:        impact.Severity,
		Confidence:      impact.Confidence,
		Credibility:     credibility,
		Corroboration:   corroboration,
		Novelty:         trend.NoveltyFactor(prior),
		EvidenceAgeDays: ageDays,
		Direction:       impact.Direction,
	}, nil
}

// evidenceAgeDays prefers the extracted occurrence time over first
// observation.
func (o *Orchestrator) evidenceAgeDays(ev model.Event) float64 {
	ref := ev.FirstSeenAt
	if ev.ExtractedWhen != nil {
		ref = *ev.ExtractedWhen
	}
	days := o.now().UTC().Sub(ref).Hours() / 24
	if days < 0 {
		return 0
	}
	return days
}

func averageCredibility(profiles []model.EventSourceProfile) float64 {
	if len(profiles) == 0 {
		return 1.0
	}
	seen := make(map[string]bool, len(profiles))
	var sum float64
	var n int
	for _, p := range profiles {
		if seen[p.SourceID.String()] {
			continue
		}
		seen[p.SourceID.String()] = true
		sum += cluster.EffectiveCredibility(p.Credibility, p.Tier, p.ReportingType)
		n++
	}
	return sum / float64(n)
}

func (o *Orchestrator) languageSupported(lang string) bool {
	if len(o.cfg.SupportedLanguages) == 0 {
		return true
	}
	return slices.Contains(o.cfg.SupportedLanguages, strings.ToLower(lang))
}

// ReapStale returns PROCESSING items stuck past the cutoff to PENDING.
func (o *Orchestrator) ReapStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := o.now().UTC().Add(-staleAfter)
	n, err := o.db.ReapStaleProcessing(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Warn("reaped stale processing items", "count", n)
	}
	return n, nil
}

// ContentHash is the canonical content fingerprint used by collectors
// and dedup: SHA-256 hex over whitespace-normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(text), " ")))
	return hex.EncodeToString(sum[:])
}

func (o *Orchestrator) count(ctx context.Context, outcome string) {
	o.itemsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
