// Package cluster groups classified-relevant items into events by
// embedding similarity and drives the event lifecycle.
//
// An item joins the nearest event when cosine similarity clears the
// threshold; candidates are live events mentioned within the clustering
// window plus ARCHIVED events of any age, which a match pulls back to
// CONFIRMED. Otherwise the item seeds a new EMERGING event. Merges run
// under a row lock so concurrent workers never lose count updates, and
// events whose latest analyst feedback suppresses them are never merged
// into.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/horadus-ai/horadus/internal/model"
	"github.com/horadus-ai/horadus/internal/storage"
)

const canonicalSummaryMaxChars = 400

// Config bounds the clusterer's matching and lifecycle behavior.
type Config struct {
	// SimilarityThreshold is the cosine similarity at or above which an
	// item joins an existing event.
	SimilarityThreshold float64
	// Window bounds candidate events by last mention.
	Window time.Duration
	// ConfirmSources is the distinct-source count that promotes
	// EMERGING to CONFIRMED.
	ConfirmSources int
	// FadeAfter and ArchiveAfter are silence durations for the
	// CONFIRMED→FADING and FADING→ARCHIVED transitions.
	FadeAfter    time.Duration
	ArchiveAfter time.Duration
}

// Clusterer assigns items to events and runs lifecycle sweeps.
type Clusterer struct {
	db     *storage.DB
	logger *slog.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a clusterer.
func New(db *storage.DB, logger *slog.Logger, cfg Config) *Clusterer {
	if cfg.Window <= 0 {
		cfg.Window = 72 * time.Hour
	}
	if cfg.ConfirmSources <= 0 {
		cfg.ConfirmSources = 3
	}
	if cfg.FadeAfter <= 0 {
		cfg.FadeAfter = 48 * time.Hour
	}
	if cfg.ArchiveAfter <= 0 {
		cfg.ArchiveAfter = 7 * 24 * time.Hour
	}
	return &Clusterer{db: db, logger: logger, cfg: cfg, now: time.Now}
}

// Assignment reports where an item landed.
type Assignment struct {
	EventID uuid.UUID
	// Created is true when the item seeded a new event.
	Created bool
	// Suppressed is true when the best match is under analyst
	// suppression; the item was not linked and the caller should mark
	// it noise.
	Suppressed bool
	// Similarity to the matched event, set when Created is false.
	Similarity float64
}

// Assign places an item into an event. The item must carry an
// embedding; src is the item's source, used for primary-item selection.
func (c *Clusterer) Assign(ctx context.Context, item model.RawItem, src model.Source) (Assignment, error) {
	if item.Embedding == nil || item.EmbeddingModel == nil {
		return Assignment{}, fmt.Errorf("cluster: item %s has no embedding", item.ID)
	}

	now := c.now().UTC()
	since := now.Add(-c.cfg.Window)

	eventID, distance, err := c.db.NearestEvent(ctx, *item.Embedding, *item.EmbeddingModel, since)
	switch {
	case err == nil && distance <= 1-c.cfg.SimilarityThreshold:
		similarity := 1 - distance

		suppressed, err := c.isSuppressed(ctx, eventID)
		if err != nil {
			return Assignment{}, err
		}
		if suppressed {
			c.logger.Info("skipping merge into suppressed event",
				"event_id", eventID, "item_id", item.ID)
			return Assignment{EventID: eventID, Suppressed: true, Similarity: similarity}, nil
		}

		merged, err := c.merge(ctx, eventID, item, src, now)
		if err != nil {
			return Assignment{}, err
		}
		return Assignment{EventID: merged, Similarity: similarity}, nil

	case err == nil || errors.Is(err, storage.ErrNotFound):
		return c.createEvent(ctx, item, src, now)

	default:
		return Assignment{}, fmt.Errorf("cluster: nearest event: %w", err)
	}
}

func (c *Clusterer) isSuppressed(ctx context.Context, eventID uuid.UUID) (bool, error) {
	fb, err := c.db.LatestFeedback(ctx, model.TargetEvent, eventID.String())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("cluster: feedback lookup: %w", err)
	}
	return fb.Action.Suppresses(), nil
}

func (c *Clusterer) createEvent(ctx context.Context, item model.RawItem, src model.Source, now time.Time) (Assignment, error) {
	ev := model.Event{
		CanonicalSummary:     canonicalSummary(item),
		Embedding:            item.Embedding,
		EmbeddingModel:       item.EmbeddingModel,
		EmbeddingGeneratedAt: item.EmbeddingGeneratedAt,
		SourceCount:          1,
		UniqueSourceCount:    1,
		FirstSeenAt:          item.FetchedAt,
		LastMentionAt:        item.FetchedAt,
		LifecycleStatus:      model.LifecycleEmerging,
		PrimaryItemID:        &item.ID,
	}
	created, err := c.db.CreateEvent(ctx, ev)
	if err != nil {
		return Assignment{}, fmt.Errorf("cluster: create event: %w", err)
	}

	tx, err := c.db.Begin(ctx)
	if err != nil {
		return Assignment{}, fmt.Errorf("cluster: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	linkedID, linked, err := c.db.LinkItemToEvent(ctx, tx, created.ID, item.ID)
	if err != nil {
		return Assignment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Assignment{}, fmt.Errorf("cluster: commit: %w", err)
	}

	if !linked {
		// Another worker linked the item first; the event we just created
		// has no items and will be swept by the lifecycle task.
		c.logger.Warn("lost link race, item already clustered",
			"item_id", item.ID, "event_id", linkedID)
		return Assignment{EventID: linkedID}, nil
	}

	c.logger.Info("created event", "event_id", created.ID, "item_id", item.ID)
	return Assignment{EventID: created.ID, Created: true}, nil
}

// merge links the item into eventID and updates merge-derived fields
// under the event's row lock.
func (c *Clusterer) merge(ctx context.Context, eventID uuid.UUID, item model.RawItem, src model.Source, now time.Time) (uuid.UUID, error) {
	tx, err := c.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("cluster: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ev, err := c.db.GetEventForUpdate(ctx, tx, eventID)
	if err != nil {
		return uuid.Nil, err
	}

	linkedID, linked, err := c.db.LinkItemToEvent(ctx, tx, eventID, item.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if linkedID != eventID {
		// Item was already linked to a different event on a prior run.
		if err := tx.Commit(ctx); err != nil {
			return uuid.Nil, fmt.Errorf("cluster: commit: %w", err)
		}
		return linkedID, nil
	}
	if linked {
		ev.SourceCount++
	}

	unique, err := c.db.CountDistinctSourcesTx(ctx, tx, eventID)
	if err != nil {
		return uuid.Nil, err
	}
	ev.UniqueSourceCount = unique

	if item.FetchedAt.After(ev.LastMentionAt) {
		ev.LastMentionAt = item.FetchedAt
	}

	if err := c.maybePromotePrimary(ctx, &ev, item, src); err != nil {
		return uuid.Nil, err
	}

	switch ev.LifecycleStatus {
	case model.LifecycleEmerging:
		if ev.UniqueSourceCount >= c.cfg.ConfirmSources {
			ev.LifecycleStatus = model.LifecycleConfirmed
			confirmedAt := now
			ev.ConfirmedAt = &confirmedAt
		}
	case model.LifecycleFading, model.LifecycleArchived:
		// Revival: a fresh mention pulls the event back to CONFIRMED.
		ev.LifecycleStatus = model.LifecycleConfirmed
	}

	if err := c.db.UpdateEventTx(ctx, tx, ev); err != nil {
		return uuid.Nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("cluster: commit: %w", err)
	}

	c.logger.Info("merged item into event",
		"event_id", eventID, "item_id", item.ID,
		"source_count", ev.SourceCount, "unique_sources", ev.UniqueSourceCount,
		"lifecycle", ev.LifecycleStatus)
	return eventID, nil
}

// maybePromotePrimary replaces the event's primary item when the new
// item's source has strictly higher effective credibility, refreshing
// the canonical summary alongside.
func (c *Clusterer) maybePromotePrimary(ctx context.Context, ev *model.Event, item model.RawItem, src model.Source) error {
	incoming := EffectiveCredibility(src.CredibilityScore, src.Tier, src.ReportingType)

	current := -1.0
	if ev.PrimaryItemID != nil {
		primary, err := c.db.GetRawItem(ctx, *ev.PrimaryItemID)
		switch {
		case err == nil:
			primarySrc, err := c.db.GetSource(ctx, primary.SourceID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("cluster: primary source lookup: %w", err)
			}
			if err == nil {
				current = EffectiveCredibility(primarySrc.CredibilityScore, primarySrc.Tier, primarySrc.ReportingType)
			}
		case errors.Is(err, storage.ErrNotFound):
			// Primary item was retention-deleted; any candidate wins.
		default:
			return fmt.Errorf("cluster: primary item lookup: %w", err)
		}
	}

	if incoming > current {
		ev.PrimaryItemID = &item.ID
		ev.CanonicalSummary = canonicalSummary(item)
	}
	return nil
}

// RunLifecycle sweeps quiet events: CONFIRMED→FADING after FadeAfter of
// silence, FADING→ARCHIVED after ArchiveAfter. Returns transition counts.
func (c *Clusterer) RunLifecycle(ctx context.Context) (faded, archived int, err error) {
	now := c.now().UTC()
	events, err := c.db.EventsForLifecycleCheck(ctx, now.Add(-c.cfg.FadeAfter))
	if err != nil {
		return 0, 0, fmt.Errorf("cluster: lifecycle sweep: %w", err)
	}

	for _, ev := range events {
		next, ok := nextLifecycle(ev, now, c.cfg.FadeAfter, c.cfg.ArchiveAfter)
		if !ok {
			continue
		}
		if err := c.db.SetEventLifecycle(ctx, ev.ID, next); err != nil {
			return faded, archived, err
		}
		switch next {
		case model.LifecycleFading:
			faded++
		case model.LifecycleArchived:
			archived++
		}
		c.logger.Info("event lifecycle transition",
			"event_id", ev.ID, "from", ev.LifecycleStatus, "to", next)
	}
	return faded, archived, nil
}

// nextLifecycle decides the silence-driven transition for one event.
func nextLifecycle(ev model.Event, now time.Time, fadeAfter, archiveAfter time.Duration) (model.LifecycleStatus, bool) {
	silence := now.Sub(ev.LastMentionAt)
	switch ev.LifecycleStatus {
	case model.LifecycleConfirmed:
		if silence >= fadeAfter {
			return model.LifecycleFading, true
		}
	case model.LifecycleFading:
		if silence >= archiveAfter {
			return model.LifecycleArchived, true
		}
	}
	return ev.LifecycleStatus, false
}

// canonicalSummary derives an event's display summary from an item:
// its title when present, else a prefix of the content.
func canonicalSummary(item model.RawItem) string {
	if item.Title != nil && *item.Title != "" {
		return *item.Title
	}
	runes := []rune(item.RawContent)
	if len(runes) <= canonicalSummaryMaxChars {
		return item.RawContent
	}
	return string(runes[:canonicalSummaryMaxChars])
}
