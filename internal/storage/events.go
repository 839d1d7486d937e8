package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/horadus-ai/horadus/internal/model"
)

const eventColumns = `id, canonical_summary, embedding, embedding_model, embedding_generated_at,
	source_count, unique_source_count, first_seen_at, last_mention_at, confirmed_at,
	lifecycle_status, primary_item_id, extracted_who, extracted_what, extracted_where,
	extracted_when, categories, extracted_claims, has_contradictions, created_at`

// CreateEvent inserts an event and returns it.
func (db *DB) CreateEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	if ev.FirstSeenAt.IsZero() {
		ev.FirstSeenAt = now
	}
	if ev.LastMentionAt.IsZero() {
		ev.LastMentionAt = now
	}
	if ev.LifecycleStatus == "" {
		ev.LifecycleStatus = model.LifecycleEmerging
	}
	if ev.ExtractedWho == nil {
		ev.ExtractedWho = []string{}
	}
	if ev.Categories == nil {
		ev.Categories = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO events (id, canonical_summary, embedding, embedding_model, embedding_generated_at,
		 source_count, unique_source_count, first_seen_at, last_mention_at, confirmed_at,
		 lifecycle_status, primary_item_id, extracted_who, extracted_what, extracted_where,
		 extracted_when, categories, extracted_claims, has_contradictions, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		ev.ID, ev.CanonicalSummary, ev.Embedding, ev.EmbeddingModel, ev.EmbeddingGeneratedAt,
		ev.SourceCount, ev.UniqueSourceCount, ev.FirstSeenAt, ev.LastMentionAt, ev.ConfirmedAt,
		ev.LifecycleStatus, ev.PrimaryItemID, ev.ExtractedWho, ev.ExtractedWhat, ev.ExtractedWhere,
		ev.ExtractedWhen, ev.Categories, ev.ExtractedClaims, ev.HasContradictions, ev.CreatedAt,
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: create event: %w", err)
	}
	return ev, nil
}

// GetEvent retrieves an event by ID.
func (db *DB) GetEvent(ctx context.Context, id uuid.UUID) (model.Event, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: get event: %w", err)
	}
	return ev, nil
}

// GetEventForUpdate locks and retrieves an event row inside tx.
// Merge and tier-2 persistence both mutate events under this lock.
func (db *DB) GetEventForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Event, error) {
	row := tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1 FOR UPDATE`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Event{}, ErrNotFound
		}
		return model.Event{}, fmt.Errorf("storage: get event for update: %w", err)
	}
	return ev, nil
}

// NearestEvent returns the event with the lowest cosine distance to vec
// among events embedded with the same model, along with that distance.
// Live events are bounded by `since` on last mention; ARCHIVED events
// stay matchable regardless of age so a fresh mention can revive them.
// Ties break on id ascending. Returns ErrNotFound when no candidate
// exists.
func (db *DB) NearestEvent(ctx context.Context, vec pgvector.Vector, embeddingModel string, since time.Time) (uuid.UUID, float64, error) {
	var id uuid.UUID
	var distance float64
	err := db.pool.QueryRow(ctx,
		`SELECT id, embedding <=> $1 AS distance FROM events
		 WHERE embedding IS NOT NULL AND embedding_model = $2
		 AND (last_mention_at >= $3 OR lifecycle_status = 'ARCHIVED')
		 ORDER BY distance, id
		 LIMIT 1`,
		vec, embeddingModel, since,
	).Scan(&id, &distance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, 0, ErrNotFound
		}
		return uuid.Nil, 0, fmt.Errorf("storage: nearest event: %w", err)
	}
	return id, distance, nil
}

// LinkItemToEvent inserts the event-item junction row inside tx.
// Returns created=false and the pre-existing event ID when another worker
// already linked the item (unique constraint on item_id).
func (db *DB) LinkItemToEvent(ctx context.Context, tx pgx.Tx, eventID, itemID uuid.UUID) (linkedEventID uuid.UUID, created bool, err error) {
	_, err = tx.Exec(ctx,
		`INSERT INTO event_items (event_id, item_id) VALUES ($1, $2)`,
		eventID, itemID,
	)
	if err == nil {
		return eventID, true, nil
	}
	if !isUniqueViolation(err) {
		return uuid.Nil, false, fmt.Errorf("storage: link item to event: %w", err)
	}

	// Lost the race: resolve to the existing link.
	var existing uuid.UUID
	if err := tx.QueryRow(ctx,
		`SELECT event_id FROM event_items WHERE item_id = $1`, itemID,
	).Scan(&existing); err != nil {
		return uuid.Nil, false, fmt.Errorf("storage: resolve existing link: %w", err)
	}
	return existing, false, nil
}

// EventForItem returns the event an item is linked to, or ErrNotFound.
func (db *DB) EventForItem(ctx context.Context, itemID uuid.UUID) (uuid.UUID, error) {
	var id uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT event_id FROM event_items WHERE item_id = $1`, itemID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: event for item: %w", err)
	}
	return id, nil
}

// UpdateEventTx writes the mutable merge/extraction fields of an event
// inside tx. Callers hold the row lock via GetEventForUpdate.
func (db *DB) UpdateEventTx(ctx context.Context, tx pgx.Tx, ev model.Event) error {
	tag, err := tx.Exec(ctx,
		`UPDATE events SET canonical_summary = $2, source_count = $3, unique_source_count = $4,
		 last_mention_at = $5, confirmed_at = $6, lifecycle_status = $7, primary_item_id = $8,
		 extracted_who = $9, extracted_what = $10, extracted_where = $11, extracted_when = $12,
		 categories = $13, extracted_claims = $14, has_contradictions = $15
		 WHERE id = $1`,
		ev.ID, ev.CanonicalSummary, ev.SourceCount, ev.UniqueSourceCount,
		ev.LastMentionAt, ev.ConfirmedAt, ev.LifecycleStatus, ev.PrimaryItemID,
		ev.ExtractedWho, ev.ExtractedWhat, ev.ExtractedWhere, ev.ExtractedWhen,
		ev.Categories, ev.ExtractedClaims, ev.HasContradictions,
	)
	if err != nil {
		return fmt.Errorf("storage: update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountDistinctSourcesTx counts distinct source_ids among an event's
// linked items inside tx.
func (db *DB) CountDistinctSourcesTx(ctx context.Context, tx pgx.Tx, eventID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(DISTINCT ri.source_id) FROM event_items ei
		 JOIN raw_items ri ON ri.id = ei.item_id
		 WHERE ei.event_id = $1`,
		eventID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count distinct sources: %w", err)
	}
	return n, nil
}

// RecentEventItems returns the newest linked items of an event, most
// recent first, up to limit. Tier-2 payloads use the last 5.
func (db *DB) RecentEventItems(ctx context.Context, eventID uuid.UUID, limit int) ([]model.RawItem, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixColumns("ri", itemColumns)+` FROM event_items ei
		 JOIN raw_items ri ON ri.id = ei.item_id
		 WHERE ei.event_id = $1
		 ORDER BY ri.fetched_at DESC
		 LIMIT $2`,
		eventID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent event items: %w", err)
	}
	defer rows.Close()

	var out []model.RawItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// EventSourceProfiles returns one row per linked item with its source's
// cluster fields, for corroboration and credibility scoring.
func (db *DB) EventSourceProfiles(ctx context.Context, eventID uuid.UUID) ([]model.EventSourceProfile, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.source_tier, s.reporting_type, s.credibility_score
		 FROM event_items ei
		 JOIN raw_items ri ON ri.id = ei.item_id
		 JOIN sources s ON s.id = ri.source_id
		 WHERE ei.event_id = $1`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: event source profiles: %w", err)
	}
	defer rows.Close()

	var out []model.EventSourceProfile
	for rows.Next() {
		var p model.EventSourceProfile
		if err := rows.Scan(&p.SourceID, &p.Tier, &p.ReportingType, &p.Credibility); err != nil {
			return nil, fmt.Errorf("storage: scan source profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EventsForLifecycleCheck returns non-archived events whose last mention
// predates the fade cutoff, for the periodic lifecycle task.
func (db *DB) EventsForLifecycleCheck(ctx context.Context, fadeCutoff time.Time) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE lifecycle_status IN ('CONFIRMED', 'FADING') AND last_mention_at < $1`,
		fadeCutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: events for lifecycle check: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SetEventLifecycle transitions an event's lifecycle status.
func (db *DB) SetEventLifecycle(ctx context.Context, id uuid.UUID, status model.LifecycleStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE events SET lifecycle_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("storage: set event lifecycle: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (model.Event, error) {
	var ev model.Event
	err := row.Scan(
		&ev.ID, &ev.CanonicalSummary, &ev.Embedding, &ev.EmbeddingModel, &ev.EmbeddingGeneratedAt,
		&ev.SourceCount, &ev.UniqueSourceCount, &ev.FirstSeenAt, &ev.LastMentionAt, &ev.ConfirmedAt,
		&ev.LifecycleStatus, &ev.PrimaryItemID, &ev.ExtractedWho, &ev.ExtractedWhat, &ev.ExtractedWhere,
		&ev.ExtractedWhen, &ev.Categories, &ev.ExtractedClaims, &ev.HasContradictions, &ev.CreatedAt,
	)
	return ev, err
}

// prefixColumns qualifies each column in a comma-separated list with a
// table alias, for JOIN queries that reuse the shared column constants.
func prefixColumns(alias, columns string) string {
	parts := splitColumns(columns)
	for i, c := range parts {
		parts[i] = alias + "." + c
	}
	return joinColumns(parts)
}
