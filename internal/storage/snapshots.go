package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/horadus-ai/horadus/internal/model"
)

// InsertSnapshot appends one point to a trend's log-odds time series.
func (db *DB) InsertSnapshot(ctx context.Context, s model.TrendSnapshot) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO trend_snapshots (trend_id, timestamp, log_odds) VALUES ($1, $2, $3)
		 ON CONFLICT (trend_id, timestamp) DO NOTHING`,
		s.TrendID, s.Timestamp, s.LogOdds,
	)
	if err != nil {
		return fmt.Errorf("storage: insert snapshot: %w", err)
	}
	return nil
}

// LatestSnapshotAtOrBefore returns the newest snapshot at or before t,
// or ErrNotFound when the trend has no snapshot that old.
func (db *DB) LatestSnapshotAtOrBefore(ctx context.Context, trendID string, t time.Time) (model.TrendSnapshot, error) {
	var s model.TrendSnapshot
	err := db.pool.QueryRow(ctx,
		`SELECT trend_id, timestamp, log_odds FROM trend_snapshots
		 WHERE trend_id = $1 AND timestamp <= $2
		 ORDER BY timestamp DESC LIMIT 1`,
		trendID, t,
	).Scan(&s.TrendID, &s.Timestamp, &s.LogOdds)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TrendSnapshot{}, ErrNotFound
		}
		return model.TrendSnapshot{}, fmt.Errorf("storage: latest snapshot: %w", err)
	}
	return s, nil
}

// SnapshotBucket selects the downsampling granularity for history reads.
type SnapshotBucket string

const (
	BucketHourly SnapshotBucket = "hour"
	BucketDaily  SnapshotBucket = "day"
)

// SnapshotHistory returns a trend's snapshots between from and to,
// downsampled to the latest point per bucket, ascending.
func (db *DB) SnapshotHistory(ctx context.Context, trendID string, from, to time.Time, bucket SnapshotBucket) ([]model.TrendSnapshot, error) {
	if bucket != BucketHourly && bucket != BucketDaily {
		return nil, fmt.Errorf("storage: unknown snapshot bucket %q", bucket)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT ON (date_trunc($4, timestamp)) trend_id, timestamp, log_odds
		 FROM trend_snapshots
		 WHERE trend_id = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY date_trunc($4, timestamp), timestamp DESC`,
		trendID, from, to, string(bucket),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: snapshot history: %w", err)
	}
	defer rows.Close()

	var out []model.TrendSnapshot
	for rows.Next() {
		var s model.TrendSnapshot
		if err := rows.Scan(&s.TrendID, &s.Timestamp, &s.LogOdds); err != nil {
			return nil, fmt.Errorf("storage: scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
