package database

import (
	"context"
	"fmt"
	"time"

	"commsgate/internal/models"
)

// UpsertRateLimitBucket replicates the in-process rate limit state for a
// channel. The table is for reporting; the limiter never reads it back.
func (db *DB) UpsertRateLimitBucket(ctx context.Context, b models.RateLimitBucket, window time.Duration) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (channel, window_start, window_end, count, max_allowed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel) DO UPDATE SET
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			count = excluded.count,
			max_allowed = excluded.max_allowed
	`, string(b.Channel), b.WindowStart.UTC(), b.WindowStart.Add(window).UTC(), b.Count, b.MaxAllowed)
	if err != nil {
		return fmt.Errorf("upsert rate limit bucket: %w", err)
	}
	return nil
}

// ListRateLimitBuckets returns the replicated buckets
func (db *DB) ListRateLimitBuckets(ctx context.Context) ([]models.RateLimitBucket, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT channel, window_start, count, max_allowed FROM rate_limit_buckets ORDER BY channel
	`)
	if err != nil {
		return nil, fmt.Errorf("list rate limit buckets: %w", err)
	}
	defer rows.Close()

	buckets := []models.RateLimitBucket{}
	for rows.Next() {
		var b models.RateLimitBucket
		var ch string
		if err := rows.Scan(&ch, &b.WindowStart, &b.Count, &b.MaxAllowed); err != nil {
			return nil, fmt.Errorf("scan rate limit bucket: %w", err)
		}
		b.Channel = models.Channel(ch)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
