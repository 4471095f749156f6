package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RateLimitRepository maintains fixed-window counters keyed by
// (subject, action, window). Counting is a single atomic upsert so
// concurrent requests never under-count.
type RateLimitRepository struct {
	db *pgxpool.Pool
}

// NewRateLimitRepository creates a RateLimitRepository.
func NewRateLimitRepository(db *pgxpool.Pool) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// Increment bumps the counter for the subject's current window and returns
// the post-increment count. The window key truncates to the hour.
func (r *RateLimitRepository) Increment(ctx context.Context, subject, action string, now time.Time) (int, error) {
	window := now.UTC().Truncate(time.Hour)
	var count int
	err := r.db.QueryRow(ctx, `
		INSERT INTO rate_limit_buckets (subject, action, window_start, count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (subject, action, window_start)
		DO UPDATE SET count = rate_limit_buckets.count + 1
		RETURNING count`, subject, action, window).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("rate limit increment: %w", err)
	}
	return count, nil
}

// Peek reads the current window's count without incrementing.
func (r *RateLimitRepository) Peek(ctx context.Context, subject, action string, now time.Time) (int, error) {
	window := now.UTC().Truncate(time.Hour)
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT count FROM rate_limit_buckets
		WHERE subject = $1 AND action = $2 AND window_start = $3`,
		subject, action, window).Scan(&count)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

// PurgeBefore deletes buckets older than the cutoff; returns rows removed.
func (r *RateLimitRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rate_limit_buckets WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge rate limit buckets: %w", err)
	}
	return tag.RowsAffected(), nil
}
