package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PlatformStats is the public /api/stats payload.
type PlatformStats struct {
	Agents          int64            `json:"agents"`
	Sites           int64            `json:"sites"`
	JobsOpen        int64            `json:"jobs_open"`
	JobsPaid        int64            `json:"jobs_paid"`
	LamportsEscrows int64            `json:"lamports_in_escrow"`
	MessagesSent    int64            `json:"messages_sent"`
	ChatPosts       int64            `json:"chat_posts"`
	Neighborhoods   map[string]int64 `json:"neighborhoods"`
}

// StatsRepository aggregates the public platform counters.
type StatsRepository struct {
	db *pgxpool.Pool
}

// NewStatsRepository creates a StatsRepository.
func NewStatsRepository(db *pgxpool.Pool) *StatsRepository {
	return &StatsRepository{db: db}
}

// Snapshot collects all counters in one round trip plus the neighborhood
// breakdown. Callers cache the result; this is not a hot path.
func (r *StatsRepository) Snapshot(ctx context.Context) (*PlatformStats, error) {
	var s PlatformStats
	err := r.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM agents),
			(SELECT COUNT(*) FROM sites),
			(SELECT COUNT(*) FROM jobs WHERE status = 'open'),
			(SELECT COUNT(*) FROM jobs WHERE status = 'paid'),
			(SELECT COALESCE(SUM(reward_lamports), 0) FROM jobs
			   WHERE escrow_status IN ('funded', 'pending_review')),
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM town_square_posts)`).Scan(
		&s.Agents, &s.Sites, &s.JobsOpen, &s.JobsPaid,
		&s.LamportsEscrows, &s.MessagesSent, &s.ChatPosts)
	if err != nil {
		return nil, fmt.Errorf("stats snapshot: %w", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT neighborhood, COUNT(*) FROM sites GROUP BY neighborhood`)
	if err != nil {
		return nil, fmt.Errorf("neighborhood counts: %w", err)
	}
	defer rows.Close()

	s.Neighborhoods = make(map[string]int64)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		s.Neighborhoods[name] = n
	}
	return &s, rows.Err()
}
