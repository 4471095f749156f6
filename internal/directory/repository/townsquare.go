package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// TownSquareRepository stores the public broadcast chat.
type TownSquareRepository struct {
	db *pgxpool.Pool
}

// NewTownSquareRepository creates a TownSquareRepository.
func NewTownSquareRepository(db *pgxpool.Pool) *TownSquareRepository {
	return &TownSquareRepository{db: db}
}

// Create appends a chat post.
func (r *TownSquareRepository) Create(ctx context.Context, p *model.TownSquarePost) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO town_square_posts (id, agent_id, message, signature, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.AgentID, p.Message, p.Signature, p.CreatedAt)
	return err
}

// List returns recent posts with author names resolved, newest first.
func (r *TownSquareRepository) List(ctx context.Context, limit int, before time.Time) ([]*model.TownSquarePost, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}
	rows, err := r.db.Query(ctx, `
		SELECT p.id, p.agent_id, a.name, p.message, p.signature, p.created_at
		FROM town_square_posts p
		JOIN agents a ON a.id = p.agent_id
		WHERE p.created_at < $2
		ORDER BY p.created_at DESC
		LIMIT $1`, limit, before)
	if err != nil {
		return nil, fmt.Errorf("list town square: %w", err)
	}
	defer rows.Close()

	var out []*model.TownSquarePost
	for rows.Next() {
		var p model.TownSquarePost
		if err := rows.Scan(&p.ID, &p.AgentID, &p.AgentName, &p.Message, &p.Signature, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CountByAgentSince counts an agent's posts since a point in time. Backs the
// chat_messages verification template.
func (r *TownSquareRepository) CountByAgentSince(ctx context.Context, agentID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM town_square_posts
		WHERE agent_id = $1 AND created_at >= $2`, agentID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count chat posts: %w", err)
	}
	return n, nil
}

// ListByAgentSince returns an agent's posts since a point in time.
func (r *TownSquareRepository) ListByAgentSince(ctx context.Context, agentID string, since time.Time) ([]*model.TownSquarePost, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, agent_id, message, signature, created_at
		FROM town_square_posts
		WHERE agent_id = $1 AND created_at >= $2
		ORDER BY created_at`, agentID, since)
	if err != nil {
		return nil, fmt.Errorf("list agent chat posts: %w", err)
	}
	defer rows.Close()

	var out []*model.TownSquarePost
	for rows.Next() {
		var p model.TownSquarePost
		if err := rows.Scan(&p.ID, &p.AgentID, &p.Message, &p.Signature, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// LastPostAt returns the timestamp of the agent's most recent post, or zero
// time when they have never posted. Backs the 3-second cadence limit.
func (r *TownSquareRepository) LastPostAt(ctx context.Context, agentID string) (time.Time, error) {
	var ts *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(created_at) FROM town_square_posts WHERE agent_id = $1`,
		agentID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("last chat post: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}
