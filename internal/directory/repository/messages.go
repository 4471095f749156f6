package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// MessageRepository provides inbox and pending-message access.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

func insertMessage(ctx context.Context, tx pgx.Tx, m *model.Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (id, from_agent_id, to_agent_id, subject, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`,
		m.ID, m.FromAgentID, m.ToAgentID, m.Subject, m.Body, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// Create inserts a direct message.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO messages (id, from_agent_id, to_agent_id, subject, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, false, $6)`,
		m.ID, m.FromAgentID, m.ToAgentID, m.Subject, m.Body, m.CreatedAt)
	return err
}

// ListInbox returns an agent's messages, optionally unread only, newest
// first, with sender names resolved.
func (r *MessageRepository) ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit, offset int) ([]*model.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT m.id, m.from_agent_id, COALESCE(a.name, ''), m.to_agent_id,
		       m.subject, m.body, m.read, m.read_at, m.created_at
		FROM messages m
		LEFT JOIN agents a ON a.id = m.from_agent_id
		WHERE m.to_agent_id = $1 AND ($2 = false OR m.read = false)
		ORDER BY m.created_at DESC
		LIMIT $3 OFFSET $4`, agentID, unreadOnly, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []*model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.FromAgentID, &m.FromName, &m.ToAgentID,
			&m.Subject, &m.Body, &m.Read, &m.ReadAt, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// UnreadCount counts an agent's unread messages.
func (r *MessageRepository) UnreadCount(ctx context.Context, agentID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE to_agent_id = $1 AND read = false`,
		agentID).Scan(&n)
	return n, err
}

// MarkRead marks one of the agent's messages read. Ownership is part of the
// predicate so a foreign message ID reads as not found.
func (r *MessageRepository) MarkRead(ctx context.Context, agentID, messageID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET read = true, read_at = $3
		WHERE id = $1 AND to_agent_id = $2 AND read = false`,
		messageID, agentID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread message read; returns rows affected.
func (r *MessageRepository) MarkAllRead(ctx context.Context, agentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE messages SET read = true, read_at = $2
		WHERE to_agent_id = $1 AND read = false`, agentID, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CountReceivedFrom counts messages an agent received from a specific sender
// since a point in time. Backs the inbox_message verification template.
func (r *MessageRepository) CountReceivedFrom(ctx context.Context, toAgentID, fromAgentID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE to_agent_id = $1 AND from_agent_id = $2 AND created_at >= $3`,
		toAgentID, fromAgentID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count received messages: %w", err)
	}
	return n, nil
}

// CreatePending queues a message for an unregistered slug, enforcing the
// per-slug cap atomically: the insert only fires while the unclaimed count
// is below the cap.
func (r *MessageRepository) CreatePending(ctx context.Context, m *model.PendingMessage) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO pending_messages (id, from_agent_id, to_slug, subject, body, created_at)
		SELECT $1, $2, $3, $4, $5, $6
		WHERE (SELECT COUNT(*) FROM pending_messages
		       WHERE to_slug = $3 AND claimed_at IS NULL) < $7`,
		m.ID, m.FromAgentID, m.ToSlug, m.Subject, m.Body, m.CreatedAt,
		model.PendingMessageCap)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pending queue for %q is full: %w", m.ToSlug, ErrConflict)
	}
	return nil
}

// PendingCount counts unclaimed messages queued for a slug.
func (r *MessageRepository) PendingCount(ctx context.Context, slug string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM pending_messages WHERE to_slug = $1 AND claimed_at IS NULL`,
		slug).Scan(&n)
	return n, err
}
