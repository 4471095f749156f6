package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// insertTransaction appends a ledger row inside an existing tx. The ledger is
// append-only; nothing updates or deletes these rows.
func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.Transaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, from_agent_id, to_agent_id, amount, type, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.FromAgentID, t.ToAgentID, t.Amount, t.Type, t.Note, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// TransactionRepository reads the currency ledger.
type TransactionRepository struct {
	db *pgxpool.Pool
}

// NewTransactionRepository creates a TransactionRepository.
func NewTransactionRepository(db *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// ListForAgent returns the most recent ledger rows touching the agent.
func (r *TransactionRepository) ListForAgent(ctx context.Context, agentID string, limit int) ([]*model.Transaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, from_agent_id, to_agent_id, amount, type, note, created_at
		FROM transactions
		WHERE to_agent_id = $1 OR from_agent_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.ID, &t.FromAgentID, &t.ToAgentID, &t.Amount, &t.Type, &t.Note, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
