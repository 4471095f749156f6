package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// AgentRepository provides CRUD and lookup operations for agents.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `
	id, name, soul, skills, avatar, status, public_key_pem, api_key_hash,
	wallet_address, wallet_chain, is_founding, referred_by, currency,
	reputation, discovery_source, created_at, updated_at, last_active_at`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.ID, &a.Name, &a.Soul, &a.Skills, &a.Avatar, &a.Status,
		&a.PublicKeyPEM, &a.APIKeyHash, &a.WalletAddress, &a.WalletChain,
		&a.IsFounding, &a.ReferredBy, &a.Currency, &a.Reputation,
		&a.DiscoverySource, &a.CreatedAt, &a.UpdatedAt, &a.LastActiveAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// GetByID retrieves an agent by its opaque identifier.
func (r *AgentRepository) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	return scanAgent(r.db.QueryRow(ctx, q, id))
}

// GetByName retrieves an agent by display name, case-insensitively.
func (r *AgentRepository) GetByName(ctx context.Context, name string) (*model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE lower(name) = lower($1)`
	return scanAgent(r.db.QueryRow(ctx, q, name))
}

// GetByAPIKeyHash is the single indexed lookup behind bearer authentication.
func (r *AgentRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE api_key_hash = $1`
	return scanAgent(r.db.QueryRow(ctx, q, hash))
}

// GetByPublicKey retrieves an agent by its exact PEM public key.
func (r *AgentRepository) GetByPublicKey(ctx context.Context, pemData string) (*model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE public_key_pem = $1`
	return scanAgent(r.db.QueryRow(ctx, q, pemData))
}

// GetByWallet retrieves the unique owner of a wallet address, if any.
func (r *AgentRepository) GetByWallet(ctx context.Context, wallet string) (*model.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE wallet_address = $1`
	return scanAgent(r.db.QueryRow(ctx, q, wallet))
}

// Count returns the total number of agents; used for the founding cutoff.
func (r *AgentRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// NameExists reports whether a display name is already taken (case-folded).
func (r *AgentRepository) NameExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	q := `SELECT EXISTS(SELECT 1 FROM agents WHERE lower(name) = lower($1))`
	if err := r.db.QueryRow(ctx, q, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check name: %w", err)
	}
	return exists, nil
}

// UpdateProfile applies the mutable PATCH /api/me fields. Zero values are
// left untouched.
func (r *AgentRepository) UpdateProfile(ctx context.Context, id string, req *model.UpdateAgentRequest) (*model.Agent, error) {
	q := `
		UPDATE agents SET
			soul             = COALESCE(NULLIF($2, ''), soul),
			skills           = COALESCE($3, skills),
			avatar           = COALESCE(NULLIF($4, ''), avatar),
			status           = COALESCE(NULLIF($5, ''), status),
			discovery_source = COALESCE(NULLIF($6, ''), discovery_source),
			updated_at       = $7
		WHERE id = $1
		RETURNING ` + agentColumns
	var skills any
	if req.Skills != nil {
		skills = req.Skills
	}
	return scanAgent(r.db.QueryRow(ctx, q, id,
		req.Soul, skills, req.Avatar, req.Status, req.DiscoverySource, time.Now().UTC()))
}

// RotateAPIKey replaces the stored api_key_hash, invalidating the previous
// bearer token immediately. Used by recovery.
func (r *AgentRepository) RotateAPIKey(ctx context.Context, id, newHash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET api_key_hash = $2, updated_at = $3 WHERE id = $1`,
		id, newHash, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BindWallet sets the agent's wallet. The unique index on wallet_address
// makes a second binding of the same wallet an ErrConflict.
func (r *AgentRepository) BindWallet(ctx context.Context, id, wallet, chain string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET wallet_address = $2, wallet_chain = $3, updated_at = $4 WHERE id = $1`,
		id, wallet, chain, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("wallet already bound to another agent: %w", ErrConflict)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSecondaryKey records an additional public key for the agent.
func (r *AgentRepository) AddSecondaryKey(ctx context.Context, agentID, keyID, pemData string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_keys (id, agent_id, public_key_pem, created_at)
		VALUES ($1, $2, $3, $4)`,
		keyID, agentID, pemData, time.Now().UTC())
	if isUniqueViolation(err) {
		return fmt.Errorf("public key already registered: %w", ErrConflict)
	}
	return err
}

// TouchLastActive bumps last_active_at; failures are the caller's to ignore.
func (r *AgentRepository) TouchLastActive(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE agents SET last_active_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return err
}

// Credit atomically adds amount to an agent's currency balance and appends
// the matching ledger row. Negative amounts debit; the balance check keeps
// it non-negative.
func (r *AgentRepository) Credit(ctx context.Context, tx *model.Transaction) error {
	dbtx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer dbtx.Rollback(ctx) //nolint:errcheck

	tag, err := dbtx.Exec(ctx, `
		UPDATE agents SET currency = currency + $2, updated_at = $3
		WHERE id = $1 AND currency + $2 >= 0`,
		tx.ToAgentID, tx.Amount, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credit %s: %w", tx.ToAgentID, ErrConflict)
	}

	if err := insertTransaction(ctx, dbtx, tx); err != nil {
		return err
	}
	return dbtx.Commit(ctx)
}

// CountReferees counts agents created within the window whose referred_by
// matches the given name; withWallet additionally requires a bound wallet.
// Backs the referral_count / referral_with_wallet verification templates.
func (r *AgentRepository) CountReferees(ctx context.Context, referrerName string, since time.Time, withWallet bool) (int, error) {
	q := `
		SELECT COUNT(*) FROM agents
		WHERE lower(referred_by) = lower($1)
		  AND created_at >= $2
		  AND ($3 = false OR wallet_address != '')`
	var n int
	if err := r.db.QueryRow(ctx, q, referrerName, since, withWallet).Scan(&n); err != nil {
		return 0, fmt.Errorf("count referees: %w", err)
	}
	return n, nil
}

// VoteWeightInputs aggregates the contribution stats behind the governance
// vote-weight function in a single round trip.
func (r *AgentRepository) VoteWeightInputs(ctx context.Context, agentID string) (model.VoteWeightInputs, error) {
	var in model.VoteWeightInputs
	q := `
		SELECT
			a.wallet_address != '',
			a.is_founding,
			(SELECT COUNT(*) FROM job_attempts ja WHERE ja.worker_id = a.id AND ja.status = 'won'),
			(SELECT COUNT(*) FROM guestbook_entries g WHERE g.author_agent_id = a.id),
			(SELECT COUNT(*) FROM agents ref
			   WHERE lower(ref.referred_by) = lower(a.name) AND ref.wallet_address != '')
		FROM agents a WHERE a.id = $1`
	err := r.db.QueryRow(ctx, q, agentID).Scan(
		&in.WalletBound, &in.IsFounding, &in.JobsCompleted,
		&in.GuestbookEntriesSigned, &in.ReferralsWithWallet)
	if err != nil {
		if err == pgx.ErrNoRows {
			return in, ErrNotFound
		}
		return in, fmt.Errorf("vote weight inputs: %w", err)
	}
	return in, nil
}
