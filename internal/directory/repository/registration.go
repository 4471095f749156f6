package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// CompleteRegistration is the args bundle for the atomic phase-2 commit.
// The service prepares every ID and hash; the repository only sequences
// the writes inside one transaction.
type CompleteRegistration struct {
	Agent   *model.Agent
	Site    *model.Site
	Pending string // pending_registrations row to consume

	// Seed ledger rows: registration reward, founding bonus, referral credit.
	// Any may be nil.
	SeedTx     *model.Transaction
	FoundingTx *model.Transaction
	ReferralTx *model.Transaction

	// Welcome is the system inbox message created for the new agent.
	Welcome *model.Message
}

// CompleteRegistration atomically creates the agent, its site, its seed
// currency, the referrer's credit, the welcome message, and claims any
// pending messages queued for the slug — then consumes the pending row.
// A duplicate name, slug, or public key lost to a race surfaces as
// ErrConflict and rolls everything back.
func (r *AgentRepository) CompleteRegistration(ctx context.Context, args *CompleteRegistration) (claimed int64, err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	a := args.Agent
	_, err = tx.Exec(ctx, `
		INSERT INTO agents
			(id, name, soul, skills, avatar, status, public_key_pem, api_key_hash,
			 wallet_address, wallet_chain, is_founding, referred_by, currency,
			 reputation, discovery_source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		a.ID, a.Name, a.Soul, a.Skills, a.Avatar, a.Status, a.PublicKeyPEM,
		a.APIKeyHash, a.WalletAddress, a.WalletChain, a.IsFounding, a.ReferredBy,
		a.Currency, a.Reputation, a.DiscoverySource, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("agent identity already taken: %w", ErrConflict)
		}
		return 0, fmt.Errorf("insert agent: %w", err)
	}

	s := args.Site
	_, err = tx.Exec(ctx, `
		INSERT INTO sites
			(id, agent_id, slug, title, content_markdown, neighborhood,
			 view_count, visibility, guestbook_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10)`,
		s.ID, s.AgentID, s.Slug, s.Title, s.ContentMarkdown, s.Neighborhood,
		s.Visibility, s.GuestbookEnabled, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("slug already taken: %w", ErrConflict)
		}
		return 0, fmt.Errorf("insert site: %w", err)
	}

	for _, ledger := range []*model.Transaction{args.SeedTx, args.FoundingTx, args.ReferralTx} {
		if ledger == nil {
			continue
		}
		if _, err = tx.Exec(ctx, `
			UPDATE agents SET currency = currency + $2 WHERE id = $1`,
			ledger.ToAgentID, ledger.Amount); err != nil {
			return 0, fmt.Errorf("apply credit: %w", err)
		}
		if err = insertTransaction(ctx, tx, ledger); err != nil {
			return 0, err
		}
	}

	if args.Welcome != nil {
		if err = insertMessage(ctx, tx, args.Welcome); err != nil {
			return 0, err
		}
	}

	claimed, err = claimPendingMessages(ctx, tx, s.Slug, a.ID)
	if err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `DELETE FROM pending_registrations WHERE id = $1`, args.Pending)
	if err != nil {
		return 0, fmt.Errorf("consume pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent verify already consumed this challenge.
		return 0, fmt.Errorf("challenge already consumed: %w", ErrConflict)
	}

	return claimed, tx.Commit(ctx)
}

// claimPendingMessages materialises every unclaimed pending message addressed
// to the slug as a real inbox message for the new owner, marking each claimed.
func claimPendingMessages(ctx context.Context, tx pgx.Tx, slug, agentID string) (int64, error) {
	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		WITH claimed AS (
			UPDATE pending_messages
			SET claimed_at = $3, claimed_by_agent_id = $2
			WHERE to_slug = $1 AND claimed_at IS NULL
			RETURNING id, from_agent_id, subject, body, created_at
		)
		INSERT INTO messages (id, from_agent_id, to_agent_id, subject, body, read, created_at)
		SELECT id, from_agent_id, $2, subject, body, false, created_at FROM claimed`,
		slug, agentID, now)
	if err != nil {
		return 0, fmt.Errorf("claim pending messages: %w", err)
	}
	return tag.RowsAffected(), nil
}
