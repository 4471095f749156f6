package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// PendingRepository stores the ephemeral two-phase challenge rows.
type PendingRepository struct {
	db *pgxpool.Pool
}

// NewPendingRepository creates a PendingRepository.
func NewPendingRepository(db *pgxpool.Pool) *PendingRepository {
	return &PendingRepository{db: db}
}

// Create inserts a pending challenge row. Site data and the registration
// profile are serialised to JSONB so phase 2 can run on any replica.
func (r *PendingRepository) Create(ctx context.Context, p *model.PendingRegistration) error {
	var siteData []byte
	if p.SiteData != nil {
		var err error
		siteData, err = json.Marshal(p.SiteData)
		if err != nil {
			return fmt.Errorf("marshal site draft: %w", err)
		}
	}
	var profile []byte
	if p.Profile != nil {
		var err error
		profile, err = json.Marshal(p.Profile)
		if err != nil {
			return fmt.Errorf("marshal profile: %w", err)
		}
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO pending_registrations
			(id, kind, agent_id, name, key_or_wallet, challenge, referrer, site_data, profile, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.Kind, p.AgentID, p.Name, p.KeyOrWallet, p.Challenge,
		p.Referrer, siteData, profile, p.CreatedAt, p.ExpiresAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a pending challenge by its opaque token.
func (r *PendingRepository) GetByID(ctx context.Context, id string) (*model.PendingRegistration, error) {
	var p model.PendingRegistration
	var siteData, profile []byte
	err := r.db.QueryRow(ctx, `
		SELECT id, kind, agent_id, name, key_or_wallet, challenge, referrer, site_data, profile, created_at, expires_at
		FROM pending_registrations WHERE id = $1`, id).Scan(
		&p.ID, &p.Kind, &p.AgentID, &p.Name, &p.KeyOrWallet, &p.Challenge,
		&p.Referrer, &siteData, &profile, &p.CreatedAt, &p.ExpiresAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(siteData) > 0 {
		p.SiteData = &model.SiteDraft{}
		if err := json.Unmarshal(siteData, p.SiteData); err != nil {
			return nil, fmt.Errorf("unmarshal site draft: %w", err)
		}
	}
	if len(profile) > 0 {
		p.Profile = &model.PendingProfile{}
		if err := json.Unmarshal(profile, p.Profile); err != nil {
			return nil, fmt.Errorf("unmarshal profile: %w", err)
		}
	}
	return &p, nil
}

// Delete removes a consumed or abandoned challenge.
func (r *PendingRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM pending_registrations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpired purges challenges past their window; returns rows removed.
func (r *PendingRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM pending_registrations WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge expired pendings: %w", err)
	}
	return tag.RowsAffected(), nil
}
