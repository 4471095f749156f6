package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyRepository stores bcrypt-hashed platform operator keys. These are
// few and rarely checked, so the bcrypt cost is fine on the hot path they
// never sit on.
type AdminKeyRepository struct {
	db *pgxpool.Pool
}

// NewAdminKeyRepository creates an AdminKeyRepository.
func NewAdminKeyRepository(db *pgxpool.Pool) *AdminKeyRepository {
	return &AdminKeyRepository{db: db}
}

// Add hashes and stores a new admin key under the given label.
func (r *AdminKeyRepository) Add(ctx context.Context, id, label, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin key: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO admin_keys (id, label, key_hash, created_at)
		VALUES ($1, $2, $3, $4)`, id, label, string(hash), time.Now().UTC())
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Check reports whether the presented key matches any stored admin key.
func (r *AdminKeyRepository) Check(ctx context.Context, key string) (bool, error) {
	rows, err := r.db.Query(ctx, `SELECT key_hash FROM admin_keys WHERE revoked_at IS NULL`)
	if err != nil {
		return false, fmt.Errorf("load admin keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return false, err
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Revoke marks an admin key unusable without deleting the audit trail.
func (r *AdminKeyRepository) Revoke(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE admin_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`,
		id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns key labels and creation times for the operator CLI.
func (r *AdminKeyRepository) List(ctx context.Context) ([]AdminKeyInfo, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, label, created_at, revoked_at FROM admin_keys ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list admin keys: %w", err)
	}
	defer rows.Close()

	var out []AdminKeyInfo
	for rows.Next() {
		var info AdminKeyInfo
		if err := rows.Scan(&info.ID, &info.Label, &info.CreatedAt, &info.RevokedAt); err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// AdminKeyInfo is the non-secret view of a stored admin key.
type AdminKeyInfo struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}
