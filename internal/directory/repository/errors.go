// Package repository provides typed PostgreSQL access for the directory.
// Every uniqueness contract (agent name/key/wallet, site slug, one vote per
// voter) is enforced by a unique index and surfaced as ErrConflict; every
// state transition is a conditional update whose zero-rows-affected outcome
// is surfaced as ErrConflict or ErrNotFound so callers can distinguish a
// lost race from a missing row.
package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint or an expected
	// prior state did not hold.
	ErrConflict = errors.New("conflict")
)

// isUniqueViolation reports whether err is a Postgres 23505 unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
