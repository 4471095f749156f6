package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// EscrowAuditRepository appends the escrow event log and sweeper run history.
type EscrowAuditRepository struct {
	db *pgxpool.Pool
}

// NewEscrowAuditRepository creates an EscrowAuditRepository.
func NewEscrowAuditRepository(db *pgxpool.Pool) *EscrowAuditRepository {
	return &EscrowAuditRepository{db: db}
}

// RecordEvent appends an escrow audit row. The unique index on
// (job_id, signature) makes a replayed webhook delivery an ErrConflict,
// which callers treat as already-processed.
func (r *EscrowAuditRepository) RecordEvent(ctx context.Context, e *model.EscrowEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrow_events (id, job_id, kind, signature, source, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.JobID, e.Kind, e.Signature, e.Source, e.Detail, e.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ListEvents returns a job's escrow history, oldest first.
func (r *EscrowAuditRepository) ListEvents(ctx context.Context, jobID string) ([]*model.EscrowEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, job_id, kind, signature, source, detail, created_at
		FROM escrow_events WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list escrow events: %w", err)
	}
	defer rows.Close()

	var out []*model.EscrowEvent
	for rows.Next() {
		var e model.EscrowEvent
		if err := rows.Scan(&e.ID, &e.JobID, &e.Kind, &e.Signature, &e.Source, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecordCronRun persists one sweeper invocation's audit record.
func (r *EscrowAuditRepository) RecordCronRun(ctx context.Context, run *model.EscrowCronRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO escrow_cron_runs
			(id, started_at, finished_at, scanned, released, synced, expired, failures, elapsed_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.StartedAt, run.FinishedAt, run.Scanned, run.Released,
		run.Synced, run.Expired, run.Failures, run.ElapsedMS)
	return err
}

// LastCronRunStarted returns when the most recent sweeper run began, or a
// zero time when none has. The sweeper uses it as a cross-replica throttle.
func (r *EscrowAuditRepository) LastCronRunStarted(ctx context.Context) (started *model.EscrowCronRun, err error) {
	var run model.EscrowCronRun
	err = r.db.QueryRow(ctx, `
		SELECT id, started_at, finished_at, scanned, released, synced, expired, failures, elapsed_ms
		FROM escrow_cron_runs ORDER BY started_at DESC LIMIT 1`).Scan(
		&run.ID, &run.StartedAt, &run.FinishedAt, &run.Scanned, &run.Released,
		&run.Synced, &run.Expired, &run.Failures, &run.ElapsedMS)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last cron run: %w", err)
	}
	return &run, nil
}
