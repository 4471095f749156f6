package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// JobRepository provides job, attempt, and verification-run access. Every
// status transition names the expected prior state in its WHERE clause so a
// lost race surfaces as ErrConflict rather than a silent double-apply.
type JobRepository struct {
	db *pgxpool.Pool
}

// NewJobRepository creates a JobRepository.
func NewJobRepository(db *pgxpool.Pool) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `
	id, poster_id, title, description, reward_lamports, reward_token,
	verification_template, verification_params, status, platform_funded,
	worker_id, claimed_at, completed_at, created_at, expires_at,
	escrow_address, escrow_status, escrow_tx, escrow_release_tx,
	escrow_refund_tx, escrow_submitted_at, escrow_review_deadline`

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.PosterID, &j.Title, &j.Description, &j.RewardLamports,
		&j.RewardToken, &j.VerificationTemplate, &j.VerificationParams,
		&j.Status, &j.PlatformFunded, &j.WorkerID, &j.ClaimedAt, &j.CompletedAt,
		&j.CreatedAt, &j.ExpiresAt, &j.EscrowAddress, &j.EscrowStatus,
		&j.EscrowTx, &j.EscrowReleaseTx, &j.EscrowRefundTx,
		&j.EscrowSubmittedAt, &j.EscrowReviewDeadline,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// Create inserts a job in status created with its derived escrow address.
func (r *JobRepository) Create(ctx context.Context, j *model.Job) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO jobs
			(id, poster_id, title, description, reward_lamports, reward_token,
			 verification_template, verification_params, status, platform_funded,
			 created_at, expires_at, escrow_address, escrow_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		j.ID, j.PosterID, j.Title, j.Description, j.RewardLamports, j.RewardToken,
		j.VerificationTemplate, j.VerificationParams, j.Status, j.PlatformFunded,
		j.CreatedAt, j.ExpiresAt, j.EscrowAddress, j.EscrowStatus)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetByID retrieves a job.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(r.db.QueryRow(ctx, q, id))
}

// GetByEscrowAddress maps an on-chain escrow account back to its job.
func (r *JobRepository) GetByEscrowAddress(ctx context.Context, addr string) (*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE escrow_address = $1`
	return scanJob(r.db.QueryRow(ctx, q, addr))
}

// List returns jobs matching the filter, newest first. Unfunded jobs are
// hidden unless IncludeUnfunded is set.
func (r *JobRepository) List(ctx context.Context, f model.JobListFilter) ([]*model.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR verification_template = $2)
		  AND ($3 = 0 OR reward_lamports >= $3)
		  AND ($4 = 0 OR reward_lamports <= $4)
		  AND ($5 = true OR escrow_status != 'unfunded' OR platform_funded)
		ORDER BY created_at DESC
		LIMIT $6 OFFSET $7`
	rows, err := r.db.Query(ctx, q,
		string(f.Status), f.Template, f.MinReward, f.MaxReward,
		f.IncludeUnfunded, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// MarkFunded promotes a job to open once its escrow is observed funded.
// Idempotent on the funding signature: a second webhook delivery of the same
// signature returns ErrConflict without re-applying.
func (r *JobRepository) MarkFunded(ctx context.Context, id, fundingTx string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'open', escrow_status = 'funded', escrow_tx = $2
		WHERE id = $1 AND status = 'created' AND escrow_status = 'unfunded'`,
		id, fundingTx)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// AssignWorker records the winning claim for exclusive-review templates,
// moving open → in_progress. Only one concurrent claimant wins.
func (r *JobRepository) AssignWorker(ctx context.Context, id, workerID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'in_progress', worker_id = $2, claimed_at = $3
		WHERE id = $1 AND status = 'open' AND worker_id = ''`,
		id, workerID, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CompleteWithWorker is the race-winning transition: the first verified
// submission moves the job from open or in_progress to completed, records
// the winner, and flips escrow to pending_review with the 24h deadline.
func (r *JobRepository) CompleteWithWorker(ctx context.Context, id, workerID string) error {
	now := time.Now().UTC()
	deadline := now.Add(model.EscrowReviewWindow)
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'completed', worker_id = $2, completed_at = $3,
			escrow_status = 'pending_review',
			escrow_submitted_at = $3, escrow_review_deadline = $4
		WHERE id = $1 AND status IN ('open', 'in_progress')
		  AND (worker_id = '' OR worker_id = $2)`,
		id, workerID, now, deadline)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkPendingVerification parks a manual_approval submission for the poster.
func (r *JobRepository) MarkPendingVerification(ctx context.Context, id, workerID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'pending_verification', worker_id = $2
		WHERE id = $1 AND status = 'in_progress' AND worker_id = $2`,
		id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ApproveManual moves a manually reviewed job to completed, starting the
// escrow review clock the same way a verified submission does.
func (r *JobRepository) ApproveManual(ctx context.Context, id string) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET
			status = 'completed', completed_at = $2,
			escrow_status = 'pending_review',
			escrow_submitted_at = $2, escrow_review_deadline = $3
		WHERE id = $1 AND status = 'pending_verification'`,
		id, now, now.Add(model.EscrowReviewWindow))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ReopenAfterReject returns a rejected manual_approval job to the open
// pool and clears the parked worker.
func (r *JobRepository) ReopenAfterReject(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'open', worker_id = ''
		WHERE id = $1 AND status = 'pending_verification'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkPaid finalises a completed job once the release transaction lands.
func (r *JobRepository) MarkPaid(ctx context.Context, id, releaseTx string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'paid', escrow_status = 'released', escrow_release_tx = $2
		WHERE id = $1 AND status IN ('completed', 'disputed')`,
		id, releaseTx)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRefunded finalises a job whose escrow returned to the poster.
func (r *JobRepository) MarkRefunded(ctx context.Context, id, refundTx string, to model.JobStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = $3, escrow_status = 'refunded', escrow_refund_tx = $2
		WHERE id = $1 AND status NOT IN ('paid', 'refunded', 'expired')`,
		id, refundTx, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Cancel lets the poster withdraw a job no one has completed.
func (r *JobRepository) Cancel(ctx context.Context, id, posterID string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled'
		WHERE id = $1 AND poster_id = $2 AND status IN ('created', 'open')`,
		id, posterID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkDisputed freezes a completed job while the dispute vote runs.
func (r *JobRepository) MarkDisputed(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'disputed'
		WHERE id = $1 AND status = 'completed'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// ListAutoReleaseDue returns completed jobs whose review window has lapsed
// without poster action, oldest first, bounded by the sweeper batch size.
func (r *JobRepository) ListAutoReleaseDue(ctx context.Context, now time.Time, limit int) ([]*model.Job, error) {
	q := `SELECT j.id, j.poster_id, j.title, j.description, j.reward_lamports,
		j.reward_token, j.verification_template, j.verification_params, j.status,
		j.platform_funded, j.worker_id, j.claimed_at, j.completed_at, j.created_at,
		j.expires_at, j.escrow_address, j.escrow_status, j.escrow_tx,
		j.escrow_release_tx, j.escrow_refund_tx, j.escrow_submitted_at,
		j.escrow_review_deadline
		FROM jobs j
		JOIN agents w ON w.id = j.worker_id
		WHERE j.status IN ('completed', 'pending_verification')
		  AND j.escrow_status = 'pending_review'
		  AND j.escrow_address != '' AND j.escrow_release_tx = ''
		  AND j.escrow_review_deadline IS NOT NULL AND j.escrow_review_deadline < $1
		  AND w.wallet_address != ''
		ORDER BY j.escrow_review_deadline
		LIMIT $2`
	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list auto-release due: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListAwaitingWallet returns a worker's won jobs whose escrow release is
// blocked only by the missing payout wallet. The wallet-bind flow sweeps
// these immediately instead of waiting out the review window.
func (r *JobRepository) ListAwaitingWallet(ctx context.Context, workerID string) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE worker_id = $1
		  AND status = 'completed'
		  AND escrow_status IN ('funded', 'pending_review')
		  AND escrow_address != '' AND escrow_release_tx = ''
		ORDER BY completed_at`
	rows, err := r.db.Query(ctx, q, workerID)
	if err != nil {
		return nil, fmt.Errorf("list awaiting wallet: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListUnsyncedFunded returns jobs still created/unfunded whose escrow may
// have been funded without the webhook landing; the sweeper re-checks them
// against the chain.
func (r *JobRepository) ListUnsyncedFunded(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status = 'created' AND escrow_status = 'unfunded' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	rows, err := r.db.Query(ctx, q, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list unsynced jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ExpireOverdue marks open jobs past their expiry; returns rows affected.
func (r *JobRepository) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = 'expired'
		WHERE status IN ('created', 'open')
		  AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- attempts ---

// UpsertAttempt records a worker starting (or restarting) a job. One row per
// (job, worker); restarting a lost or failed attempt resets it to working.
func (r *JobRepository) UpsertAttempt(ctx context.Context, a *model.JobAttempt) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO job_attempts (id, job_id, worker_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (job_id, worker_id) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE job_attempts.status IN ('working', 'lost', 'failed')`,
		a.ID, a.JobID, a.WorkerID, a.Status, a.CreatedAt)
	return err
}

// GetAttempt retrieves the (job, worker) attempt row.
func (r *JobRepository) GetAttempt(ctx context.Context, jobID, workerID string) (*model.JobAttempt, error) {
	var a model.JobAttempt
	err := r.db.QueryRow(ctx, `
		SELECT id, job_id, worker_id, status, submission, submitted_at, created_at, updated_at
		FROM job_attempts WHERE job_id = $1 AND worker_id = $2`, jobID, workerID).Scan(
		&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Submission, &a.SubmittedAt,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// ListAttempts returns every attempt on a job.
func (r *JobRepository) ListAttempts(ctx context.Context, jobID string) ([]*model.JobAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, job_id, worker_id, status, submission, submitted_at, created_at, updated_at
		FROM job_attempts WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*model.JobAttempt
	for rows.Next() {
		var a model.JobAttempt
		if err := rows.Scan(&a.ID, &a.JobID, &a.WorkerID, &a.Status, &a.Submission,
			&a.SubmittedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// TransitionAttempt moves an attempt between states, recording the
// submission payload when provided.
func (r *JobRepository) TransitionAttempt(ctx context.Context, jobID, workerID string, from, to model.AttemptStatus, submission string) error {
	now := time.Now().UTC()
	var submittedAt *time.Time
	if to == model.AttemptSubmitted || to == model.AttemptPendingReview {
		submittedAt = &now
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE job_attempts SET
			status = $4,
			submission = CASE WHEN $5 != '' THEN $5 ELSE submission END,
			submitted_at = COALESCE($6, submitted_at),
			updated_at = $7
		WHERE job_id = $1 AND worker_id = $2 AND status = $3`,
		jobID, workerID, from, to, submission, submittedAt, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// MarkOtherAttemptsLost closes every non-winning attempt once a race is
// decided; returns the number of losers notified.
func (r *JobRepository) MarkOtherAttemptsLost(ctx context.Context, jobID, winnerID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE job_attempts SET status = 'lost', updated_at = $3
		WHERE job_id = $1 AND worker_id != $2
		  AND status IN ('working', 'submitted', 'pending_review')
		RETURNING worker_id`, jobID, winnerID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("mark losers: %w", err)
	}
	defer rows.Close()

	var losers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		losers = append(losers, id)
	}
	return losers, rows.Err()
}

// HasPendingReview reports whether any attempt on the job is already parked
// in pending_review. Manual-approval jobs admit at most one at a time.
func (r *JobRepository) HasPendingReview(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM job_attempts WHERE job_id = $1 AND status = 'pending_review')`,
		jobID).Scan(&exists)
	return exists, err
}

// --- verification runs ---

// RecordVerificationRun appends the audit row for one predicate evaluation.
func (r *JobRepository) RecordVerificationRun(ctx context.Context, run *model.VerificationRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO verification_runs (id, job_id, worker_id, template, passed, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.JobID, run.WorkerID, run.Template, run.Passed, run.Detail, run.CreatedAt)
	return err
}

// ListVerificationRuns returns a job's evaluation history, newest first.
func (r *JobRepository) ListVerificationRuns(ctx context.Context, jobID string, limit int) ([]*model.VerificationRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, job_id, worker_id, template, passed, detail, created_at
		FROM verification_runs WHERE job_id = $1
		ORDER BY created_at DESC LIMIT $2`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list verification runs: %w", err)
	}
	defer rows.Close()

	var out []*model.VerificationRun
	for rows.Next() {
		var v model.VerificationRun
		if err := rows.Scan(&v.ID, &v.JobID, &v.WorkerID, &v.Template, &v.Passed, &v.Detail, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// CountCompletedBy counts jobs an agent has won since a point in time.
// Backs the job_completion verification template.
func (r *JobRepository) CountCompletedBy(ctx context.Context, workerID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM job_attempts
		WHERE worker_id = $1 AND status = 'won' AND updated_at >= $2`,
		workerID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed jobs: %w", err)
	}
	return n, nil
}
