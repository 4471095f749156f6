package model

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// JobStatus is the marketplace state machine. Transitions are linearised by
// conditional updates naming the expected prior state.
type JobStatus string

const (
	JobCreated             JobStatus = "created"
	JobOpen                JobStatus = "open"
	JobInProgress          JobStatus = "in_progress"
	JobPendingVerification JobStatus = "pending_verification"
	JobCompleted           JobStatus = "completed"
	JobPaid                JobStatus = "paid"
	JobCancelled           JobStatus = "cancelled"
	JobRefunded            JobStatus = "refunded"
	JobExpired             JobStatus = "expired"
	JobDisputed            JobStatus = "disputed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobPaid, JobCancelled, JobRefunded, JobExpired:
		return true
	}
	return false
}

// EscrowStatus mirrors the local view of the on-chain escrow account.
type EscrowStatus string

const (
	EscrowUnfunded      EscrowStatus = "unfunded"
	EscrowFunded        EscrowStatus = "funded"
	EscrowPendingReview EscrowStatus = "pending_review"
	EscrowReleased      EscrowStatus = "released"
	EscrowRefunded      EscrowStatus = "refunded"
)

// MinRewardLamports is the smallest acceptable bounty.
const MinRewardLamports = 1_000_000

// EscrowReviewWindow is how long the poster has to approve or dispute a
// submission before the sweeper may auto-release to the worker.
const EscrowReviewWindow = 24 * time.Hour

// EscrowExpiry is the on-chain escrow lifetime set at creation.
const EscrowExpiry = 30 * 24 * time.Hour

// Job is a bounty with escrowed on-chain reward.
type Job struct {
	ID                   string          `json:"id"                    db:"id"`
	PosterID             string          `json:"poster_id"             db:"poster_id"`
	Title                string          `json:"title"                 db:"title"`
	Description          string          `json:"description"           db:"description"`
	RewardLamports       int64           `json:"reward_lamports"       db:"reward_lamports"`
	RewardToken          string          `json:"reward_token"          db:"reward_token"`
	VerificationTemplate string          `json:"verification_template" db:"verification_template"`
	VerificationParams   json.RawMessage `json:"verification_params"   db:"verification_params"`
	Status               JobStatus       `json:"status"                db:"status"`
	PlatformFunded       bool            `json:"platform_funded"       db:"platform_funded"`
	WorkerID             string          `json:"worker_id,omitempty"   db:"worker_id"`
	ClaimedAt            *time.Time      `json:"claimed_at,omitempty"  db:"claimed_at"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt            time.Time       `json:"created_at"            db:"created_at"`
	ExpiresAt            *time.Time      `json:"expires_at,omitempty"  db:"expires_at"`

	EscrowAddress        string       `json:"escrow_address,omitempty"    db:"escrow_address"`
	EscrowStatus         EscrowStatus `json:"escrow_status"               db:"escrow_status"`
	EscrowTx             string       `json:"escrow_tx,omitempty"         db:"escrow_tx"`
	EscrowReleaseTx      string       `json:"escrow_release_tx,omitempty" db:"escrow_release_tx"`
	EscrowRefundTx       string       `json:"escrow_refund_tx,omitempty"  db:"escrow_refund_tx"`
	EscrowSubmittedAt    *time.Time   `json:"escrow_submitted_at,omitempty"    db:"escrow_submitted_at"`
	EscrowReviewDeadline *time.Time   `json:"escrow_review_deadline,omitempty" db:"escrow_review_deadline"`
}

// AttemptStatus tracks one worker's run at a job. Multiple working/submitted
// rows may coexist; at most one pending_review; exactly one won.
type AttemptStatus string

const (
	AttemptWorking       AttemptStatus = "working"
	AttemptSubmitted     AttemptStatus = "submitted"
	AttemptPendingReview AttemptStatus = "pending_review"
	AttemptWon           AttemptStatus = "won"
	AttemptLost          AttemptStatus = "lost"
	AttemptFailed        AttemptStatus = "failed"
)

// JobAttempt is one (job, worker) pair in the race-to-complete model.
type JobAttempt struct {
	ID          string        `json:"id"           db:"id"`
	JobID       string        `json:"job_id"       db:"job_id"`
	WorkerID    string        `json:"worker_id"    db:"worker_id"`
	Status      AttemptStatus `json:"status"       db:"status"`
	Submission  string        `json:"submission,omitempty" db:"submission"`
	SubmittedAt *time.Time    `json:"submitted_at,omitempty" db:"submitted_at"`
	CreatedAt   time.Time     `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"   db:"updated_at"`
}

// VerificationRun is the persisted audit record of one predicate evaluation.
type VerificationRun struct {
	ID        string          `json:"id"         db:"id"`
	JobID     string          `json:"job_id"     db:"job_id"`
	WorkerID  string          `json:"worker_id"  db:"worker_id"`
	Template  string          `json:"template"   db:"template"`
	Passed    bool            `json:"passed"     db:"passed"`
	Detail    json.RawMessage `json:"detail"     db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// CreateJobRequest is the POST /api/jobs payload.
type CreateJobRequest struct {
	Title                string          `json:"title" binding:"required"`
	Description          string          `json:"description" binding:"required"`
	RewardLamports       int64           `json:"reward_lamports" binding:"required"`
	RewardToken          string          `json:"reward_token"`
	VerificationTemplate string          `json:"verification_template" binding:"required"`
	VerificationParams   json.RawMessage `json:"verification_params"`
	PlatformFunded       bool            `json:"platform_funded"`
	ExpiresAt            *time.Time      `json:"expires_at"`
}

// Validate checks the field-level job constraints; template parameters are
// validated separately against the template registry.
func (r *CreateJobRequest) Validate() error {
	if n := utf8.RuneCountInString(r.Title); n < 5 || n > 100 {
		return Validation("title", fmt.Sprintf("title must be 5-100 characters, got %d", n), "")
	}
	if n := utf8.RuneCountInString(r.Description); n < 20 || n > 10000 {
		return Validation("description", fmt.Sprintf("description must be 20-10000 characters, got %d", n),
			"describe the work, the acceptance criteria, and the deadline")
	}
	if r.RewardLamports < MinRewardLamports {
		return Validation("reward_lamports",
			fmt.Sprintf("reward must be at least %d lamports, got %d", MinRewardLamports, r.RewardLamports),
			"1000000 lamports = 0.001 SOL is the minimum bounty")
	}
	return nil
}

// JobListFilter narrows GET /api/jobs.
type JobListFilter struct {
	Status          JobStatus
	Template        string
	MinReward       int64
	MaxReward       int64
	IncludeUnfunded bool
	Limit           int
	Offset          int
}
