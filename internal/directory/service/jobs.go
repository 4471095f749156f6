package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/escrow"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// jobRepo is the persistence surface for the marketplace.
// *repository.JobRepository satisfies this interface.
type jobRepo interface {
	Create(ctx context.Context, j *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, f model.JobListFilter) ([]*model.Job, error)
	MarkFunded(ctx context.Context, id, fundingTx string) error
	AssignWorker(ctx context.Context, id, workerID string) error
	CompleteWithWorker(ctx context.Context, id, workerID string) error
	MarkPendingVerification(ctx context.Context, id, workerID string) error
	ApproveManual(ctx context.Context, id string) error
	MarkPaid(ctx context.Context, id, releaseTx string) error
	MarkRefunded(ctx context.Context, id, refundTx string, to model.JobStatus) error
	Cancel(ctx context.Context, id, posterID string) error
	MarkDisputed(ctx context.Context, id string) error
	ReopenAfterReject(ctx context.Context, id string) error
	UpsertAttempt(ctx context.Context, a *model.JobAttempt) error
	GetAttempt(ctx context.Context, jobID, workerID string) (*model.JobAttempt, error)
	ListAttempts(ctx context.Context, jobID string) ([]*model.JobAttempt, error)
	TransitionAttempt(ctx context.Context, jobID, workerID string, from, to model.AttemptStatus, submission string) error
	MarkOtherAttemptsLost(ctx context.Context, jobID, winnerID string) ([]string, error)
	ListAwaitingWallet(ctx context.Context, workerID string) ([]*model.Job, error)
	HasPendingReview(ctx context.Context, jobID string) (bool, error)
	RecordVerificationRun(ctx context.Context, run *model.VerificationRun) error
	ListVerificationRuns(ctx context.Context, jobID string, limit int) ([]*model.VerificationRun, error)
}

type jobAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
}

type jobAuditRepo interface {
	RecordEvent(ctx context.Context, e *model.EscrowEvent) error
}

// escrowClient is the on-chain surface. *escrow.Client satisfies this
// interface; tests substitute a stub.
type escrowClient interface {
	BuildCreateTx(ctx context.Context, jobID, posterWallet string, lamports uint64, expiresUnix int64) (*escrow.UnsignedTx, error)
	BuildSubmitTx(ctx context.Context, jobID, posterWallet, workerWallet, submission string) (*escrow.UnsignedTx, error)
	ReleaseToWorker(ctx context.Context, jobID, posterWallet, workerWallet string, amount uint64) (string, *escrow.FeeBreakdown, error)
	RefundToPoster(ctx context.Context, jobID, posterWallet string) (string, error)
	AutoRelease(ctx context.Context, jobID, posterWallet, workerWallet string, amount uint64) (string, *escrow.FeeBreakdown, error)
	GetInfo(ctx context.Context, jobID, posterWallet string) (*escrow.Info, error)
	DeriveAddressString(jobID, posterWallet string) (string, error)
}

// verifier runs template predicates. *Verifier satisfies this interface.
type verifier interface {
	Verify(ctx context.Context, job *model.Job, workerID, submission string) (*VerifyResult, error)
}

// trustEvaluator gates posting. *TrustService satisfies this interface.
type trustEvaluator interface {
	Evaluate(ctx context.Context, agentID string, isAdmin bool) (*model.TierEvaluation, error)
}

// JobService runs the race-to-complete marketplace and its escrow
// coordination.
type JobService struct {
	jobs   jobRepo
	agents jobAgentRepo
	audit  jobAuditRepo
	chain  escrowClient
	verify verifier
	trust  trustEvaluator
	notify Notifier
	logger *zap.Logger
}

// NewJobService creates a JobService.
func NewJobService(jobs jobRepo, agents jobAgentRepo, audit jobAuditRepo, chain escrowClient, verify verifier, trust trustEvaluator, logger *zap.Logger) *JobService {
	return &JobService{
		jobs: jobs, agents: agents, audit: audit,
		chain: chain, verify: verify, trust: trust, logger: logger,
	}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *JobService) SetNotifier(n Notifier) { s.notify = n }

// CreateJobResult pairs the new job with the unsigned funding transaction
// the poster must sign (absent for platform-funded jobs).
type CreateJobResult struct {
	Job       *model.Job        `json:"job"`
	FundingTx *escrow.UnsignedTx `json:"funding_tx,omitempty"`
}

// Create validates and inserts a job. Posting requires tier 2 or above and
// a bound wallet unless the platform funds the escrow itself. The escrow
// PDA is derived and stored immediately so on-chain observations can be
// matched back before the poster signs.
func (s *JobService) Create(ctx context.Context, posterID string, req *model.CreateJobRequest) (*CreateJobResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateTemplateParams(req.VerificationTemplate, req.VerificationParams); err != nil {
		return nil, err
	}

	poster, err := s.agents.GetByID(ctx, posterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	ev, err := s.trust.Evaluate(ctx, posterID, false)
	if err != nil {
		return nil, fmt.Errorf("evaluate tier: %w", err)
	}
	if ev.Tier < model.TierResident {
		return nil, model.Validation("poster", "posting jobs requires an established residency",
			ev.NextTierHint)
	}
	if !req.PlatformFunded && !poster.HasWallet() {
		return nil, model.Validation("poster", "posting a self-funded job requires a verified wallet",
			"bind a wallet via /api/wallet/bind, or set platform_funded")
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:                   keys.MustID(),
		PosterID:             posterID,
		Title:                req.Title,
		Description:          req.Description,
		RewardLamports:       req.RewardLamports,
		RewardToken:          req.RewardToken,
		VerificationTemplate: req.VerificationTemplate,
		VerificationParams:   req.VerificationParams,
		Status:               model.JobCreated,
		PlatformFunded:       req.PlatformFunded,
		EscrowStatus:         model.EscrowUnfunded,
		CreatedAt:            now,
		ExpiresAt:            req.ExpiresAt,
	}

	result := &CreateJobResult{Job: job}
	if req.PlatformFunded {
		// Platform escrows synchronously; the job opens immediately.
		job.Status = model.JobOpen
		job.EscrowStatus = model.EscrowFunded
	} else {
		addr, err := s.chain.DeriveAddressString(job.ID, poster.WalletAddress)
		if err != nil {
			return nil, fmt.Errorf("derive escrow address: %w", err)
		}
		job.EscrowAddress = addr
		expiry := now.Add(model.EscrowExpiry).Unix()
		tx, err := s.chain.BuildCreateTx(ctx, job.ID, poster.WalletAddress, uint64(req.RewardLamports), expiry)
		if err != nil {
			return nil, fmt.Errorf("build funding tx: %w", err)
		}
		result.FundingTx = tx
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger.Info("job created",
		zap.String("job_id", job.ID),
		zap.String("poster_id", posterID),
		zap.String("template", job.VerificationTemplate),
		zap.Int64("reward_lamports", job.RewardLamports),
		zap.Bool("platform_funded", job.PlatformFunded))
	return result, nil
}

// ConfirmFunding verifies the escrow is funded on-chain and opens the job.
// Called by the poster after signing, and by the webhook/sweeper on
// observed funding events.
func (s *JobService) ConfirmFunding(ctx context.Context, jobID, signature, source string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	poster, err := s.agents.GetByID(ctx, job.PosterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	info, err := s.chain.GetInfo(ctx, job.ID, poster.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("read escrow: %w", err)
	}
	if !info.Exists || info.Status == escrow.StatusRefunded {
		return nil, model.Validation("job_id", "escrow is not funded on-chain",
			"sign and send the funding transaction first")
	}

	if err := s.jobs.MarkFunded(ctx, jobID, signature); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			// Already funded; idempotent for webhook replays.
			return s.jobs.GetByID(ctx, jobID)
		}
		return nil, fmt.Errorf("mark funded: %w", err)
	}
	s.recordEscrowEvent(ctx, jobID, model.EscrowEventFunded, signature, source)
	s.logger.Info("job funded", zap.String("job_id", jobID), zap.String("source", source))

	if s.notify != nil {
		s.notify.Broadcast("job.open", map[string]any{
			"job_id": jobID, "title": job.Title, "reward_lamports": job.RewardLamports,
		})
	}
	return s.jobs.GetByID(ctx, jobID)
}

// FundingTx rebuilds the unsigned funding transaction for a job the poster
// has not signed yet. Only the poster may ask, and only while unfunded.
func (s *JobService) FundingTx(ctx context.Context, jobID, posterID string) (*escrow.UnsignedTx, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID != posterID {
		return nil, model.Validation("job_id", "only the poster can fetch the funding transaction", "")
	}
	if job.PlatformFunded {
		return nil, model.Validation("job_id", "platform-funded jobs need no funding transaction", "")
	}
	if job.EscrowStatus != model.EscrowUnfunded {
		return nil, model.Validation("job_id", "escrow is already funded", "")
	}
	poster, err := s.agents.GetByID(ctx, posterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	expiry := time.Now().UTC().Add(model.EscrowExpiry).Unix()
	tx, err := s.chain.BuildCreateTx(ctx, job.ID, poster.WalletAddress, uint64(job.RewardLamports), expiry)
	if err != nil {
		return nil, fmt.Errorf("build funding tx: %w", err)
	}
	return tx, nil
}

// Get returns one job.
func (s *JobService) Get(ctx context.Context, id string) (*model.Job, error) {
	return s.jobs.GetByID(ctx, id)
}

// List returns jobs matching the filter, hiding expired ones from public
// listings.
func (s *JobService) List(ctx context.Context, f model.JobListFilter) ([]*model.Job, error) {
	jobs, err := s.jobs.List(ctx, f)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := jobs[:0]
	for _, j := range jobs {
		if j.ExpiresAt != nil && j.ExpiresAt.Before(now) && !j.Status.Terminal() {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// Attempt records a worker starting on a job. Informational only: it never
// locks the job, and any number of workers may race.
func (s *JobService) Attempt(ctx context.Context, jobID, workerID string) (*model.JobAttempt, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobOpen && job.Status != model.JobInProgress {
		return nil, model.Validation("job_id",
			fmt.Sprintf("job is %s, not accepting attempts", job.Status), "")
	}
	if job.PosterID == workerID {
		return nil, model.Validation("job_id", "you cannot work your own job", "")
	}

	a := &model.JobAttempt{
		ID:        keys.MustID(),
		JobID:     jobID,
		WorkerID:  workerID,
		Status:    model.AttemptWorking,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.UpsertAttempt(ctx, a); err != nil {
		return nil, fmt.Errorf("record attempt: %w", err)
	}
	return s.jobs.GetAttempt(ctx, jobID, workerID)
}

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	Won          bool               `json:"won"`
	Pending      bool               `json:"pending"` // parked for manual review
	Verification *VerifyResult      `json:"verification,omitempty"`
	SubmitTx     *escrow.UnsignedTx `json:"submit_tx,omitempty"`
	Job          *model.Job         `json:"job"`
}

// Submit runs the race-to-complete decision. Auto-verifiable templates run
// the predicate synchronously: a pass atomically wins the job, a fail marks
// only the attempt. manual_approval parks the first submitter exclusively.
func (s *JobService) Submit(ctx context.Context, jobID, workerID, submission string) (*SubmitResult, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID == workerID {
		return nil, model.Validation("job_id", "you cannot work your own job", "")
	}
	if _, err := s.jobs.GetAttempt(ctx, jobID, workerID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Validation("job_id", "attempt the job before submitting", "")
		}
		return nil, fmt.Errorf("lookup attempt: %w", err)
	}

	if job.VerificationTemplate == "manual_approval" {
		return s.submitForReview(ctx, job, workerID, submission)
	}

	if job.Status != model.JobOpen && job.Status != model.JobInProgress {
		return nil, model.Validation("job_id",
			fmt.Sprintf("job is %s, not accepting submissions", job.Status), "")
	}

	// The attempt sits in submitted while the predicate runs; a conflict
	// means a previous submit already moved it there.
	if err := s.jobs.TransitionAttempt(ctx, jobID, workerID,
		model.AttemptWorking, model.AttemptSubmitted, submission); err != nil && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("mark attempt submitted: %w", err)
	}

	res, err := s.verify.Verify(ctx, job, workerID, submission)
	if err != nil {
		return nil, fmt.Errorf("run verification: %w", err)
	}
	s.recordRun(ctx, job, workerID, res)

	if !res.Passed {
		if err := s.jobs.TransitionAttempt(ctx, jobID, workerID,
			model.AttemptSubmitted, model.AttemptFailed, submission); err != nil && !errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("mark attempt failed", zap.Error(err))
		}
		return &SubmitResult{Won: false, Verification: res, Job: job}, nil
	}

	// Verified. First conditional update wins the race.
	if err := s.jobs.CompleteWithWorker(ctx, jobID, workerID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("job_id", "another worker completed this job first", "")
		}
		return nil, fmt.Errorf("complete job: %w", err)
	}
	if err := s.jobs.TransitionAttempt(ctx, jobID, workerID,
		model.AttemptSubmitted, model.AttemptWon, submission); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("mark attempt won", zap.Error(err))
	}
	losers, err := s.jobs.MarkOtherAttemptsLost(ctx, jobID, workerID)
	if err != nil {
		s.logger.Warn("mark losers", zap.Error(err))
	}

	s.recordEscrowEvent(ctx, jobID, model.EscrowEventWorkSubmitted, "", "api")
	s.logger.Info("job completed",
		zap.String("job_id", jobID), zap.String("worker_id", workerID),
		zap.Int("losing_attempts", len(losers)))

	if s.notify != nil {
		s.notify.NotifyAgent(job.PosterID, "job.completed", map[string]string{
			"job_id": jobID, "worker_id": workerID,
		})
		for _, loser := range losers {
			s.notify.NotifyAgent(loser, "job.lost", map[string]string{"job_id": jobID})
		}
	}

	result := &SubmitResult{Won: true, Verification: res}
	result.Job, err = s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	// Hand the worker an unsigned submit_work tx so the on-chain review
	// clock starts; release still needs the window or poster approval.
	worker, err := s.agents.GetByID(ctx, workerID)
	if err == nil && worker.HasWallet() && !job.PlatformFunded {
		poster, perr := s.agents.GetByID(ctx, job.PosterID)
		if perr == nil && poster.HasWallet() {
			if tx, txErr := s.chain.BuildSubmitTx(ctx, jobID, poster.WalletAddress, worker.WalletAddress, submission); txErr == nil {
				result.SubmitTx = tx
			} else {
				s.logger.Warn("build submit tx", zap.Error(txErr))
			}
		}
	}
	return result, nil
}

// submitForReview handles manual_approval: the first submitter acquires
// exclusive review and the job leaves the open pool until resolved.
func (s *JobService) submitForReview(ctx context.Context, job *model.Job, workerID, submission string) (*SubmitResult, error) {
	busy, err := s.jobs.HasPendingReview(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("check review queue: %w", err)
	}
	if busy {
		return nil, model.Validation("job_id", "another submission is already under review",
			"wait for the poster to approve or reject it")
	}
	if job.Status == model.JobOpen {
		if err := s.jobs.AssignWorker(ctx, job.ID, workerID); err != nil && !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("assign worker: %w", err)
		}
	}
	if err := s.jobs.TransitionAttempt(ctx, job.ID, workerID,
		model.AttemptWorking, model.AttemptPendingReview, submission); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("job_id", "attempt is not in a submittable state", "")
		}
		return nil, fmt.Errorf("park submission: %w", err)
	}
	if err := s.jobs.MarkPendingVerification(ctx, job.ID, workerID); err != nil && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("mark pending verification: %w", err)
	}

	s.logger.Info("submission parked for review",
		zap.String("job_id", job.ID), zap.String("worker_id", workerID))
	if s.notify != nil {
		s.notify.NotifyAgent(job.PosterID, "job.review", map[string]string{
			"job_id": job.ID, "worker_id": workerID,
		})
	}
	updated, err := s.jobs.GetByID(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Pending: true, Job: updated}, nil
}

// Approve lets the poster accept a pending_verification submission, then
// attempts escrow release.
func (s *JobService) Approve(ctx context.Context, jobID, posterID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID != posterID {
		return nil, model.Validation("job_id", "only the poster can approve", "")
	}
	if job.Status != model.JobPendingVerification {
		return nil, model.Validation("job_id",
			fmt.Sprintf("job is %s, not pending verification", job.Status), "")
	}
	if err := s.jobs.ApproveManual(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("job_id", "job state changed; reload and retry", "")
		}
		return nil, fmt.Errorf("approve: %w", err)
	}
	if err := s.jobs.TransitionAttempt(ctx, jobID, job.WorkerID,
		model.AttemptPendingReview, model.AttemptWon, ""); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("mark attempt won", zap.Error(err))
	}
	if _, err := s.jobs.MarkOtherAttemptsLost(ctx, jobID, job.WorkerID); err != nil {
		s.logger.Warn("mark losers", zap.Error(err))
	}

	if s.notify != nil {
		s.notify.NotifyAgent(job.WorkerID, "job.approved", map[string]string{"job_id": jobID})
	}
	if _, err := s.Release(ctx, jobID, "api"); err != nil {
		// Release is retried by the sweeper; approval itself stands.
		s.logger.Warn("release after approval failed", zap.Error(err), zap.String("job_id", jobID))
	}
	return s.jobs.GetByID(ctx, jobID)
}

// Reject lets the poster turn down a pending submission, reopening the job.
func (s *JobService) Reject(ctx context.Context, jobID, posterID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.PosterID != posterID {
		return nil, model.Validation("job_id", "only the poster can reject", "")
	}
	if job.Status != model.JobPendingVerification {
		return nil, model.Validation("job_id", "no submission is under review", "")
	}
	if err := s.jobs.TransitionAttempt(ctx, jobID, job.WorkerID,
		model.AttemptPendingReview, model.AttemptFailed, ""); err != nil && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("fail attempt: %w", err)
	}
	if err := s.jobs.ReopenAfterReject(ctx, jobID); err != nil {
		return nil, fmt.Errorf("reopen job: %w", err)
	}
	if s.notify != nil {
		s.notify.NotifyAgent(job.WorkerID, "job.rejected", map[string]string{"job_id": jobID})
	}
	return s.jobs.GetByID(ctx, jobID)
}

// Cancel lets the poster withdraw an unclaimed job.
func (s *JobService) Cancel(ctx context.Context, jobID, posterID string) error {
	err := s.jobs.Cancel(ctx, jobID, posterID)
	if errors.Is(err, repository.ErrConflict) {
		return model.Validation("job_id", "job can only be cancelled while created or open", "")
	}
	return err
}

// Dispute freezes a completed job and opens a JobDispute via the governance
// service; the caller wires the two together.
func (s *JobService) Dispute(ctx context.Context, jobID, byID string) (*model.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if byID != job.PosterID && byID != job.WorkerID {
		return nil, model.Validation("job_id", "only the poster or worker can dispute", "")
	}
	if err := s.jobs.MarkDisputed(ctx, jobID); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("job_id", "only completed jobs can be disputed", "")
		}
		return nil, fmt.Errorf("mark disputed: %w", err)
	}
	if s.notify != nil {
		other := job.PosterID
		if byID == job.PosterID {
			other = job.WorkerID
		}
		s.notify.NotifyAgent(other, "job.disputed", map[string]string{"job_id": jobID})
	}
	return s.jobs.GetByID(ctx, jobID)
}

// Release pays the worker out of escrow. Used by poster approval, the
// admin surface, and the sweeper.
func (s *JobService) Release(ctx context.Context, jobID, source string) (*escrow.FeeBreakdown, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.WorkerID == "" {
		return nil, model.Validation("job_id", "job has no winning worker", "")
	}
	poster, err := s.agents.GetByID(ctx, job.PosterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	worker, err := s.agents.GetByID(ctx, job.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}
	if !worker.HasWallet() {
		return nil, model.Validation("job_id", "worker has no wallet bound yet",
			"payment is held until the worker binds a wallet")
	}

	sig, fees, err := s.chain.ReleaseToWorker(ctx, jobID, poster.WalletAddress, worker.WalletAddress, uint64(job.RewardLamports))
	if err != nil {
		return nil, fmt.Errorf("release escrow: %w", err)
	}
	if err := s.jobs.MarkPaid(ctx, jobID, sig); err != nil && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	s.recordEscrowEvent(ctx, jobID, model.EscrowEventReleased, sig, source)
	s.logger.Info("escrow released",
		zap.String("job_id", jobID), zap.String("signature", sig), zap.String("source", source))
	if s.notify != nil {
		s.notify.NotifyAgent(job.WorkerID, "job.paid", map[string]any{
			"job_id": jobID, "signature": sig, "lamports": fees.ToWorker,
		})
	}
	return fees, nil
}

// ReleaseAwaitingWallet pays out every completed job of the worker whose
// escrow was blocked only on a missing payout wallet. Called right after a
// wallet bind; individual release failures are logged and skipped so one
// bad escrow does not block the rest.
func (s *JobService) ReleaseAwaitingWallet(ctx context.Context, workerID string) (int, error) {
	jobs, err := s.jobs.ListAwaitingWallet(ctx, workerID)
	if err != nil {
		return 0, fmt.Errorf("list jobs awaiting wallet: %w", err)
	}
	released := 0
	for _, job := range jobs {
		if _, err := s.Release(ctx, job.ID, "wallet_bind"); err != nil {
			s.logger.Warn("release after wallet bind failed",
				zap.Error(err), zap.String("job_id", job.ID), zap.String("worker_id", workerID))
			continue
		}
		released++
	}
	return released, nil
}

// AutoRelease pays the worker once the poster's review window has lapsed.
// It prefers the program's auto-release instruction, which enforces the
// deadline on-chain, and falls back to a plain release when the instruction
// is unavailable.
func (s *JobService) AutoRelease(ctx context.Context, jobID string) (*escrow.FeeBreakdown, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.WorkerID == "" {
		return nil, model.Validation("job_id", "job has no winning worker", "")
	}
	poster, err := s.agents.GetByID(ctx, job.PosterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	worker, err := s.agents.GetByID(ctx, job.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("lookup worker: %w", err)
	}
	if !worker.HasWallet() {
		return nil, model.Validation("job_id", "worker has no wallet bound yet", "")
	}

	sig, fees, err := s.chain.AutoRelease(ctx, jobID, poster.WalletAddress, worker.WalletAddress, uint64(job.RewardLamports))
	if err != nil {
		s.logger.Warn("auto-release instruction failed, falling back to release",
			zap.Error(err), zap.String("job_id", jobID))
		return s.Release(ctx, jobID, "sweeper")
	}
	if err := s.jobs.MarkPaid(ctx, jobID, sig); err != nil && !errors.Is(err, repository.ErrConflict) {
		return nil, fmt.Errorf("mark paid: %w", err)
	}
	s.recordEscrowEvent(ctx, jobID, model.EscrowEventReleased, sig, "sweeper")
	s.logger.Info("escrow auto-released",
		zap.String("job_id", jobID), zap.String("signature", sig))
	if s.notify != nil {
		s.notify.NotifyAgent(job.WorkerID, "job.paid", map[string]any{
			"job_id": jobID, "signature": sig, "lamports": fees.ToWorker,
		})
	}
	return fees, nil
}

// Refund returns escrow to the poster and closes the job with the given
// terminal status (refunded or expired).
func (s *JobService) Refund(ctx context.Context, jobID string, to model.JobStatus, source string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	poster, err := s.agents.GetByID(ctx, job.PosterID)
	if err != nil {
		return fmt.Errorf("lookup poster: %w", err)
	}
	sig, err := s.chain.RefundToPoster(ctx, jobID, poster.WalletAddress)
	if err != nil {
		return fmt.Errorf("refund escrow: %w", err)
	}
	if err := s.jobs.MarkRefunded(ctx, jobID, sig, to); err != nil && !errors.Is(err, repository.ErrConflict) {
		return fmt.Errorf("mark refunded: %w", err)
	}
	s.recordEscrowEvent(ctx, jobID, model.EscrowEventRefunded, sig, source)
	if s.notify != nil {
		s.notify.NotifyAgent(job.PosterID, "job.refunded", map[string]string{
			"job_id": jobID, "signature": sig,
		})
	}
	return nil
}

// EscrowInfo reads the live on-chain escrow state for a job.
func (s *JobService) EscrowInfo(ctx context.Context, jobID string) (*escrow.Info, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	poster, err := s.agents.GetByID(ctx, job.PosterID)
	if err != nil {
		return nil, fmt.Errorf("lookup poster: %w", err)
	}
	return s.chain.GetInfo(ctx, jobID, poster.WalletAddress)
}

// VerificationHistory returns a job's predicate evaluation audit trail.
func (s *JobService) VerificationHistory(ctx context.Context, jobID string, limit int) ([]*model.VerificationRun, error) {
	return s.jobs.ListVerificationRuns(ctx, jobID, limit)
}

func (s *JobService) recordRun(ctx context.Context, job *model.Job, workerID string, res *VerifyResult) {
	run := &model.VerificationRun{
		ID:        keys.MustID(),
		JobID:     job.ID,
		WorkerID:  workerID,
		Template:  job.VerificationTemplate,
		Passed:    res.Passed,
		Detail:    res.Detail,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.RecordVerificationRun(ctx, run); err != nil {
		s.logger.Warn("record verification run", zap.Error(err), zap.String("job_id", job.ID))
	}
}

func (s *JobService) recordEscrowEvent(ctx context.Context, jobID string, kind model.EscrowEventKind, signature, source string) {
	if s.audit == nil {
		return
	}
	e := &model.EscrowEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Kind:      kind,
		Signature: signature,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.audit.RecordEvent(ctx, e); err != nil && !errors.Is(err, repository.ErrConflict) {
		s.logger.Warn("record escrow event", zap.Error(err), zap.String("job_id", jobID))
	}
}
