// Package sweeper reconciles the job marketplace with the chain on a fixed
// cadence: auto-releasing escrows whose review window lapsed, syncing
// funding the webhook missed, expiring overdue jobs, settling expired
// disputes, and purging spent rate-limit and registration state. Every run
// leaves an audit row.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/escrow"
)

const (
	// Interval is the sweep cadence; LastCronRunStarted gates replicas so
	// overlapping deployments do not double-sweep.
	Interval = 15 * time.Minute

	// batchSize bounds chain work per run.
	batchSize = 20

	// unsyncedAfter is how long a created job sits before the sweeper
	// re-checks its escrow against the chain.
	unsyncedAfter = 5 * time.Minute

	runTimeout = 5 * time.Minute
)

// jobSweepRepo lists jobs needing reconciliation.
// *repository.JobRepository satisfies this interface.
type jobSweepRepo interface {
	ListAutoReleaseDue(ctx context.Context, now time.Time, limit int) ([]*model.Job, error)
	ListUnsyncedFunded(ctx context.Context, olderThan time.Time, limit int) ([]*model.Job, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}

// pendingSweepRepo clears expired registration challenges.
// *repository.PendingRepository satisfies this interface.
type pendingSweepRepo interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// cronAuditRepo records run history and supplies the replica throttle.
// *repository.EscrowAuditRepository satisfies this interface.
type cronAuditRepo interface {
	RecordCronRun(ctx context.Context, run *model.EscrowCronRun) error
	LastCronRunStarted(ctx context.Context) (*model.EscrowCronRun, error)
}

// jobSettler performs the chain-side moves. *service.JobService satisfies
// this interface.
type jobSettler interface {
	AutoRelease(ctx context.Context, jobID string) (*escrow.FeeBreakdown, error)
	ConfirmFunding(ctx context.Context, jobID, signature, source string) (*model.Job, error)
	EscrowInfo(ctx context.Context, jobID string) (*escrow.Info, error)
}

// disputeSettler resolves disputes whose voting window closed.
// *service.GovernanceService satisfies this interface.
type disputeSettler interface {
	SettleExpiredDisputes(ctx context.Context, limit int) (int, error)
}

// limiterPurger drops spent rate-limit windows.
// *service.RateLimitService satisfies this interface.
type limiterPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// Sweeper is the background reconciliation loop.
type Sweeper struct {
	jobs     jobSweepRepo
	pendings pendingSweepRepo
	audit    cronAuditRepo
	settler  jobSettler
	disputes disputeSettler
	limiter  limiterPurger
	logger   *zap.Logger

	interval time.Duration
	quit     chan struct{}
}

func New(jobs jobSweepRepo, pendings pendingSweepRepo, audit cronAuditRepo,
	settler jobSettler, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		jobs:     jobs,
		pendings: pendings,
		audit:    audit,
		settler:  settler,
		logger:   logger,
		interval: Interval,
		quit:     make(chan struct{}),
	}
}

// SetDisputeSettler wires governance settlement into the sweep. nil leaves
// disputes to the admin surface.
func (s *Sweeper) SetDisputeSettler(d disputeSettler) { s.disputes = d }

// SetLimiterPurger wires rate-limit cleanup into the sweep.
func (s *Sweeper) SetLimiterPurger(p limiterPurger) { s.limiter = p }

// Start runs the loop until Stop. One sweep fires immediately.
func (s *Sweeper) Start() {
	go func() {
		s.sweep()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.quit:
				return
			}
		}
	}()
}

// Stop halts the loop. The sweep in flight, if any, finishes.
func (s *Sweeper) Stop() {
	select {
	case <-s.quit:
	default:
		close(s.quit)
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := s.Run(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}
}

// Run executes one full sweep and returns its audit record. Exposed so the
// operator CLI can sweep on demand.
func (s *Sweeper) Run(ctx context.Context) (*model.EscrowCronRun, error) {
	last, err := s.audit.LastCronRunStarted(ctx)
	if err != nil {
		return nil, fmt.Errorf("check last run: %w", err)
	}
	if last != nil && time.Since(last.StartedAt) < s.interval-time.Minute {
		s.logger.Debug("sweep skipped, another replica ran recently",
			zap.Time("last_started", last.StartedAt))
		return last, nil
	}

	run := &model.EscrowCronRun{ID: uuid.New(), StartedAt: time.Now().UTC()}
	s.autoRelease(ctx, run)
	s.syncFunding(ctx, run)
	s.expire(ctx, run)
	s.settleDisputes(ctx, run)
	s.purge(ctx, run)

	run.FinishedAt = time.Now().UTC()
	run.ElapsedMS = run.FinishedAt.Sub(run.StartedAt).Milliseconds()
	if err := s.audit.RecordCronRun(ctx, run); err != nil {
		s.logger.Error("record sweep run", zap.Error(err))
	}
	s.logger.Info("sweep finished",
		zap.Int("scanned", run.Scanned), zap.Int("released", run.Released),
		zap.Int("synced", run.Synced), zap.Int("expired", run.Expired),
		zap.Int("failures", len(run.Failures)), zap.Int64("elapsed_ms", run.ElapsedMS))
	return run, nil
}

// autoRelease pays out completed jobs whose review window lapsed without a
// poster verdict.
func (s *Sweeper) autoRelease(ctx context.Context, run *model.EscrowCronRun) {
	due, err := s.jobs.ListAutoReleaseDue(ctx, time.Now().UTC(), batchSize)
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("list auto-release: %v", err))
		return
	}
	run.Scanned += len(due)
	for _, job := range due {
		if _, err := s.settler.AutoRelease(ctx, job.ID); err != nil {
			run.Failures = append(run.Failures, fmt.Sprintf("release %s: %v", job.ID, err))
			s.logger.Warn("auto-release failed", zap.Error(err), zap.String("job_id", job.ID))
			continue
		}
		run.Released++
	}
}

// syncFunding catches jobs whose funding transaction landed without the
// webhook delivering.
func (s *Sweeper) syncFunding(ctx context.Context, run *model.EscrowCronRun) {
	stale, err := s.jobs.ListUnsyncedFunded(ctx, time.Now().UTC().Add(-unsyncedAfter), batchSize)
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("list unsynced: %v", err))
		return
	}
	run.Scanned += len(stale)
	for _, job := range stale {
		info, err := s.settler.EscrowInfo(ctx, job.ID)
		if err != nil {
			run.Failures = append(run.Failures, fmt.Sprintf("info %s: %v", job.ID, err))
			continue
		}
		if !info.Exists || info.Balance == 0 {
			continue
		}
		if _, err := s.settler.ConfirmFunding(ctx, job.ID, "", "sweeper"); err != nil {
			run.Failures = append(run.Failures, fmt.Sprintf("sync %s: %v", job.ID, err))
			continue
		}
		run.Synced++
	}
}

func (s *Sweeper) expire(ctx context.Context, run *model.EscrowCronRun) {
	n, err := s.jobs.ExpireOverdue(ctx, time.Now().UTC())
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("expire jobs: %v", err))
	} else {
		run.Expired += int(n)
	}
	if _, err := s.pendings.DeleteExpired(ctx, time.Now().UTC()); err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("purge pendings: %v", err))
	}
}

func (s *Sweeper) settleDisputes(ctx context.Context, run *model.EscrowCronRun) {
	if s.disputes == nil {
		return
	}
	n, err := s.disputes.SettleExpiredDisputes(ctx, batchSize)
	if err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("settle disputes: %v", err))
		return
	}
	if n > 0 {
		s.logger.Info("disputes settled", zap.Int("count", n))
	}
}

func (s *Sweeper) purge(ctx context.Context, run *model.EscrowCronRun) {
	if s.limiter == nil {
		return
	}
	if _, err := s.limiter.Purge(ctx); err != nil {
		run.Failures = append(run.Failures, fmt.Sprintf("purge rate limits: %v", err))
	}
}
