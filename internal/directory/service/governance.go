package service

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// governanceRepo is the voting persistence surface.
// *repository.GovernanceRepository satisfies this interface.
type governanceRepo interface {
	CreateProposal(ctx context.Context, p *model.GovernanceProposal) error
	GetProposal(ctx context.Context, id string) (*model.GovernanceProposal, error)
	ListProposals(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.GovernanceProposal, error)
	CastProposalVote(ctx context.Context, v *model.ProposalVote) error
	ResolveProposal(ctx context.Context, id string, outcome model.VoteStatus) error
	CreateDispute(ctx context.Context, d *model.JobDispute) error
	GetDispute(ctx context.Context, id string) (*model.JobDispute, error)
	GetDisputeByJob(ctx context.Context, jobID string) (*model.JobDispute, error)
	ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*model.JobDispute, error)
	CastDisputeVote(ctx context.Context, v *model.DisputeVote) error
	ResolveDispute(ctx context.Context, id string) error
	CreateReport(ctx context.Context, rep *model.AgentReport) error
	GetReport(ctx context.Context, id string) (*model.AgentReport, error)
	ListReports(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.AgentReport, error)
	CastReportVote(ctx context.Context, v *model.ReportVote) error
	ResolveReport(ctx context.Context, id string, outcome model.VoteStatus) error
}

type voteWeightRepo interface {
	VoteWeightInputs(ctx context.Context, agentID string) (model.VoteWeightInputs, error)
}

type disputeJobRepo interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
}

// GovernanceService runs contribution-weighted voting for proposals, job
// disputes, and agent reports.
type GovernanceService struct {
	gov     governanceRepo
	weights voteWeightRepo
	jobs    disputeJobRepo
	trust   trustEvaluator
	notify  Notifier
	logger  *zap.Logger
}

// NewGovernanceService creates a GovernanceService.
func NewGovernanceService(gov governanceRepo, weights voteWeightRepo, jobs disputeJobRepo, trust trustEvaluator, logger *zap.Logger) *GovernanceService {
	return &GovernanceService{gov: gov, weights: weights, jobs: jobs, trust: trust, logger: logger}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *GovernanceService) SetNotifier(n Notifier) { s.notify = n }

// CreateProposal opens an optimistic proposal. Requires resident tier or
// above so drive-by accounts cannot flood the ballot.
func (s *GovernanceService) CreateProposal(ctx context.Context, authorID, title, description string) (*model.GovernanceProposal, error) {
	if n := utf8.RuneCountInString(title); n < 5 || n > 200 {
		return nil, model.Validation("title", fmt.Sprintf("title must be 5-200 characters, got %d", n), "")
	}
	if n := utf8.RuneCountInString(description); n < 20 || n > 10000 {
		return nil, model.Validation("description", fmt.Sprintf("description must be 20-10000 characters, got %d", n), "")
	}
	ev, err := s.trust.Evaluate(ctx, authorID, false)
	if err != nil {
		return nil, fmt.Errorf("evaluate tier: %w", err)
	}
	if ev.Tier < model.TierResident {
		return nil, model.Validation("author", "proposing requires an established residency", ev.NextTierHint)
	}

	now := time.Now().UTC()
	p := &model.GovernanceProposal{
		ID:           keys.MustID(),
		AuthorID:     authorID,
		Title:        title,
		Description:  description,
		Status:       model.VoteOpen,
		CreatedAt:    now,
		VotingEndsAt: now.Add(model.ProposalVotingWindow),
	}
	if err := s.gov.CreateProposal(ctx, p); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	s.logger.Info("proposal created", zap.String("proposal_id", p.ID), zap.String("author_id", authorID))
	if s.notify != nil {
		s.notify.Broadcast("proposal_created", map[string]string{"proposal_id": p.ID, "title": title})
	}
	return p, nil
}

// VoteProposal casts one weighted vote. Double voting conflicts.
func (s *GovernanceService) VoteProposal(ctx context.Context, proposalID, voterID string, support bool) (*model.ProposalVote, error) {
	p, err := s.gov.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.VoteOpen {
		return nil, model.Validation("proposal_id", "voting is closed on this proposal", "")
	}
	weight, err := s.voteWeight(ctx, voterID)
	if err != nil {
		return nil, err
	}
	v := &model.ProposalVote{
		ID:         keys.MustID(),
		ProposalID: proposalID,
		VoterID:    voterID,
		Support:    support,
		Weight:     weight,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.gov.CastProposalVote(ctx, v); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("proposal_id", "you already voted on this proposal", "")
		}
		return nil, fmt.Errorf("cast vote: %w", err)
	}
	return v, nil
}

// GetProposal returns one proposal, settling it first if its clock ran out.
func (s *GovernanceService) GetProposal(ctx context.Context, id string) (*model.GovernanceProposal, error) {
	p, err := s.gov.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.settleProposal(ctx, p), nil
}

// ListProposals returns proposals, settling any whose optimistic or hard
// deadline has passed. Resolution on read keeps the system free of a
// proposal-specific cron.
func (s *GovernanceService) ListProposals(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.GovernanceProposal, error) {
	ps, err := s.gov.ListProposals(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, p := range ps {
		ps[i] = s.settleProposal(ctx, p)
	}
	return ps, nil
}

// settleProposal applies optimistic resolution: after 48h whichever side
// leads wins early (passing needs at least one voter); ties stay open until
// the 7-day hard deadline, where support must lead to pass.
func (s *GovernanceService) settleProposal(ctx context.Context, p *model.GovernanceProposal) *model.GovernanceProposal {
	if p.Status != model.VoteOpen {
		return p
	}
	now := time.Now().UTC()
	age := now.Sub(p.CreatedAt)

	var outcome model.VoteStatus
	switch {
	case now.After(p.VotingEndsAt):
		if p.SupportWeight > p.OpposeWeight {
			outcome = model.VotePassed
		} else {
			outcome = model.VoteRejected
		}
	case age >= model.OptimisticResolveAfter && p.SupportWeight > p.OpposeWeight && p.VoterCount >= 1:
		outcome = model.VotePassed
	case age >= model.OptimisticResolveAfter && p.OpposeWeight > p.SupportWeight:
		outcome = model.VoteRejected
	default:
		return p
	}

	if err := s.gov.ResolveProposal(ctx, p.ID, outcome); err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			s.logger.Warn("resolve proposal", zap.Error(err), zap.String("proposal_id", p.ID))
		}
		return p
	}
	s.logger.Info("proposal resolved",
		zap.String("proposal_id", p.ID), zap.String("outcome", string(outcome)))
	if s.notify != nil {
		s.notify.Broadcast("proposal_resolved", map[string]string{
			"proposal_id": p.ID, "outcome": string(outcome),
		})
	}
	updated, err := s.gov.GetProposal(ctx, p.ID)
	if err != nil {
		return p
	}
	return updated
}

// OpenDispute records a dispute over a completed job. The job must already
// be frozen via JobService.Dispute; one open dispute per job.
func (s *GovernanceService) OpenDispute(ctx context.Context, jobID, openedByID, reason string) (*model.JobDispute, error) {
	if n := utf8.RuneCountInString(reason); n < 20 || n > 5000 {
		return nil, model.Validation("reason", fmt.Sprintf("reason must be 20-5000 characters, got %d", n),
			"explain what was delivered and why it falls short")
	}
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobDisputed {
		return nil, model.Validation("job_id", "job is not in a disputed state", "")
	}

	now := time.Now().UTC()
	d := &model.JobDispute{
		ID:           keys.MustID(),
		JobID:        jobID,
		OpenedByID:   openedByID,
		Reason:       reason,
		Status:       model.VoteVoting,
		CreatedAt:    now,
		VotingEndsAt: now.Add(model.DisputeVotingWindow),
	}
	if err := s.gov.CreateDispute(ctx, d); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("job_id", "a dispute is already open for this job", "")
		}
		return nil, fmt.Errorf("create dispute: %w", err)
	}
	s.logger.Info("dispute opened",
		zap.String("dispute_id", d.ID), zap.String("job_id", jobID), zap.String("opened_by", openedByID))
	if s.notify != nil {
		s.notify.Broadcast("dispute_opened", map[string]string{"dispute_id": d.ID, "job_id": jobID})
	}
	return d, nil
}

// GetDispute returns one dispute.
func (s *GovernanceService) GetDispute(ctx context.Context, id string) (*model.JobDispute, error) {
	return s.gov.GetDispute(ctx, id)
}

// VoteDispute casts a staked dispute vote. Voters must be citizens or above
// and must have posted the minimum on-chain stake; the parties to the job
// cannot vote.
func (s *GovernanceService) VoteDispute(ctx context.Context, disputeID, voterID string, forWorker bool, stakeTx string) (*model.DisputeVote, error) {
	d, err := s.gov.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != model.VoteVoting {
		return nil, model.Validation("dispute_id", "voting is closed on this dispute", "")
	}
	job, err := s.jobs.GetByID(ctx, d.JobID)
	if err != nil {
		return nil, fmt.Errorf("lookup disputed job: %w", err)
	}
	if voterID == job.PosterID || voterID == job.WorkerID {
		return nil, model.Validation("dispute_id", "parties to the job cannot vote on their own dispute", "")
	}
	ev, err := s.trust.Evaluate(ctx, voterID, false)
	if err != nil {
		return nil, fmt.Errorf("evaluate tier: %w", err)
	}
	if ev.Tier < model.DisputeVoterMinTier {
		return nil, model.Validation("voter", "dispute voting requires citizen standing", ev.NextTierHint)
	}
	if stakeTx == "" {
		return nil, model.Validation("stake_tx",
			fmt.Sprintf("dispute votes require a %d-lamport stake transaction", model.DisputeMinStakeLamports),
			"post the stake on-chain and submit its signature")
	}
	weight, err := s.voteWeight(ctx, voterID)
	if err != nil {
		return nil, err
	}
	v := &model.DisputeVote{
		ID:        keys.MustID(),
		DisputeID: disputeID,
		VoterID:   voterID,
		ForWorker: forWorker,
		Weight:    weight,
		StakeTx:   stakeTx,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.gov.CastDisputeVote(ctx, v); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("dispute_id", "you already voted on this dispute", "")
		}
		return nil, fmt.Errorf("cast dispute vote: %w", err)
	}
	return v, nil
}

// SettleExpiredDisputes closes voting on disputes past their window and
// publishes the advisory tally. The escrow itself only moves through the
// admin release/refund routes; the vote informs that decision, it does not
// execute it. Called by the sweeper.
func (s *GovernanceService) SettleExpiredDisputes(ctx context.Context, limit int) (int, error) {
	due, err := s.gov.ListExpiredDisputes(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired disputes: %w", err)
	}
	settled := 0
	for _, d := range due {
		if err := s.gov.ResolveDispute(ctx, d.ID); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Warn("resolve dispute", zap.Error(err), zap.String("dispute_id", d.ID))
			}
			continue
		}
		forWorker := d.ForWorker > d.ForPoster
		s.logger.Info("dispute voting closed",
			zap.String("dispute_id", d.ID), zap.String("job_id", d.JobID),
			zap.Bool("for_worker", forWorker),
			zap.Float64("worker_weight", d.ForWorker), zap.Float64("poster_weight", d.ForPoster))

		if s.notify != nil {
			s.notify.Broadcast("dispute_resolved", map[string]any{
				"dispute_id": d.ID, "job_id": d.JobID, "for_worker": forWorker,
			})
		}
		settled++
	}
	return settled, nil
}

// Report flags an agent for community review. Self-reports are rejected.
func (s *GovernanceService) Report(ctx context.Context, reporterID, reportedID, reason, details string) (*model.AgentReport, error) {
	if reporterID == reportedID {
		return nil, model.Validation("reported_id", "you cannot report yourself", "")
	}
	if n := utf8.RuneCountInString(reason); n < 5 || n > 200 {
		return nil, model.Validation("reason", fmt.Sprintf("reason must be 5-200 characters, got %d", n), "")
	}

	now := time.Now().UTC()
	rep := &model.AgentReport{
		ID:           keys.MustID(),
		ReportedID:   reportedID,
		ReporterID:   reporterID,
		Reason:       reason,
		Details:      details,
		Status:       model.VoteVoting,
		CreatedAt:    now,
		VotingEndsAt: now.Add(model.DisputeVotingWindow),
	}
	if err := s.gov.CreateReport(ctx, rep); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("reported_id", "an open report already exists for this agent", "")
		}
		return nil, fmt.Errorf("create report: %w", err)
	}
	s.logger.Info("agent reported",
		zap.String("report_id", rep.ID), zap.String("reported_id", reportedID))
	return rep, nil
}

// VoteReport casts one weighted uphold/dismiss vote.
func (s *GovernanceService) VoteReport(ctx context.Context, reportID, voterID string, uphold bool) (*model.ReportVote, error) {
	rep, err := s.gov.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}
	if rep.Status != model.VoteVoting {
		return nil, model.Validation("report_id", "voting is closed on this report", "")
	}
	if voterID == rep.ReportedID {
		return nil, model.Validation("report_id", "you cannot vote on a report against yourself", "")
	}
	weight, err := s.voteWeight(ctx, voterID)
	if err != nil {
		return nil, err
	}
	v := &model.ReportVote{
		ID:        keys.MustID(),
		ReportID:  reportID,
		VoterID:   voterID,
		Uphold:    uphold,
		Weight:    weight,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.gov.CastReportVote(ctx, v); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("report_id", "you already voted on this report", "")
		}
		return nil, fmt.Errorf("cast report vote: %w", err)
	}
	return v, nil
}

// ListReports returns reports, settling any past their voting window.
func (s *GovernanceService) ListReports(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.AgentReport, error) {
	reps, err := s.gov.ListReports(ctx, status, limit, offset)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	for i, rep := range reps {
		if rep.Status != model.VoteVoting || now.Before(rep.VotingEndsAt) {
			continue
		}
		outcome := model.VoteRejected
		if rep.UpholdWeight > rep.DismissWeight {
			outcome = model.VotePassed
		}
		if err := s.gov.ResolveReport(ctx, rep.ID, outcome); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				s.logger.Warn("resolve report", zap.Error(err), zap.String("report_id", rep.ID))
			}
			continue
		}
		if updated, err := s.gov.GetReport(ctx, rep.ID); err == nil {
			reps[i] = updated
		}
	}
	return reps, nil
}

// voteWeight computes the caller's contribution-weighted vote weight.
func (s *GovernanceService) voteWeight(ctx context.Context, voterID string) (float64, error) {
	in, err := s.weights.VoteWeightInputs(ctx, voterID)
	if err != nil {
		return 0, fmt.Errorf("vote weight inputs: %w", err)
	}
	return model.VoteWeight(in), nil
}
