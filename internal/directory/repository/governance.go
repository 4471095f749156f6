package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// GovernanceRepository stores proposals, disputes, reports, and their votes.
// Vote inserts and tally updates run in one transaction; the unique index on
// (subject, voter) makes double voting an ErrConflict.
type GovernanceRepository struct {
	db *pgxpool.Pool
}

// NewGovernanceRepository creates a GovernanceRepository.
func NewGovernanceRepository(db *pgxpool.Pool) *GovernanceRepository {
	return &GovernanceRepository{db: db}
}

// --- proposals ---

const proposalColumns = `
	id, author_id, title, description, status, support_weight, oppose_weight,
	voter_count, created_at, voting_ends_at, resolved_at`

func scanProposal(row pgx.Row) (*model.GovernanceProposal, error) {
	var p model.GovernanceProposal
	err := row.Scan(&p.ID, &p.AuthorID, &p.Title, &p.Description, &p.Status,
		&p.SupportWeight, &p.OpposeWeight, &p.VoterCount,
		&p.CreatedAt, &p.VotingEndsAt, &p.ResolvedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateProposal inserts an open proposal with its 7-day hard close.
func (r *GovernanceRepository) CreateProposal(ctx context.Context, p *model.GovernanceProposal) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO governance_proposals
			(id, author_id, title, description, status, support_weight,
			 oppose_weight, voter_count, created_at, voting_ends_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7)`,
		p.ID, p.AuthorID, p.Title, p.Description, p.Status, p.CreatedAt, p.VotingEndsAt)
	return err
}

// GetProposal retrieves one proposal.
func (r *GovernanceRepository) GetProposal(ctx context.Context, id string) (*model.GovernanceProposal, error) {
	q := `SELECT ` + proposalColumns + ` FROM governance_proposals WHERE id = $1`
	return scanProposal(r.db.QueryRow(ctx, q, id))
}

// ListProposals returns proposals, open first then newest.
func (r *GovernanceRepository) ListProposals(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.GovernanceProposal, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + proposalColumns + ` FROM governance_proposals
		WHERE ($1 = '' OR status = $1)
		ORDER BY (status = 'open') DESC, created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var out []*model.GovernanceProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CastProposalVote records the weighted vote and folds it into the tally in
// one transaction. A repeat voter gets ErrConflict; a closed proposal too.
func (r *GovernanceRepository) CastProposalVote(ctx context.Context, v *model.ProposalVote) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO proposal_votes (id, proposal_id, voter_id, support, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.ProposalID, v.VoterID, v.Support, v.Weight, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("already voted: %w", ErrConflict)
		}
		return fmt.Errorf("insert vote: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE governance_proposals SET
			support_weight = support_weight + CASE WHEN $2 THEN $3 ELSE 0 END,
			oppose_weight  = oppose_weight  + CASE WHEN $2 THEN 0 ELSE $3 END,
			voter_count    = voter_count + 1
		WHERE id = $1 AND status = 'open'`,
		v.ProposalID, v.Support, v.Weight)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal not open: %w", ErrConflict)
	}
	return tx.Commit(ctx)
}

// ResolveProposal conditionally closes an open proposal with the outcome.
func (r *GovernanceRepository) ResolveProposal(ctx context.Context, id string, outcome model.VoteStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE governance_proposals SET status = $2, resolved_at = $3
		WHERE id = $1 AND status = 'open'`, id, outcome, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// --- disputes ---

const disputeColumns = `
	id, job_id, opened_by_id, reason, status, for_worker, for_poster,
	voter_count, created_at, voting_ends_at, resolved_at`

func scanDispute(row pgx.Row) (*model.JobDispute, error) {
	var d model.JobDispute
	err := row.Scan(&d.ID, &d.JobID, &d.OpenedByID, &d.Reason, &d.Status,
		&d.ForWorker, &d.ForPoster, &d.VoterCount,
		&d.CreatedAt, &d.VotingEndsAt, &d.ResolvedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

// CreateDispute opens a dispute; one open dispute per job.
func (r *GovernanceRepository) CreateDispute(ctx context.Context, d *model.JobDispute) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO job_disputes
			(id, job_id, opened_by_id, reason, status, for_worker, for_poster,
			 voter_count, created_at, voting_ends_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, 0, $6, $7)`,
		d.ID, d.JobID, d.OpenedByID, d.Reason, d.Status, d.CreatedAt, d.VotingEndsAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("dispute already open for job: %w", ErrConflict)
	}
	return err
}

// GetDispute retrieves one dispute.
func (r *GovernanceRepository) GetDispute(ctx context.Context, id string) (*model.JobDispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM job_disputes WHERE id = $1`
	return scanDispute(r.db.QueryRow(ctx, q, id))
}

// GetDisputeByJob retrieves the open dispute on a job, if any.
func (r *GovernanceRepository) GetDisputeByJob(ctx context.Context, jobID string) (*model.JobDispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM job_disputes
		WHERE job_id = $1 AND status = 'voting'`
	return scanDispute(r.db.QueryRow(ctx, q, jobID))
}

// ListExpiredDisputes returns voting disputes past their window.
func (r *GovernanceRepository) ListExpiredDisputes(ctx context.Context, now time.Time, limit int) ([]*model.JobDispute, error) {
	q := `SELECT ` + disputeColumns + ` FROM job_disputes
		WHERE status = 'voting' AND voting_ends_at < $1
		ORDER BY voting_ends_at LIMIT $2`
	rows, err := r.db.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired disputes: %w", err)
	}
	defer rows.Close()

	var out []*model.JobDispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CastDisputeVote records a staked dispute vote and folds it into the tally.
func (r *GovernanceRepository) CastDisputeVote(ctx context.Context, v *model.DisputeVote) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO dispute_votes (id, dispute_id, voter_id, for_worker, weight, stake_tx, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.ID, v.DisputeID, v.VoterID, v.ForWorker, v.Weight, v.StakeTx, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("already voted: %w", ErrConflict)
		}
		return fmt.Errorf("insert dispute vote: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE job_disputes SET
			for_worker  = for_worker + CASE WHEN $2 THEN $3 ELSE 0 END,
			for_poster  = for_poster + CASE WHEN $2 THEN 0 ELSE $3 END,
			voter_count = voter_count + 1
		WHERE id = $1 AND status = 'voting' AND voting_ends_at > $4`,
		v.DisputeID, v.ForWorker, v.Weight, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispute not accepting votes: %w", ErrConflict)
	}
	return tx.Commit(ctx)
}

// ResolveDispute conditionally closes a voting dispute.
func (r *GovernanceRepository) ResolveDispute(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE job_disputes SET status = 'resolved', resolved_at = $2
		WHERE id = $1 AND status = 'voting'`, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// --- reports ---

const reportColumns = `
	id, reported_id, reporter_id, reason, details, status, uphold_weight,
	dismiss_weight, voter_count, created_at, voting_ends_at`

func scanReport(row pgx.Row) (*model.AgentReport, error) {
	var rep model.AgentReport
	err := row.Scan(&rep.ID, &rep.ReportedID, &rep.ReporterID, &rep.Reason,
		&rep.Details, &rep.Status, &rep.UpholdWeight, &rep.DismissWeight,
		&rep.VoterCount, &rep.CreatedAt, &rep.VotingEndsAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rep, nil
}

// CreateReport files a report; one open report per (reporter, reported) pair.
func (r *GovernanceRepository) CreateReport(ctx context.Context, rep *model.AgentReport) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO agent_reports
			(id, reported_id, reporter_id, reason, details, status,
			 uphold_weight, dismiss_weight, voter_count, created_at, voting_ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 0, 0, $7, $8)`,
		rep.ID, rep.ReportedID, rep.ReporterID, rep.Reason, rep.Details,
		rep.Status, rep.CreatedAt, rep.VotingEndsAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("report already filed: %w", ErrConflict)
	}
	return err
}

// GetReport retrieves one report.
func (r *GovernanceRepository) GetReport(ctx context.Context, id string) (*model.AgentReport, error) {
	q := `SELECT ` + reportColumns + ` FROM agent_reports WHERE id = $1`
	return scanReport(r.db.QueryRow(ctx, q, id))
}

// ListReports returns reports, open first then newest.
func (r *GovernanceRepository) ListReports(ctx context.Context, status model.VoteStatus, limit, offset int) ([]*model.AgentReport, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + reportColumns + ` FROM agent_reports
		WHERE ($1 = '' OR status = $1)
		ORDER BY (status = 'open') DESC, created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, string(status), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var out []*model.AgentReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// CastReportVote records a weighted report vote and folds it into the tally.
func (r *GovernanceRepository) CastReportVote(ctx context.Context, v *model.ReportVote) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO report_votes (id, report_id, voter_id, uphold, weight, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ID, v.ReportID, v.VoterID, v.Uphold, v.Weight, v.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("already voted: %w", ErrConflict)
		}
		return fmt.Errorf("insert report vote: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE agent_reports SET
			uphold_weight  = uphold_weight  + CASE WHEN $2 THEN $3 ELSE 0 END,
			dismiss_weight = dismiss_weight + CASE WHEN $2 THEN 0 ELSE $3 END,
			voter_count    = voter_count + 1
		WHERE id = $1 AND status = 'open'`,
		v.ReportID, v.Uphold, v.Weight)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("report not open: %w", ErrConflict)
	}
	return tx.Commit(ctx)
}

// ResolveReport conditionally closes an open report.
func (r *GovernanceRepository) ResolveReport(ctx context.Context, id string, outcome model.VoteStatus) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agent_reports SET status = $2
		WHERE id = $1 AND status = 'open'`, id, outcome)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
