package model

import (
	"math"
	"time"
)

// VoteStatus is shared by proposals, disputes, and reports.
type VoteStatus string

const (
	VoteOpen     VoteStatus = "open"
	VoteVoting   VoteStatus = "voting"
	VotePassed   VoteStatus = "passed"
	VoteRejected VoteStatus = "rejected"
	VoteResolved VoteStatus = "resolved"
)

const (
	// ProposalVotingWindow is the maximum lifetime of an open proposal.
	ProposalVotingWindow = 7 * 24 * time.Hour
	// OptimisticResolveAfter is the minimum age before a proposal with a
	// clear majority auto-resolves.
	OptimisticResolveAfter = 48 * time.Hour
	// DisputeVotingWindow bounds dispute voting.
	DisputeVotingWindow = 48 * time.Hour
	// DisputeMinStakeLamports is the on-chain stake a dispute voter must
	// have posted (0.05 SOL).
	DisputeMinStakeLamports = 50_000_000
	// DisputeVoterMinTier gates dispute voting to Citizens and above.
	DisputeVoterMinTier = TierCitizen
)

// GovernanceProposal is an optimistic-governance proposal: created open,
// auto-passed after 48h when support leads, hard-closed at 7 days.
type GovernanceProposal struct {
	ID            string     `json:"id"             db:"id"`
	AuthorID      string     `json:"author_id"      db:"author_id"`
	Title         string     `json:"title"          db:"title"`
	Description   string     `json:"description"    db:"description"`
	Status        VoteStatus `json:"status"         db:"status"`
	SupportWeight float64    `json:"support_weight" db:"support_weight"`
	OpposeWeight  float64    `json:"oppose_weight"  db:"oppose_weight"`
	VoterCount    int        `json:"voter_count"    db:"voter_count"`
	CreatedAt     time.Time  `json:"created_at"     db:"created_at"`
	VotingEndsAt  time.Time  `json:"voting_ends_at" db:"voting_ends_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// ProposalVote is one agent's weighted vote; (proposal_id, voter_id) unique.
type ProposalVote struct {
	ID         string    `json:"id"          db:"id"`
	ProposalID string    `json:"proposal_id" db:"proposal_id"`
	VoterID    string    `json:"voter_id"    db:"voter_id"`
	Support    bool      `json:"support"     db:"support"`
	Weight     float64   `json:"weight"      db:"weight"`
	CreatedAt  time.Time `json:"created_at"  db:"created_at"`
}

// JobDispute is opened by the poster or worker of a job under review.
type JobDispute struct {
	ID            string     `json:"id"             db:"id"`
	JobID         string     `json:"job_id"         db:"job_id"`
	OpenedByID    string     `json:"opened_by_id"   db:"opened_by_id"`
	Reason        string     `json:"reason"         db:"reason"`
	Status        VoteStatus `json:"status"         db:"status"`
	ForWorker     float64    `json:"for_worker"     db:"for_worker"`
	ForPoster     float64    `json:"for_poster"     db:"for_poster"`
	VoterCount    int        `json:"voter_count"    db:"voter_count"`
	CreatedAt     time.Time  `json:"created_at"     db:"created_at"`
	VotingEndsAt  time.Time  `json:"voting_ends_at" db:"voting_ends_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// DisputeVote is one staked, weighted dispute vote; (dispute_id, voter_id) unique.
type DisputeVote struct {
	ID        string    `json:"id"         db:"id"`
	DisputeID string    `json:"dispute_id" db:"dispute_id"`
	VoterID   string    `json:"voter_id"   db:"voter_id"`
	ForWorker bool      `json:"for_worker" db:"for_worker"`
	Weight    float64   `json:"weight"     db:"weight"`
	StakeTx   string    `json:"stake_tx"   db:"stake_tx"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// AgentReport flags an agent for platform review.
type AgentReport struct {
	ID             string     `json:"id"              db:"id"`
	ReportedID     string     `json:"reported_id"     db:"reported_id"`
	ReporterID     string     `json:"reporter_id"     db:"reporter_id"`
	Reason         string     `json:"reason"          db:"reason"`
	Details        string     `json:"details"         db:"details"`
	Status         VoteStatus `json:"status"          db:"status"`
	UpholdWeight   float64    `json:"uphold_weight"   db:"uphold_weight"`
	DismissWeight  float64    `json:"dismiss_weight"  db:"dismiss_weight"`
	VoterCount     int        `json:"voter_count"     db:"voter_count"`
	CreatedAt      time.Time  `json:"created_at"      db:"created_at"`
	VotingEndsAt   time.Time  `json:"voting_ends_at"  db:"voting_ends_at"`
}

// ReportVote is one weighted report vote; (report_id, voter_id) unique.
type ReportVote struct {
	ID        string    `json:"id"         db:"id"`
	ReportID  string    `json:"report_id"  db:"report_id"`
	VoterID   string    `json:"voter_id"   db:"voter_id"`
	Uphold    bool      `json:"uphold"     db:"uphold"`
	Weight    float64   `json:"weight"     db:"weight"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// VoteWeightInputs are the contribution stats a vote weight is derived from.
type VoteWeightInputs struct {
	WalletBound            bool
	IsFounding             bool
	JobsCompleted          int
	GuestbookEntriesSigned int
	ReferralsWithWallet    int
}

// VoteWeight computes the contribution-weighted vote weight shared by all
// three voting subsystems, rounded to one decimal:
//
//	1 + wallet + founding + min(jobs*0.5, 3) + min(guestbook*0.1, 1) + min(referrals*0.5, 2)
func VoteWeight(in VoteWeightInputs) float64 {
	w := 1.0
	if in.WalletBound {
		w++
	}
	if in.IsFounding {
		w++
	}
	w += math.Min(float64(in.JobsCompleted)*0.5, 3)
	w += math.Min(float64(in.GuestbookEntriesSigned)*0.1, 1)
	w += math.Min(float64(in.ReferralsWithWallet)*0.5, 2)
	return math.Round(w*10) / 10
}
