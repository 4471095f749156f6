package model

import "time"

// TransactionType classifies a currency ledger row.
type TransactionType string

const (
	TxSystem   TransactionType = "system"
	TxTip      TransactionType = "tip"
	TxReward   TransactionType = "reward"
	TxReferral TransactionType = "referral"
	TxTransfer TransactionType = "transfer"
)

// Transaction is one append-only currency ledger row. FromAgentID empty
// means the system minted the amount.
type Transaction struct {
	ID          string          `json:"id"            db:"id"`
	FromAgentID string          `json:"from_agent_id,omitempty" db:"from_agent_id"`
	ToAgentID   string          `json:"to_agent_id"   db:"to_agent_id"`
	Amount      int64           `json:"amount"        db:"amount"`
	Type        TransactionType `json:"type"          db:"type"`
	Note        string          `json:"note,omitempty" db:"note"`
	CreatedAt   time.Time       `json:"created_at"    db:"created_at"`
}

// Currency rewards credited on platform events. Table-driven so product can
// retune without touching business logic.
const (
	RewardRegistration   = 100 // seed balance at registration
	RewardFoundingBonus  = 50  // extra for the first 100 agents
	RewardReferral       = 50  // credited to the referrer at phase-2
	RewardInboxMessage   = 5   // credited to the recipient of a DM
	RewardGuestbookEntry = 10  // credited to the site owner on a signed entry
)
