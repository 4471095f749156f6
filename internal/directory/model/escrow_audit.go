package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EscrowEventKind classifies an observed on-chain escrow instruction.
type EscrowEventKind string

const (
	EscrowEventFunded         EscrowEventKind = "funded"
	EscrowEventReleased       EscrowEventKind = "released"
	EscrowEventRefunded       EscrowEventKind = "refunded"
	EscrowEventWorkSubmitted  EscrowEventKind = "work_submitted"
	EscrowEventWorkerAssigned EscrowEventKind = "worker_assigned"
)

// EscrowEvent is an append-only audit row for on-chain escrow activity,
// written both by the webhook handler and the sweeper.
type EscrowEvent struct {
	ID        uuid.UUID       `json:"id"         db:"id"`
	JobID     string          `json:"job_id"     db:"job_id"`
	Kind      EscrowEventKind `json:"kind"       db:"kind"`
	Signature string          `json:"signature"  db:"signature"`
	Source    string          `json:"source"     db:"source"` // "webhook" | "sweeper" | "api"
	Detail    json.RawMessage `json:"detail,omitempty" db:"detail"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// EscrowCronRun is the audit record of one sweeper invocation.
type EscrowCronRun struct {
	ID         uuid.UUID `json:"id"          db:"id"`
	StartedAt  time.Time `json:"started_at"  db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Scanned    int       `json:"scanned"     db:"scanned"`
	Released   int       `json:"released"    db:"released"`
	Synced     int       `json:"synced"      db:"synced"`
	Expired    int       `json:"expired"     db:"expired"`
	Failures   []string  `json:"failures,omitempty" db:"failures"`
	ElapsedMS  int64     `json:"elapsed_ms"  db:"elapsed_ms"`
}
