package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// escrowSyncRepo is the job persistence needed to apply observed on-chain
// transitions. *repository.JobRepository satisfies this interface.
type escrowSyncRepo interface {
	GetByEscrowAddress(ctx context.Context, address string) (*model.Job, error)
	MarkPaid(ctx context.Context, id, releaseTx string) error
	MarkRefunded(ctx context.Context, id, refundTx string, to model.JobStatus) error
}

// escrowEventRepo appends the audit rows. *repository.EscrowAuditRepository
// satisfies this interface.
type escrowEventRepo interface {
	RecordEvent(ctx context.Context, e *model.EscrowEvent) error
}

// WebhookHandler ingests transaction events from the ledger operator and
// reconciles local job state with what actually happened on-chain.
type WebhookHandler struct {
	jobs      *service.JobService
	repo      escrowSyncRepo
	audit     escrowEventRepo
	programID string
	secret    string // shared secret; empty disables the check
	logger    *zap.Logger
}

// NewWebhookHandler creates a WebhookHandler. programID filters events down
// to the escrow program; secret, when set, must match the Authorization
// header on every delivery.
func NewWebhookHandler(jobs *service.JobService, repo escrowSyncRepo, audit escrowEventRepo,
	programID, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		jobs: jobs, repo: repo, audit: audit,
		programID: programID, secret: secret, logger: logger,
	}
}

// Register mounts the webhook route.
func (h *WebhookHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/webhooks/helius", h.Receive)
}

// heliusEvent is the subset of an enhanced transaction payload we act on.
// The operator's schema is wider; unknown fields are ignored.
type heliusEvent struct {
	Signature   string `json:"signature"`
	Type        string `json:"type"`
	AccountData []struct {
		Account string `json:"account"`
	} `json:"accountData"`
	Instructions []struct {
		ProgramID string   `json:"programId"`
		Accounts  []string `json:"accounts"`
	} `json:"instructions"`
	Logs []string `json:"logs"`
	Meta struct {
		LogMessages []string `json:"logMessages"`
	} `json:"meta"`
}

// Receive handles POST /api/webhooks/helius. Duplicate deliveries are a
// no-op: the conditional status updates match zero rows the second time and
// the (job, signature) audit row conflicts instead of duplicating.
func (h *WebhookHandler) Receive(c *gin.Context) {
	if h.secret != "" && c.GetHeader("Authorization") != h.secret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad webhook secret"})
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	var events []heliusEvent
	if err := json.Unmarshal(body, &events); err != nil {
		// Some delivery modes wrap the array in an object.
		var wrapped struct {
			Events []heliusEvent `json:"events"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Events == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "expected a JSON array of transaction events"})
			return
		}
		events = wrapped.Events
	}

	processed := 0
	for i := range events {
		if h.process(c.Request.Context(), &events[i]) {
			processed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"received": len(events), "processed": processed})
}

// process classifies one event and applies its transition. Returns true when
// the event touched a known escrow.
func (h *WebhookHandler) process(ctx context.Context, ev *heliusEvent) bool {
	if !h.involvesProgram(ev) {
		return false
	}
	kind := classifyEscrowEvent(ev)
	if kind == "" {
		return false
	}
	job := h.matchJob(ctx, ev)
	if job == nil {
		h.logger.Debug("escrow event for unknown address",
			zap.String("signature", ev.Signature), zap.String("kind", string(kind)))
		return false
	}

	switch kind {
	case model.EscrowEventFunded:
		if _, err := h.jobs.ConfirmFunding(ctx, job.ID, ev.Signature, "webhook"); err != nil {
			h.logger.Warn("webhook funding sync", zap.Error(err), zap.String("job_id", job.ID))
		}
	case model.EscrowEventReleased:
		if err := h.repo.MarkPaid(ctx, job.ID, ev.Signature); err != nil && !errors.Is(err, repository.ErrConflict) {
			h.logger.Warn("webhook release sync", zap.Error(err), zap.String("job_id", job.ID))
		}
	case model.EscrowEventRefunded:
		if err := h.repo.MarkRefunded(ctx, job.ID, ev.Signature, model.JobRefunded); err != nil && !errors.Is(err, repository.ErrConflict) {
			h.logger.Warn("webhook refund sync", zap.Error(err), zap.String("job_id", job.ID))
		}
	case model.EscrowEventWorkSubmitted, model.EscrowEventWorkerAssigned:
		// Audit-only; the HTTP submit path owns the local transition.
	}

	h.recordEvent(ctx, job.ID, kind, ev.Signature)
	RecordWebhookEvent(string(kind))
	h.logger.Info("webhook event applied",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.String("signature", ev.Signature))
	return true
}

// involvesProgram reports whether the escrow program shows up anywhere in the
// event.
func (h *WebhookHandler) involvesProgram(ev *heliusEvent) bool {
	for _, ix := range ev.Instructions {
		if ix.ProgramID == h.programID {
			return true
		}
	}
	for _, log := range eventLogs(ev) {
		if strings.Contains(log, h.programID) {
			return true
		}
	}
	return false
}

// matchJob finds the job whose stored escrow PDA appears among the event's
// account keys.
func (h *WebhookHandler) matchJob(ctx context.Context, ev *heliusEvent) *model.Job {
	seen := make(map[string]bool)
	try := func(addr string) *model.Job {
		if addr == "" || addr == h.programID || seen[addr] {
			return nil
		}
		seen[addr] = true
		job, err := h.repo.GetByEscrowAddress(ctx, addr)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				h.logger.Warn("escrow address lookup", zap.Error(err), zap.String("address", addr))
			}
			return nil
		}
		return job
	}
	for _, ad := range ev.AccountData {
		if job := try(ad.Account); job != nil {
			return job
		}
	}
	for _, ix := range ev.Instructions {
		for _, acct := range ix.Accounts {
			if job := try(acct); job != nil {
				return job
			}
		}
	}
	return nil
}

func (h *WebhookHandler) recordEvent(ctx context.Context, jobID string, kind model.EscrowEventKind, signature string) {
	err := h.audit.RecordEvent(ctx, &model.EscrowEvent{
		ID:        uuid.New(),
		JobID:     jobID,
		Kind:      kind,
		Signature: signature,
		Source:    "webhook",
		CreatedAt: time.Now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		h.logger.Warn("record escrow event", zap.Error(err), zap.String("job_id", jobID))
	}
}

func eventLogs(ev *heliusEvent) []string {
	if len(ev.Logs) > 0 {
		return ev.Logs
	}
	return ev.Meta.LogMessages
}

// classifyEscrowEvent maps program log lines to an event kind. The program
// logs "Instruction: <Name>" per anchor convention.
func classifyEscrowEvent(ev *heliusEvent) model.EscrowEventKind {
	for _, log := range eventLogs(ev) {
		l := strings.ToLower(log)
		switch {
		case strings.Contains(l, "instruction: createescrow") || strings.Contains(l, "instruction: fundescrow"):
			return model.EscrowEventFunded
		case strings.Contains(l, "instruction: autorelease") || strings.Contains(l, "instruction: releasetoworker") || strings.Contains(l, "instruction: release"):
			return model.EscrowEventReleased
		case strings.Contains(l, "instruction: refundtoposter") || strings.Contains(l, "instruction: refund"):
			return model.EscrowEventRefunded
		case strings.Contains(l, "instruction: submitwork"):
			return model.EscrowEventWorkSubmitted
		case strings.Contains(l, "instruction: assignworker"):
			return model.EscrowEventWorkerAssigned
		}
	}
	switch strings.ToUpper(ev.Type) {
	case "TRANSFER", "DEPOSIT":
		return model.EscrowEventFunded
	}
	return ""
}
