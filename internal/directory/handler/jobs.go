package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// JobHandler serves the race-to-complete marketplace and its escrow
// lifecycle, including the operator-only release and refund levers.
type JobHandler struct {
	jobs   *service.JobService
	trust  *service.TrustService
	limits *service.RateLimitService
	logger *zap.Logger
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs *service.JobService, trust *service.TrustService,
	limits *service.RateLimitService, logger *zap.Logger) *JobHandler {
	return &JobHandler{jobs: jobs, trust: trust, limits: limits, logger: logger}
}

// Register mounts the marketplace routes.
func (h *JobHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	rg.GET("/jobs", h.List)
	rg.GET("/jobs/:id", h.Get)
	rg.GET("/jobs/:id/verifications", h.VerificationHistory)

	agent := rg.Group("", auth.RequireAgent())
	{
		agent.POST("/jobs", h.Create)
		agent.GET("/jobs/:id/fund", h.FundingTx)
		agent.POST("/jobs/:id/fund/confirm", h.ConfirmFunding)
		agent.POST("/jobs/:id/attempt", h.Attempt)
		agent.POST("/jobs/:id/submit", h.Submit)
		agent.POST("/jobs/:id/approve", h.Approve)
		agent.POST("/jobs/:id/reject", h.Reject)
		agent.POST("/jobs/:id/dispute", h.Dispute)
		agent.DELETE("/jobs/:id", h.Cancel)
		agent.GET("/jobs/:id/escrow", h.EscrowInfo)
	}

	admin := rg.Group("/admin", auth.RequireAdmin())
	{
		admin.POST("/jobs/:id/release", h.AdminRelease)
		admin.POST("/jobs/:id/refund", h.AdminRefund)
		admin.POST("/jobs/:id/auto-release", h.AdminAutoRelease)
	}
}

// List handles GET /api/jobs with status/template/reward filters.
func (h *JobHandler) List(c *gin.Context) {
	limit, offset := pagination(c, 50, 200)
	f := model.JobListFilter{
		Status:          model.JobStatus(c.Query("status")),
		Template:        c.Query("template"),
		IncludeUnfunded: c.Query("include_unfunded") == "true",
		Limit:           limit,
		Offset:          offset,
	}
	f.MinReward, _ = strconv.ParseInt(c.Query("min_reward"), 10, 64)
	f.MaxReward, _ = strconv.ParseInt(c.Query("max_reward"), 10, 64)

	jobs, err := h.jobs.List(c.Request.Context(), f)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// Get handles GET /api/jobs/:id.
func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Create handles POST /api/jobs. The response carries the unsigned funding
// transaction for self-funded jobs.
func (h *JobHandler) Create(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionJobCreate); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req model.CreateJobRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.jobs.Create(c.Request.Context(), agent.ID, &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(res.Job.Status))
	resp := gin.H{"job": res.Job}
	if res.FundingTx != nil {
		resp["funding_tx"] = res.FundingTx
		resp["hint"] = "sign and send funding_tx, then POST /api/jobs/" + res.Job.ID + "/fund/confirm"
	}
	c.JSON(http.StatusCreated, resp)
}

// FundingTx handles GET /api/jobs/:id/fund — re-issues the unsigned funding
// transaction for a job the poster has not funded yet.
func (h *JobHandler) FundingTx(c *gin.Context) {
	agent := agentFrom(c)
	tx, err := h.jobs.FundingTx(c.Request.Context(), c.Param("id"), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"funding_tx": tx})
}

type confirmFundingRequest struct {
	Signature string `json:"signature"`
}

// ConfirmFunding handles POST /api/jobs/:id/fund/confirm — checks the chain
// and opens the job. Idempotent for webhook replays.
func (h *JobHandler) ConfirmFunding(c *gin.Context) {
	agent := agentFrom(c)

	var req confirmFundingRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}

	job, err := h.jobs.ConfirmFunding(c.Request.Context(), c.Param("id"), req.Signature, "poster")
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(job.Status))
	RecordEscrowMove("funded", "poster")
	h.logger.Info("funding confirmed",
		zap.String("job_id", job.ID), zap.String("agent_id", agent.ID))
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Attempt handles POST /api/jobs/:id/attempt — informational claim; the job
// stays open and any number of workers may race.
func (h *JobHandler) Attempt(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionJobAttempt); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	attempt, err := h.jobs.Attempt(c.Request.Context(), c.Param("id"), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"attempt": attempt,
		"hint":    "the job remains open; first verified submission wins",
	})
}

type submitRequest struct {
	Submission string `json:"submission" binding:"required"`
}

// Submit handles POST /api/jobs/:id/submit — the race decision point.
func (h *JobHandler) Submit(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionJobAttempt); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req submitRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.jobs.Submit(c.Request.Context(), c.Param("id"), agent.ID, req.Submission)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(res.Job.Status))
	c.JSON(http.StatusOK, res)
}

// Approve handles POST /api/jobs/:id/approve — the poster accepts a
// submission parked for manual review.
func (h *JobHandler) Approve(c *gin.Context) {
	agent := agentFrom(c)
	job, err := h.jobs.Approve(c.Request.Context(), c.Param("id"), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(job.Status))
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Reject handles POST /api/jobs/:id/reject — the poster declines; the job
// reopens for other workers.
func (h *JobHandler) Reject(c *gin.Context) {
	agent := agentFrom(c)
	job, err := h.jobs.Reject(c.Request.Context(), c.Param("id"), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(job.Status))
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// Dispute handles POST /api/jobs/:id/dispute — freezes the escrow pending a
// community vote.
func (h *JobHandler) Dispute(c *gin.Context) {
	agent := agentFrom(c)
	job, err := h.jobs.Dispute(c.Request.Context(), c.Param("id"), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(job.Status))
	c.JSON(http.StatusOK, gin.H{
		"job":  job,
		"hint": "open the community case via POST /api/disputes",
	})
}

// Cancel handles DELETE /api/jobs/:id — poster-only, before any worker wins.
func (h *JobHandler) Cancel(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.jobs.Cancel(c.Request.Context(), c.Param("id"), agent.ID); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordJobTransition(string(model.JobCancelled))
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// EscrowInfo handles GET /api/jobs/:id/escrow — the live on-chain view.
func (h *JobHandler) EscrowInfo(c *gin.Context) {
	info, err := h.jobs.EscrowInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": info})
}

// VerificationHistory handles GET /api/jobs/:id/verifications — the audit
// trail of predicate runs.
func (h *JobHandler) VerificationHistory(c *gin.Context) {
	limit, _ := pagination(c, 20, 100)
	runs, err := h.jobs.VerificationHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if runs == nil {
		runs = []*model.VerificationRun{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// AdminRelease handles POST /api/admin/jobs/:id/release — operator-driven
// payout to the winning worker.
func (h *JobHandler) AdminRelease(c *gin.Context) {
	fees, err := h.jobs.Release(c.Request.Context(), c.Param("id"), "admin")
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordEscrowMove("release", "admin")
	c.JSON(http.StatusOK, gin.H{"fees": fees})
}

// AdminRefund handles POST /api/admin/jobs/:id/refund — operator-driven
// refund to the poster.
func (h *JobHandler) AdminRefund(c *gin.Context) {
	if err := h.jobs.Refund(c.Request.Context(), c.Param("id"), model.JobRefunded, "admin"); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordEscrowMove("refund", "admin")
	RecordJobTransition(string(model.JobRefunded))
	c.JSON(http.StatusOK, gin.H{"status": "refunded"})
}

// AdminAutoRelease handles POST /api/admin/jobs/:id/auto-release — forces the
// review-deadline payout path without waiting for the sweeper.
func (h *JobHandler) AdminAutoRelease(c *gin.Context) {
	fees, err := h.jobs.AutoRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	RecordEscrowMove("auto_release", "admin")
	c.JSON(http.StatusOK, gin.H{"fees": fees})
}

// allow evaluates the caller's tier and applies the hourly cap for action.
func (h *JobHandler) allow(c *gin.Context, agentID string, action service.Action) error {
	eval, err := h.trust.Evaluate(c.Request.Context(), agentID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agentID))
	} else {
		c.Set(ctxTier, eval.Tier)
	}
	return h.limits.Allow(c.Request.Context(), agentID, action, tierFrom(c))
}
