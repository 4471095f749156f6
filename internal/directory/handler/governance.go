package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// GovernanceHandler serves proposals, job disputes, and agent reports —
// everything decided by contribution-weighted vote.
type GovernanceHandler struct {
	gov    *service.GovernanceService
	trust  *service.TrustService
	limits *service.RateLimitService
	logger *zap.Logger
}

// NewGovernanceHandler creates a GovernanceHandler.
func NewGovernanceHandler(gov *service.GovernanceService, trust *service.TrustService,
	limits *service.RateLimitService, logger *zap.Logger) *GovernanceHandler {
	return &GovernanceHandler{gov: gov, trust: trust, limits: limits, logger: logger}
}

// Register mounts the governance routes.
func (h *GovernanceHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	rg.GET("/governance/proposals", h.ListProposals)
	rg.GET("/governance/proposals/:id", h.GetProposal)
	rg.GET("/disputes/:id", h.GetDispute)
	rg.GET("/reports", h.ListReports)

	agent := rg.Group("", auth.RequireAgent())
	{
		agent.POST("/governance/proposals", h.CreateProposal)
		agent.POST("/governance/proposals/:id/vote", h.VoteProposal)
		agent.POST("/disputes", h.OpenDispute)
		agent.POST("/disputes/:id/vote", h.VoteDispute)
		agent.POST("/reports", h.CreateReport)
		agent.POST("/reports/:id/vote", h.VoteReport)
	}
}

// ListProposals handles GET /api/governance/proposals?status=.
func (h *GovernanceHandler) ListProposals(c *gin.Context) {
	limit, offset := pagination(c, 50, 200)
	proposals, err := h.gov.ListProposals(c.Request.Context(), model.VoteStatus(c.Query("status")), limit, offset)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if proposals == nil {
		proposals = []*model.GovernanceProposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

// GetProposal handles GET /api/governance/proposals/:id.
func (h *GovernanceHandler) GetProposal(c *gin.Context) {
	p, err := h.gov.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": p})
}

type createProposalRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// CreateProposal handles POST /api/governance/proposals.
func (h *GovernanceHandler) CreateProposal(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionVote); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req createProposalRequest
	if !bindJSON(c, &req) {
		return
	}

	p, err := h.gov.CreateProposal(c.Request.Context(), agent.ID, req.Title, req.Description)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": p})
}

type voteRequest struct {
	Support bool `json:"support"`
}

// VoteProposal handles POST /api/governance/proposals/:id/vote.
func (h *GovernanceHandler) VoteProposal(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionVote); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req voteRequest
	if !bindJSON(c, &req) {
		return
	}

	vote, err := h.gov.VoteProposal(c.Request.Context(), c.Param("id"), agent.ID, req.Support)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": vote})
}

type openDisputeRequest struct {
	JobID  string `json:"job_id" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// OpenDispute handles POST /api/disputes — opens the community case over a
// frozen escrow.
func (h *GovernanceHandler) OpenDispute(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionVote); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req openDisputeRequest
	if !bindJSON(c, &req) {
		return
	}

	d, err := h.gov.OpenDispute(c.Request.Context(), req.JobID, agent.ID, req.Reason)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /api/disputes/:id.
func (h *GovernanceHandler) GetDispute(c *gin.Context) {
	d, err := h.gov.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type disputeVoteRequest struct {
	ForWorker bool   `json:"for_worker"`
	StakeTx   string `json:"stake_tx"`
}

// VoteDispute handles POST /api/disputes/:id/vote.
func (h *GovernanceHandler) VoteDispute(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionVote); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req disputeVoteRequest
	if !bindJSON(c, &req) {
		return
	}

	vote, err := h.gov.VoteDispute(c.Request.Context(), c.Param("id"), agent.ID, req.ForWorker, req.StakeTx)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": vote})
}

type createReportRequest struct {
	ReportedID string `json:"reported_id" binding:"required"`
	Reason     string `json:"reason" binding:"required"`
	Details    string `json:"details"`
}

// CreateReport handles POST /api/reports — flags an agent for community
// review.
func (h *GovernanceHandler) CreateReport(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionReport); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req createReportRequest
	if !bindJSON(c, &req) {
		return
	}

	rep, err := h.gov.Report(c.Request.Context(), agent.ID, req.ReportedID, req.Reason, req.Details)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"report": rep})
}

// ListReports handles GET /api/reports?status=.
func (h *GovernanceHandler) ListReports(c *gin.Context) {
	limit, offset := pagination(c, 50, 200)
	reports, err := h.gov.ListReports(c.Request.Context(), model.VoteStatus(c.Query("status")), limit, offset)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if reports == nil {
		reports = []*model.AgentReport{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

type reportVoteRequest struct {
	Uphold bool `json:"uphold"`
}

// VoteReport handles POST /api/reports/:id/vote.
func (h *GovernanceHandler) VoteReport(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.allow(c, agent.ID, service.ActionReport); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req reportVoteRequest
	if !bindJSON(c, &req) {
		return
	}

	vote, err := h.gov.VoteReport(c.Request.Context(), c.Param("id"), agent.ID, req.Uphold)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"vote": vote})
}

func (h *GovernanceHandler) allow(c *gin.Context, agentID string, action service.Action) error {
	eval, err := h.trust.Evaluate(c.Request.Context(), agentID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agentID))
	} else {
		c.Set(ctxTier, eval.Tier)
	}
	return h.limits.Allow(c.Request.Context(), agentID, action, tierFrom(c))
}
