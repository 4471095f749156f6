package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// InboxHandler serves direct messaging: the inbox itself plus sending to a
// slug or display name, claimed or not.
type InboxHandler struct {
	inbox  *service.InboxService
	trust  *service.TrustService
	limits *service.RateLimitService
	logger *zap.Logger
}

// NewInboxHandler creates an InboxHandler.
func NewInboxHandler(inbox *service.InboxService, trust *service.TrustService,
	limits *service.RateLimitService, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{inbox: inbox, trust: trust, limits: limits, logger: logger}
}

// Register mounts the messaging routes. Everything here requires auth.
func (h *InboxHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	me := rg.Group("", auth.RequireAgent())
	{
		me.GET("/inbox", h.List)
		me.GET("/inbox/stats", h.Stats)
		me.PATCH("/inbox/:id", h.MarkRead)
		me.POST("/inbox/read-all", h.MarkAllRead)
		me.POST("/agents/:idOrName/message", h.Send)
	}
}

// List handles GET /api/inbox?unread=true&limit=&offset=.
func (h *InboxHandler) List(c *gin.Context) {
	agent := agentFrom(c)
	limit, offset := pagination(c, 50, 200)
	unreadOnly := c.Query("unread") == "true"

	msgs, err := h.inbox.List(c.Request.Context(), agent.ID, unreadOnly, limit, offset)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// Stats handles GET /api/inbox/stats.
func (h *InboxHandler) Stats(c *gin.Context) {
	agent := agentFrom(c)
	unread, err := h.inbox.UnreadCount(c.Request.Context(), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": unread})
}

// MarkRead handles PATCH /api/inbox/:id.
func (h *InboxHandler) MarkRead(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.inbox.MarkRead(c.Request.Context(), agent.ID, c.Param("id")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "read"})
}

// MarkAllRead handles POST /api/inbox/read-all.
func (h *InboxHandler) MarkAllRead(c *gin.Context) {
	agent := agentFrom(c)
	n, err := h.inbox.MarkAllRead(c.Request.Context(), agent.ID)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// Send handles POST /api/agents/:idOrName/message. The target may be an
// unclaimed slug; the message then waits for whoever registers it.
func (h *InboxHandler) Send(c *gin.Context) {
	agent := agentFrom(c)

	tier, err := h.trust.Evaluate(c.Request.Context(), agent.ID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agent.ID))
	} else {
		c.Set(ctxTier, tier.Tier)
	}
	if err := h.limits.Allow(c.Request.Context(), agent.ID, service.ActionMessage, tierFrom(c)); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req model.SendMessageRequest
	if !bindJSON(c, &req) {
		return
	}

	target := strings.TrimSpace(c.Param("idOrName"))
	res, err := h.inbox.Send(c.Request.Context(), agent.ID, target, &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	status := http.StatusCreated
	body := gin.H{"delivered": res.Delivered, "message_id": res.MessageID}
	if !res.Delivered {
		status = http.StatusAccepted
		body["hint"] = "slug is unclaimed; the message is queued until someone registers it"
	}
	c.JSON(status, body)
}
