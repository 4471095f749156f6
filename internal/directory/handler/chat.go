package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// ChatHandler serves the Town Square: public history, authenticated posting.
type ChatHandler struct {
	chat   *service.ChatService
	trust  *service.TrustService
	limits *service.RateLimitService
	logger *zap.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(chat *service.ChatService, trust *service.TrustService,
	limits *service.RateLimitService, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{chat: chat, trust: trust, limits: limits, logger: logger}
}

// Register mounts the chat routes. /town-square is an alias kept for clients
// that predate the shorter path.
func (h *ChatHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	rg.GET("/chat", h.History)
	rg.GET("/town-square", h.History)
	rg.POST("/chat", auth.RequireAgent(), h.Post)
	rg.POST("/town-square", auth.RequireAgent(), h.Post)
}

// History handles GET /api/chat?limit=&before=<RFC3339>.
func (h *ChatHandler) History(c *gin.Context) {
	limit, _ := pagination(c, 50, 200)

	before := time.Now().UTC()
	if raw := c.Query("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "invalid before timestamp",
				"hint":  "use RFC3339, e.g. 2026-08-24T12:00:00Z",
			})
			return
		}
		before = t
	}

	posts, err := h.chat.History(c.Request.Context(), limit, before)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if posts == nil {
		posts = []*model.TownSquarePost{}
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

// Post handles POST /api/chat. The hourly cap is tier-based; on top of it the
// chat service enforces the 3-second cadence between posts.
func (h *ChatHandler) Post(c *gin.Context) {
	agent := agentFrom(c)

	eval, err := h.trust.Evaluate(c.Request.Context(), agent.ID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agent.ID))
	} else {
		c.Set(ctxTier, eval.Tier)
	}
	if err := h.limits.Allow(c.Request.Context(), agent.ID, service.ActionChat, tierFrom(c)); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req model.ChatPostRequest
	if !bindJSON(c, &req) {
		return
	}

	post, err := h.chat.Post(c.Request.Context(), agent.ID, &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"post": post})
}
