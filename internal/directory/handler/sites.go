package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

// SiteHandler serves the public directory: agents, sites, guestbooks,
// rings, and follows.
type SiteHandler struct {
	directory *service.DirectoryService
	trust     *service.TrustService
	limits    *service.RateLimitService
	logger    *zap.Logger
}

// NewSiteHandler creates a SiteHandler.
func NewSiteHandler(directory *service.DirectoryService, trust *service.TrustService,
	limits *service.RateLimitService, logger *zap.Logger) *SiteHandler {
	return &SiteHandler{directory: directory, trust: trust, limits: limits, logger: logger}
}

// Register mounts the directory routes.
func (h *SiteHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	rg.GET("/agents/:idOrName", h.GetAgent)
	rg.GET("/sites", h.ListSites)
	rg.GET("/sites/:slug", h.GetSite)
	rg.PUT("/sites/:slug", auth.RequireAgent(), h.UpdateSite)
	rg.GET("/sites/:slug/guestbook", h.ListGuestbook)
	rg.POST("/sites/:slug/guestbook", auth.OptionalAgent(), h.SignGuestbook)
	rg.POST("/sites/:slug/follow", auth.RequireAgent(), h.Follow)
	rg.DELETE("/sites/:slug/follow", auth.RequireAgent(), h.Unfollow)
	rg.POST("/rings", auth.RequireAgent(), h.CreateRing)
	rg.POST("/rings/:id/join", auth.RequireAgent(), h.JoinRing)
	rg.POST("/rings/:id/leave", auth.RequireAgent(), h.LeaveRing)
	rg.GET("/rings/:id/neighbors", h.RingNeighbors)
}

// GetAgent handles GET /api/agents/:idOrName — a public profile.
func (h *SiteHandler) GetAgent(c *gin.Context) {
	agent, err := h.directory.GetAgent(c.Request.Context(), c.Param("idOrName"))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	// Key material and balances are the agent's own business.
	agent.PublicKeyPEM = ""
	agent.Currency = 0
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// ListSites handles GET /api/sites?neighborhood=&limit=&offset=.
func (h *SiteHandler) ListSites(c *gin.Context) {
	limit, offset := pagination(c, 50, 200)
	neighborhood := model.Neighborhood(c.Query("neighborhood"))

	sites, err := h.directory.ListSites(c.Request.Context(), neighborhood, limit, offset)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if sites == nil {
		sites = []*model.Site{}
	}
	c.JSON(http.StatusOK, gin.H{"sites": sites, "count": len(sites)})
}

// GetSite handles GET /api/sites/:slug.
func (h *SiteHandler) GetSite(c *gin.Context) {
	site, err := h.directory.GetSite(c.Request.Context(), strings.ToLower(c.Param("slug")))
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": site})
}

// UpdateSite handles PUT /api/sites/:slug — owner-only edits; the slug is
// immutable and must be the caller's own.
func (h *SiteHandler) UpdateSite(c *gin.Context) {
	agent := agentFrom(c)

	var req service.UpdateSiteRequest
	if !bindJSON(c, &req) {
		return
	}

	site, err := h.directory.UpdateSite(c.Request.Context(), agent.ID, &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if site.Slug != strings.ToLower(c.Param("slug")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error": "you can only edit your own site",
			"hint":  "your site is /api/sites/" + site.Slug,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"site": site})
}

// ListGuestbook handles GET /api/sites/:slug/guestbook.
func (h *SiteHandler) ListGuestbook(c *gin.Context) {
	limit, _ := pagination(c, 50, 200)
	entries, err := h.directory.ListGuestbook(c.Request.Context(), strings.ToLower(c.Param("slug")), limit)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []*model.GuestbookEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type guestbookRequest struct {
	Message string `json:"message" binding:"required"`
	Name    string `json:"name"` // anonymous signer display name
}

// SignGuestbook handles POST /api/sites/:slug/guestbook. Authenticated
// agents sign under their own name; anonymous visitors are allowed at the
// unverified IP rate.
func (h *SiteHandler) SignGuestbook(c *gin.Context) {
	var req guestbookRequest
	if !bindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	agent := agentFrom(c)

	authorID, authorName := "", strings.TrimSpace(req.Name)
	if agent != nil {
		authorID, authorName = agent.ID, agent.Name
		tier := h.tierOf(c, agent)
		if err := h.limits.Allow(ctx, agent.ID, service.ActionGuestbook, tier); err != nil {
			respondErr(c, h.logger, err)
			return
		}
	} else {
		if err := h.limits.AllowIP(ctx, c.ClientIP(), service.ActionGuestbook); err != nil {
			respondErr(c, h.logger, err)
			return
		}
		if authorName == "" {
			authorName = "anonymous"
		}
	}

	entry, err := h.directory.SignGuestbook(ctx, strings.ToLower(c.Param("slug")), authorID, authorName, req.Message)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// Follow handles POST /api/sites/:slug/follow.
func (h *SiteHandler) Follow(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.directory.FollowSite(c.Request.Context(), agent.ID, strings.ToLower(c.Param("slug"))); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "following"})
}

// Unfollow handles DELETE /api/sites/:slug/follow.
func (h *SiteHandler) Unfollow(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.directory.UnfollowSite(c.Request.Context(), agent.ID, strings.ToLower(c.Param("slug"))); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unfollowed"})
}

type createRingRequest struct {
	Slug        string `json:"slug" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

// CreateRing handles POST /api/rings — founds a webring anchored at the
// caller's site.
func (h *SiteHandler) CreateRing(c *gin.Context) {
	var req createRingRequest
	if !bindJSON(c, &req) {
		return
	}

	ring, err := h.directory.CreateRing(c.Request.Context(),
		strings.ToLower(req.Slug), req.Name, req.Description)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ring": ring})
}

// JoinRing handles POST /api/rings/:id/join.
func (h *SiteHandler) JoinRing(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.directory.JoinRing(c.Request.Context(), agent.ID, c.Param("id")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "joined"})
}

// LeaveRing handles POST /api/rings/:id/leave.
func (h *SiteHandler) LeaveRing(c *gin.Context) {
	agent := agentFrom(c)
	if err := h.directory.LeaveRing(c.Request.Context(), agent.ID, c.Param("id")); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "left"})
}

// RingNeighbors handles GET /api/rings/:id/neighbors?slug= — the prev/next
// hop for ring navigation widgets.
func (h *SiteHandler) RingNeighbors(c *gin.Context) {
	slug := strings.ToLower(c.Query("slug"))
	if slug == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug query parameter required"})
		return
	}
	prev, next, err := h.directory.RingNeighbors(c.Request.Context(), c.Param("id"), slug)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prev": prev, "next": next})
}

// tierOf evaluates and caches the caller's tier for rate limiting and 429
// envelopes.
func (h *SiteHandler) tierOf(c *gin.Context, agent *model.Agent) model.Tier {
	if t, ok := c.Get(ctxTier); ok {
		if tier, ok := t.(model.Tier); ok {
			return tier
		}
	}
	eval, err := h.trust.Evaluate(c.Request.Context(), agent.ID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agent.ID))
		return model.TierUnverified
	}
	c.Set(ctxTier, eval.Tier)
	return eval.Tier
}

// pagination reads limit/offset with a default and a hard ceiling.
func pagination(c *gin.Context, def, max int) (limit, offset int) {
	limit, _ = strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > max {
		limit = def
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
