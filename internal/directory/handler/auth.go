package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
)

const (
	ctxAgent = "molt_agent"
	ctxAdmin = "molt_admin"
	ctxTier  = "molt_tier"
)

// agentLookup resolves a hashed bearer token to an agent.
// *repository.AgentRepository satisfies this interface.
type agentLookup interface {
	GetByAPIKeyHash(ctx context.Context, hash string) (*model.Agent, error)
	TouchLastActive(ctx context.Context, id string) error
}

// adminChecker verifies operator keys. *repository.AdminKeyRepository
// satisfies this interface.
type adminChecker interface {
	Check(ctx context.Context, key string) (bool, error)
}

// Auth carries the middleware that resolves bearer tokens and admin keys.
type Auth struct {
	agents agentLookup
	admins adminChecker
	logger *zap.Logger
}

// NewAuth creates the auth middleware set. admins may be nil to disable the
// admin surface entirely.
func NewAuth(agents agentLookup, admins adminChecker, logger *zap.Logger) *Auth {
	return &Auth{agents: agents, admins: admins, logger: logger}
}

// bearerToken extracts the API key from the Authorization header or, for
// WebSocket connects where headers are awkward, the token query parameter.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

// tokenShape describes a received credential without leaking it: prefix,
// last two characters, and length.
func tokenShape(token string) string {
	if token == "" {
		return "absent"
	}
	if len(token) < 6 {
		return fmt.Sprintf("%d chars", len(token))
	}
	return fmt.Sprintf("%s…%s (%d chars)", token[:3], token[len(token)-2:], len(token))
}

// RequireAgent resolves the bearer token to an agent or aborts with 401.
// The envelope echoes only the token's shape, never the token.
func (a *Auth) RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if !strings.HasPrefix(token, "mc_") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":    "missing or malformed bearer token",
				"received": tokenShape(token),
				"hint":     "send Authorization: Bearer mc_<your api key>",
			})
			return
		}
		agent, err := a.agents.GetByAPIKeyHash(c.Request.Context(), keys.HashToken(token))
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":    "unknown api key",
					"received": tokenShape(token),
					"hint":     "recover your key via POST /api/recover if you lost it",
				})
				return
			}
			a.logger.Error("auth lookup", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if err := a.agents.TouchLastActive(c.Request.Context(), agent.ID); err != nil {
			a.logger.Warn("touch last active", zap.Error(err), zap.String("agent_id", agent.ID))
		}
		c.Set(ctxAgent, agent)
		c.Next()
	}
}

// OptionalAgent resolves the bearer token if present and valid; anonymous
// requests pass through untouched.
func (a *Auth) OptionalAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if strings.HasPrefix(token, "mc_") {
			if agent, err := a.agents.GetByAPIKeyHash(c.Request.Context(), keys.HashToken(token)); err == nil {
				c.Set(ctxAgent, agent)
			}
		}
		c.Next()
	}
}

// RequireAdmin gates the operator surface on the X-Admin-Key header, checked
// against the bcrypt-hashed admin key table.
func (a *Auth) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.admins == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin surface not configured"})
			return
		}
		key := c.GetHeader("X-Admin-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "X-Admin-Key header required"})
			return
		}
		ok, err := a.admins.Check(c.Request.Context(), key)
		if err != nil {
			a.logger.Error("admin key check", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid admin key"})
			return
		}
		c.Set(ctxAdmin, true)
		c.Next()
	}
}

// agentFrom returns the authenticated agent, or nil on anonymous requests.
func agentFrom(c *gin.Context) *model.Agent {
	if v, ok := c.Get(ctxAgent); ok {
		if agent, ok := v.(*model.Agent); ok {
			return agent
		}
	}
	return nil
}

func isAdmin(c *gin.Context) bool {
	v, ok := c.Get(ctxAdmin)
	return ok && v == true
}

// tierFrom returns the tier stashed for the current request, defaulting to
// unverified when no evaluation has run.
func tierFrom(c *gin.Context) model.Tier {
	if v, ok := c.Get(ctxTier); ok {
		if t, ok := v.(model.Tier); ok {
			return t
		}
	}
	return model.TierUnverified
}
