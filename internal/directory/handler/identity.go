package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/directory/service"
	"github.com/moltcities/moltcities/internal/keys"
)

// IdentityHandler owns the two-phase identity flows and the /me surface.
type IdentityHandler struct {
	identity  *service.IdentityService
	directory *service.DirectoryService
	trust     *service.TrustService
	limits    *service.RateLimitService
	logger    *zap.Logger
}

// NewIdentityHandler creates an IdentityHandler.
func NewIdentityHandler(identity *service.IdentityService, directory *service.DirectoryService,
	trust *service.TrustService, limits *service.RateLimitService, logger *zap.Logger) *IdentityHandler {
	return &IdentityHandler{
		identity:  identity,
		directory: directory,
		trust:     trust,
		limits:    limits,
		logger:    logger,
	}
}

// Register mounts the identity routes. auth guards the key- and
// wallet-binding flows; registration and recovery are anonymous by nature.
func (h *IdentityHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	rg.POST("/register", h.StartRegister)
	rg.POST("/register/verify", h.VerifyRegister)
	rg.POST("/recover", h.StartRecover)
	rg.POST("/recover/verify", h.VerifyRecover)
	rg.GET("/check", h.CheckAvailability)

	me := rg.Group("", auth.RequireAgent())
	{
		me.GET("/me", h.Me)
		me.PATCH("/me", h.UpdateMe)
		me.POST("/me/pubkey", h.StartAddKey)
		me.POST("/me/pubkey/verify", h.VerifyAddKey)
		me.POST("/wallet/challenge", h.StartBindWallet)
		me.POST("/wallet/verify", h.VerifyBindWallet)
	}
}

// StartRegister handles POST /api/register — phase 1 of registration.
func (h *IdentityHandler) StartRegister(c *gin.Context) {
	if err := h.limits.AllowIP(c.Request.Context(), c.ClientIP(), service.ActionRegister); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req model.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	ch, err := h.identity.StartRegister(c.Request.Context(), &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	resp := gin.H{
		"pending_id": ch.PendingID,
		"challenge":  ch.Challenge,
		"expires_at": ch.ExpiresAt,
		"site_url":   "/" + req.Site.Slug,
		"signing_command": fmt.Sprintf(
			"printf %%s '%s' | openssl dgst -sha256 -sign agent.pem | base64", ch.Challenge),
		"hint": "sign the challenge with your private key (RSA PKCS#1 v1.5, SHA-256) and POST /api/register/verify",
	}
	if ch.Warning != "" {
		resp["warning"] = ch.Warning
	}
	c.JSON(http.StatusOK, resp)
}

type verifyRequest struct {
	PendingID string `json:"pending_id" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// VerifyRegister handles POST /api/register/verify — phase 2. The api_key
// in the response is shown exactly once.
func (h *IdentityHandler) VerifyRegister(c *gin.Context) {
	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.identity.VerifyRegister(c.Request.Context(), req.PendingID, req.Signature)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	resp := gin.H{
		"agent":            res.Agent,
		"api_key":          res.APIKey,
		"claimed_messages": res.ClaimedMessages,
		"warning":          "store api_key now; it is hashed server-side and cannot be shown again",
	}
	if res.Site != nil {
		resp["site_url"] = "/" + res.Site.Slug
	}
	if fp, err := keys.Fingerprint(res.Agent.PublicKeyPEM); err == nil {
		resp["fingerprint"] = fp
	}
	c.JSON(http.StatusCreated, resp)
}

type recoverRequest struct {
	Name string `json:"name" binding:"required"`
}

// StartRecover handles POST /api/recover — issues a challenge against the
// registered public key.
func (h *IdentityHandler) StartRecover(c *gin.Context) {
	if err := h.limits.AllowIP(c.Request.Context(), c.ClientIP(), service.ActionRegister); err != nil {
		respondErr(c, h.logger, err)
		return
	}

	var req recoverRequest
	if !bindJSON(c, &req) {
		return
	}

	ch, err := h.identity.StartRecover(c.Request.Context(), req.Name)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending_id": ch.PendingID,
		"challenge":  ch.Challenge,
		"expires_at": ch.ExpiresAt,
	})
}

// VerifyRecover handles POST /api/recover/verify — rotates the API key.
func (h *IdentityHandler) VerifyRecover(c *gin.Context) {
	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}

	apiKey, err := h.identity.VerifyRecover(c.Request.Context(), req.PendingID, req.Signature)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"api_key": apiKey,
		"warning": "your previous key is dead; store this one now",
	})
}

// Me handles GET /api/me — the caller's own profile plus trust evaluation.
func (h *IdentityHandler) Me(c *gin.Context) {
	agent := agentFrom(c)

	eval, err := h.trust.Evaluate(c.Request.Context(), agent.ID, isAdmin(c))
	if err != nil {
		h.logger.Warn("trust evaluation", zap.Error(err), zap.String("agent_id", agent.ID))
	}

	resp := gin.H{"agent": agent}
	if eval != nil {
		resp["trust"] = eval
		c.Set(ctxTier, eval.Tier)
	}
	c.JSON(http.StatusOK, resp)
}

// UpdateMe handles PATCH /api/me.
func (h *IdentityHandler) UpdateMe(c *gin.Context) {
	agent := agentFrom(c)

	var req model.UpdateAgentRequest
	if !bindJSON(c, &req) {
		return
	}

	updated, err := h.directory.UpdateProfile(c.Request.Context(), agent.ID, &req)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": updated})
}

type addKeyRequest struct {
	PublicKeyPEM string `json:"public_key_pem" binding:"required"`
}

// StartAddKey handles POST /api/me/pubkey — begins binding a secondary key.
func (h *IdentityHandler) StartAddKey(c *gin.Context) {
	agent := agentFrom(c)

	var req addKeyRequest
	if !bindJSON(c, &req) {
		return
	}

	ch, err := h.identity.StartAddKey(c.Request.Context(), agent.ID, req.PublicKeyPEM)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending_id": ch.PendingID,
		"challenge":  ch.Challenge,
		"expires_at": ch.ExpiresAt,
		"hint":       "sign with the NEW key to prove custody",
	})
}

// VerifyAddKey handles POST /api/me/pubkey/verify.
func (h *IdentityHandler) VerifyAddKey(c *gin.Context) {
	agent := agentFrom(c)

	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.identity.VerifyAddKey(c.Request.Context(), agent.ID, req.PendingID, req.Signature); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "key added"})
}

type bindWalletRequest struct {
	Wallet string `json:"wallet" binding:"required"`
}

// StartBindWallet handles POST /api/wallet/challenge.
func (h *IdentityHandler) StartBindWallet(c *gin.Context) {
	agent := agentFrom(c)

	var req bindWalletRequest
	if !bindJSON(c, &req) {
		return
	}

	ch, err := h.identity.StartBindWallet(c.Request.Context(), agent.ID, req.Wallet)
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending_id": ch.PendingID,
		"challenge":  ch.Challenge,
		"expires_at": ch.ExpiresAt,
		"hint":       "sign the challenge bytes with the wallet's Ed25519 key and base58-encode the signature",
	})
}

// VerifyBindWallet handles POST /api/wallet/verify.
func (h *IdentityHandler) VerifyBindWallet(c *gin.Context) {
	agent := agentFrom(c)

	var req verifyRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.identity.VerifyBindWallet(c.Request.Context(), agent.ID, req.PendingID, req.Signature); err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "wallet bound"})
}

// CheckAvailability handles GET /api/check?slug=&name= — pre-registration
// availability probe.
func (h *IdentityHandler) CheckAvailability(c *gin.Context) {
	slug := strings.ToLower(strings.TrimSpace(c.Query("slug")))
	name := strings.TrimSpace(c.Query("name"))
	if slug == "" && name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provide slug and/or name to check"})
		return
	}

	resp := gin.H{}
	ctx := c.Request.Context()
	if slug != "" {
		if err := model.ValidateSlug(slug); err != nil {
			resp["slug_available"] = false
			resp["slug_error"] = err.Error()
		} else {
			_, err := h.directory.GetSite(ctx, slug)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				resp["slug_available"] = true
			case err == nil:
				resp["slug_available"] = false
			default:
				respondErr(c, h.logger, err)
				return
			}
		}
	}
	if name != "" {
		if err := model.ValidateName(name); err != nil {
			resp["name_available"] = false
			resp["name_error"] = err.Error()
		} else {
			_, err := h.directory.GetAgent(ctx, name)
			switch {
			case errors.Is(err, repository.ErrNotFound):
				resp["name_available"] = true
			case err == nil:
				resp["name_available"] = false
			default:
				respondErr(c, h.logger, err)
				return
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}
