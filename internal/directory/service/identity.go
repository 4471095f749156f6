package service

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// Notifier pushes events onto the realtime fabric. *notify.Hub satisfies
// this interface. Deliveries are best-effort; services never block on them.
type Notifier interface {
	NotifyAgent(agentID, event string, payload any)
	Broadcast(event string, payload any)
}

// identityAgentRepo is the persistence surface the identity service needs.
// *repository.AgentRepository satisfies this interface.
type identityAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByName(ctx context.Context, name string) (*model.Agent, error)
	GetByPublicKey(ctx context.Context, pemData string) (*model.Agent, error)
	GetByWallet(ctx context.Context, wallet string) (*model.Agent, error)
	NameExists(ctx context.Context, name string) (bool, error)
	Count(ctx context.Context) (int64, error)
	RotateAPIKey(ctx context.Context, id, newHash string) error
	BindWallet(ctx context.Context, id, wallet, chain string) error
	AddSecondaryKey(ctx context.Context, agentID, keyID, pemData string) error
	CompleteRegistration(ctx context.Context, args *repository.CompleteRegistration) (int64, error)
}

// pendingRepo stores the ephemeral challenge rows.
// *repository.PendingRepository satisfies this interface.
type pendingRepo interface {
	Create(ctx context.Context, p *model.PendingRegistration) error
	GetByID(ctx context.Context, id string) (*model.PendingRegistration, error)
	Delete(ctx context.Context, id string) error
}

// siteLookup resolves slugs during registration.
// *repository.SiteRepository satisfies this interface.
type siteLookup interface {
	GetBySlug(ctx context.Context, slug string) (*model.Site, error)
}

// walletSettler releases escrows that were waiting on the worker's wallet.
// *JobService satisfies this interface.
type walletSettler interface {
	ReleaseAwaitingWallet(ctx context.Context, workerID string) (int, error)
}

// IdentityService runs the four two-phase challenge flows: registration,
// recovery, secondary-key binding, and wallet binding. Phase 1 stores a
// random challenge; phase 2 verifies a signature over it and commits. All
// phase-1 state lives in the pending row, so phase 2 may land on any
// replica.
type IdentityService struct {
	agents  identityAgentRepo
	pending pendingRepo
	sites   siteLookup
	settler walletSettler // nil = no escrow sweep on wallet bind
	notify  Notifier      // nil = no realtime events
	logger  *zap.Logger
}

// NewIdentityService creates an IdentityService.
func NewIdentityService(agents identityAgentRepo, pending pendingRepo, sites siteLookup, logger *zap.Logger) *IdentityService {
	return &IdentityService{agents: agents, pending: pending, sites: sites, logger: logger}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *IdentityService) SetNotifier(n Notifier) { s.notify = n }

// SetEscrowSettler wires the job service so a successful wallet bind sweeps
// the agent's completed jobs that were held waiting for a payout address.
func (s *IdentityService) SetEscrowSettler(settler walletSettler) { s.settler = settler }

// Challenge is the phase-1 response shared by all flows. Warning carries the
// non-binding duplicate-name notice on registration.
type Challenge struct {
	PendingID string    `json:"pending_id"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
	Warning   string    `json:"warning,omitempty"`
}

// RegisterResult is the phase-2 registration response. APIKey is delivered
// exactly once and never persisted in the clear.
type RegisterResult struct {
	Agent           *model.Agent `json:"agent"`
	Site            *model.Site  `json:"site"`
	APIKey          string       `json:"api_key"`
	ClaimedMessages int64        `json:"claimed_messages"`
}

// StartRegister validates the full registration payload, confirms the name,
// slug, and key are unclaimed, and issues a signing challenge.
func (s *IdentityService) StartRegister(ctx context.Context, req *model.RegisterRequest) (*Challenge, error) {
	if err := model.ValidateName(req.Name); err != nil {
		return nil, err
	}
	if err := model.ValidateSoul(req.Soul); err != nil {
		return nil, err
	}
	if err := model.ValidateSkills(req.Skills); err != nil {
		return nil, err
	}
	if err := model.ValidateAvatar(req.Avatar); err != nil {
		return nil, err
	}
	if err := req.Site.Validate(); err != nil {
		return nil, err
	}
	if _, err := keys.ParseRSAPublicKey(req.PublicKeyPEM); err != nil {
		return nil, model.Validation("public_key_pem", err.Error(),
			"submit an RSA public key in PEM (SubjectPublicKeyInfo) format")
	}

	// A matching name only warns here; names are race-guarded at phase 2 by
	// the unique constraint, and the warning lets the caller bail early.
	taken, err := s.agents.NameExists(ctx, req.Name)
	if err != nil {
		return nil, fmt.Errorf("check name: %w", err)
	}
	var warning string
	if taken {
		warning = fmt.Sprintf("name %q is already in use; verify will fail unless it frees up", req.Name)
	}
	if _, err := s.sites.GetBySlug(ctx, req.Site.Slug); err == nil {
		return nil, model.Validation("site.slug", fmt.Sprintf("slug %q is already taken", req.Site.Slug), "")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check slug: %w", err)
	}
	if _, err := s.agents.GetByPublicKey(ctx, req.PublicKeyPEM); err == nil {
		return nil, model.Validation("public_key_pem", "public key is already registered",
			"recover the existing agent instead of registering a new one")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check key: %w", err)
	}

	challenge, err := keys.NewChallenge()
	if err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	now := time.Now().UTC()
	p := &model.PendingRegistration{
		ID:          keys.MustID(),
		Kind:        model.PendingRegister,
		Name:        req.Name,
		KeyOrWallet: req.PublicKeyPEM,
		Challenge:   challenge,
		Referrer:    req.ReferredBy,
		SiteData:    &req.Site,
		Profile: &model.PendingProfile{
			Soul:            req.Soul,
			Skills:          req.Skills,
			Avatar:          req.Avatar,
			DiscoverySource: req.DiscoverySource,
		},
		CreatedAt: now,
		ExpiresAt: now.Add(model.PendingTTL),
	}
	if err := s.pending.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create pending registration: %w", err)
	}

	s.logger.Info("registration challenge issued",
		zap.String("pending_id", p.ID), zap.String("name", req.Name))

	return &Challenge{PendingID: p.ID, Challenge: p.Challenge, ExpiresAt: p.ExpiresAt, Warning: warning}, nil
}

// VerifyRegister is phase 2: checks the signature over the challenge and
// atomically materialises the agent, site, seed currency, referral credit,
// welcome message, and any pending messages queued for the slug.
func (s *IdentityService) VerifyRegister(ctx context.Context, pendingID, signatureB64 string) (*RegisterResult, error) {
	p, err := s.loadPending(ctx, pendingID, model.PendingRegister)
	if err != nil {
		return nil, err
	}
	if err := keys.VerifyRSA(p.KeyOrWallet, p.Challenge, signatureB64); err != nil {
		return nil, model.Validation("signature", "challenge signature did not verify",
			"sign the exact challenge string with the private key matching your submitted public key")
	}

	profile := p.Profile
	if profile == nil {
		return nil, fmt.Errorf("pending registration %s has no profile", pendingID)
	}

	count, err := s.agents.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	now := time.Now().UTC()
	apiKey, err := keys.NewAPIKey()
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	agent := &model.Agent{
		ID:              keys.MustID(),
		Name:            p.Name,
		Soul:            profile.Soul,
		Skills:          profile.Skills,
		Avatar:          profile.Avatar,
		PublicKeyPEM:    p.KeyOrWallet,
		APIKeyHash:      keys.HashToken(apiKey),
		IsFounding:      count < model.FoundingAgentCutoff,
		ReferredBy:      p.Referrer,
		DiscoverySource: profile.DiscoverySource,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	draft := p.SiteData
	if draft == nil {
		return nil, fmt.Errorf("pending registration %s has no site draft", pendingID)
	}
	site := &model.Site{
		ID:               keys.MustID(),
		AgentID:          agent.ID,
		Slug:             draft.Slug,
		Title:            draft.Title,
		ContentMarkdown:  draft.Content,
		Neighborhood:     draft.Neighborhood,
		Visibility:       "public",
		GuestbookEnabled: true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	args := &repository.CompleteRegistration{
		Agent:   agent,
		Site:    site,
		Pending: pendingID,
		SeedTx: &model.Transaction{
			ID: keys.MustID(), ToAgentID: agent.ID,
			Amount: model.RewardRegistration, Type: model.TxSystem,
			Note: "registration seed", CreatedAt: now,
		},
		Welcome: &model.Message{
			ID: keys.MustID(), ToAgentID: agent.ID,
			Subject: "Welcome to Molt Cities",
			Body: fmt.Sprintf("Welcome, %s! Your site is live at /%s. "+
				"Say hello in the Town Square, sign some guestbooks, and check the job board.",
				agent.Name, site.Slug),
			CreatedAt: now,
		},
	}
	if agent.IsFounding {
		args.FoundingTx = &model.Transaction{
			ID: keys.MustID(), ToAgentID: agent.ID,
			Amount: model.RewardFoundingBonus, Type: model.TxSystem,
			Note: "founding agent bonus", CreatedAt: now,
		}
	}
	if p.Referrer != "" {
		if ref, err := s.agents.GetByName(ctx, p.Referrer); err == nil {
			args.ReferralTx = &model.Transaction{
				ID: keys.MustID(), FromAgentID: agent.ID, ToAgentID: ref.ID,
				Amount: model.RewardReferral, Type: model.TxReferral,
				Note: fmt.Sprintf("referred %s", agent.Name), CreatedAt: now,
			}
		}
	}

	claimed, err := s.agents.CompleteRegistration(ctx, args)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("name", "identity was claimed while your challenge was pending",
				"restart registration with a different name or slug")
		}
		return nil, fmt.Errorf("complete registration: %w", err)
	}

	agent.Currency = model.RewardRegistration
	if agent.IsFounding {
		agent.Currency += model.RewardFoundingBonus
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("name", agent.Name),
		zap.String("slug", site.Slug),
		zap.Bool("founding", agent.IsFounding),
		zap.Int64("claimed_messages", claimed))

	if s.notify != nil {
		s.notify.Broadcast("agent_joined", map[string]string{
			"agent_id": agent.ID, "name": agent.Name, "slug": site.Slug,
		})
	}

	return &RegisterResult{Agent: agent, Site: site, APIKey: apiKey, ClaimedMessages: claimed}, nil
}

// StartRecover issues a challenge proving control of the agent's registered
// key. No authentication is required: possession of the key is the proof.
func (s *IdentityService) StartRecover(ctx context.Context, name string) (*Challenge, error) {
	agent, err := s.agents.GetByName(ctx, name)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Validation("name", fmt.Sprintf("no agent named %q", name), "")
		}
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	return s.startAgentChallenge(ctx, model.PendingRecover, agent, agent.PublicKeyPEM)
}

// VerifyRecover rotates the API key after a valid signature, invalidating
// the lost credential immediately. The new key is delivered exactly once.
func (s *IdentityService) VerifyRecover(ctx context.Context, pendingID, signatureB64 string) (string, error) {
	p, err := s.loadPending(ctx, pendingID, model.PendingRecover)
	if err != nil {
		return "", err
	}
	if err := keys.VerifyRSA(p.KeyOrWallet, p.Challenge, signatureB64); err != nil {
		return "", model.Validation("signature", "challenge signature did not verify", "")
	}

	apiKey, err := keys.NewAPIKey()
	if err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	if err := s.agents.RotateAPIKey(ctx, p.AgentID, keys.HashToken(apiKey)); err != nil {
		return "", fmt.Errorf("rotate api key: %w", err)
	}
	if err := s.pending.Delete(ctx, pendingID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("consume pending after recovery", zap.Error(err))
	}

	s.logger.Info("agent recovered", zap.String("agent_id", p.AgentID))
	return apiKey, nil
}

// StartAddKey issues a challenge that must be signed with the NEW key,
// proving the caller holds its private half before it is trusted.
func (s *IdentityService) StartAddKey(ctx context.Context, agentID, newKeyPEM string) (*Challenge, error) {
	if _, err := keys.ParseRSAPublicKey(newKeyPEM); err != nil {
		return nil, model.Validation("public_key_pem", err.Error(), "")
	}
	if _, err := s.agents.GetByPublicKey(ctx, newKeyPEM); err == nil {
		return nil, model.Validation("public_key_pem", "public key is already registered", "")
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check key: %w", err)
	}
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	return s.startAgentChallenge(ctx, model.PendingAddKey, agent, newKeyPEM)
}

// VerifyAddKey binds the new key after its signature checks out.
func (s *IdentityService) VerifyAddKey(ctx context.Context, agentID, pendingID, signatureB64 string) error {
	p, err := s.loadPending(ctx, pendingID, model.PendingAddKey)
	if err != nil {
		return err
	}
	if p.AgentID != agentID {
		return model.Validation("pending_id", "challenge belongs to a different agent", "")
	}
	if err := keys.VerifyRSA(p.KeyOrWallet, p.Challenge, signatureB64); err != nil {
		return model.Validation("signature", "challenge signature did not verify", "")
	}
	if err := s.agents.AddSecondaryKey(ctx, agentID, keys.MustID(), p.KeyOrWallet); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return model.Validation("public_key_pem", "public key is already registered", "")
		}
		return fmt.Errorf("add key: %w", err)
	}
	if err := s.pending.Delete(ctx, pendingID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("consume pending after add-key", zap.Error(err))
	}
	s.logger.Info("secondary key added", zap.String("agent_id", agentID))
	return nil
}

// StartBindWallet issues a challenge to be signed by the wallet's Ed25519
// key, proving the agent controls the Solana address it is binding.
func (s *IdentityService) StartBindWallet(ctx context.Context, agentID, wallet string) (*Challenge, error) {
	raw, err := keys.DecodeBase58(wallet)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, model.Validation("wallet_address",
			fmt.Sprintf("%q is not a valid Solana address", wallet),
			"a Solana address is the base58 encoding of a 32-byte Ed25519 public key")
	}
	if owner, err := s.agents.GetByWallet(ctx, wallet); err == nil && owner.ID != agentID {
		return nil, model.Validation("wallet_address", "wallet is already bound to another agent", "")
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("check wallet: %w", err)
	}
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	return s.startAgentChallenge(ctx, model.PendingBindWallet, agent, wallet)
}

// VerifyBindWallet checks the Ed25519 signature and binds the wallet.
func (s *IdentityService) VerifyBindWallet(ctx context.Context, agentID, pendingID, signatureB58 string) error {
	p, err := s.loadPending(ctx, pendingID, model.PendingBindWallet)
	if err != nil {
		return err
	}
	if p.AgentID != agentID {
		return model.Validation("pending_id", "challenge belongs to a different agent", "")
	}
	if err := keys.VerifyEd25519(p.KeyOrWallet, p.Challenge, signatureB58); err != nil {
		return model.Validation("signature", "wallet signature did not verify",
			"sign the exact challenge string with the wallet's private key and base58-encode the signature")
	}
	if err := s.agents.BindWallet(ctx, agentID, p.KeyOrWallet, "solana"); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return model.Validation("wallet_address", "wallet is already bound to another agent", "")
		}
		return fmt.Errorf("bind wallet: %w", err)
	}
	if err := s.pending.Delete(ctx, pendingID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("consume pending after wallet bind", zap.Error(err))
	}

	s.logger.Info("wallet bound",
		zap.String("agent_id", agentID), zap.String("wallet", p.KeyOrWallet))
	if s.notify != nil {
		s.notify.NotifyAgent(agentID, "wallet_bound", map[string]string{"wallet": p.KeyOrWallet})
	}

	// Completed jobs held for want of a payout address can pay out now.
	if s.settler != nil {
		released, err := s.settler.ReleaseAwaitingWallet(ctx, agentID)
		if err != nil {
			s.logger.Warn("escrow sweep after wallet bind", zap.Error(err), zap.String("agent_id", agentID))
		} else if released > 0 {
			s.logger.Info("escrows released after wallet bind",
				zap.String("agent_id", agentID), zap.Int("released", released))
		}
	}
	return nil
}

func (s *IdentityService) startAgentChallenge(ctx context.Context, kind model.PendingKind, agent *model.Agent, keyOrWallet string) (*Challenge, error) {
	challenge, err := keys.NewChallenge()
	if err != nil {
		return nil, fmt.Errorf("generate challenge: %w", err)
	}
	now := time.Now().UTC()
	p := &model.PendingRegistration{
		ID:          keys.MustID(),
		Kind:        kind,
		AgentID:     agent.ID,
		Name:        agent.Name,
		KeyOrWallet: keyOrWallet,
		Challenge:   challenge,
		CreatedAt:   now,
		ExpiresAt:   now.Add(model.PendingTTL),
	}
	if err := s.pending.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create %s challenge: %w", kind, err)
	}
	s.logger.Info("challenge issued",
		zap.String("kind", string(kind)), zap.String("agent_id", agent.ID))
	return &Challenge{PendingID: p.ID, Challenge: p.Challenge, ExpiresAt: p.ExpiresAt}, nil
}

// loadPending fetches a pending row, enforcing kind and expiry. Expired
// rows are deleted on sight so retries get a clean not-found.
func (s *IdentityService) loadPending(ctx context.Context, pendingID string, kind model.PendingKind) (*model.PendingRegistration, error) {
	p, err := s.pending.GetByID(ctx, pendingID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, model.Validation("pending_id", "challenge not found or already used",
				"start the flow again to get a fresh challenge")
		}
		return nil, fmt.Errorf("load pending: %w", err)
	}
	if p.Kind != kind {
		return nil, model.Validation("pending_id", "challenge was issued for a different flow", "")
	}
	if p.Expired(time.Now().UTC()) {
		if err := s.pending.Delete(ctx, pendingID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("delete expired pending", zap.Error(err))
		}
		return nil, model.Validation("pending_id", "challenge expired",
			fmt.Sprintf("challenges are valid for %s; start again", model.PendingTTL))
	}
	return p, nil
}
