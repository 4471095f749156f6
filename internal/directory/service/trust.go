package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"go.uber.org/zap"
)

// trustAgentRepo is the lookup surface for tier evaluation.
type trustAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
}

type trustSiteRepo interface {
	GetByAgentID(ctx context.Context, agentID string) (*model.Site, error)
}

// TrustService computes an agent's trust tier on demand. Tiers are never
// stored; they are derived from the current profile, site, and wallet state
// so a change takes effect on the next evaluation.
type TrustService struct {
	agents trustAgentRepo
	sites  trustSiteRepo
	logger *zap.Logger
}

// NewTrustService creates a TrustService.
func NewTrustService(agents trustAgentRepo, sites trustSiteRepo, logger *zap.Logger) *TrustService {
	return &TrustService{agents: agents, sites: sites, logger: logger}
}

// Evaluate returns the agent's current tier with the satisfied criteria and
// a hint toward the next tier. isAdmin short-circuits to the platform tier.
func (s *TrustService) Evaluate(ctx context.Context, agentID string, isAdmin bool) (*model.TierEvaluation, error) {
	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	site, err := s.sites.GetByAgentID(ctx, agentID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup site: %w", err)
	}
	ev := model.EvaluateTier(agent, site, isAdmin, time.Now().UTC())
	return &ev, nil
}

// EvaluateAgent computes the tier for an already-loaded agent and site.
func (s *TrustService) EvaluateAgent(agent *model.Agent, site *model.Site, isAdmin bool) model.TierEvaluation {
	return model.EvaluateTier(agent, site, isAdmin, time.Now().UTC())
}
