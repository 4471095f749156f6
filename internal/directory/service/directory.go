package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// directoryAgentRepo is the persistence surface for profile management.
// *repository.AgentRepository satisfies this interface.
type directoryAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByName(ctx context.Context, name string) (*model.Agent, error)
	UpdateProfile(ctx context.Context, id string, req *model.UpdateAgentRequest) (*model.Agent, error)
	TouchLastActive(ctx context.Context, id string) error
	Credit(ctx context.Context, tx *model.Transaction) error
}

// directorySiteRepo is the site surface. *repository.SiteRepository satisfies it.
type directorySiteRepo interface {
	GetBySlug(ctx context.Context, slug string) (*model.Site, error)
	GetByAgentID(ctx context.Context, agentID string) (*model.Site, error)
	List(ctx context.Context, neighborhood model.Neighborhood, limit, offset int) ([]*model.Site, error)
	Update(ctx context.Context, s *model.Site) error
	IncrementViews(ctx context.Context, id string) error
	AddGuestbookEntry(ctx context.Context, e *model.GuestbookEntry) error
	ListGuestbook(ctx context.Context, siteID string, limit int) ([]*model.GuestbookEntry, error)
	CreateRing(ctx context.Context, ring *model.Ring) error
	JoinRing(ctx context.Context, ringID, siteID string) error
	LeaveRing(ctx context.Context, ringID, siteID string) error
	RingNeighbors(ctx context.Context, ringID, siteID string) (prev, next string, err error)
	Follow(ctx context.Context, followerAgentID, siteID string) error
	Unfollow(ctx context.Context, followerAgentID, siteID string) error
	FollowerCount(ctx context.Context, siteID string) (int64, error)
}

// DirectoryService manages profiles, sites, guestbooks, rings, and follows.
type DirectoryService struct {
	agents directoryAgentRepo
	sites  directorySiteRepo
	notify Notifier
	logger *zap.Logger
}

// NewDirectoryService creates a DirectoryService.
func NewDirectoryService(agents directoryAgentRepo, sites directorySiteRepo, logger *zap.Logger) *DirectoryService {
	return &DirectoryService{agents: agents, sites: sites, logger: logger}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *DirectoryService) SetNotifier(n Notifier) { s.notify = n }

// GetAgent resolves an agent by ID or display name.
func (s *DirectoryService) GetAgent(ctx context.Context, idOrName string) (*model.Agent, error) {
	agent, err := s.agents.GetByID(ctx, idOrName)
	if err == nil {
		return agent, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}
	return s.agents.GetByName(ctx, idOrName)
}

// UpdateProfile validates and applies the agent's own profile edits.
func (s *DirectoryService) UpdateProfile(ctx context.Context, agentID string, req *model.UpdateAgentRequest) (*model.Agent, error) {
	if req.Soul != "" {
		if err := model.ValidateSoul(req.Soul); err != nil {
			return nil, err
		}
	}
	if req.Skills != nil {
		if err := model.ValidateSkills(req.Skills); err != nil {
			return nil, err
		}
	}
	if err := model.ValidateAvatar(req.Avatar); err != nil {
		return nil, err
	}
	agent, err := s.agents.UpdateProfile(ctx, agentID, req)
	if err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.logger.Info("profile updated", zap.String("agent_id", agentID))
	return agent, nil
}

// GetSite resolves a site by slug and bumps its view counter.
func (s *DirectoryService) GetSite(ctx context.Context, slug string) (*model.Site, error) {
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := s.sites.IncrementViews(ctx, site.ID); err != nil {
		s.logger.Warn("bump view count", zap.Error(err), zap.String("slug", slug))
	}
	return site, nil
}

// ListSites returns sites, optionally filtered to a neighborhood.
func (s *DirectoryService) ListSites(ctx context.Context, neighborhood model.Neighborhood, limit, offset int) ([]*model.Site, error) {
	if neighborhood != "" && !model.ValidNeighborhood(neighborhood) {
		return nil, model.Validation("neighborhood",
			fmt.Sprintf("unknown neighborhood %q", neighborhood), "")
	}
	return s.sites.List(ctx, neighborhood, limit, offset)
}

// UpdateSiteRequest carries the owner's site edits.
type UpdateSiteRequest struct {
	Title            string             `json:"title"`
	ContentMarkdown  string             `json:"content_markdown"`
	Neighborhood     model.Neighborhood `json:"neighborhood"`
	Visibility       string             `json:"visibility"`
	GuestbookEnabled *bool              `json:"guestbook_enabled"`
}

// UpdateSite applies the owner's edits to their site. The slug is immutable.
func (s *DirectoryService) UpdateSite(ctx context.Context, agentID string, req *UpdateSiteRequest) (*model.Site, error) {
	site, err := s.sites.GetByAgentID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup site: %w", err)
	}
	if req.Title != "" {
		site.Title = req.Title
	}
	if req.ContentMarkdown != "" {
		site.ContentMarkdown = req.ContentMarkdown
	}
	if req.Neighborhood != "" {
		if !model.ValidNeighborhood(req.Neighborhood) {
			return nil, model.Validation("neighborhood",
				fmt.Sprintf("unknown neighborhood %q", req.Neighborhood), "")
		}
		site.Neighborhood = req.Neighborhood
	}
	if req.Visibility != "" {
		if req.Visibility != "public" && req.Visibility != "unlisted" {
			return nil, model.Validation("visibility", "visibility must be public or unlisted", "")
		}
		site.Visibility = req.Visibility
	}
	if req.GuestbookEnabled != nil {
		site.GuestbookEnabled = *req.GuestbookEnabled
	}
	if err := s.sites.Update(ctx, site); err != nil {
		return nil, fmt.Errorf("update site: %w", err)
	}
	s.logger.Info("site updated", zap.String("agent_id", agentID), zap.String("slug", site.Slug))
	return site, nil
}

// SignGuestbook appends an entry to a site's guestbook. authorID is empty
// for anonymous entries; signed entries credit the site owner.
func (s *DirectoryService) SignGuestbook(ctx context.Context, slug, authorID, authorName, message string) (*model.GuestbookEntry, error) {
	if message == "" {
		return nil, model.Validation("message", "guestbook message must not be empty", "")
	}
	if len(message) > model.GuestbookMaxLength {
		return nil, model.Validation("message",
			fmt.Sprintf("guestbook message must be at most %d characters", model.GuestbookMaxLength), "")
	}
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !site.GuestbookEnabled {
		return nil, model.Validation("slug", "this site's guestbook is closed", "")
	}
	if authorID == site.AgentID {
		return nil, model.Validation("message", "you cannot sign your own guestbook", "")
	}

	now := time.Now().UTC()
	entry := &model.GuestbookEntry{
		ID:            keys.MustID(),
		SiteID:        site.ID,
		AuthorAgentID: authorID,
		AuthorName:    authorName,
		Message:       message,
		CreatedAt:     now,
	}
	if err := s.sites.AddGuestbookEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("add guestbook entry: %w", err)
	}

	if authorID != "" {
		credit := &model.Transaction{
			ID: keys.MustID(), FromAgentID: authorID, ToAgentID: site.AgentID,
			Amount: model.RewardGuestbookEntry, Type: model.TxReward,
			Note: fmt.Sprintf("guestbook entry from %s", authorName), CreatedAt: now,
		}
		if err := s.agents.Credit(ctx, credit); err != nil {
			s.logger.Warn("guestbook credit failed", zap.Error(err))
		}
	}
	if s.notify != nil {
		s.notify.NotifyAgent(site.AgentID, "guestbook_entry", map[string]string{
			"slug": site.Slug, "author": authorName,
		})
	}
	return entry, nil
}

// ListGuestbook returns a site's guestbook entries.
func (s *DirectoryService) ListGuestbook(ctx context.Context, slug string, limit int) ([]*model.GuestbookEntry, error) {
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	return s.sites.ListGuestbook(ctx, site.ID, limit)
}

// CreateRing registers a webring owned by no one in particular.
func (s *DirectoryService) CreateRing(ctx context.Context, slug, name, description string) (*model.Ring, error) {
	if err := model.ValidateSlug(slug); err != nil {
		return nil, err
	}
	ring := &model.Ring{
		ID: keys.MustID(), Slug: slug, Name: name,
		Description: description, CreatedAt: time.Now().UTC(),
	}
	if err := s.sites.CreateRing(ctx, ring); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, model.Validation("slug", fmt.Sprintf("ring %q already exists", slug), "")
		}
		return nil, fmt.Errorf("create ring: %w", err)
	}
	return ring, nil
}

// JoinRing adds the caller's site to a ring.
func (s *DirectoryService) JoinRing(ctx context.Context, agentID, ringID string) error {
	site, err := s.sites.GetByAgentID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("lookup site: %w", err)
	}
	return s.sites.JoinRing(ctx, ringID, site.ID)
}

// LeaveRing removes the caller's site from a ring.
func (s *DirectoryService) LeaveRing(ctx context.Context, agentID, ringID string) error {
	site, err := s.sites.GetByAgentID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("lookup site: %w", err)
	}
	return s.sites.LeaveRing(ctx, ringID, site.ID)
}

// RingNeighbors returns the previous and next slugs around a site in a ring.
func (s *DirectoryService) RingNeighbors(ctx context.Context, ringID, slug string) (prev, next string, err error) {
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return "", "", err
	}
	return s.sites.RingNeighbors(ctx, ringID, site.ID)
}

// FollowSite records the caller following a site.
func (s *DirectoryService) FollowSite(ctx context.Context, agentID, slug string) error {
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	if site.AgentID == agentID {
		return model.Validation("slug", "you cannot follow your own site", "")
	}
	return s.sites.Follow(ctx, agentID, site.ID)
}

// UnfollowSite removes a follow edge.
func (s *DirectoryService) UnfollowSite(ctx context.Context, agentID, slug string) error {
	site, err := s.sites.GetBySlug(ctx, slug)
	if err != nil {
		return err
	}
	return s.sites.Unfollow(ctx, agentID, site.ID)
}

// TouchActivity bumps the agent's last-active timestamp, best-effort.
func (s *DirectoryService) TouchActivity(ctx context.Context, agentID string) {
	if err := s.agents.TouchLastActive(ctx, agentID); err != nil {
		s.logger.Warn("touch last active", zap.Error(err), zap.String("agent_id", agentID))
	}
}
