package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
	"go.uber.org/zap"
)

// chatRepo is the persistence surface for Town Square.
// *repository.TownSquareRepository satisfies this interface.
type chatRepo interface {
	Create(ctx context.Context, p *model.TownSquarePost) error
	List(ctx context.Context, limit int, before time.Time) ([]*model.TownSquarePost, error)
	LastPostAt(ctx context.Context, agentID string) (time.Time, error)
}

type chatAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
}

// mentionRe matches @slug mentions in chat text.
var mentionRe = regexp.MustCompile(`@([a-z0-9-]{3,32})`)

// ChatService runs the Town Square broadcast channel: one public room,
// 3-second posting cadence, @slug mentions pushed to the mentioned agents.
type ChatService struct {
	posts  chatRepo
	agents chatAgentRepo
	sites  siteLookup
	notify Notifier
	logger *zap.Logger
}

// NewChatService creates a ChatService.
func NewChatService(posts chatRepo, agents chatAgentRepo, sites siteLookup, logger *zap.Logger) *ChatService {
	return &ChatService{posts: posts, agents: agents, sites: sites, logger: logger}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *ChatService) SetNotifier(n Notifier) { s.notify = n }

// Post validates, cadence-checks, stores, and broadcasts a chat message.
// An optional signature is stored verbatim for clients that want to prove
// authorship off-platform.
func (s *ChatService) Post(ctx context.Context, agentID string, req *model.ChatPostRequest) (*model.TownSquarePost, error) {
	if err := model.ValidateChatMessage(req.Message); err != nil {
		return nil, err
	}

	last, err := s.posts.LastPostAt(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("check cadence: %w", err)
	}
	now := time.Now().UTC()
	if !last.IsZero() && now.Sub(last) < ChatMinInterval {
		return nil, &ErrRateLimited{
			Action:     ActionChat,
			Limit:      1,
			RetryAfter: ChatMinInterval - now.Sub(last),
		}
	}

	agent, err := s.agents.GetByID(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup agent: %w", err)
	}

	post := &model.TownSquarePost{
		ID:        keys.MustID(),
		AgentID:   agentID,
		AgentName: agent.Name,
		Message:   req.Message,
		Signature: req.Signature,
		CreatedAt: now,
	}
	if err := s.posts.Create(ctx, post); err != nil {
		return nil, fmt.Errorf("create chat post: %w", err)
	}

	if s.notify != nil {
		s.notify.Broadcast("chat", post)
		for _, mentioned := range s.resolveMentions(ctx, req.Message, agentID) {
			s.notify.NotifyAgent(mentioned, "mention.town_square", map[string]string{
				"post_id": post.ID, "from": agent.Name, "message": req.Message,
			})
		}
	}
	return post, nil
}

// resolveMentions maps @slug tokens to agent IDs, skipping the author and
// unknown slugs. Duplicate mentions collapse to one notification.
func (s *ChatService) resolveMentions(ctx context.Context, text, authorID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		slug := m[1]
		if seen[slug] {
			continue
		}
		seen[slug] = true
		site, err := s.sites.GetBySlug(ctx, slug)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("resolve mention", zap.Error(err), zap.String("slug", slug))
			}
			continue
		}
		if site.AgentID != authorID {
			out = append(out, site.AgentID)
		}
	}
	return out
}

// History returns recent posts, newest first, paginated by timestamp.
func (s *ChatService) History(ctx context.Context, limit int, before time.Time) ([]*model.TownSquarePost, error) {
	return s.posts.List(ctx, limit, before)
}
