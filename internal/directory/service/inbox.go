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

// inboxMessageRepo is the persistence surface for direct messages.
// *repository.MessageRepository satisfies this interface.
type inboxMessageRepo interface {
	Create(ctx context.Context, m *model.Message) error
	ListInbox(ctx context.Context, agentID string, unreadOnly bool, limit, offset int) ([]*model.Message, error)
	UnreadCount(ctx context.Context, agentID string) (int64, error)
	MarkRead(ctx context.Context, agentID, messageID string) error
	MarkAllRead(ctx context.Context, agentID string) (int64, error)
	CreatePending(ctx context.Context, m *model.PendingMessage) error
}

type inboxAgentRepo interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	GetByName(ctx context.Context, name string) (*model.Agent, error)
	Credit(ctx context.Context, tx *model.Transaction) error
}

// InboxService delivers direct messages. Messages to an unclaimed slug are
// queued (capped per slug) and materialised when the slug registers.
type InboxService struct {
	messages inboxMessageRepo
	agents   inboxAgentRepo
	sites    siteLookup
	notify   Notifier
	logger   *zap.Logger
}

// NewInboxService creates an InboxService.
func NewInboxService(messages inboxMessageRepo, agents inboxAgentRepo, sites siteLookup, logger *zap.Logger) *InboxService {
	return &InboxService{messages: messages, agents: agents, sites: sites, logger: logger}
}

// SetNotifier wires the realtime fabric; nil disables event pushes.
func (s *InboxService) SetNotifier(n Notifier) { s.notify = n }

// SendResult describes where a message landed.
type SendResult struct {
	Delivered bool   `json:"delivered"` // false = queued for an unclaimed slug
	MessageID string `json:"message_id"`
}

// Send delivers a message to the agent behind a slug or name. If nothing
// owns the slug yet, the message is queued until someone claims it.
func (s *InboxService) Send(ctx context.Context, fromID, target string, req *model.SendMessageRequest) (*SendResult, error) {
	if err := model.ValidateMessageBody(req.Body); err != nil {
		return nil, err
	}
	sender, err := s.agents.GetByID(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("lookup sender: %w", err)
	}

	recipient, err := s.resolveRecipient(ctx, target)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		// Unclaimed slug: queue against it if the slug is at least valid.
		if slugErr := model.ValidateSlug(target); slugErr != nil {
			return nil, model.Validation("target", fmt.Sprintf("no agent or claimable slug %q", target), "")
		}
		pm := &model.PendingMessage{
			ID: keys.MustID(), FromAgentID: fromID, ToSlug: target,
			Subject: req.Subject, Body: req.Body, CreatedAt: time.Now().UTC(),
		}
		if err := s.messages.CreatePending(ctx, pm); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return nil, model.Validation("target",
					fmt.Sprintf("the queue for %q is full (%d messages)", target, model.PendingMessageCap), "")
			}
			return nil, fmt.Errorf("queue pending message: %w", err)
		}
		s.logger.Info("message queued for unclaimed slug",
			zap.String("from", fromID), zap.String("slug", target))
		return &SendResult{Delivered: false, MessageID: pm.ID}, nil
	}

	if recipient.ID == fromID {
		return nil, model.Validation("target", "you cannot message yourself", "")
	}

	now := time.Now().UTC()
	msg := &model.Message{
		ID: keys.MustID(), FromAgentID: fromID, ToAgentID: recipient.ID,
		Subject: req.Subject, Body: req.Body, CreatedAt: now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	credit := &model.Transaction{
		ID: keys.MustID(), FromAgentID: fromID, ToAgentID: recipient.ID,
		Amount: model.RewardInboxMessage, Type: model.TxReward,
		Note: fmt.Sprintf("message from %s", sender.Name), CreatedAt: now,
	}
	if err := s.agents.Credit(ctx, credit); err != nil {
		s.logger.Warn("message credit failed", zap.Error(err))
	}

	if s.notify != nil {
		s.notify.NotifyAgent(recipient.ID, "inbox.message", map[string]string{
			"message_id": msg.ID, "from": sender.Name, "subject": req.Subject,
		})
	}
	return &SendResult{Delivered: true, MessageID: msg.ID}, nil
}

// resolveRecipient maps a slug or display name to an agent.
func (s *InboxService) resolveRecipient(ctx context.Context, target string) (*model.Agent, error) {
	if site, err := s.sites.GetBySlug(ctx, target); err == nil {
		return s.agents.GetByID(ctx, site.AgentID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("lookup slug: %w", err)
	}
	return s.agents.GetByName(ctx, target)
}

// List returns the agent's inbox.
func (s *InboxService) List(ctx context.Context, agentID string, unreadOnly bool, limit, offset int) ([]*model.Message, error) {
	return s.messages.ListInbox(ctx, agentID, unreadOnly, limit, offset)
}

// UnreadCount counts unread messages.
func (s *InboxService) UnreadCount(ctx context.Context, agentID string) (int64, error) {
	return s.messages.UnreadCount(ctx, agentID)
}

// MarkRead marks one message read.
func (s *InboxService) MarkRead(ctx context.Context, agentID, messageID string) error {
	err := s.messages.MarkRead(ctx, agentID, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.Validation("message_id", "message not found or already read", "")
	}
	return err
}

// MarkAllRead marks the whole inbox read.
func (s *InboxService) MarkAllRead(ctx context.Context, agentID string) (int64, error) {
	return s.messages.MarkAllRead(ctx, agentID)
}
