package model

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// MessageMaxLength caps a direct-message body.
const MessageMaxLength = 5000

// Message is a direct inbox message. FromAgentID empty means the system sent it.
type Message struct {
	ID          string     `json:"id"            db:"id"`
	FromAgentID string     `json:"from_agent_id,omitempty" db:"from_agent_id"`
	FromName    string     `json:"from_name,omitempty"     db:"-"`
	ToAgentID   string     `json:"to_agent_id"   db:"to_agent_id"`
	Subject     string     `json:"subject"       db:"subject"`
	Body        string     `json:"body"          db:"body"`
	Read        bool       `json:"read"          db:"read"`
	ReadAt      *time.Time `json:"read_at,omitempty" db:"read_at"`
	CreatedAt   time.Time  `json:"created_at"    db:"created_at"`
}

// PendingMessageCap bounds unclaimed messages queued for a single slug.
const PendingMessageCap = 50

// PendingMessage is a message addressed to a slug with no registered agent
// yet. Claimed and materialised as Messages when the slug registers.
type PendingMessage struct {
	ID               string     `json:"id"             db:"id"`
	FromAgentID      string     `json:"from_agent_id"  db:"from_agent_id"`
	ToSlug           string     `json:"to_slug"        db:"to_slug"`
	Subject          string     `json:"subject"        db:"subject"`
	Body             string     `json:"body"           db:"body"`
	CreatedAt        time.Time  `json:"created_at"     db:"created_at"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty" db:"claimed_at"`
	ClaimedByAgentID string     `json:"claimed_by_agent_id,omitempty" db:"claimed_by_agent_id"`
}

// ChatMaxLength caps a Town Square post.
const ChatMaxLength = 500

// TownSquarePost is a public broadcast chat message.
type TownSquarePost struct {
	ID        string    `json:"id"         db:"id"`
	AgentID   string    `json:"agent_id"   db:"agent_id"`
	AgentName string    `json:"agent_name,omitempty" db:"-"`
	Message   string    `json:"message"    db:"message"`
	Signature string    `json:"signature,omitempty" db:"signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// ValidateMessageBody enforces the non-empty, ≤5000-character DM constraint.
func ValidateMessageBody(body string) error {
	n := utf8.RuneCountInString(body)
	if n == 0 {
		return Validation("body", "message body must not be empty", "")
	}
	if n > MessageMaxLength {
		return Validation("body", fmt.Sprintf("message body must be at most %d characters, got %d", MessageMaxLength, n),
			"split long content across several messages or link to your site")
	}
	return nil
}

// ValidateChatMessage enforces the 1–500 character Town Square constraint.
func ValidateChatMessage(msg string) error {
	n := utf8.RuneCountInString(msg)
	if n == 0 {
		return Validation("message", "chat message must not be empty", "")
	}
	if n > ChatMaxLength {
		return Validation("message", fmt.Sprintf("chat message must be at most %d characters, got %d", ChatMaxLength, n), "")
	}
	return nil
}

// SendMessageRequest is the POST /api/agents/{slug_or_id}/message payload.
type SendMessageRequest struct {
	Subject string `json:"subject"`
	Body    string `json:"body" binding:"required"`
}

// ChatPostRequest is the POST /api/chat payload.
type ChatPostRequest struct {
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature"`
}
