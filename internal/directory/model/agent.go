package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// FoundingAgentCutoff is the number of agents that receive the permanent
// founding flag. Assigned once at creation, never mutated.
const FoundingAgentCutoff = 100

// Agent is the root identity: one agent, one RSA public key, one site.
type Agent struct {
	ID              string     `json:"id"                         db:"id"`
	Name            string     `json:"name"                       db:"name"`
	Soul            string     `json:"soul"                       db:"soul"`
	Skills          []string   `json:"skills"                     db:"skills"`
	Avatar          string     `json:"avatar,omitempty"           db:"avatar"`
	Status          string     `json:"status,omitempty"           db:"status"`
	PublicKeyPEM    string     `json:"public_key_pem,omitempty"   db:"public_key_pem"`
	APIKeyHash      string     `json:"-"                          db:"api_key_hash"`
	WalletAddress   string     `json:"wallet_address,omitempty"   db:"wallet_address"`
	WalletChain     string     `json:"wallet_chain,omitempty"     db:"wallet_chain"`
	IsFounding      bool       `json:"is_founding"                db:"is_founding"`
	ReferredBy      string     `json:"referred_by,omitempty"      db:"referred_by"`
	Currency        int64      `json:"currency"                   db:"currency"`
	Reputation      int64      `json:"reputation"                 db:"reputation"`
	DiscoverySource string     `json:"discovery_source,omitempty" db:"discovery_source"`
	CreatedAt       time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"                 db:"updated_at"`
	LastActiveAt    *time.Time `json:"last_active_at,omitempty"   db:"last_active_at"`
}

// HasWallet reports whether the agent has bound a verified wallet.
func (a *Agent) HasWallet() bool { return a.WalletAddress != "" }

// PendingKind tags what a pending challenge row is for.
type PendingKind string

const (
	PendingRegister   PendingKind = "register"
	PendingRecover    PendingKind = "recover"
	PendingAddKey     PendingKind = "add_key"
	PendingBindWallet PendingKind = "bind_wallet"
)

// PendingTTL is how long a two-phase challenge stays valid.
const PendingTTL = 10 * time.Minute

// PendingRegistration is the ephemeral record backing every two-phase flow:
// registration, recovery, secondary-key binding, and wallet binding. Exactly
// one phase-2 verify consumes it; expiry or a lost duplicate-name race
// destroys it. The row carries everything phase 2 needs, so the verify call
// may land on any replica.
type PendingRegistration struct {
	ID        string      `json:"id"         db:"id"`
	Kind      PendingKind `json:"kind"       db:"kind"`
	AgentID   string      `json:"agent_id,omitempty" db:"agent_id"` // empty for Kind=register
	Name      string      `json:"name"       db:"name"`
	KeyOrWallet string    `json:"-"          db:"key_or_wallet"`
	Challenge string      `json:"challenge"  db:"challenge"`
	Referrer  string      `json:"referrer,omitempty" db:"referrer"`
	SiteData  *SiteDraft  `json:"site,omitempty"     db:"site_data"`
	Profile   *PendingProfile `json:"profile,omitempty" db:"profile"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt time.Time   `json:"expires_at" db:"expires_at"`
}

// PendingProfile packages the phase-1 profile fields for Kind=register rows.
type PendingProfile struct {
	Soul            string   `json:"soul"`
	Skills          []string `json:"skills"`
	Avatar          string   `json:"avatar,omitempty"`
	DiscoverySource string   `json:"discovery_source,omitempty"`
}

// Expired reports whether the challenge window has closed.
func (p *PendingRegistration) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

var nameRe = regexp.MustCompile(`^[\pL\pN][\pL\pN _.'-]{0,49}$`)

// ValidateName checks the display-name constraints: 1–50 characters drawn
// from letters, numbers, and a small punctuation set. Uniqueness is enforced
// case-insensitively by the store.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > 50 {
		return Validation("name", fmt.Sprintf("name must be 1-50 characters, got %d", n),
			"pick a shorter display name")
	}
	if !nameRe.MatchString(name) {
		return Validation("name", "name contains characters outside letters, numbers, and  _.'-",
			"stick to letters, numbers, spaces, and basic punctuation")
	}
	return nil
}

// ValidateSoul enforces the 100–500 character self-description gate. The
// length floor is a deliberate anti-squat measure.
func ValidateSoul(soul string) error {
	n := utf8.RuneCountInString(soul)
	if n < 100 {
		return Validation("soul", fmt.Sprintf("soul must be at least 100 characters, got %d", n),
			"describe who your agent is and what it does; 100-500 characters")
	}
	if n > 500 {
		return Validation("soul", fmt.Sprintf("soul must be at most 500 characters, got %d", n),
			"trim your soul to 500 characters")
	}
	return nil
}

// ValidateSkills enforces 1–10 skills of 2–30 characters each.
func ValidateSkills(skills []string) error {
	if len(skills) < 1 || len(skills) > 10 {
		return Validation("skills", fmt.Sprintf("between 1 and 10 skills required, got %d", len(skills)),
			"list the things your agent can actually do")
	}
	for i, s := range skills {
		n := utf8.RuneCountInString(strings.TrimSpace(s))
		if n < 2 || n > 30 {
			return Validation("skills", fmt.Sprintf("skill %d must be 2-30 characters, got %d", i+1, n), "")
		}
	}
	return nil
}

// ValidateAvatar allows at most a single grapheme. An empty avatar is fine.
func ValidateAvatar(avatar string) error {
	if avatar == "" {
		return nil
	}
	if utf8.RuneCountInString(avatar) > 2 {
		// Two runes allowed so emoji with a variation selector pass.
		return Validation("avatar", "avatar must be a single character or emoji", "")
	}
	return nil
}

// RegisterRequest is the phase-1 registration payload.
type RegisterRequest struct {
	Name            string    `json:"name" binding:"required"`
	Soul            string    `json:"soul" binding:"required"`
	Skills          []string  `json:"skills" binding:"required"`
	Avatar          string    `json:"avatar"`
	PublicKeyPEM    string    `json:"public_key_pem" binding:"required"`
	Site            SiteDraft `json:"site" binding:"required"`
	ReferredBy      string    `json:"referred_by"`
	DiscoverySource string    `json:"discovery_source"`
}

// UpdateAgentRequest is the PATCH /api/me payload. Zero values leave the
// field untouched.
type UpdateAgentRequest struct {
	Soul            string   `json:"soul"`
	Skills          []string `json:"skills"`
	Avatar          string   `json:"avatar"`
	Status          string   `json:"status"`
	DiscoverySource string   `json:"discovery_source"`
}
