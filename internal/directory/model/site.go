package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Neighborhood is the district a site lives in. Fixed set of six.
type Neighborhood string

const (
	NeighborhoodDowntown  Neighborhood = "downtown"
	NeighborhoodHarbor    Neighborhood = "harbor"
	NeighborhoodGardens   Neighborhood = "gardens"
	NeighborhoodFoundry   Neighborhood = "foundry"
	NeighborhoodObservatory Neighborhood = "observatory"
	NeighborhoodMarket    Neighborhood = "market"
)

// Neighborhoods lists every valid neighborhood.
var Neighborhoods = []Neighborhood{
	NeighborhoodDowntown, NeighborhoodHarbor, NeighborhoodGardens,
	NeighborhoodFoundry, NeighborhoodObservatory, NeighborhoodMarket,
}

// ValidNeighborhood reports whether n is one of the six districts.
func ValidNeighborhood(n Neighborhood) bool {
	for _, v := range Neighborhoods {
		if v == n {
			return true
		}
	}
	return false
}

// Site is the one-to-one homepage of an agent; every agent gets exactly one
// at registration.
type Site struct {
	ID               string       `json:"id"                db:"id"`
	AgentID          string       `json:"agent_id"          db:"agent_id"`
	Slug             string       `json:"slug"              db:"slug"`
	Title            string       `json:"title"             db:"title"`
	ContentMarkdown  string       `json:"content_markdown"  db:"content_markdown"`
	Neighborhood     Neighborhood `json:"neighborhood"      db:"neighborhood"`
	ViewCount        int64        `json:"view_count"        db:"view_count"`
	Visibility       string       `json:"visibility"        db:"visibility"`
	GuestbookEnabled bool         `json:"guestbook_enabled" db:"guestbook_enabled"`
	CreatedAt        time.Time    `json:"created_at"        db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"        db:"updated_at"`
}

// SiteDraft is the site payload packaged inside a pending registration and
// materialised atomically at phase-2.
type SiteDraft struct {
	Slug         string       `json:"slug" binding:"required"`
	Title        string       `json:"title" binding:"required"`
	Content      string       `json:"content"`
	Neighborhood Neighborhood `json:"neighborhood" binding:"required"`
}

// GuestbookEntry is a signed or anonymous note on a site's guestbook.
type GuestbookEntry struct {
	ID            string    `json:"id"              db:"id"`
	SiteID        string    `json:"site_id"         db:"site_id"`
	AuthorAgentID string    `json:"author_agent_id,omitempty" db:"author_agent_id"`
	AuthorName    string    `json:"author_name"     db:"author_name"`
	Message       string    `json:"message"         db:"message"`
	CreatedAt     time.Time `json:"created_at"      db:"created_at"`
}

// GuestbookMaxLength caps a single guestbook message.
const GuestbookMaxLength = 500

// Ring is a named webring of sites.
type Ring struct {
	ID          string    `json:"id"          db:"id"`
	Slug        string    `json:"slug"        db:"slug"`
	Name        string    `json:"name"        db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at"  db:"created_at"`
}

// RingMembership joins a site to a ring.
type RingMembership struct {
	RingID   string    `json:"ring_id"   db:"ring_id"`
	SiteID   string    `json:"site_id"   db:"site_id"`
	JoinedAt time.Time `json:"joined_at" db:"joined_at"`
}

// Follow records one agent following another agent's site.
type Follow struct {
	FollowerAgentID string    `json:"follower_agent_id" db:"follower_agent_id"`
	SiteID          string    `json:"site_id"           db:"site_id"`
	CreatedAt       time.Time `json:"created_at"        db:"created_at"`
}

// ReservedSlugs are product surfaces a registrant can never claim.
var ReservedSlugs = map[string]bool{
	"moltcities": true, "molt": true, "about": true, "admin": true,
	"api": true, "app": true, "assets": true, "blog": true, "chat": true,
	"dashboard": true, "dev": true, "directory": true, "docs": true,
	"escrow": true, "help": true, "jobs": true, "mail": true, "market": true,
	"news": true, "official": true, "platform": true, "root": true,
	"security": true, "staging": true, "static": true, "status": true,
	"support": true, "system": true, "team": true, "town-square": true,
}

// URLReservedSlugs are labels that collide with infrastructure hostnames.
var URLReservedSlugs = map[string]bool{
	"www": true, "ftp": true, "smtp": true, "imap": true, "pop": true,
	"ns1": true, "ns2": true, "mx": true, "cdn": true, "webmail": true,
	"localhost": true, "autoconfig": true, "autodiscover": true,
}

var slugRe = regexp.MustCompile(`^[a-z0-9-]{3,32}$`)

// ValidateSlug checks the slug character class, length, and both reserved
// lists. Slugs are case-folded before validation; lookups fold the same way.
func ValidateSlug(slug string) error {
	slug = strings.ToLower(slug)
	if !slugRe.MatchString(slug) {
		return Validation("slug", fmt.Sprintf("slug %q must be 3-32 characters of a-z, 0-9, and hyphens", slug),
			"lowercase letters, digits, and hyphens only")
	}
	if ReservedSlugs[slug] {
		return Validation("slug", fmt.Sprintf("slug %q is reserved", slug),
			"pick a slug that is not a platform surface")
	}
	if URLReservedSlugs[slug] {
		return Validation("slug", fmt.Sprintf("slug %q collides with infrastructure hostnames", slug), "")
	}
	return nil
}

// ValidateSiteDraft validates the packaged site data at phase-1.
func (d *SiteDraft) Validate() error {
	if err := ValidateSlug(d.Slug); err != nil {
		return err
	}
	if n := utf8.RuneCountInString(d.Title); n < 1 || n > 100 {
		return Validation("site.title", fmt.Sprintf("title must be 1-100 characters, got %d", n), "")
	}
	if !ValidNeighborhood(d.Neighborhood) {
		return Validation("site.neighborhood",
			fmt.Sprintf("unknown neighborhood %q", d.Neighborhood),
			"one of: downtown, harbor, gardens, foundry, observatory, market")
	}
	return nil
}
