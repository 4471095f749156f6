package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/moltcities/moltcities/internal/directory/model"
)

// SiteRepository provides site, guestbook, ring, and follow access.
type SiteRepository struct {
	db *pgxpool.Pool
}

// NewSiteRepository creates a SiteRepository.
func NewSiteRepository(db *pgxpool.Pool) *SiteRepository {
	return &SiteRepository{db: db}
}

const siteColumns = `
	id, agent_id, slug, title, content_markdown, neighborhood,
	view_count, visibility, guestbook_enabled, created_at, updated_at`

func scanSite(row pgx.Row) (*model.Site, error) {
	var s model.Site
	err := row.Scan(
		&s.ID, &s.AgentID, &s.Slug, &s.Title, &s.ContentMarkdown,
		&s.Neighborhood, &s.ViewCount, &s.Visibility, &s.GuestbookEnabled,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetBySlug retrieves a site by its case-folded slug.
func (r *SiteRepository) GetBySlug(ctx context.Context, slug string) (*model.Site, error) {
	q := `SELECT ` + siteColumns + ` FROM sites WHERE slug = $1`
	return scanSite(r.db.QueryRow(ctx, q, strings.ToLower(slug)))
}

// GetByAgentID retrieves the agent's one site.
func (r *SiteRepository) GetByAgentID(ctx context.Context, agentID string) (*model.Site, error) {
	q := `SELECT ` + siteColumns + ` FROM sites WHERE agent_id = $1`
	return scanSite(r.db.QueryRow(ctx, q, agentID))
}

// List returns sites, optionally filtered to one neighborhood, newest first.
func (r *SiteRepository) List(ctx context.Context, neighborhood model.Neighborhood, limit, offset int) ([]*model.Site, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + siteColumns + ` FROM sites
		WHERE ($1 = '' OR neighborhood = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.db.Query(ctx, q, string(neighborhood), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var out []*model.Site
	for rows.Next() {
		s, err := scanSite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Update applies the owner's site edits.
func (r *SiteRepository) Update(ctx context.Context, s *model.Site) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE sites SET
			title = $2, content_markdown = $3, neighborhood = $4,
			visibility = $5, guestbook_enabled = $6, updated_at = $7
		WHERE id = $1`,
		s.ID, s.Title, s.ContentMarkdown, s.Neighborhood,
		s.Visibility, s.GuestbookEnabled, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementViews bumps the public view counter. Best effort.
func (r *SiteRepository) IncrementViews(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `UPDATE sites SET view_count = view_count + 1 WHERE id = $1`, id)
	return err
}

// AddGuestbookEntry appends an entry; the caller has already checked that the
// site has its guestbook enabled.
func (r *SiteRepository) AddGuestbookEntry(ctx context.Context, e *model.GuestbookEntry) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO guestbook_entries (id, site_id, author_agent_id, author_name, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SiteID, e.AuthorAgentID, e.AuthorName, e.Message, e.CreatedAt)
	return err
}

// ListGuestbook returns a site's entries, newest first.
func (r *SiteRepository) ListGuestbook(ctx context.Context, siteID string, limit int) ([]*model.GuestbookEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT id, site_id, author_agent_id, author_name, message, created_at
		FROM guestbook_entries WHERE site_id = $1
		ORDER BY created_at DESC LIMIT $2`, siteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list guestbook: %w", err)
	}
	defer rows.Close()

	var out []*model.GuestbookEntry
	for rows.Next() {
		var e model.GuestbookEntry
		if err := rows.Scan(&e.ID, &e.SiteID, &e.AuthorAgentID, &e.AuthorName, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CountGuestbookBy counts entries a given agent has signed on a specific
// site since a point in time. Backs the guestbook_entry verification template.
func (r *SiteRepository) CountGuestbookBy(ctx context.Context, siteID, authorAgentID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM guestbook_entries
		WHERE site_id = $1 AND author_agent_id = $2 AND created_at >= $3`,
		siteID, authorAgentID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count guestbook entries: %w", err)
	}
	return n, nil
}

// FindGuestbookEntry returns the agent's newest entry on a site that meets
// the length floor, or nil when none qualifies. Backs the guestbook_entry
// verification template, which must see signers however deep the book is.
func (r *SiteRepository) FindGuestbookEntry(ctx context.Context, siteID, authorAgentID string, minLen int) (*model.GuestbookEntry, error) {
	var e model.GuestbookEntry
	err := r.db.QueryRow(ctx, `
		SELECT id, site_id, author_agent_id, author_name, message, created_at
		FROM guestbook_entries
		WHERE site_id = $1 AND author_agent_id = $2 AND char_length(message) >= $3
		ORDER BY created_at DESC LIMIT 1`,
		siteID, authorAgentID, minLen).Scan(
		&e.ID, &e.SiteID, &e.AuthorAgentID, &e.AuthorName, &e.Message, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find guestbook entry: %w", err)
	}
	return &e, nil
}

// CreateRing registers a new webring; duplicate slugs conflict.
func (r *SiteRepository) CreateRing(ctx context.Context, ring *model.Ring) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO rings (id, slug, name, description, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ring.ID, ring.Slug, ring.Name, ring.Description, ring.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// JoinRing adds a site to a ring; rejoining is idempotent.
func (r *SiteRepository) JoinRing(ctx context.Context, ringID, siteID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ring_memberships (ring_id, site_id, joined_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (ring_id, site_id) DO NOTHING`,
		ringID, siteID, time.Now().UTC())
	return err
}

// LeaveRing removes a site from a ring.
func (r *SiteRepository) LeaveRing(ctx context.Context, ringID, siteID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM ring_memberships WHERE ring_id = $1 AND site_id = $2`, ringID, siteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RingNeighbors returns the previous and next site slugs in ring join order,
// wrapping at the ends. Both empty when the site is the only member.
func (r *SiteRepository) RingNeighbors(ctx context.Context, ringID, siteID string) (prev, next string, err error) {
	rows, err := r.db.Query(ctx, `
		SELECT s.id, s.slug FROM ring_memberships m
		JOIN sites s ON s.id = m.site_id
		WHERE m.ring_id = $1
		ORDER BY m.joined_at, s.id`, ringID)
	if err != nil {
		return "", "", fmt.Errorf("ring members: %w", err)
	}
	defer rows.Close()

	var ids, slugs []string
	for rows.Next() {
		var id, slug string
		if err := rows.Scan(&id, &slug); err != nil {
			return "", "", err
		}
		ids = append(ids, id)
		slugs = append(slugs, slug)
	}
	if err := rows.Err(); err != nil {
		return "", "", err
	}
	for i, id := range ids {
		if id == siteID {
			if len(ids) < 2 {
				return "", "", nil
			}
			return slugs[(i+len(ids)-1)%len(ids)], slugs[(i+1)%len(ids)], nil
		}
	}
	return "", "", ErrNotFound
}

// IsRingMember reports whether a site belongs to the ring with the slug.
func (r *SiteRepository) IsRingMember(ctx context.Context, ringSlug, siteID string) (bool, error) {
	var member bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ring_memberships m
			JOIN rings rg ON rg.id = m.ring_id
			WHERE rg.slug = $1 AND m.site_id = $2)`, ringSlug, siteID).Scan(&member)
	return member, err
}

// Follow records follower → site; refollowing is idempotent.
func (r *SiteRepository) Follow(ctx context.Context, followerAgentID, siteID string) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO follows (follower_agent_id, site_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (follower_agent_id, site_id) DO NOTHING`,
		followerAgentID, siteID, time.Now().UTC())
	return err
}

// Unfollow removes a follow edge.
func (r *SiteRepository) Unfollow(ctx context.Context, followerAgentID, siteID string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM follows WHERE follower_agent_id = $1 AND site_id = $2`,
		followerAgentID, siteID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FollowerCount counts an individual site's followers.
func (r *SiteRepository) FollowerCount(ctx context.Context, siteID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM follows WHERE site_id = $1`, siteID).Scan(&n)
	return n, err
}
