package handler_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/keys"
)

// testToken is the bearer credential every fixture agent authenticates with.
const testToken = "mc_handler_test_token_0001"

// ── Stub agent store ─────────────────────────────────────────────────────

type stubAgents struct {
	mu   sync.RWMutex
	rows map[string]*model.Agent
}

func newStubAgents() *stubAgents {
	return &stubAgents{rows: make(map[string]*model.Agent)}
}

func (s *stubAgents) add(a *model.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.rows[a.ID] = &cp
}

func (s *stubAgents) GetByID(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *stubAgents) GetByName(_ context.Context, name string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.rows {
		if strings.EqualFold(a.Name, name) {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubAgents) GetByAPIKeyHash(_ context.Context, hash string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.rows {
		if a.APIKeyHash == hash {
			cp := *a
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubAgents) TouchLastActive(_ context.Context, _ string) error { return nil }

func (s *stubAgents) UpdateProfile(_ context.Context, id string, req *model.UpdateAgentRequest) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if req.Soul != "" {
		a.Soul = req.Soul
	}
	if req.Skills != nil {
		a.Skills = req.Skills
	}
	if req.Avatar != "" {
		a.Avatar = req.Avatar
	}
	cp := *a
	return &cp, nil
}

func (s *stubAgents) Credit(_ context.Context, _ *model.Transaction) error { return nil }

// ── Stub site store ──────────────────────────────────────────────────────

type stubSites struct {
	mu         sync.RWMutex
	bySlug     map[string]*model.Site
	guestbooks map[string][]*model.GuestbookEntry // keyed by site ID
	rings      map[string]*model.Ring
	members    map[string][]string // ring ID → site IDs in join order
	follows    map[string]map[string]bool
}

func newStubSites() *stubSites {
	return &stubSites{
		bySlug:     make(map[string]*model.Site),
		guestbooks: make(map[string][]*model.GuestbookEntry),
		rings:      make(map[string]*model.Ring),
		members:    make(map[string][]string),
		follows:    make(map[string]map[string]bool),
	}
}

func (s *stubSites) add(site *model.Site) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *site
	s.bySlug[site.Slug] = &cp
}

func (s *stubSites) GetBySlug(_ context.Context, slug string) (*model.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.bySlug[slug]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *site
	return &cp, nil
}

func (s *stubSites) GetByAgentID(_ context.Context, agentID string) (*model.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, site := range s.bySlug {
		if site.AgentID == agentID {
			cp := *site
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *stubSites) List(_ context.Context, neighborhood model.Neighborhood, limit, offset int) ([]*model.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Site
	for _, site := range s.bySlug {
		if neighborhood != "" && site.Neighborhood != neighborhood {
			continue
		}
		cp := *site
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubSites) Update(_ context.Context, site *model.Site) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *site
	s.bySlug[site.Slug] = &cp
	return nil
}

func (s *stubSites) IncrementViews(_ context.Context, _ string) error { return nil }

func (s *stubSites) AddGuestbookEntry(_ context.Context, e *model.GuestbookEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.guestbooks[e.SiteID] = append(s.guestbooks[e.SiteID], &cp)
	return nil
}

func (s *stubSites) ListGuestbook(_ context.Context, siteID string, limit int) ([]*model.GuestbookEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.guestbooks[siteID]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]*model.GuestbookEntry, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

func (s *stubSites) CreateRing(_ context.Context, ring *model.Ring) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rings {
		if r.Slug == ring.Slug {
			return repository.ErrConflict
		}
	}
	cp := *ring
	s.rings[ring.ID] = &cp
	return nil
}

func (s *stubSites) JoinRing(_ context.Context, ringID, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rings[ringID]; !ok {
		return repository.ErrNotFound
	}
	for _, id := range s.members[ringID] {
		if id == siteID {
			return repository.ErrConflict
		}
	}
	s.members[ringID] = append(s.members[ringID], siteID)
	return nil
}

func (s *stubSites) LeaveRing(_ context.Context, ringID, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.members[ringID]
	for i, id := range ids {
		if id == siteID {
			s.members[ringID] = append(ids[:i], ids[i+1:]...)
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *stubSites) RingNeighbors(_ context.Context, ringID, siteID string) (prev, next string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.members[ringID]
	for i, id := range ids {
		if id != siteID {
			continue
		}
		prevID := ids[(i-1+len(ids))%len(ids)]
		nextID := ids[(i+1)%len(ids)]
		return s.slugOf(prevID), s.slugOf(nextID), nil
	}
	return "", "", repository.ErrNotFound
}

func (s *stubSites) slugOf(siteID string) string {
	for _, site := range s.bySlug {
		if site.ID == siteID {
			return site.Slug
		}
	}
	return ""
}

func (s *stubSites) Follow(_ context.Context, followerAgentID, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.follows[siteID] == nil {
		s.follows[siteID] = make(map[string]bool)
	}
	if s.follows[siteID][followerAgentID] {
		return repository.ErrConflict
	}
	s.follows[siteID][followerAgentID] = true
	return nil
}

func (s *stubSites) Unfollow(_ context.Context, followerAgentID, siteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.follows[siteID][followerAgentID] {
		return repository.ErrNotFound
	}
	delete(s.follows[siteID], followerAgentID)
	return nil
}

func (s *stubSites) FollowerCount(_ context.Context, siteID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.follows[siteID])), nil
}

// ── Stub rate-limit counters ─────────────────────────────────────────────

type stubCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newStubCounter() *stubCounter {
	return &stubCounter{counts: make(map[string]int)}
}

func (s *stubCounter) Increment(_ context.Context, subject, action string, _ time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subject + "|" + action
	s.counts[key]++
	return s.counts[key], nil
}

func (s *stubCounter) PurgeBefore(_ context.Context, _ time.Time) (int64, error) { return 0, nil }

// ── Stub admin keys ──────────────────────────────────────────────────────

type stubAdmins struct{ valid string }

func (s *stubAdmins) Check(_ context.Context, key string) (bool, error) {
	return key == s.valid, nil
}

// ── Stub chat store ──────────────────────────────────────────────────────

type stubPosts struct {
	mu    sync.Mutex
	posts []*model.TownSquarePost
	last  map[string]time.Time
}

func newStubPosts() *stubPosts {
	return &stubPosts{last: make(map[string]time.Time)}
}

func (s *stubPosts) Create(_ context.Context, p *model.TownSquarePost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.posts = append(s.posts, &cp)
	s.last[p.AgentID] = p.CreatedAt
	return nil
}

func (s *stubPosts) List(_ context.Context, limit int, before time.Time) ([]*model.TownSquarePost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.TownSquarePost
	for i := len(s.posts) - 1; i >= 0 && len(out) < limit; i-- {
		if s.posts[i].CreatedAt.Before(before) {
			cp := *s.posts[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *stubPosts) LastPostAt(_ context.Context, agentID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[agentID], nil
}

// ── Stub message store ───────────────────────────────────────────────────

type stubMessages struct {
	mu      sync.Mutex
	inboxes map[string][]*model.Message
	pending []*model.PendingMessage
}

func newStubMessages() *stubMessages {
	return &stubMessages{inboxes: make(map[string][]*model.Message)}
}

func (s *stubMessages) Create(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.inboxes[m.ToAgentID] = append(s.inboxes[m.ToAgentID], &cp)
	return nil
}

func (s *stubMessages) ListInbox(_ context.Context, agentID string, unreadOnly bool, limit, offset int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.inboxes[agentID] {
		if unreadOnly && m.Read {
			continue
		}
		cp := *m
		out = append(out, &cp)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubMessages) UnreadCount(_ context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.inboxes[agentID] {
		if !m.Read {
			n++
		}
	}
	return n, nil
}

func (s *stubMessages) MarkRead(_ context.Context, agentID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.inboxes[agentID] {
		if m.ID == messageID && !m.Read {
			m.Read = true
			return nil
		}
	}
	return repository.ErrNotFound
}

func (s *stubMessages) MarkAllRead(_ context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.inboxes[agentID] {
		if !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *stubMessages) CreatePending(_ context.Context, m *model.PendingMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.pending {
		if p.ToSlug == m.ToSlug && p.ClaimedAt == nil {
			count++
		}
	}
	if count >= model.PendingMessageCap {
		return repository.ErrConflict
	}
	cp := *m
	s.pending = append(s.pending, &cp)
	return nil
}

// ── Fixture agents ───────────────────────────────────────────────────────

// residentAgent satisfies the tier-2 criteria: key, long soul, 3 skills,
// a site, and an account older than a week.
func residentAgent(id, name string) *model.Agent {
	return &model.Agent{
		ID:           id,
		Name:         name,
		Soul:         strings.Repeat("a thoughtful agent of the directory ", 4),
		Skills:       []string{"research", "cartography", "writing"},
		Status:       "active",
		PublicKeyPEM: "-----BEGIN PUBLIC KEY-----\ntest\n-----END PUBLIC KEY-----",
		APIKeyHash:   keys.HashToken(testToken),
		CreatedAt:    time.Now().UTC().Add(-14 * 24 * time.Hour),
		UpdatedAt:    time.Now().UTC(),
	}
}

func siteFor(agent *model.Agent, slug string) *model.Site {
	return &model.Site{
		ID:               "site-" + agent.ID,
		AgentID:          agent.ID,
		Slug:             slug,
		Title:            agent.Name + "'s corner",
		ContentMarkdown:  strings.Repeat("Welcome to my corner of the city. ", 3),
		Neighborhood:     model.NeighborhoodDowntown,
		Visibility:       "public",
		GuestbookEnabled: true,
		CreatedAt:        agent.CreatedAt,
		UpdatedAt:        agent.CreatedAt,
	}
}
