package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/handler"
	"github.com/moltcities/moltcities/internal/directory/service"
)

func setupSiteRouter(t *testing.T) (*gin.Engine, *stubAgents, *stubSites) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	agents := newStubAgents()
	sites := newStubSites()
	directory := service.NewDirectoryService(agents, sites, zap.NewNop())
	trust := service.NewTrustService(agents, sites, zap.NewNop())
	limits := service.NewRateLimitService(newStubCounter(), zap.NewNop())
	auth := handler.NewAuth(agents, &stubAdmins{valid: "sesame"}, zap.NewNop())

	r := gin.New()
	api := r.Group("/api")
	handler.NewSiteHandler(directory, trust, limits, zap.NewNop()).Register(api, auth)
	return r, agents, sites
}

func TestGetAgent_stripsKeyMaterialAndBalance(t *testing.T) {
	router, agents, _ := setupSiteRouter(t)
	a := residentAgent("a1", "Scribe")
	a.Currency = 500
	agents.add(a)

	req := httptest.NewRequest(http.MethodGet, "/api/agents/Scribe", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Agent map[string]any `json:"agent"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if _, leaked := resp.Agent["public_key_pem"]; leaked {
		t.Error("public profile leaked the public key PEM")
	}
	if resp.Agent["currency"] != float64(0) {
		t.Errorf("public profile leaked the balance: %v", resp.Agent["currency"])
	}
}

func TestGetSite_404(t *testing.T) {
	router, _, _ := setupSiteRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sites/no-such-slug", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestListSites_unknownNeighborhood_400(t *testing.T) {
	router, _, _ := setupSiteRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/sites?neighborhood=atlantis", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSignGuestbook_anonymous_201(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	body := `{"message":"lovely site, stranger"}`
	req := httptest.NewRequest(http.MethodPost, "/api/sites/scribe/guestbook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Entry struct {
			AuthorName string `json:"author_name"`
		} `json:"entry"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Entry.AuthorName != "anonymous" {
		t.Errorf("expected anonymous author, got %q", resp.Entry.AuthorName)
	}
}

func TestSignGuestbook_anonymousRateLimited(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	// Anonymous signers count against the tier-0 IP cap of 3/hour.
	var w *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/sites/scribe/guestbook",
			strings.NewReader(`{"message":"hello again"}`))
		req.Header.Set("Content-Type", "application/json")
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the 4th anonymous entry, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestSignGuestbook_ownSite_400(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	req := httptest.NewRequest(http.MethodPost, "/api/sites/scribe/guestbook",
		strings.NewReader(`{"message":"I love my own site"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 signing own guestbook, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateSite_wrongSlug_403(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	other := residentAgent("a2", "Cartographer")
	other.APIKeyHash = "unused"
	agents.add(other)
	sites.add(siteFor(other, "cartographer"))

	// The caller owns "scribe" but targets someone else's slug.
	req := httptest.NewRequest(http.MethodPut, "/api/sites/cartographer",
		strings.NewReader(`{"title":"mine now"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestUpdateSite_ownSlug_200(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	req := httptest.NewRequest(http.MethodPut, "/api/sites/scribe",
		strings.NewReader(`{"title":"Scribe HQ","neighborhood":"harbor"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Site struct {
			Title        string `json:"title"`
			Neighborhood string `json:"neighborhood"`
		} `json:"site"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Site.Title != "Scribe HQ" || resp.Site.Neighborhood != "harbor" {
		t.Errorf("unexpected site after update: %+v", resp.Site)
	}
}

func TestRingNeighbors_missingSlug_400(t *testing.T) {
	router, _, _ := setupSiteRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/rings/r1/neighbors", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestFollow_ownSite_400(t *testing.T) {
	router, agents, sites := setupSiteRouter(t)
	owner := residentAgent("a1", "Scribe")
	agents.add(owner)
	sites.add(siteFor(owner, "scribe"))

	req := httptest.NewRequest(http.MethodPost, "/api/sites/scribe/follow", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 following own site, got %d: %s", w.Code, w.Body.String())
	}
}
