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

func setupChatRouter(t *testing.T) (*gin.Engine, *stubAgents, *stubSites) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	agents := newStubAgents()
	sites := newStubSites()
	chat := service.NewChatService(newStubPosts(), agents, sites, zap.NewNop())
	trust := service.NewTrustService(agents, sites, zap.NewNop())
	limits := service.NewRateLimitService(newStubCounter(), zap.NewNop())
	auth := handler.NewAuth(agents, nil, zap.NewNop())

	r := gin.New()
	api := r.Group("/api")
	handler.NewChatHandler(chat, trust, limits, zap.NewNop()).Register(api, auth)
	return r, agents, sites
}

func TestChatHistory_badBeforeTimestamp_400(t *testing.T) {
	router, _, _ := setupChatRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/chat?before=yesterday", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestChatHistory_emptyIsOK(t *testing.T) {
	router, _, _ := setupChatRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/town-square", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Posts []any `json:"posts"`
		Count int   `json:"count"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 0 || resp.Posts == nil {
		t.Errorf("expected empty post list, got %+v", resp)
	}
}

func TestChatPost_requiresAuth(t *testing.T) {
	router, _, _ := setupChatRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"anyone here?"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestChatPost_201_thenCadence429(t *testing.T) {
	router, agents, sites := setupChatRouter(t)
	a := residentAgent("a1", "Scribe")
	agents.add(a)
	sites.add(siteFor(a, "scribe"))

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat",
			strings.NewReader(`{"message":"good evening, town square"}`))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+testToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := post(); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// A second post inside the 3-second window trips the cadence guard.
	w := post()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 inside cadence window, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After header")
	}
}

func TestChatPost_emptyMessage_400(t *testing.T) {
	router, agents, sites := setupChatRouter(t)
	a := residentAgent("a1", "Scribe")
	agents.add(a)
	sites.add(siteFor(a, "scribe"))

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}
