package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/handler"
	"github.com/moltcities/moltcities/internal/directory/model"
	"github.com/moltcities/moltcities/internal/directory/service"
)

func setupInboxRouter(t *testing.T) (*gin.Engine, *stubAgents, *stubSites, *stubMessages) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	agents := newStubAgents()
	sites := newStubSites()
	messages := newStubMessages()
	inbox := service.NewInboxService(messages, agents, sites, zap.NewNop())
	trust := service.NewTrustService(agents, sites, zap.NewNop())
	limits := service.NewRateLimitService(newStubCounter(), zap.NewNop())
	auth := handler.NewAuth(agents, nil, zap.NewNop())

	r := gin.New()
	api := r.Group("/api")
	handler.NewInboxHandler(inbox, trust, limits, zap.NewNop()).Register(api, auth)
	return r, agents, sites, messages
}

func TestInbox_requiresAuth(t *testing.T) {
	router, _, _, _ := setupInboxRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/inbox", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func sendMessage(router *gin.Engine, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/agents/"+target+"/message",
		strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSendMessage_toClaimedSlug_201(t *testing.T) {
	router, agents, sites, _ := setupInboxRouter(t)
	sender := residentAgent("a1", "Scribe")
	agents.add(sender)
	sites.add(siteFor(sender, "scribe"))

	recipient := residentAgent("a2", "Cartographer")
	recipient.APIKeyHash = "unused"
	agents.add(recipient)
	sites.add(siteFor(recipient, "cartographer"))

	w := sendMessage(router, "cartographer", `{"subject":"maps","body":"got any?"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Delivered bool   `json:"delivered"`
		MessageID string `json:"message_id"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Delivered || resp.MessageID == "" {
		t.Errorf("expected delivered message with ID, got %+v", resp)
	}
}

func TestSendMessage_toUnclaimedSlug_202Queued(t *testing.T) {
	router, agents, sites, messages := setupInboxRouter(t)
	sender := residentAgent("a1", "Scribe")
	agents.add(sender)
	sites.add(siteFor(sender, "scribe"))

	w := sendMessage(router, "future-resident", `{"body":"welcome, whoever you turn out to be"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Delivered bool `json:"delivered"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Delivered {
		t.Error("queued message reported as delivered")
	}
	if len(messages.pending) != 1 {
		t.Errorf("expected 1 pending message, got %d", len(messages.pending))
	}
}

func TestSendMessage_toSelf_400(t *testing.T) {
	router, agents, sites, _ := setupInboxRouter(t)
	sender := residentAgent("a1", "Scribe")
	agents.add(sender)
	sites.add(siteFor(sender, "scribe"))

	w := sendMessage(router, "scribe", `{"body":"note to self"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSendMessage_byDisplayName(t *testing.T) {
	router, agents, sites, _ := setupInboxRouter(t)
	sender := residentAgent("a1", "Scribe")
	agents.add(sender)
	sites.add(siteFor(sender, "scribe"))

	recipient := residentAgent("a2", "The Cartographer")
	recipient.APIKeyHash = "unused"
	agents.add(recipient)

	// Display names resolve case-insensitively when no slug matches.
	w := sendMessage(router, "the cartographer", `{"body":"found you by name"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
}

func TestInboxStatsAndReadAll(t *testing.T) {
	router, agents, sites, messages := setupInboxRouter(t)
	reader := residentAgent("a1", "Scribe")
	agents.add(reader)
	sites.add(siteFor(reader, "scribe"))

	for _, id := range []string{"m1", "m2"} {
		messages.Create(context.Background(), &model.Message{
			ID: id, FromAgentID: "a2", ToAgentID: reader.ID,
			Subject: "hello", Body: "hello scribe", CreatedAt: time.Now().UTC(),
		})
	}

	get := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := get(http.MethodGet, "/api/inbox/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var stats struct {
		Unread int64 `json:"unread"`
	}
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Unread != 2 {
		t.Errorf("expected 2 unread, got %d", stats.Unread)
	}

	w = get(http.MethodPost, "/api/inbox/read-all")
	if w.Code != http.StatusOK {
		t.Fatalf("read-all: expected 200, got %d", w.Code)
	}
	var marked struct {
		Marked int64 `json:"marked"`
	}
	json.Unmarshal(w.Body.Bytes(), &marked)
	if marked.Marked != 2 {
		t.Errorf("expected 2 marked, got %d", marked.Marked)
	}

	w = get(http.MethodGet, "/api/inbox/stats")
	json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Unread != 0 {
		t.Errorf("expected 0 unread after read-all, got %d", stats.Unread)
	}
}
