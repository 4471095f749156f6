package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/handler"
	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/notify"
)

type stubStats struct {
	snap  *repository.PlatformStats
	err   error
	calls int
}

func (s *stubStats) Snapshot(_ context.Context) (*repository.PlatformStats, error) {
	s.calls++
	return s.snap, s.err
}

type stubChecker struct{ results map[string]error }

func (s *stubChecker) Check(_ context.Context) map[string]error { return s.results }

func setupStatsRouter(t *testing.T, stats *stubStats, checker *stubChecker) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := notify.NewHub(zap.NewNop())
	t.Cleanup(hub.Shutdown)

	h := handler.NewStatsHandler(stats, hub, checker, zap.NewNop())
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	h.Register(r.Group("/api"))
	return r
}

func TestStats_cachesSnapshots(t *testing.T) {
	stats := &stubStats{snap: &repository.PlatformStats{Agents: 7, Sites: 7}}
	router := setupStatsRouter(t, stats, nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if i == 0 && w.Header().Get("Cache-Control") == "" {
			t.Error("missing Cache-Control header")
		}
	}

	if stats.calls != 1 {
		t.Errorf("expected 1 snapshot call behind the cache, got %d", stats.calls)
	}
}

func TestStats_firstSnapshotError_500(t *testing.T) {
	stats := &stubStats{err: errors.New("db down")}
	router := setupStatsRouter(t, stats, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 with no cache to fall back on, got %d", w.Code)
	}
}

func TestHealthz_ok(t *testing.T) {
	router := setupStatsRouter(t, &stubStats{snap: &repository.PlatformStats{}},
		&stubChecker{results: map[string]error{"database": nil, "solana_rpc": nil}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHealthz_degraded_503(t *testing.T) {
	router := setupStatsRouter(t, &stubStats{snap: &repository.PlatformStats{}},
		&stubChecker{results: map[string]error{
			"database":   nil,
			"solana_rpc": errors.New("rpc unhealthy"),
		}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		Checks map[string]string
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "degraded" {
		t.Errorf("expected degraded status, got %q", resp.Status)
	}
}
