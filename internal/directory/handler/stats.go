package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/directory/repository"
	"github.com/moltcities/moltcities/internal/notify"
)

// statsTTL bounds how stale the public counters may get.
const statsTTL = 30 * time.Second

// statsSource aggregates the platform counters.
// *repository.StatsRepository satisfies this interface.
type statsSource interface {
	Snapshot(ctx context.Context) (*repository.PlatformStats, error)
}

// healthChecker probes the process dependencies.
// *health.Checker satisfies this interface.
type healthChecker interface {
	Check(ctx context.Context) map[string]error
}

// StatsHandler serves the public counters and the health probe.
type StatsHandler struct {
	stats  statsSource
	hub    *notify.Hub
	health healthChecker
	logger *zap.Logger

	mu        sync.Mutex
	cached    *repository.PlatformStats
	fetchedAt time.Time
}

// NewStatsHandler creates a StatsHandler. health may be nil to disable the
// dependency probe.
func NewStatsHandler(stats statsSource, hub *notify.Hub, health healthChecker, logger *zap.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, hub: hub, health: health, logger: logger}
}

// Register mounts /api/stats; Healthz is mounted at the engine root by the
// router since probes do not share the /api prefix.
func (h *StatsHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/stats", h.Stats)
}

// Stats handles GET /api/stats. Snapshots are cached in-process for up to
// 30 seconds; online_count is always live from the hub.
func (h *StatsHandler) Stats(c *gin.Context) {
	snap, err := h.snapshot(c.Request.Context())
	if err != nil {
		respondErr(c, h.logger, err)
		return
	}
	c.Header("Cache-Control", "max-age=30")
	c.JSON(http.StatusOK, gin.H{
		"stats":        snap,
		"online_count": h.hub.OnlineCount(),
	})
}

func (h *StatsHandler) snapshot(ctx context.Context) (*repository.PlatformStats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cached != nil && time.Since(h.fetchedAt) < statsTTL {
		return h.cached, nil
	}
	snap, err := h.stats.Snapshot(ctx)
	if err != nil {
		if h.cached != nil {
			// Serve stale counters over a 500 for a public vanity endpoint.
			h.logger.Warn("stats snapshot failed, serving stale", zap.Error(err))
			return h.cached, nil
		}
		return nil, err
	}
	h.cached, h.fetchedAt = snap, time.Now()
	return snap, nil
}

// Healthz handles GET /healthz — DB ping plus RPC reachability.
func (h *StatsHandler) Healthz(c *gin.Context) {
	if h.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := h.health.Check(ctx)
	status := http.StatusOK
	out := make(gin.H, len(checks))
	for name, err := range checks {
		if err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
		} else {
			out[name] = "ok"
		}
	}
	c.JSON(status, gin.H{"status": statusWord(status), "checks": out})
}

func statusWord(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}
