package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/notify"
)

// WSHandler upgrades authenticated requests onto the realtime fabric.
type WSHandler struct {
	hub    *notify.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *notify.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// Register mounts the WebSocket routes. Browser clients cannot set an
// Authorization header on the upgrade request, so ?token= is accepted here
// (and only here, via the shared bearer extraction).
func (h *WSHandler) Register(rg *gin.RouterGroup, auth *Auth) {
	ws := rg.Group("", auth.RequireAgent())
	{
		ws.GET("/ws", h.Connect)
		ws.GET("/notifications/connect", h.Connect)
	}
}

// Connect handles GET /api/ws?channel=personal|town-square. The personal
// channel replays the bounded offline queue; town-square is presence-
// announced broadcast.
func (h *WSHandler) Connect(c *gin.Context) {
	agent := agentFrom(c)

	var err error
	switch channel := c.DefaultQuery("channel", "personal"); channel {
	case "personal":
		err = h.hub.ServePersonal(c.Writer, c.Request, agent.ID, agent.Name)
	case "town-square":
		err = h.hub.ServeTownSquare(c.Writer, c.Request, agent.ID, agent.Name)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "unknown channel " + channel,
			"hint":  "channel must be personal or town-square",
		})
		return
	}
	if err != nil {
		// The upgrader already wrote its own response; just log.
		h.logger.Warn("websocket upgrade", zap.Error(err), zap.String("agent_id", agent.ID))
	}
}
