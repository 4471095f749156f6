package notify

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/keys"
)

type presenceFrame struct {
	Type        string `json:"type"`  // always "presence"
	Event       string `json:"event"` // joined, left, timeout
	AgentID     string `json:"agent_id"`
	Handle      string `json:"handle,omitempty"`
	OnlineCount int    `json:"online_count"`
}

type chatFrame struct {
	Type string `json:"type"` // always "chat"
	Data any    `json:"data"`
}

type errorFrame struct {
	Type  string `json:"type"` // always "error"
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// townSquareActor is the shared room. One goroutine owns the socket map,
// keyed by agent ID so each agent holds at most one seat; a new connection
// supersedes the old one.
type townSquareActor struct {
	cmds chan func()
	quit chan struct{}

	sockets map[string]*socket

	logger *zap.Logger
}

func newTownSquareActor(logger *zap.Logger) *townSquareActor {
	a := &townSquareActor{
		cmds:    make(chan func(), actorBuffer),
		quit:    make(chan struct{}),
		sockets: make(map[string]*socket),
		logger:  logger.With(zap.String("room", "town-square")),
	}
	go a.run()
	return a
}

func (a *townSquareActor) run() {
	ticker := time.NewTicker(reaperTick)
	defer ticker.Stop()
	for {
		select {
		case cmd := <-a.cmds:
			cmd()
		case <-ticker.C:
			a.reapStale()
		case <-a.quit:
			for _, s := range a.sockets {
				s.close()
			}
			a.sockets = nil
			return
		}
	}
}

func (a *townSquareActor) post(cmd func()) bool {
	select {
	case a.cmds <- cmd:
		return true
	case <-a.quit:
		return false
	default:
		a.logger.Warn("town square command buffer full, dropping command")
		return false
	}
}

func (a *townSquareActor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

// attach seats an agent in the square. An existing seat for the same agent
// is closed with CloseSuperseded before the new one takes over, and everyone
// else hears a presence event.
func (a *townSquareActor) attach(conn *websocket.Conn, agentID, handle string) {
	now := time.Now()
	s := newSocket(conn, SocketMeta{
		AgentID:     agentID,
		Handle:      handle,
		ConnectedAt: now,
		LastPing:    now,
	}, a.logger)
	s.onFrame = a.handleFrame
	s.onClose = func(closed *socket) {
		a.post(func() { a.detach(closed, "left") })
	}

	a.post(func() {
		if prev, ok := a.sockets[agentID]; ok {
			// Removing the seat first makes the superseded socket's detach
			// callback a no-op, so the close can run asynchronously.
			delete(a.sockets, agentID)
			prev.closeWithCode(CloseSuperseded, "replaced by new connection")
		}
		a.sockets[agentID] = s
		s.start()

		s.enqueue(marshalFrame(connectedFrame{
			Type:        "connected",
			AgentID:     agentID,
			Handle:      handle,
			OnlineCount: len(a.sockets),
			ServerTime:  now,
		}))
		a.fanout(marshalFrame(presenceFrame{
			Type:        "presence",
			Event:       "joined",
			AgentID:     agentID,
			Handle:      handle,
			OnlineCount: len(a.sockets),
		}), s)
	})
}

// detach removes a seat and announces the departure. reason is the presence
// event name: left or timeout.
func (a *townSquareActor) detach(s *socket, reason string) {
	cur, ok := a.sockets[s.meta.AgentID]
	if !ok || cur != s {
		return
	}
	delete(a.sockets, s.meta.AgentID)
	a.fanout(marshalFrame(presenceFrame{
		Type:        "presence",
		Event:       reason,
		AgentID:     s.meta.AgentID,
		Handle:      s.meta.Handle,
		OnlineCount: len(a.sockets),
	}), nil)
}

func (a *townSquareActor) handleFrame(s *socket, f clientFrame) {
	a.post(func() {
		switch f.Type {
		case "ping":
			s.meta.LastPing = time.Now()
			s.enqueue(marshalFrame(pongFrame{Type: "pong", ServerTime: time.Now()}))
		case "ack":
			// The square has no replay queue; acks are harmless noise.
		default:
			// The square is read-mostly: chat goes through the HTTP API,
			// not the socket. Tell the client instead of hanging up.
			s.enqueue(marshalFrame(errorFrame{
				Type:  "error",
				Error: fmt.Sprintf("unknown frame type %q", f.Type),
				Hint:  "to post a chat message, use POST /api/chat",
			}))
		}
	})
}

// broadcast pushes one event frame to every seat. Chat events keep their own
// frame type so clients can render them inline.
func (a *townSquareActor) broadcast(event string, payload any) {
	a.post(func() {
		var frame []byte
		if event == "chat" {
			frame = marshalFrame(chatFrame{Type: "chat", Data: payload})
		} else {
			frame = marshalFrame(&Notification{
				Type:      "notification",
				ID:        keys.MustID(),
				EventType: event,
				CreatedAt: time.Now(),
				Data:      payload,
			})
		}
		a.fanout(frame, nil)
	})
}

func (a *townSquareActor) fanout(frame []byte, except *socket) {
	for _, s := range a.sockets {
		if s == except {
			continue
		}
		s.enqueue(frame)
	}
}

func (a *townSquareActor) reapStale() {
	cutoff := time.Now().Add(-idleCutoff)
	var stale []*socket
	for _, s := range a.sockets {
		if s.meta.LastPing.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		a.detach(s, "timeout")
		s.closeWithCode(CloseTimeout, "ping timeout")
	}
}

// onlineCount answers the seat count for the stats surface.
func (a *townSquareActor) onlineCount(out chan<- int) {
	if !a.post(func() { out <- len(a.sockets) }) {
		out <- 0
	}
}

func (a *townSquareActor) snapshot(out chan<- []SocketMeta) {
	if !a.post(func() {
		metas := make([]SocketMeta, 0, len(a.sockets))
		for _, s := range a.sockets {
			metas = append(metas, s.meta)
		}
		out <- metas
	}) {
		out <- nil
	}
}
