package notify

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/moltcities/moltcities/internal/keys"
)

const (
	maxSocketsPerAgent = 8
	maxQueuedPerAgent  = 100
	actorBuffer        = 64
	reaperTick         = time.Minute
	idleCutoff         = 5 * time.Minute
)

// Notification is the server frame carrying one event to an agent.
type Notification struct {
	Type      string    `json:"type"` // always "notification"
	ID        string    `json:"id"`
	EventType string    `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data,omitempty"`
}

type connectedFrame struct {
	Type        string    `json:"type"` // always "connected"
	AgentID     string    `json:"agent_id"`
	Handle      string    `json:"handle,omitempty"`
	OnlineCount int       `json:"online_count"`
	ServerTime  time.Time `json:"server_time"`
}

type pongFrame struct {
	Type       string    `json:"type"` // always "pong"
	ServerTime time.Time `json:"server_time"`
}

// deliveryResult reports how a notification fanned out across an agent's
// sockets: pushed live, or parked in the replay queue.
type deliveryResult struct {
	Delivered int
	Queued    bool
}

// personalActor owns every socket one agent has open. A single goroutine
// drains the command channel, so the socket map and the queue need no lock.
type personalActor struct {
	agentID string
	cmds    chan func()
	quit    chan struct{}

	sockets []*socket
	queue   []*Notification

	lastActive time.Time
	logger     *zap.Logger
}

func newPersonalActor(agentID string, logger *zap.Logger) *personalActor {
	a := &personalActor{
		agentID:    agentID,
		cmds:       make(chan func(), actorBuffer),
		quit:       make(chan struct{}),
		lastActive: time.Now(),
		logger:     logger.With(zap.String("agent_id", agentID)),
	}
	go a.run()
	return a
}

func (a *personalActor) run() {
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

// post schedules work on the actor goroutine. A full command channel drops
// the work: callers treat the fabric as fire and forget.
func (a *personalActor) post(cmd func()) bool {
	select {
	case a.cmds <- cmd:
		return true
	case <-a.quit:
		return false
	default:
		a.logger.Warn("notifier command buffer full, dropping command")
		return false
	}
}

func (a *personalActor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

// attach registers a freshly upgraded connection, flushes the replay queue
// to it, and evicts the oldest socket when the agent is over the cap.
func (a *personalActor) attach(conn *websocket.Conn, handle string) {
	now := time.Now()
	s := newSocket(conn, SocketMeta{
		AgentID:     a.agentID,
		Handle:      handle,
		ConnectedAt: now,
		LastPing:    now,
	}, a.logger)
	s.onFrame = a.handleFrame
	s.onClose = func(closed *socket) {
		a.post(func() { a.detach(closed) })
	}

	ok := a.post(func() {
		a.lastActive = now
		if len(a.sockets) >= maxSocketsPerAgent {
			oldest := a.sockets[0]
			a.sockets = a.sockets[1:]
			oldest.closeWithCode(CloseSuperseded, "connection limit reached")
		}
		a.sockets = append(a.sockets, s)
		s.start()

		s.enqueue(marshalFrame(connectedFrame{
			Type:        "connected",
			AgentID:     a.agentID,
			Handle:      handle,
			OnlineCount: 1,
			ServerTime:  now,
		}))
		for _, n := range a.queue {
			s.enqueue(marshalFrame(n))
		}
		a.queue = nil
	})
	if !ok {
		// Never registered, so nothing will ever close this connection for us.
		s.close()
	}
}

func (a *personalActor) detach(s *socket) {
	for i, cur := range a.sockets {
		if cur == s {
			a.sockets = append(a.sockets[:i], a.sockets[i+1:]...)
			break
		}
	}
}

func (a *personalActor) handleFrame(s *socket, f clientFrame) {
	a.post(func() {
		a.lastActive = time.Now()
		switch f.Type {
		case "ping":
			s.meta.LastPing = time.Now()
			s.enqueue(marshalFrame(pongFrame{Type: "pong", ServerTime: time.Now()}))
		case "ack":
			a.ack(f.NotificationID)
		default:
			s.closeWithCode(CloseProtocol, "unknown frame type")
		}
	})
}

// ack drops a queued notification once the client confirms receipt.
// Acking an unknown or already-drained ID is a no-op.
func (a *personalActor) ack(id string) {
	for i, n := range a.queue {
		if n.ID == id {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			return
		}
	}
}

// notify pushes one event to every live socket, queueing it for replay when
// the agent has none. The queue is bounded; the oldest entry gives way.
func (a *personalActor) notify(event string, payload any, result chan<- deliveryResult) {
	ok := a.post(func() {
		n := &Notification{
			Type:      "notification",
			ID:        keys.MustID(),
			EventType: event,
			CreatedAt: time.Now(),
			Data:      payload,
		}
		res := deliveryResult{}
		if len(a.sockets) == 0 {
			if len(a.queue) >= maxQueuedPerAgent {
				a.queue = a.queue[1:]
			}
			a.queue = append(a.queue, n)
			res.Queued = true
		} else {
			frame := marshalFrame(n)
			for _, s := range a.sockets {
				if s.enqueue(frame) {
					res.Delivered++
				}
			}
		}
		a.lastActive = time.Now()
		if result != nil {
			result <- res
		}
	})
	if !ok && result != nil {
		result <- deliveryResult{}
	}
}

// reapStale closes sockets whose clients stopped pinging.
func (a *personalActor) reapStale() {
	cutoff := time.Now().Add(-idleCutoff)
	var stale []*socket
	for _, s := range a.sockets {
		if s.meta.LastPing.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	for _, s := range stale {
		a.detach(s)
		s.closeWithCode(CloseTimeout, "ping timeout")
	}
}

// idle reports whether the actor can be reaped: no sockets, nothing queued,
// and no activity within the cutoff.
func (a *personalActor) idle(done chan<- bool) {
	if !a.post(func() {
		done <- len(a.sockets) == 0 && len(a.queue) == 0 &&
			time.Since(a.lastActive) > idleCutoff
	}) {
		done <- true
	}
}

// snapshot copies the live socket metadata for the hub's status surface.
func (a *personalActor) snapshot(out chan<- []SocketMeta) {
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
