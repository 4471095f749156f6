// Package notify is the realtime fabric: per-agent notification actors plus
// the shared town square room, all speaking newline-free JSON frames over
// WebSocket. Delivery is fire and forget; callers never block on a slow
// client and never see a delivery error.
package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub routes events to actors. Personal actors are spawned lazily on first
// use and reaped once they have been idle with nothing queued; the town
// square actor lives for the life of the hub.
type Hub struct {
	logger *zap.Logger

	mu       sync.Mutex
	personal map[string]*personalActor
	square   *townSquareActor

	reaperQuit chan struct{}
	reaperOnce sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	h := &Hub{
		logger:     logger,
		personal:   make(map[string]*personalActor),
		square:     newTownSquareActor(logger),
		reaperQuit: make(chan struct{}),
	}
	go h.reapLoop()
	return h
}

// Shutdown stops every actor and closes all sockets.
func (h *Hub) Shutdown() {
	h.reaperOnce.Do(func() { close(h.reaperQuit) })
	h.mu.Lock()
	actors := make([]*personalActor, 0, len(h.personal))
	for _, a := range h.personal {
		actors = append(actors, a)
	}
	h.personal = make(map[string]*personalActor)
	h.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}
	h.square.stop()
}

// NotifyAgent pushes one event to an agent's personal channel. Offline
// agents get the event queued for replay on their next connection.
func (h *Hub) NotifyAgent(agentID, event string, payload any) {
	if agentID == "" {
		return
	}
	h.actorFor(agentID).notify(event, payload, nil)
}

// Broadcast pushes one event to everyone seated in the town square.
func (h *Hub) Broadcast(event string, payload any) {
	h.square.broadcast(event, payload)
}

// ServePersonal upgrades the request onto the caller's personal channel.
// Authentication happens upstream; the handler layer resolves the agent
// before handing over the connection.
func (h *Hub) ServePersonal(w http.ResponseWriter, r *http.Request, agentID, handle string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.actorFor(agentID).attach(conn, handle)
	return nil
}

// ServeTownSquare upgrades the request into the shared room.
func (h *Hub) ServeTownSquare(w http.ResponseWriter, r *http.Request, agentID, handle string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.square.attach(conn, agentID, handle)
	return nil
}

// OnlineCount reports how many agents are seated in the town square.
func (h *Hub) OnlineCount() int {
	out := make(chan int, 1)
	h.square.onlineCount(out)
	select {
	case n := <-out:
		return n
	case <-time.After(time.Second):
		return 0
	}
}

// Sockets lists live socket metadata across the whole fabric, town square
// first, for the admin status surface.
func (h *Hub) Sockets() []SocketMeta {
	h.mu.Lock()
	actors := make([]*personalActor, 0, len(h.personal))
	for _, a := range h.personal {
		actors = append(actors, a)
	}
	h.mu.Unlock()

	out := make(chan []SocketMeta, 1)
	var metas []SocketMeta

	h.square.snapshot(out)
	metas = append(metas, h.collect(out)...)
	for _, a := range actors {
		a.snapshot(out)
		metas = append(metas, h.collect(out)...)
	}
	return metas
}

func (h *Hub) collect(out <-chan []SocketMeta) []SocketMeta {
	select {
	case metas := <-out:
		return metas
	case <-time.After(time.Second):
		return nil
	}
}

func (h *Hub) actorFor(agentID string) *personalActor {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.personal[agentID]
	if !ok {
		a = newPersonalActor(agentID, h.logger)
		h.personal[agentID] = a
	}
	return a
}

// reapLoop retires personal actors that have gone quiet so a busy hub does
// not accumulate a goroutine per agent that ever connected.
func (h *Hub) reapLoop() {
	ticker := time.NewTicker(reaperTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.reapIdle()
		case <-h.reaperQuit:
			return
		}
	}
}

func (h *Hub) reapIdle() {
	h.mu.Lock()
	type entry struct {
		id    string
		actor *personalActor
	}
	entries := make([]entry, 0, len(h.personal))
	for id, a := range h.personal {
		entries = append(entries, entry{id, a})
	}
	h.mu.Unlock()

	for _, e := range entries {
		done := make(chan bool, 1)
		e.actor.idle(done)
		var isIdle bool
		select {
		case isIdle = <-done:
		case <-time.After(time.Second):
		}
		if !isIdle {
			continue
		}
		h.mu.Lock()
		if h.personal[e.id] == e.actor {
			delete(h.personal, e.id)
		}
		h.mu.Unlock()
		e.actor.stop()
	}
}
