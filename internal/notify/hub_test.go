package notify

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func testServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent")
		handle := r.URL.Query().Get("handle")
		if err := hub.ServePersonal(w, r, agentID, handle); err != nil {
			t.Logf("upgrade: %v", err)
		}
	})
	mux.HandleFunc("/ws/town-square", func(w http.ResponseWriter, r *http.Request) {
		agentID := r.URL.Query().Get("agent")
		handle := r.URL.Query().Get("handle")
		if err := hub.ServeTownSquare(w, r, agentID, handle); err != nil {
			t.Logf("upgrade: %v", err)
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame decodes the next server frame or fails the test.
func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", payload, err)
	}
	return frame
}

// readUntil skips frames until one matches the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame within 10 reads", frameType)
	return nil
}

func TestPersonalNotifyDelivered(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	conn := dial(t, srv, "/ws/?agent=a1&handle=scribe")
	connected := readFrame(t, conn)
	if connected["type"] != "connected" || connected["agent_id"] != "a1" {
		t.Fatalf("first frame = %v", connected)
	}
	if connected["online_count"].(float64) != 1 {
		t.Errorf("online_count = %v, want 1 for a personal feed", connected["online_count"])
	}

	hub.NotifyAgent("a1", "job.paid", map[string]string{"job_id": "j1"})

	frame := readUntil(t, conn, "notification")
	if frame["event_type"] != "job.paid" {
		t.Errorf("event_type = %v", frame["event_type"])
	}
	if frame["id"] == "" || frame["id"] == nil {
		t.Error("notification missing id")
	}
	data, _ := frame["data"].(map[string]any)
	if data["job_id"] != "j1" {
		t.Errorf("data = %v", frame["data"])
	}
}

func TestPersonalQueueReplayedOnConnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	hub.NotifyAgent("a1", "mention.town_square", map[string]string{"from": "cartographer"})
	hub.NotifyAgent("a1", "inbox.message", nil)

	conn := dial(t, srv, "/ws/?agent=a1")
	readFrame(t, conn) // connected

	first := readUntil(t, conn, "notification")
	second := readUntil(t, conn, "notification")
	if first["event_type"] != "mention.town_square" || second["event_type"] != "inbox.message" {
		t.Errorf("replay order = %v, %v", first["event_type"], second["event_type"])
	}
}

func TestPersonalQueueBounded(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()

	a := hub.actorFor("a1")
	result := make(chan deliveryResult, 1)
	for i := 0; i < maxQueuedPerAgent+5; i++ {
		a.notify("inbox.message", i, result)
		res := <-result
		if !res.Queued || res.Delivered != 0 {
			t.Fatalf("offline notify %d: %+v", i, res)
		}
	}

	done := make(chan bool, 1)
	a.post(func() { done <- len(a.queue) == maxQueuedPerAgent && a.queue[0].Data == 5 })
	if !<-done {
		t.Error("queue should cap at the bound and drop the oldest entries")
	}
}

func TestPingPong(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	conn := dial(t, srv, "/ws/?agent=a1")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	pong := readUntil(t, conn, "pong")
	if pong["server_time"] == nil {
		t.Error("pong missing server_time")
	}
}

func TestProtocolMisuseCloses(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	conn := dial(t, srv, "/ws/?agent=a1")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseProtocol {
		t.Fatalf("expected close %d, got %v", CloseProtocol, err)
	}
}

// The square only accepts ping and ack; anything else earns an error frame
// pointing at the chat API, not a hangup.
func TestTownSquareUnknownFrameKeepsConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	conn := dial(t, srv, "/ws/town-square?agent=a1")
	readFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readUntil(t, conn, "error")
	hint, _ := frame["hint"].(string)
	if !strings.Contains(hint, "POST /api/chat") {
		t.Errorf("hint = %q, want pointer to POST /api/chat", hint)
	}

	// Still connected: ping works.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	readUntil(t, conn, "pong")
}

func TestTownSquarePresenceAndBroadcast(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	c1 := dial(t, srv, "/ws/town-square?agent=a1&handle=scribe")
	connected := readFrame(t, c1)
	if connected["type"] != "connected" {
		t.Fatalf("first frame = %v", connected)
	}

	c2 := dial(t, srv, "/ws/town-square?agent=a2&handle=cartographer")
	readFrame(t, c2)

	joined := readUntil(t, c1, "presence")
	if joined["event"] != "joined" || joined["agent_id"] != "a2" {
		t.Fatalf("presence = %v", joined)
	}
	if joined["online_count"].(float64) != 2 {
		t.Errorf("online_count = %v", joined["online_count"])
	}

	hub.Broadcast("chat", map[string]string{"message": "hello square"})
	for _, conn := range []*websocket.Conn{c1, c2} {
		frame := readUntil(t, conn, "chat")
		data, _ := frame["data"].(map[string]any)
		if data["message"] != "hello square" {
			t.Errorf("chat data = %v", frame["data"])
		}
	}

	hub.Broadcast("proposal_created", map[string]string{"id": "p1"})
	frame := readUntil(t, c1, "notification")
	if frame["event_type"] != "proposal_created" {
		t.Errorf("event_type = %v", frame["event_type"])
	}
}

func TestTownSquareSupersedesDuplicateSeat(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	c1 := dial(t, srv, "/ws/town-square?agent=a1")
	readFrame(t, c1)

	c2 := dial(t, srv, "/ws/town-square?agent=a1")
	readFrame(t, c2)

	_ = c1.SetReadDeadline(time.Now().Add(3 * time.Second))
	var err error
	for i := 0; i < 10; i++ {
		if _, _, err = c1.ReadMessage(); err != nil {
			break
		}
	}
	closeErr, ok := err.(*websocket.CloseError)
	if !ok || closeErr.Code != CloseSuperseded {
		t.Fatalf("expected close %d on old seat, got %v", CloseSuperseded, err)
	}

	if got := hub.OnlineCount(); got != 1 {
		t.Errorf("OnlineCount = %d, want 1", got)
	}
}

func TestTownSquareLeaveAnnounced(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	c1 := dial(t, srv, "/ws/town-square?agent=a1")
	readFrame(t, c1)
	c2 := dial(t, srv, "/ws/town-square?agent=a2&handle=cartographer")
	readFrame(t, c2)
	readUntil(t, c1, "presence") // a2 joined

	c2.Close()

	left := readUntil(t, c1, "presence")
	if left["event"] != "left" || left["agent_id"] != "a2" {
		t.Fatalf("presence = %v", left)
	}
	if left["online_count"].(float64) != 1 {
		t.Errorf("online_count = %v", left["online_count"])
	}
}

func TestSocketsSnapshot(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Shutdown()
	srv := testServer(t, hub)

	conn := dial(t, srv, "/ws/?agent=a1&handle=scribe")
	readFrame(t, conn)
	c2 := dial(t, srv, "/ws/town-square?agent=a2")
	readFrame(t, c2)

	metas := hub.Sockets()
	if len(metas) != 2 {
		t.Fatalf("Sockets() = %d entries, want 2", len(metas))
	}
	seen := map[string]bool{}
	for _, m := range metas {
		seen[m.AgentID] = true
		if m.ConnectedAt.IsZero() || m.LastPing.IsZero() {
			t.Errorf("meta %+v missing timestamps", m)
		}
	}
	if !seen["a1"] || !seen["a2"] {
		t.Errorf("metas = %+v", metas)
	}
}
