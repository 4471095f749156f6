package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes sent to clients. 4000-range codes are application-defined.
const (
	CloseTimeout    = 4000 // no ping within the idle cutoff
	CloseSuperseded = 4003 // a newer connection replaced this one
	CloseProtocol   = 4009 // client sent a frame the protocol does not allow
)

const (
	writeWait  = 10 * time.Second
	maxMsgSize = 4096
	sendBuffer = 64
)

// SocketMeta is the serialisable identity of one live socket. It is what
// survives a restart; the registry replays it so reconnecting clients keep
// their handle.
type SocketMeta struct {
	AgentID     string    `json:"agent_id"`
	Handle      string    `json:"handle"`
	ConnectedAt time.Time `json:"connected_at"`
	LastPing    time.Time `json:"last_ping"`
}

// clientFrame is what clients may send: ping or ack.
type clientFrame struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id,omitempty"`
}

// socket wraps one WebSocket connection with the single-writer discipline:
// the writePump goroutine is the only caller of WriteMessage, and readPump
// the only caller of ReadMessage. All state changes flow back to the owning
// actor through callbacks.
type socket struct {
	meta SocketMeta
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// onFrame is invoked from readPump for each valid client frame.
	// onClose is invoked exactly once when either pump exits.
	onFrame func(s *socket, f clientFrame)
	onClose func(s *socket)

	logger *zap.Logger
}

func newSocket(conn *websocket.Conn, meta SocketMeta, logger *zap.Logger) *socket {
	return &socket{
		meta:   meta,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// start launches the pumps. The callbacks must be set first.
func (s *socket) start() {
	go s.writePump()
	go s.readPump()
}

// enqueue hands a pre-serialised frame to the write pump. Full buffers drop
// the frame; notification delivery is best effort by contract.
func (s *socket) enqueue(frame []byte) bool {
	select {
	case s.send <- frame:
		return true
	case <-s.done:
		return false
	default:
		s.logger.Debug("socket send buffer full, dropping frame",
			zap.String("agent_id", s.meta.AgentID))
		return false
	}
}

// closeWithCode sends a close frame with the given application code and
// tears the connection down.
func (s *socket) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	s.close()
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Close()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

// writePump owns every data write to the connection.
func (s *socket) writePump() {
	defer s.close()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// readPump owns every read. Client frames are small JSON control messages;
// anything unparseable costs the client its connection with CloseProtocol.
func (s *socket) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMsgSize)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f clientFrame
		if err := json.Unmarshal(payload, &f); err != nil || f.Type == "" {
			s.closeWithCode(CloseProtocol, "malformed frame")
			return
		}
		if s.onFrame != nil {
			s.onFrame(s, f)
		}
	}
}

func marshalFrame(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"type":"error","error":"encode failed"}`)
	}
	return b
}
