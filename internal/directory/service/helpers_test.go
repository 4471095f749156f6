package service

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

var testLogger = zap.NewNop()

func errorsAs(err error, target any) bool { return errors.As(err, target) }

// recordingNotifier captures realtime pushes for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	personal   []notifiedEvent
	broadcasts []notifiedEvent
}

type notifiedEvent struct {
	AgentID string
	Event   string
	Payload any
}

func (n *recordingNotifier) NotifyAgent(agentID, event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.personal = append(n.personal, notifiedEvent{AgentID: agentID, Event: event, Payload: payload})
}

func (n *recordingNotifier) Broadcast(event string, payload any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, notifiedEvent{Event: event, Payload: payload})
}

func (n *recordingNotifier) personalFor(agentID, event string) []notifiedEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notifiedEvent
	for _, e := range n.personal {
		if e.AgentID == agentID && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (n *recordingNotifier) broadcastCount(event string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.broadcasts {
		if e.Event == event {
			count++
		}
	}
	return count
}
