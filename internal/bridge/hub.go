package bridge

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/udisondev/citysiege/internal/siege"
)

// DefaultSendQueue is the outbound message queue of one host session.
const DefaultSendQueue = 64

// session is one connected game host.
type session struct {
	host string
	out  chan []byte
}

// Hub tracks connected hosts and fans siege events out to them.
// Implements siege.Notifier.
// Thread-safe: protected by mu.
type Hub struct {
	mu       sync.RWMutex
	sessions map[*session]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[*session]struct{}, 4)}
}

// Count returns the number of connected hosts.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Notify broadcasts ev to every connected host.
// A host whose queue is full misses the event.
func (h *Hub) Notify(ev siege.Event) {
	b, err := json.Marshal(newEventMsg(ev))
	if err != nil {
		slog.Error("bridge: encoding event", "event", ev.Kind, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.sessions {
		select {
		case s.out <- b:
		default:
			slog.Warn("bridge: host queue full, event dropped",
				"host", s.host, "event", ev.Kind, "siege_id", ev.SiegeID)
		}
	}
}

func (h *Hub) add(s *session) {
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(s *session) {
	h.mu.Lock()
	delete(h.sessions, s)
	h.mu.Unlock()
}
