package websocket

import (
	"log/slog"
	"sync"

	"github.com/dukerupert/eventful/internal/metrics"
	"github.com/dukerupert/eventful/internal/model"
)

// Session is one live connection as seen by the hub. Deliver must not block
// and must be a no-op once the session is closed.
type Session interface {
	UserID() model.ID
	Deliver(frame []byte) bool
}

// Hub is the room registry: it maps each trigger address to the sessions
// subscribed to it. It performs no authorization; callers check access
// before calling Join.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[model.TriggerAddress]map[Session]struct{}
	sessions map[Session]map[model.TriggerAddress]struct{}
	byUser   map[model.ID]map[Session]struct{}
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewHub creates a new Hub. m may be nil.
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		rooms:    make(map[model.TriggerAddress]map[Session]struct{}),
		sessions: make(map[Session]map[model.TriggerAddress]struct{}),
		byUser:   make(map[model.ID]map[Session]struct{}),
		logger:   logger,
		metrics:  m,
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s]; ok {
		return
	}
	h.sessions[s] = make(map[model.TriggerAddress]struct{})
	uid := s.UserID()
	if h.byUser[uid] == nil {
		h.byUser[uid] = make(map[Session]struct{})
	}
	h.byUser[uid][s] = struct{}{}
	h.metrics.SessionOpened()
}

// Unregister removes a session and releases every address it held.
func (h *Hub) Unregister(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	addrs, ok := h.sessions[s]
	if !ok {
		return
	}
	for addr := range addrs {
		h.removeLocked(s, addr)
	}
	delete(h.sessions, s)
	uid := s.UserID()
	delete(h.byUser[uid], s)
	if len(h.byUser[uid]) == 0 {
		delete(h.byUser, uid)
	}
	h.metrics.SessionClosed()
}

// Join subscribes s to addr. It reports whether the subscription is new;
// joining twice is a no-op. Sessions that are not registered cannot join.
func (h *Hub) Join(s Session, addr model.TriggerAddress) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	addrs, ok := h.sessions[s]
	if !ok {
		return false
	}
	if _, ok := addrs[addr]; ok {
		return false
	}
	addrs[addr] = struct{}{}
	room := h.rooms[addr]
	if room == nil {
		room = make(map[Session]struct{})
		h.rooms[addr] = room
	}
	room[s] = struct{}{}
	return true
}

// Leave unsubscribes s from addr and reports whether it was subscribed.
func (h *Hub) Leave(s Session, addr model.TriggerAddress) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	addrs, ok := h.sessions[s]
	if !ok {
		return false
	}
	if _, ok := addrs[addr]; !ok {
		return false
	}
	delete(addrs, addr)
	h.removeLocked(s, addr)
	return true
}

func (h *Hub) removeLocked(s Session, addr model.TriggerAddress) {
	room := h.rooms[addr]
	delete(room, s)
	if len(room) == 0 {
		delete(h.rooms, addr)
	}
}

// MembersOf returns a snapshot of the sessions subscribed to addr.
func (h *Hub) MembersOf(addr model.TriggerAddress) []Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[addr]
	if len(room) == 0 {
		return nil
	}
	out := make([]Session, 0, len(room))
	for s := range room {
		out = append(out, s)
	}
	return out
}

// EvictUser removes every session of userID from all addresses of res and
// returns the number of sessions affected. The sessions stay connected.
func (h *Hub) EvictUser(userID model.ID, res model.Resource) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for s := range h.byUser[userID] {
		evicted := false
		for addr := range h.sessions[s] {
			if addr.Resource() != res {
				continue
			}
			delete(h.sessions[s], addr)
			h.removeLocked(s, addr)
			evicted = true
		}
		if evicted {
			n++
		}
	}
	return n
}

// Subscriptions returns a snapshot of the addresses s is subscribed to.
func (h *Hub) Subscriptions(s Session) []model.TriggerAddress {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.TriggerAddress, 0, len(h.sessions[s]))
	for addr := range h.sessions[s] {
		out = append(out, addr)
	}
	return out
}

// ClientCount returns the number of connected sessions.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// RoomCount returns the number of addresses with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
