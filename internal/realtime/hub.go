package realtime

import (
	"log/slog"
	"sync"

	v1 "gapshap/internal/realtime/v1"
)

// Hub is the registry of live sessions, addressed by the user's external
// identity. A user may hold several concurrent sessions (tabs, devices); a
// push addressed to a user is enqueued to every session.
type Hub struct {
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*Client // auth id -> session id -> client
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:      log,
		sessions: make(map[string]map[string]*Client),
	}
}

// Register adds an authenticated client to the registry.
func (h *Hub) Register(c *Client) {
	if h == nil || c == nil || c.AuthID == "" || c.SessionID == "" {
		return
	}

	h.mu.Lock()
	byID := h.sessions[c.AuthID]
	if byID == nil {
		byID = make(map[string]*Client, 1)
		h.sessions[c.AuthID] = byID
	}
	byID[c.SessionID] = c
	h.mu.Unlock()

	h.log.Info("hub.session.register", "session_id", c.SessionID, "user_id", c.UserID)
}

// Unregister removes a session and signals its shutdown.
func (h *Hub) Unregister(authID, sessionID string) {
	if h == nil || authID == "" || sessionID == "" {
		return
	}

	var cl *Client

	h.mu.Lock()
	if byID := h.sessions[authID]; byID != nil {
		cl = byID[sessionID]
		delete(byID, sessionID)
		if len(byID) == 0 {
			delete(h.sessions, authID)
		}
	}
	h.mu.Unlock()

	// Signal client shutdown after removal so a concurrent pusher never
	// holds a pointer to a client being torn down.
	if cl != nil {
		cl.Close()
	}

	h.log.Info("hub.session.unregister", "session_id", sessionID)
}

// Push enqueues an envelope to every live session of the addressed user and
// returns the number of sessions that accepted it. Non-blocking: a full
// queue or a closing client drops the envelope.
func (h *Hub) Push(authID string, env v1.Envelope) int {
	if h == nil || authID == "" {
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, c := range h.sessions[authID] {
		if c == nil {
			continue
		}

		select {
		case <-c.Done():
			continue
		default:
		}

		select {
		case c.Send <- env:
			n++
		default:
			// Drop rather than block other deliveries.
		}
	}
	return n
}
