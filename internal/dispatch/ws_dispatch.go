// Package dispatch pushes live serving-token updates to connected clients.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

// TokenUpdate is the frame sent to subscribers. Token is null when no ride
// has been confirmed today.
type TokenUpdate struct {
	Token *int   `json:"token"`
	At    string `json:"at"`
}

// Conn is the part of *websocket.Conn the hub writes to.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// WSSession serializes writes to one connection.
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(u TokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(u)
}

// Hub fans serving-token updates out to every session and replays the
// latest value to new ones.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	last     *TokenUpdate
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{sessions: make(map[string]*WSSession), logger: logger, now: time.Now}
}

// Add registers conn under id and sends it the latest update, if any.
func (h *Hub) Add(id string, conn Conn) error {
	s := &WSSession{conn: conn}
	h.mu.Lock()
	h.sessions[id] = s
	last := h.last
	h.mu.Unlock()
	if last == nil {
		return nil
	}
	if err := s.Send(*last); err != nil {
		h.Remove(id)
		return err
	}
	return nil
}

func (h *Hub) Remove(id string) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Broadcast records token as the latest value and sends it to every
// session. Sessions that fail to accept the write are dropped.
func (h *Hub) Broadcast(token *int) {
	u := TokenUpdate{At: h.now().UTC().Format(time.RFC3339)}
	if token != nil {
		v := *token
		u.Token = &v
	}
	h.mu.Lock()
	h.last = &u
	targets := make(map[string]*WSSession, len(h.sessions))
	for id, s := range h.sessions {
		targets[id] = s
	}
	h.mu.Unlock()

	for id, s := range targets {
		if err := s.Send(u); err != nil {
			h.logger.Warn("ws send error", "session", id, "error", err)
			h.Remove(id)
		}
	}
}

// Send delivers the latest update to a single session.
func (h *Hub) Send(id string) error {
	h.mu.RLock()
	s, ok := h.sessions[id]
	last := h.last
	h.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if last == nil {
		return nil
	}
	return s.Send(*last)
}

var _ Conn = (*websocket.Conn)(nil)
