package notify

import (
	"sync"

	"github.com/gorilla/websocket"
)

// WSSession is one connected driver or rider socket. The mutex serializes
// writes; gorilla/websocket does not allow concurrent writers.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) write(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// WSRegistry holds live sessions keyed by recipient id and implements
// Notifier over them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

// Add registers a connection, replacing and closing any previous session for
// the same recipient.
func (r *WSRegistry) Add(recipientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.sessions[recipientID]; ok {
		_ = prev.conn.Close()
	}
	r.sessions[recipientID] = &WSSession{conn: conn}
}

// Remove drops a session; the registered connection is closed.
func (r *WSRegistry) Remove(recipientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[recipientID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, recipientID)
	}
}

func (r *WSRegistry) Send(recipientID string, event EventType, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.write(Envelope{Event: event, Payload: payload})
}
