package devserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/delivery-sync/internal/models"
)

// Session is one connected client on the push channel.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(env)
}

// Registry holds the connected push sessions keyed by user id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add registers the user's new session, displacing any previous one, and
// returns it so the caller can identify itself on removal.
func (r *Registry) Add(userID string, conn *websocket.Conn) *Session {
	sess := &Session{conn: conn}
	r.mu.Lock()
	old := r.sessions[userID]
	r.sessions[userID] = sess
	r.mu.Unlock()
	if old != nil {
		old.conn.Close()
	}
	return sess
}

// Remove deletes the user's session only if it is still the given one.
// Closing a displaced socket unblocks its drain goroutine after the
// reconnecting session has already taken the key; an identity check keeps
// that late removal from evicting the live session.
func (r *Registry) Remove(userID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[userID] == sess {
		delete(r.sessions, userID)
	}
}

// Broadcast pushes one event to every connected session, dropping the
// sessions whose write fails.
func (r *Registry) Broadcast(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env := models.Envelope{Event: event, Data: data}

	r.mu.RLock()
	sessions := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		sessions[id] = s
	}
	r.mu.RUnlock()

	for id, s := range sessions {
		if err := s.Send(env); err != nil {
			s.conn.Close()
			r.Remove(id, s)
		}
	}
}
