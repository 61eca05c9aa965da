package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/quillhaven/keycast/internal/domain"
)

const writeTimeout = 10 * time.Second

// Subscriber is one live WebSocket connection. The write mutex is per
// subscriber because conn.WriteJSON is not safe for concurrent writers.
type Subscriber struct {
	ID   string
	Conn *websocket.Conn

	writeMu sync.Mutex

	mu            sync.RWMutex
	authenticated bool
	identity      *domain.Identity
}

// Send writes one message under the subscriber's write lock.
func (s *Subscriber) Send(message domain.ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.Conn.WriteJSON(message)
}

func (s *Subscriber) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

func (s *Subscriber) Identity() *domain.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

func (s *Subscriber) markAuthenticated(identity *domain.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticated = true
	s.identity = identity
}

// Registry tracks live subscribers. Entries are added and removed only from
// the connection handlers; the broadcast tick loop just reads snapshots.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*Subscriber
}

func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]*Subscriber),
	}
}

// Add registers a fresh, not-yet-authenticated connection.
func (r *Registry) Add(conn *websocket.Conn) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.NewString(),
		Conn: conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
	return sub
}

// Remove drops a subscriber and closes its socket.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, exists := r.subs[id]; exists {
		sub.Conn.Close()
		delete(r.subs, id)
	}
}

// Authenticated returns a snapshot of the subscribers eligible for fan-out.
func (r *Registry) Authenticated() []*Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.Authenticated() {
			subs = append(subs, sub)
		}
	}
	return subs
}

// Count returns the number of authenticated subscribers.
func (r *Registry) Count() int {
	return len(r.Authenticated())
}
