package chat

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

const sendQueueSize = 256

// Session is the connection-state record for one live connection: who it is,
// its outbound queue and its spam state. The transport itself belongs to
// Client.
type Session struct {
	ID       string
	Identity Identity
	Spam     *SpamGuard

	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewSession(identity Identity, spam *SpamGuard) *Session {
	return &Session{
		ID:       uuid.NewString(),
		Identity: identity,
		Spam:     spam,
		send:     make(chan []byte, sendQueueSize),
	}
}

// Send is the outbound queue drained by the write pump. It is closed when
// the session ends.
func (s *Session) Send() <-chan []byte {
	return s.send
}

// enqueue never blocks: a full queue means the peer is not keeping up.
func (s *Session) enqueue(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errQueueFull
	}
}

// close is safe to call more than once.
func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	close(s.send)
	return true
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Registry tracks every live session and indexes them by user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[int]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byUser:   make(map[int]map[string]*Session),
	}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s.ID] = s
	set, ok := r.byUser[s.Identity.UserID]
	if !ok {
		set = make(map[string]*Session)
		r.byUser[s.Identity.UserID] = set
	}
	set[s.ID] = s
}

// Remove reports whether s was registered.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return false
	}
	delete(r.sessions, s.ID)
	if set, ok := r.byUser[s.Identity.UserID]; ok {
		delete(set, s.ID)
		if len(set) == 0 {
			delete(r.byUser, s.Identity.UserID)
		}
	}
	return true
}

// ForUser returns every live session of a user; zero, one or many devices.
func (r *Registry) ForUser(userID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Presence is the deduplicated user list, one entry per user id, ordered by id.
func (r *Registry) Presence() []PresenceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]PresenceEntry, 0, len(r.byUser))
	for userID, set := range r.byUser {
		for _, s := range set {
			out = append(out, PresenceEntry{UserID: userID, Username: s.Identity.Username})
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
