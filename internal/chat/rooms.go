package chat

import "sync"

// Rooms is the connection <-> room index. A session is in at most one room.
type Rooms struct {
	mu      sync.RWMutex
	members map[int]map[string]*Session // roomID -> sessions
	current map[string]int              // sessionID -> roomID
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[int]map[string]*Session),
		current: make(map[string]int),
	}
}

// Join moves s into roomID, leaving its previous room in the same step. It
// returns the previous room, if any. Closed sessions are refused so a join
// racing a disconnect cannot leave a stale member behind.
func (r *Rooms) Join(s *Session, roomID int) (prev int, hadPrev bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Closed() {
		return 0, false, errSessionClosed
	}

	prev, hadPrev = r.current[s.ID]
	if hadPrev {
		r.removeLocked(s.ID, prev)
	}

	set, ok := r.members[roomID]
	if !ok {
		set = make(map[string]*Session)
		r.members[roomID] = set
	}
	set[s.ID] = s
	r.current[s.ID] = roomID
	return prev, hadPrev, nil
}

// Leave is a no-op when s is not in a room.
func (r *Rooms) Leave(s *Session) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.current[s.ID]
	if !ok {
		return 0, false
	}
	r.removeLocked(s.ID, roomID)
	return roomID, true
}

func (r *Rooms) removeLocked(sessionID string, roomID int) {
	delete(r.current, sessionID)
	if set, ok := r.members[roomID]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.members, roomID)
		}
	}
}

func (r *Rooms) MembersOf(roomID int) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.members[roomID]
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

func (r *Rooms) RoomOf(s *Session) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.current[s.ID]
	return roomID, ok
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
