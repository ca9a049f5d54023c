package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the durable message log and room catalog the core depends on.
// Appends assign strictly increasing ids and the creation time; history is
// returned ascending by creation time (id breaks ties).
type Store interface {
	AppendRoomMessage(ctx context.Context, roomID int, sender Identity, text, imageURL string) (Receipt, error)
	AppendDirectMessage(ctx context.Context, sender Identity, receiverID int, text, imageURL string) (Receipt, error)
	RoomHistory(ctx context.Context, roomID int) ([]*Message, error)
	DirectHistory(ctx context.Context, userA, userB int) ([]*Message, error)

	Rooms(ctx context.Context) ([]Room, error)
	RoomExists(ctx context.Context, roomID int) (bool, error)
}

// MemoryStore keeps everything in process. Room and direct messages share
// one id sequence.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	rooms    []Room
	messages []*Message
	now      func() time.Time
}

func NewMemoryStore(rooms ...Room) *MemoryStore {
	return &MemoryStore{
		rooms: append([]Room(nil), rooms...),
		now:   time.Now,
	}
}

func (m *MemoryStore) AppendRoomMessage(ctx context.Context, roomID int, sender Identity, text, imageURL string) (Receipt, error) {
	return m.append(ctx, &Message{
		RoomID:   intPtr(roomID),
		SenderID: sender.UserID,
		Username: sender.Username,
		Text:     text,
		ImageURL: imageURL,
	})
}

func (m *MemoryStore) AppendDirectMessage(ctx context.Context, sender Identity, receiverID int, text, imageURL string) (Receipt, error) {
	return m.append(ctx, &Message{
		ReceiverID: intPtr(receiverID),
		SenderID:   sender.UserID,
		Username:   sender.Username,
		Text:       text,
		ImageURL:   imageURL,
	})
}

func (m *MemoryStore) append(ctx context.Context, msg *Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg.ID = m.nextID
	msg.CreatedAt = m.now()
	m.messages = append(m.messages, msg)
	return Receipt{ID: msg.ID, CreatedAt: msg.CreatedAt}, nil
}

func (m *MemoryStore) RoomHistory(ctx context.Context, roomID int) ([]*Message, error) {
	return m.filter(ctx, func(msg *Message) bool {
		return msg.RoomID != nil && *msg.RoomID == roomID
	})
}

func (m *MemoryStore) DirectHistory(ctx context.Context, userA, userB int) ([]*Message, error) {
	return m.filter(ctx, func(msg *Message) bool {
		if msg.ReceiverID == nil {
			return false
		}
		to := *msg.ReceiverID
		return (msg.SenderID == userA && to == userB) || (msg.SenderID == userB && to == userA)
	})
}

func (m *MemoryStore) filter(ctx context.Context, keep func(*Message) bool) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if keep(msg) {
			cp := *msg
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Rooms(ctx context.Context) ([]Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Room(nil), m.rooms...), nil
}

func (m *MemoryStore) RoomExists(ctx context.Context, roomID int) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rooms {
		if r.ID == roomID {
			return true, nil
		}
	}
	return false, nil
}
