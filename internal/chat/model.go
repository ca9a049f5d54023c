package chat

import "time"

// ---------------------------------------------
// 🗄️ Database & API Models
// ---------------------------------------------

// Identity is the verified claim a connection authenticated with.
type Identity struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
}

type Room struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Message is a persisted chat record. Exactly one of RoomID and ReceiverID is
// set; Text may be empty only when ImageURL is not.
type Message struct {
	ID         int64     `json:"id"`
	RoomID     *int      `json:"room_id,omitempty"`
	ReceiverID *int      `json:"receiver_id,omitempty"`
	SenderID   int       `json:"sender_id"`
	Username   string    `json:"username"` // 🟢 Denormalized for UI speed
	Text       string    `json:"text"`
	ImageURL   string    `json:"image_url,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Receipt is what the store hands back for an appended message.
type Receipt struct {
	ID        int64
	CreatedAt time.Time
}

// PresenceEntry is one user in the presence snapshot.
type PresenceEntry struct {
	UserID   int    `json:"userId"`
	Username string `json:"username"`
}

// FanoutReport describes one delivery pass over a captured recipient set.
type FanoutReport struct {
	Recipients int
	Delivered  int
	Dropped    []string // session ids whose queue was closed or full
}

// SendResult is returned by the send paths. Message is nil when the send was
// an empty no-op.
type SendResult struct {
	Message  *Message
	Delivery FanoutReport
	Activity FanoutReport
}

func intPtr(v int) *int {
	return &v
}
