package chat

import "encoding/json"

// Wire format: every frame is {"type": ..., "data": {...}}.
const (
	// Client -> server
	EventJoin              = "join"
	EventLeave             = "leave"
	EventTyping            = "typing"
	EventStopTyping        = "stopTyping"
	EventSendRoomMessage   = "sendRoomMessage"
	EventSendDirectMessage = "sendDirectMessage"

	// Server -> client
	EventPresenceUpdated = "presenceUpdated"
	EventRoomMessage     = "roomMessage"
	EventDirectMessage   = "directMessage"
	EventRoomActivity    = "roomActivity"
	EventTypingStarted   = "typingStarted"
	EventTypingStopped   = "typingStopped"
	EventSendRejected    = "sendRejected"
)

// Envelope is an inbound frame; Data is decoded once Type is known.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func encodeEvent(eventType string, data any) ([]byte, error) {
	return json.Marshal(outbound{Type: eventType, Data: data})
}

type JoinRequest struct {
	RoomID int `json:"roomId"`
}

// TypingContext names where someone is typing: a room, or a direct
// conversation with UserID. Exactly one field is set.
type TypingContext struct {
	RoomID int `json:"roomId,omitempty"`
	UserID int `json:"userId,omitempty"`
}

type SendRoomRequest struct {
	RoomID   int    `json:"roomId"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type SendDirectRequest struct {
	ToUserID int    `json:"toUserId"`
	Text     string `json:"text"`
	ImageURL string `json:"imageUrl,omitempty"`
}

type PresenceUpdated struct {
	Users []PresenceEntry `json:"users"`
}

type RoomActivity struct {
	RoomID int `json:"roomId"`
}

type TypingStarted struct {
	UserID   int           `json:"userId"`
	Username string        `json:"username"`
	Context  TypingContext `json:"context"`
}

type TypingStopped struct {
	UserID  int           `json:"userId"`
	Context TypingContext `json:"context"`
}

type SendRejected struct {
	Reason     RejectReason `json:"reason"`
	Detail     string       `json:"detail,omitempty"`
	RetryAfter int          `json:"retryAfter,omitempty"` // seconds
}
