package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 8192                // Maximum frame size allowed from peer (1000 runes of UTF-8 plus envelope).
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	Session *Session
}

func NewClient(hub *Hub, conn *websocket.Conn, session *Session) *Client {
	return &Client{Hub: hub, Conn: conn, Session: session}
}

// ReadPump pumps events from the websocket connection to the hub. Events of
// one connection are handled in order; a slow store only stalls this loop.
func (c *Client) ReadPump() {
	defer func() {
		// Cleanup: If connection dies, tell Hub to unregister
		c.Hub.Unregister(c.Session)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}
		c.handle(raw)
	}
}

// handle decodes one inbound frame and dispatches it. Send-level failures
// are reported back to this connection only.
func (c *Client) handle(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.reportReject(reject(ReasonBadRequest, "malformed frame"))
		return
	}

	ctx := context.Background()
	var err error

	switch env.Type {
	case EventJoin:
		var req JoinRequest
		if err = decodeData(env.Data, &req); err == nil {
			err = c.Hub.Join(ctx, c.Session, req.RoomID)
		}
	case EventLeave:
		c.Hub.Leave(c.Session)
	case EventTyping, EventStopTyping:
		var tc TypingContext
		if err = decodeData(env.Data, &tc); err == nil {
			if env.Type == EventTyping {
				_, err = c.Hub.Typing(c.Session, tc)
			} else {
				_, err = c.Hub.StopTyping(c.Session, tc)
			}
		}
	case EventSendRoomMessage:
		var req SendRoomRequest
		if err = decodeData(env.Data, &req); err == nil {
			_, err = c.Hub.SendRoomMessage(ctx, c.Session, req)
		}
	case EventSendDirectMessage:
		var req SendDirectRequest
		if err = decodeData(env.Data, &req); err == nil {
			_, err = c.Hub.SendDirectMessage(ctx, c.Session, req)
		}
	default:
		c.Hub.metrics.received("unknown")
		c.reportReject(reject(ReasonBadRequest, fmt.Sprintf("unknown event %q", env.Type)))
		return
	}
	c.Hub.metrics.received(env.Type)

	if err == nil {
		return
	}
	if re, ok := AsReject(err); ok {
		c.reportReject(re)
		return
	}
	log.Printf("❌ %s: %s failed: %v", c.Session.Identity.Username, env.Type, err)
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return reject(ReasonBadRequest, "missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return reject(ReasonBadRequest, "malformed data")
	}
	return nil
}

func (c *Client) reportReject(re *RejectError) {
	payload, err := encodeEvent(EventSendRejected, SendRejected{
		Reason:     re.Reason,
		Detail:     re.Detail,
		RetryAfter: int(re.RetryAfter / time.Second),
	})
	if err != nil {
		return
	}
	if err := c.Session.enqueue(payload); err != nil {
		log.Printf("could not report %s to %s: %v", re.Reason, c.Session.ID, err)
	}
}

// WritePump pumps messages from the session queue to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	send := c.Session.Send()
	for {
		select {
		case message, ok := <-send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The Hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush whatever queued up meanwhile in the same frame, one event per line.
			n := len(send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
