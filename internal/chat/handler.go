package chat

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	myMiddleware "roomchat/internal/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// Application close codes sent when the handshake token is rejected.
const (
	CloseAuthRequired = 4001
	CloseAuthInvalid  = 4003
)

type Handler struct {
	hub      *Hub
	store    Store
	upgrader websocket.Upgrader
}

// NewHandler serves the websocket endpoint and the history API. Browsers
// from origins other than allowedOrigin are refused; "*" allows any.
func NewHandler(hub *Hub, store Store, allowedOrigin string) *Handler {
	return &Handler{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigin),
		},
	}
}

func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed == "*" {
			return true
		}
		return strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(allowed, "/"))
	}
}

// ServeWs upgrades the connection, then authenticates the token from the
// "token" query parameter or the Authorization header. A rejected token
// closes the socket before any event is read.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	token := myMiddleware.TokenFromRequest(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	session, err := h.hub.Connect(token)
	if err != nil {
		code, reason := CloseAuthInvalid, "invalid token"
		if errors.Is(err, ErrAuthRequired) {
			code, reason = CloseAuthRequired, "authentication required"
		}
		log.Printf("websocket from %s rejected: %v", r.RemoteAddr, err)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	client := NewClient(h.hub, conn, session)
	go client.WritePump()
	go client.ReadPump()
}

func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.store.Rooms(r.Context())
	if err != nil {
		log.Printf("❌ DB Error: %v", err)
		http.Error(w, "could not load rooms", http.StatusInternalServerError)
		return
	}
	if rooms == nil {
		rooms = []Room{}
	}
	writeJSON(w, rooms)
}

func (h *Handler) GetRoomHistory(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.Atoi(chi.URLParam(r, "roomID"))
	if err != nil || roomID <= 0 {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	msgs, err := h.hub.RoomHistory(r.Context(), roomID)
	if err != nil {
		log.Printf("❌ DB Error: %v", err)
		http.Error(w, "could not load messages", http.StatusInternalServerError)
		return
	}
	writeMessages(w, msgs)
}

func (h *Handler) GetDirectHistory(w http.ResponseWriter, r *http.Request) {
	me, ok := r.Context().Value(myMiddleware.UserKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	other, err := strconv.Atoi(chi.URLParam(r, "userID"))
	if err != nil || other <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}

	msgs, err := h.hub.DirectHistory(r.Context(), me, other)
	if err != nil {
		log.Printf("❌ DB Error: %v", err)
		http.Error(w, "could not load direct messages", http.StatusInternalServerError)
		return
	}
	writeMessages(w, msgs)
}

func writeMessages(w http.ResponseWriter, msgs []*Message) {
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, msgs)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
