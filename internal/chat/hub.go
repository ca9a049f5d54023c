package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
	"unicode/utf8"
)

// We define an interface for what we need from the User Service
// This keeps packages loosely coupled
type TokenValidator interface {
	ValidateToken(tokenString string) (int, string, error)
	// Returns userID, username, error
}

type Options struct {
	Spam             SpamPolicy
	MaxMessageLength int
	// AllowUnknownRooms lets clients join and post to room ids the catalog
	// does not know about.
	AllowUnknownRooms bool
	PersistTimeout    time.Duration
	Now               func() time.Time
}

func DefaultOptions() Options {
	return Options{
		Spam:              DefaultSpamPolicy(),
		MaxMessageLength:  1000,
		AllowUnknownRooms: true,
		PersistTimeout:    5 * time.Second,
		Now:               time.Now,
	}
}

// Hub owns the live sessions, room membership and message fanout.
type Hub struct {
	registry  *Registry
	rooms     *Rooms
	store     Store
	validator TokenValidator
	metrics   *Metrics
	opts      Options

	// lifecycle serializes register/unregister with their presence broadcast.
	lifecycle sync.Mutex

	seqMu sync.Mutex
	seqs  map[int]*roomSequencer
}

type roomSequencer struct {
	mu   sync.Mutex
	refs int
}

func NewHub(store Store, validator TokenValidator, opts Options) *Hub {
	defaults := DefaultOptions()
	if opts.Spam.Burst <= 0 || opts.Spam.Window <= 0 || opts.Spam.Mute <= 0 {
		opts.Spam = defaults.Spam
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaults.PersistTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Hub{
		registry:  NewRegistry(),
		rooms:     NewRooms(),
		store:     store,
		validator: validator,
		opts:      opts,
		seqs:      make(map[int]*roomSequencer),
	}
}

func (h *Hub) SetMetrics(m *Metrics) {
	h.metrics = m
}

func (h *Hub) Registry() *Registry { return h.registry }
func (h *Hub) Rooms() *Rooms       { return h.rooms }

// Authenticate verifies a handshake token.
func (h *Hub) Authenticate(token string) (Identity, error) {
	if token == "" {
		h.metrics.authFailed("required")
		return Identity{}, ErrAuthRequired
	}
	userID, username, err := h.validator.ValidateToken(token)
	if err != nil {
		h.metrics.authFailed("invalid")
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthInvalid, err)
	}
	return Identity{UserID: userID, Username: username}, nil
}

// Connect authenticates token and registers a new session for it.
func (h *Hub) Connect(token string) (*Session, error) {
	identity, err := h.Authenticate(token)
	if err != nil {
		return nil, err
	}
	s := NewSession(identity, NewSpamGuard(h.opts.Spam, h.opts.Now()))
	h.Register(s)
	return s, nil
}

// Register adds s to the live set and re-broadcasts presence to everyone.
func (h *Hub) Register(s *Session) {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	h.registry.Add(s)
	active := h.registry.Count()
	h.metrics.sessionOpened(active)
	log.Printf("✅ %s connected (session %s). Total sessions: %d", s.Identity.Username, s.ID, active)

	h.broadcastPresence()
}

// Unregister removes s from the live set and its room, closes its queue and
// re-broadcasts presence. It reports false if s was already gone.
func (h *Hub) Unregister(s *Session) bool {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	if !h.registry.Remove(s) {
		s.close()
		return false
	}
	s.close()
	h.rooms.Leave(s)
	active := h.registry.Count()
	h.metrics.sessionClosed(active)
	log.Printf("👋 %s disconnected (session %s). Total sessions: %d", s.Identity.Username, s.ID, active)

	h.broadcastPresence()
	return true
}

func (h *Hub) broadcastPresence() FanoutReport {
	payload, err := encodeEvent(EventPresenceUpdated, PresenceUpdated{Users: h.registry.Presence()})
	if err != nil {
		log.Printf("❌ presence encode: %v", err)
		return FanoutReport{}
	}
	return h.deliver(EventPresenceUpdated, h.registry.All(), payload)
}

// Shutdown closes every session queue; write pumps then close their sockets.
func (h *Hub) Shutdown() {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()

	sessions := h.registry.All()
	for _, s := range sessions {
		s.close()
	}
	log.Printf("Closed %d sessions", len(sessions))
}

// Join moves s into roomID. Room ids are positive integers; 0 is what a
// missing roomId decodes to and is always rejected. With AllowUnknownRooms
// off, ids missing from the catalog are rejected too.
func (h *Hub) Join(ctx context.Context, s *Session, roomID int) error {
	if err := h.checkRoom(ctx, roomID); err != nil {
		return err
	}
	prev, moved, err := h.rooms.Join(s, roomID)
	if err != nil {
		return err
	}
	if moved && prev != roomID {
		log.Printf("%s moved from room %d to room %d", s.Identity.Username, prev, roomID)
	}
	return nil
}

func (h *Hub) Leave(s *Session) {
	h.rooms.Leave(s)
}

func (h *Hub) checkRoom(ctx context.Context, roomID int) error {
	if roomID <= 0 {
		return reject(ReasonBadRequest, "roomId is required")
	}
	if h.opts.AllowUnknownRooms {
		return nil
	}
	ok, err := h.store.RoomExists(ctx, roomID)
	if err != nil {
		return &RejectError{Reason: ReasonPersistenceFailed, Detail: "room lookup failed", Err: err}
	}
	if !ok {
		return reject(ReasonUnknownRoom, fmt.Sprintf("room %d does not exist", roomID))
	}
	return nil
}

// admit runs the checks shared by both send paths: empty, length, target,
// then the spam budget. A send aimed at a bad target never spends burst.
// ok is false for an empty message, which is dropped without an error.
func (h *Hub) admit(s *Session, text, imageURL string, target func() error) (ok bool, err error) {
	if text == "" && imageURL == "" {
		return false, nil
	}
	if utf8.RuneCountInString(text) > h.opts.MaxMessageLength {
		return false, h.rejected(reject(ReasonInvalidMessage, fmt.Sprintf("message is too long (max %d characters)", h.opts.MaxMessageLength)))
	}
	if err := target(); err != nil {
		if re, isReject := AsReject(err); isReject {
			return false, h.rejected(re)
		}
		return false, err
	}
	if err := s.Spam.Check(h.opts.Now()); err != nil {
		re, _ := AsReject(err)
		log.Printf("🚨 %s: send rejected (%s)", s.Identity.Username, re.Reason)
		return false, h.rejected(re)
	}
	return true, nil
}

func (h *Hub) rejected(re *RejectError) error {
	h.metrics.rejected(re.Reason)
	return re
}

// SendRoomMessage persists a room message and delivers it to the room's
// members, then notifies every connection that the room had activity.
// Deliveries for one room leave in persistence order.
func (h *Hub) SendRoomMessage(ctx context.Context, s *Session, req SendRoomRequest) (SendResult, error) {
	ok, err := h.admit(s, req.Text, req.ImageURL, func() error {
		return h.checkRoom(ctx, req.RoomID)
	})
	if !ok {
		return SendResult{}, err
	}

	unlock := h.lockRoom(req.RoomID)
	defer unlock()

	// Capture recipients, then persist without holding any index lock.
	members := h.rooms.MembersOf(req.RoomID)
	everyone := h.registry.All()

	pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
	defer cancel()
	started := time.Now()
	rec, err := h.store.AppendRoomMessage(pctx, req.RoomID, s.Identity, req.Text, req.ImageURL)
	h.metrics.persisted("room", started)
	if err != nil {
		log.Printf("❌ DB Error: room %d message from %s: %v", req.RoomID, s.Identity.Username, err)
		return SendResult{}, h.rejected(&RejectError{Reason: ReasonPersistenceFailed, Detail: "message could not be saved", Err: err})
	}

	msg := &Message{
		ID:        rec.ID,
		RoomID:    intPtr(req.RoomID),
		SenderID:  s.Identity.UserID,
		Username:  s.Identity.Username,
		Text:      req.Text,
		ImageURL:  req.ImageURL,
		CreatedAt: rec.CreatedAt,
	}
	result := SendResult{Message: msg}

	payload, err := encodeEvent(EventRoomMessage, msg)
	if err != nil {
		return result, err
	}
	result.Delivery = h.deliver(EventRoomMessage, members, payload)

	activity, err := encodeEvent(EventRoomActivity, RoomActivity{RoomID: req.RoomID})
	if err != nil {
		return result, err
	}
	result.Activity = h.deliver(EventRoomActivity, everyone, activity)
	return result, nil
}

// SendDirectMessage persists a private message and delivers it to every
// connection of the receiver and of the sender. An offline or unknown
// receiver is not an error.
func (h *Hub) SendDirectMessage(ctx context.Context, s *Session, req SendDirectRequest) (SendResult, error) {
	ok, err := h.admit(s, req.Text, req.ImageURL, func() error {
		if req.ToUserID <= 0 {
			return reject(ReasonBadRequest, "toUserId is required")
		}
		return nil
	})
	if !ok {
		return SendResult{}, err
	}

	recipients := unionSessions(h.registry.ForUser(req.ToUserID), h.registry.ForUser(s.Identity.UserID))

	pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
	defer cancel()
	started := time.Now()
	rec, err := h.store.AppendDirectMessage(pctx, s.Identity, req.ToUserID, req.Text, req.ImageURL)
	h.metrics.persisted("direct", started)
	if err != nil {
		log.Printf("❌ DB Error: direct message %s -> %d: %v", s.Identity.Username, req.ToUserID, err)
		return SendResult{}, h.rejected(&RejectError{Reason: ReasonPersistenceFailed, Detail: "message could not be saved", Err: err})
	}

	msg := &Message{
		ID:         rec.ID,
		ReceiverID: intPtr(req.ToUserID),
		SenderID:   s.Identity.UserID,
		Username:   s.Identity.Username,
		Text:       req.Text,
		ImageURL:   req.ImageURL,
		CreatedAt:  rec.CreatedAt,
	}
	payload, err := encodeEvent(EventDirectMessage, msg)
	if err != nil {
		return SendResult{Message: msg}, err
	}
	return SendResult{Message: msg, Delivery: h.deliver(EventDirectMessage, recipients, payload)}, nil
}

// Typing relays a "typing" signal to the audience of tc. Nothing is stored.
func (h *Hub) Typing(s *Session, tc TypingContext) (FanoutReport, error) {
	targets, wireCtx, err := h.typingAudience(s, tc)
	if err != nil {
		return FanoutReport{}, err
	}
	payload, err := encodeEvent(EventTypingStarted, TypingStarted{
		UserID:   s.Identity.UserID,
		Username: s.Identity.Username,
		Context:  wireCtx,
	})
	if err != nil {
		return FanoutReport{}, err
	}
	return h.deliver(EventTypingStarted, targets, payload), nil
}

func (h *Hub) StopTyping(s *Session, tc TypingContext) (FanoutReport, error) {
	targets, wireCtx, err := h.typingAudience(s, tc)
	if err != nil {
		return FanoutReport{}, err
	}
	payload, err := encodeEvent(EventTypingStopped, TypingStopped{
		UserID:  s.Identity.UserID,
		Context: wireCtx,
	})
	if err != nil {
		return FanoutReport{}, err
	}
	return h.deliver(EventTypingStopped, targets, payload), nil
}

// typingAudience resolves the same audience as message fanout, minus the
// typist's own connection. For direct conversations the receiver sees the
// typist's user id as the context, since that is how it keys the thread.
func (h *Hub) typingAudience(s *Session, tc TypingContext) ([]*Session, TypingContext, error) {
	switch {
	case tc.RoomID > 0 && tc.UserID == 0:
		return excludeSession(h.rooms.MembersOf(tc.RoomID), s), tc, nil
	case tc.UserID > 0 && tc.RoomID == 0:
		return h.registry.ForUser(tc.UserID), TypingContext{UserID: s.Identity.UserID}, nil
	default:
		return nil, TypingContext{}, reject(ReasonBadRequest, "typing context needs exactly one of roomId or userId")
	}
}

func (h *Hub) RoomHistory(ctx context.Context, roomID int) ([]*Message, error) {
	return h.store.RoomHistory(ctx, roomID)
}

func (h *Hub) DirectHistory(ctx context.Context, userA, userB int) ([]*Message, error) {
	return h.store.DirectHistory(ctx, userA, userB)
}

// deliver pushes payload to every captured session. A failure for one
// recipient never stops the rest; a recipient that cannot keep up has its
// queue closed so its pumps tear the connection down.
func (h *Hub) deliver(event string, sessions []*Session, payload []byte) FanoutReport {
	report := FanoutReport{Recipients: len(sessions)}
	for _, s := range sessions {
		err := s.enqueue(payload)
		switch {
		case err == nil:
			report.Delivered++
		case errors.Is(err, errQueueFull):
			log.Printf("⚠️ dropping slow session %s (%s): send buffer full", s.ID, s.Identity.Username)
			s.close()
			report.Dropped = append(report.Dropped, s.ID)
		default:
			report.Dropped = append(report.Dropped, s.ID)
		}
	}
	h.metrics.fanout(event, report)
	return report
}

// lockRoom serializes persist+deliver per room so subscribers see messages
// in commit order. Other rooms are unaffected; a stalled append holds up
// later sends to the same room for at most PersistTimeout.
func (h *Hub) lockRoom(roomID int) func() {
	h.seqMu.Lock()
	seq, ok := h.seqs[roomID]
	if !ok {
		seq = &roomSequencer{}
		h.seqs[roomID] = seq
	}
	seq.refs++
	h.seqMu.Unlock()

	seq.mu.Lock()
	return func() {
		seq.mu.Unlock()

		h.seqMu.Lock()
		seq.refs--
		if seq.refs == 0 {
			delete(h.seqs, roomID)
		}
		h.seqMu.Unlock()
	}
}

func unionSessions(groups ...[]*Session) []*Session {
	seen := make(map[string]bool)
	var out []*Session
	for _, group := range groups {
		for _, s := range group {
			if !seen[s.ID] {
				seen[s.ID] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func excludeSession(sessions []*Session, skip *Session) []*Session {
	out := sessions[:0]
	for _, s := range sessions {
		if s != skip {
			out = append(out, s)
		}
	}
	return out
}
