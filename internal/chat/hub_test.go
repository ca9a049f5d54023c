package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeValidator map[string]Identity

func (f fakeValidator) ValidateToken(token string) (int, string, error) {
	id, ok := f[token]
	if !ok {
		return 0, "", errors.New("signature is invalid")
	}
	return id.UserID, id.Username, nil
}

// failingStore accepts reads but refuses every append.
type failingStore struct {
	*MemoryStore
}

func (failingStore) AppendRoomMessage(context.Context, int, Identity, string, string) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
}

func (failingStore) AppendDirectMessage(context.Context, Identity, int, string, string) (Receipt, error) {
	return Receipt{}, fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
}

func (m *Message) isDirect() bool {
	return m.ReceiverID != nil
}

// gatedStore holds room appends from stallUser until release is closed.
type gatedStore struct {
	*MemoryStore
	stallUser int
	entered   chan struct{}
	release   chan struct{}
}

func newGatedStore(stallUser int) *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(Room{ID: 1, Name: "general"}, Room{ID: 2, Name: "random"}),
		stallUser:   stallUser,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
}

func (g *gatedStore) AppendRoomMessage(ctx context.Context, roomID int, sender Identity, text, imageURL string) (Receipt, error) {
	if sender.UserID == g.stallUser {
		g.entered <- struct{}{}
		select {
		case <-g.release:
		case <-ctx.Done():
			return Receipt{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctx.Err())
		}
	}
	return g.MemoryStore.AppendRoomMessage(ctx, roomID, sender, text, imageURL)
}

// within fails the test if fn has not returned after d.
func within(t *testing.T, d time.Duration, what string, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("%s did not finish within %s", what, d)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// drain returns whatever is currently queued for s without blocking.
func drain(t *testing.T, s *Session) []received {
	t.Helper()
	var out []received
	for {
		select {
		case raw, ok := <-s.Send():
			if !ok {
				return out
			}
			var ev received
			require.NoError(t, json.Unmarshal(raw, &ev))
			out = append(out, ev)
		default:
			return out
		}
	}
}

func ofType(events []received, eventType string) []received {
	var out []received
	for _, ev := range events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func decodeMessage(t *testing.T, ev received) Message {
	t.Helper()
	var m Message
	require.NoError(t, json.Unmarshal(ev.Data, &m))
	return m
}

type hubFixture struct {
	hub   *Hub
	store *MemoryStore
	clock *testClock
}

func newHubFixture(t *testing.T, mutate func(*Options)) *hubFixture {
	t.Helper()
	clock := newTestClock()
	store := NewMemoryStore(Room{ID: 1, Name: "general"}, Room{ID: 2, Name: "random"})
	opts := DefaultOptions()
	opts.Now = clock.Now
	if mutate != nil {
		mutate(&opts)
	}
	return &hubFixture{
		hub:   NewHub(store, fakeValidator{}, opts),
		store: store,
		clock: clock,
	}
}

func (f *hubFixture) connect(t *testing.T, userID int, username string) *Session {
	t.Helper()
	s := NewSession(Identity{UserID: userID, Username: username}, NewSpamGuard(f.hub.opts.Spam, f.clock.Now()))
	f.hub.Register(s)
	return s
}

func drainAll(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		drain(t, s)
	}
}

func TestConnectRejectsMissingAndInvalidTokens(t *testing.T) {
	hub := NewHub(NewMemoryStore(), fakeValidator{"good": {UserID: 7, Username: "gina"}}, DefaultOptions())

	_, err := hub.Connect("")
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = hub.Connect("forged")
	assert.ErrorIs(t, err, ErrAuthInvalid)
	assert.Equal(t, 0, hub.Registry().Count())

	s, err := hub.Connect("good")
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 7, Username: "gina"}, s.Identity)
	assert.True(t, hub.Registry().has(s))
}

func TestRoomMessageReachesMembersAndActivityReachesEveryone(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	carol := f.connect(t, 3, "carol")
	require.NoError(t, f.hub.Join(ctx, alice, 1))
	require.NoError(t, f.hub.Join(ctx, bob, 1))
	require.NoError(t, f.hub.Join(ctx, carol, 2))
	drainAll(t, alice, bob, carol)

	res, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "hello"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, 2, res.Delivery.Recipients)
	assert.Equal(t, 3, res.Activity.Recipients)

	for _, s := range []*Session{alice, bob} {
		events := drain(t, s)
		msgs := ofType(events, EventRoomMessage)
		require.Len(t, msgs, 1, s.Identity.Username)
		m := decodeMessage(t, msgs[0])
		assert.Equal(t, "hello", m.Text)
		assert.Equal(t, "alice", m.Username)
		require.NotNil(t, m.RoomID)
		assert.Equal(t, 1, *m.RoomID)
		assert.Len(t, ofType(events, EventRoomActivity), 1)
	}

	carolEvents := drain(t, carol)
	assert.Empty(t, ofType(carolEvents, EventRoomMessage))
	activity := ofType(carolEvents, EventRoomActivity)
	require.Len(t, activity, 1)
	assert.JSONEq(t, `{"roomId":1}`, string(activity[0].Data))

	history, err := f.hub.RoomHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, res.Message.ID, history[0].ID)
}

func TestRoomMessageDeliveredAfterJoinOnly(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	require.NoError(t, f.hub.Join(ctx, alice, 1))
	drainAll(t, alice, bob)

	_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "before"})
	require.NoError(t, err)
	require.NoError(t, f.hub.Join(ctx, bob, 1))
	_, err = f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "after"})
	require.NoError(t, err)

	msgs := ofType(drain(t, bob), EventRoomMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "after", decodeMessage(t, msgs[0]).Text)
}

func TestDirectMessageReachesEveryDeviceOfBothUsers(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	phone := f.connect(t, 1, "alice")
	laptop := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	carol := f.connect(t, 3, "carol")
	drainAll(t, phone, laptop, bob, carol)

	res, err := f.hub.SendDirectMessage(ctx, bob, SendDirectRequest{ToUserID: 1, Text: "psst"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Delivery.Recipients)
	assert.Equal(t, 3, res.Delivery.Delivered)

	for _, s := range []*Session{phone, laptop, bob} {
		dms := ofType(drain(t, s), EventDirectMessage)
		require.Len(t, dms, 1)
		m := decodeMessage(t, dms[0])
		assert.Equal(t, "psst", m.Text)
		assert.Equal(t, 2, m.SenderID)
		require.NotNil(t, m.ReceiverID)
		assert.Equal(t, 1, *m.ReceiverID)
	}
	assert.Empty(t, drain(t, carol))
}

func TestDirectMessageToOfflineUserIsStoredForLater(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	bob := f.connect(t, 2, "bob")
	drainAll(t, bob)

	res, err := f.hub.SendDirectMessage(ctx, bob, SendDirectRequest{ToUserID: 9, Text: "call me"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivery.Recipients, "only the sender's own connection")

	history, err := f.hub.DirectHistory(ctx, 9, 2)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "call me", history[0].Text)
	assert.True(t, history[0].isDirect())
}

func TestDirectMessageRequiresReceiver(t *testing.T) {
	f := newHubFixture(t, nil)
	bob := f.connect(t, 2, "bob")

	_, err := f.hub.SendDirectMessage(context.Background(), bob, SendDirectRequest{Text: "to nobody"})
	assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
}

func TestPersistenceFailureIsReportedAndNothingDelivered(t *testing.T) {
	clock := newTestClock()
	opts := DefaultOptions()
	opts.Now = clock.Now
	hub := NewHub(failingStore{NewMemoryStore()}, fakeValidator{}, opts)
	ctx := context.Background()

	alice := NewSession(Identity{UserID: 1, Username: "alice"}, NewSpamGuard(opts.Spam, clock.Now()))
	bob := NewSession(Identity{UserID: 2, Username: "bob"}, NewSpamGuard(opts.Spam, clock.Now()))
	hub.Register(alice)
	hub.Register(bob)
	require.NoError(t, hub.Join(ctx, alice, 1))
	require.NoError(t, hub.Join(ctx, bob, 1))
	drainAll(t, alice, bob)

	_, err := hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "lost"})
	assert.Equal(t, ReasonPersistenceFailed, rejectReason(t, err))
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = hub.SendDirectMessage(ctx, alice, SendDirectRequest{ToUserID: 2, Text: "lost too"})
	assert.Equal(t, ReasonPersistenceFailed, rejectReason(t, err))

	assert.Empty(t, drain(t, alice))
	assert.Empty(t, drain(t, bob))
	assert.False(t, alice.Closed(), "a failed send leaves the connection usable")
}

func TestEmptySendIsSilentAndDoesNotCountTowardSpam(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	alice := f.connect(t, 1, "alice")
	require.NoError(t, f.hub.Join(ctx, alice, 1))
	drainAll(t, alice)

	for i := 0; i < 5; i++ {
		res, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1})
		require.NoError(t, err)
		assert.Nil(t, res.Message)
	}
	assert.Empty(t, drain(t, alice))

	for i := 0; i < 3; i++ {
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
}

func TestImageOnlyMessageIsAccepted(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")

	res, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, ImageURL: "/uploads/cat.png"})
	require.NoError(t, err)
	require.NotNil(t, res.Message)
	assert.Equal(t, "/uploads/cat.png", res.Message.ImageURL)
}

func TestOverlongMessageIsRejected(t *testing.T) {
	f := newHubFixture(t, func(o *Options) { o.MaxMessageLength = 10 })
	alice := f.connect(t, 1, "alice")

	_, err := f.hub.SendRoomMessage(context.Background(), alice, SendRoomRequest{RoomID: 1, Text: "ünïcödé ok"})
	require.NoError(t, err, "length is counted in characters")

	_, err = f.hub.SendRoomMessage(context.Background(), alice, SendRoomRequest{RoomID: 1, Text: "this is far too long"})
	assert.Equal(t, ReasonInvalidMessage, rejectReason(t, err))
}

func TestSpamMuteThenRecovery(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")

	for i := 0; i < 3; i++ {
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "x"})
		require.NoError(t, err)
	}
	_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "x"})
	assert.Equal(t, ReasonSpamDetected, rejectReason(t, err))

	f.clock.Advance(time.Minute)
	_, err = f.hub.SendDirectMessage(ctx, alice, SendDirectRequest{ToUserID: 2, Text: "x"})
	require.Equal(t, ReasonRateLimited, rejectReason(t, err))
	re, _ := AsReject(err)
	assert.Equal(t, 4*time.Minute, re.RetryAfter)

	history, err := f.hub.RoomHistory(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, history, 3)

	f.clock.Advance(5 * time.Minute)
	_, err = f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "back"})
	assert.NoError(t, err)
}

func TestSpamStateIsPerConnection(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	phone := f.connect(t, 1, "alice")
	laptop := f.connect(t, 1, "alice")

	for i := 0; i < 4; i++ {
		f.hub.SendRoomMessage(ctx, phone, SendRoomRequest{RoomID: 1, Text: "x"})
	}
	assert.True(t, phone.Spam.muted(f.clock.Now()))

	_, err := f.hub.SendRoomMessage(ctx, laptop, SendRoomRequest{RoomID: 1, Text: "from laptop"})
	assert.NoError(t, err)
}

func TestUnknownRoomPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("strict", func(t *testing.T) {
		f := newHubFixture(t, func(o *Options) { o.AllowUnknownRooms = false })
		alice := f.connect(t, 1, "alice")

		assert.Equal(t, ReasonUnknownRoom, rejectReason(t, f.hub.Join(ctx, alice, 42)))
		_, inRoom := f.hub.Rooms().RoomOf(alice)
		assert.False(t, inRoom)

		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 42, Text: "hi"})
		assert.Equal(t, ReasonUnknownRoom, rejectReason(t, err))

		assert.NoError(t, f.hub.Join(ctx, alice, 2))
	})

	t.Run("tolerant", func(t *testing.T) {
		f := newHubFixture(t, nil)
		alice := f.connect(t, 1, "alice")

		require.NoError(t, f.hub.Join(ctx, alice, 42))
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 42, Text: "hi"})
		assert.NoError(t, err)
	})

	t.Run("missing room id", func(t *testing.T) {
		f := newHubFixture(t, nil)
		alice := f.connect(t, 1, "alice")
		assert.Equal(t, ReasonBadRequest, rejectReason(t, f.hub.Join(ctx, alice, 0)))
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{Text: "hi"})
		assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
	})
}

func TestLeaveStopsRoomDelivery(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	require.NoError(t, f.hub.Join(ctx, alice, 1))
	require.NoError(t, f.hub.Join(ctx, bob, 1))
	f.hub.Leave(bob)
	drainAll(t, alice, bob)

	_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "hi"})
	require.NoError(t, err)

	events := drain(t, bob)
	assert.Empty(t, ofType(events, EventRoomMessage))
	assert.Len(t, ofType(events, EventRoomActivity), 1)
}

func TestTypingInRoomSkipsTheTypist(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")
	aliceTab := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	carol := f.connect(t, 3, "carol")
	for _, s := range []*Session{alice, aliceTab, bob} {
		require.NoError(t, f.hub.Join(ctx, s, 1))
	}
	drainAll(t, alice, aliceTab, bob, carol)

	report, err := f.hub.Typing(alice, TypingContext{RoomID: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Recipients)

	assert.Empty(t, drain(t, alice))
	assert.Empty(t, drain(t, carol))
	for _, s := range []*Session{aliceTab, bob} {
		events := ofType(drain(t, s), EventTypingStarted)
		require.Len(t, events, 1)
		assert.JSONEq(t, `{"userId":1,"username":"alice","context":{"roomId":1}}`, string(events[0].Data))
	}

	_, err = f.hub.StopTyping(alice, TypingContext{RoomID: 1})
	require.NoError(t, err)
	stopped := ofType(drain(t, bob), EventTypingStopped)
	require.Len(t, stopped, 1)
	assert.JSONEq(t, `{"userId":1,"context":{"roomId":1}}`, string(stopped[0].Data))
}

func TestTypingInDirectConversationCarriesSenderAsContext(t *testing.T) {
	f := newHubFixture(t, nil)
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")
	drainAll(t, alice, bob)

	_, err := f.hub.Typing(alice, TypingContext{UserID: 2})
	require.NoError(t, err)

	events := ofType(drain(t, bob), EventTypingStarted)
	require.Len(t, events, 1)
	var ev TypingStarted
	require.NoError(t, json.Unmarshal(events[0].Data, &ev))
	assert.Equal(t, TypingContext{UserID: 1}, ev.Context)
	assert.Empty(t, drain(t, alice))
}

func TestTypingNeedsExactlyOneContext(t *testing.T) {
	f := newHubFixture(t, nil)
	alice := f.connect(t, 1, "alice")

	_, err := f.hub.Typing(alice, TypingContext{})
	assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
	_, err = f.hub.Typing(alice, TypingContext{RoomID: 1, UserID: 2})
	assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
}

func TestTypingIsNeverRateLimited(t *testing.T) {
	f := newHubFixture(t, nil)
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")

	for i := 0; i < 20; i++ {
		_, err := f.hub.Typing(alice, TypingContext{UserID: 2})
		require.NoError(t, err)
	}
	assert.False(t, alice.Spam.muted(f.clock.Now()))
	assert.Len(t, ofType(drain(t, bob), EventTypingStarted), 20)
}

func TestPresenceFollowsRegisterAndUnregister(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	alice := f.connect(t, 1, "alice")
	presence := ofType(drain(t, alice), EventPresenceUpdated)
	require.Len(t, presence, 1)
	assert.JSONEq(t, `{"users":[{"userId":1,"username":"alice"}]}`, string(presence[0].Data))

	bob := f.connect(t, 2, "bob")
	bobTab := f.connect(t, 2, "bob")
	require.NoError(t, f.hub.Join(ctx, bob, 1))
	drainAll(t, alice, bobTab)

	assert.True(t, f.hub.Unregister(bob))
	assert.True(t, bob.Closed())
	_, inRoom := f.hub.Rooms().RoomOf(bob)
	assert.False(t, inRoom)

	presence = ofType(drain(t, alice), EventPresenceUpdated)
	require.Len(t, presence, 1)
	assert.JSONEq(t, `{"users":[{"userId":1,"username":"alice"},{"userId":2,"username":"bob"}]}`, string(presence[0].Data),
		"bob is still online through his other tab")

	assert.False(t, f.hub.Unregister(bob), "second unregister is a no-op")
	assert.Empty(t, drain(t, alice))

	assert.True(t, f.hub.Unregister(bobTab))
	presence = ofType(drain(t, alice), EventPresenceUpdated)
	require.Len(t, presence, 1)
	assert.JSONEq(t, `{"users":[{"userId":1,"username":"alice"}]}`, string(presence[0].Data))
}

func TestJoinAfterUnregisterIsRefused(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")
	f.hub.Unregister(alice)

	assert.Error(t, f.hub.Join(ctx, alice, 1))
	assert.Equal(t, 0, f.hub.Rooms().Count())
}

func TestSlowConsumerIsDroppedWithoutBlockingOthers(t *testing.T) {
	f := newHubFixture(t, func(o *Options) {
		o.Spam = SpamPolicy{Burst: 1000, Window: time.Second, Mute: time.Second}
	})
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")
	stuck := f.connect(t, 2, "stuck")
	require.NoError(t, f.hub.Join(ctx, alice, 1))
	require.NoError(t, f.hub.Join(ctx, stuck, 1))

	var dropped bool
	for i := 0; i < sendQueueSize && !dropped; i++ {
		drain(t, alice)
		res, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "flood"})
		require.NoError(t, err)
		dropped = len(res.Delivery.Dropped)+len(res.Activity.Dropped) > 0
	}
	require.True(t, dropped)
	assert.True(t, stuck.Closed())
	assert.False(t, alice.Closed())
}

func TestConcurrentSendsArriveInCommitOrder(t *testing.T) {
	f := newHubFixture(t, nil)
	ctx := context.Background()

	watcher := f.connect(t, 100, "watcher")
	require.NoError(t, f.hub.Join(ctx, watcher, 1))

	const senders, perSender = 8, 3
	var sessions []*Session
	for i := 1; i <= senders; i++ {
		s := f.connect(t, i, fmt.Sprintf("user%d", i))
		require.NoError(t, f.hub.Join(ctx, s, 1))
		sessions = append(sessions, s)
	}
	drain(t, watcher)

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_, err := f.hub.SendRoomMessage(ctx, s, SendRoomRequest{RoomID: 1, Text: fmt.Sprintf("%s-%d", s.Identity.Username, j)})
				assert.NoError(t, err)
			}
		}(s)
	}
	wg.Wait()

	msgs := ofType(drain(t, watcher), EventRoomMessage)
	require.Len(t, msgs, senders*perSender)

	history, err := f.hub.RoomHistory(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, senders*perSender)
	for i, ev := range msgs {
		assert.Equal(t, history[i].ID, decodeMessage(t, ev).ID, "delivery %d", i)
	}
}

func TestShutdownClosesEverySession(t *testing.T) {
	f := newHubFixture(t, nil)
	alice := f.connect(t, 1, "alice")
	bob := f.connect(t, 2, "bob")

	f.hub.Shutdown()
	assert.True(t, alice.Closed())
	assert.True(t, bob.Closed())
}

func TestMetricsCountRejectsAndSessions(t *testing.T) {
	f := newHubFixture(t, nil)
	m := NewMetrics(prometheus.NewRegistry())
	f.hub.SetMetrics(m)
	ctx := context.Background()

	alice := f.connect(t, 1, "alice")
	f.connect(t, 2, "bob")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.activeSessions))

	for i := 0; i < 5; i++ {
		f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "x"})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsRejected.WithLabelValues(string(ReasonSpamDetected))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sendsRejected.WithLabelValues(string(ReasonRateLimited))))

	f.hub.Unregister(alice)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsDisconnected))
}

func TestStalledAppendBlocksNeitherOtherRoomsNorUnregister(t *testing.T) {
	store := newGatedStore(1)
	hub := NewHub(store, fakeValidator{}, DefaultOptions())
	ctx := context.Background()

	connect := func(userID int, name string, roomID int) *Session {
		s := NewSession(Identity{UserID: userID, Username: name}, NewSpamGuard(DefaultSpamPolicy(), time.Now()))
		hub.Register(s)
		require.NoError(t, hub.Join(ctx, s, roomID))
		return s
	}
	alice := connect(1, "alice", 1)
	bob := connect(2, "bob", 1)
	carol := connect(3, "carol", 2)
	dave := connect(4, "dave", 2)
	drainAll(t, alice, bob, carol, dave)

	type outcome struct {
		res SendResult
		err error
	}
	stalled := make(chan outcome, 1)
	go func() {
		res, err := hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "stalled"})
		stalled <- outcome{res, err}
	}()
	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("append never started")
	}

	within(t, time.Second, "send to another room", func() {
		_, err := hub.SendRoomMessage(ctx, carol, SendRoomRequest{RoomID: 2, Text: "unaffected"})
		assert.NoError(t, err)
	})
	msgs := ofType(drain(t, dave), EventRoomMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "unaffected", decodeMessage(t, msgs[0]).Text)

	within(t, time.Second, "unregister of the stalled sender", func() {
		assert.True(t, hub.Unregister(alice))
	})

	close(store.release)
	var got outcome
	select {
	case got = <-stalled:
	case <-time.After(2 * time.Second):
		t.Fatal("stalled send never completed")
	}
	require.NoError(t, got.err)

	// Recipients were captured before the append; the sender's own
	// connection is gone by now and only counts as dropped.
	assert.Equal(t, 2, got.res.Delivery.Recipients)
	assert.Equal(t, 1, got.res.Delivery.Delivered)
	assert.Equal(t, []string{alice.ID}, got.res.Delivery.Dropped)
	assert.Equal(t, 4, got.res.Activity.Recipients)

	msgs = ofType(drain(t, bob), EventRoomMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "stalled", decodeMessage(t, msgs[0]).Text)
}

func TestStalledAppendHoldsSameRoomForAtMostPersistTimeout(t *testing.T) {
	store := newGatedStore(1)
	t.Cleanup(func() { close(store.release) })
	opts := DefaultOptions()
	opts.PersistTimeout = 100 * time.Millisecond
	hub := NewHub(store, fakeValidator{}, opts)
	ctx := context.Background()

	alice := NewSession(Identity{UserID: 1, Username: "alice"}, NewSpamGuard(opts.Spam, time.Now()))
	bob := NewSession(Identity{UserID: 2, Username: "bob"}, NewSpamGuard(opts.Spam, time.Now()))
	for _, s := range []*Session{alice, bob} {
		hub.Register(s)
		require.NoError(t, hub.Join(ctx, s, 1))
	}
	drainAll(t, alice, bob)

	stalled := make(chan error, 1)
	go func() {
		_, err := hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: "stuck"})
		stalled <- err
	}()
	<-store.entered

	within(t, 2*time.Second, "same-room send behind a stalled append", func() {
		_, err := hub.SendRoomMessage(ctx, bob, SendRoomRequest{RoomID: 1, Text: "next"})
		assert.NoError(t, err)
	})
	assert.Equal(t, ReasonPersistenceFailed, rejectReason(t, <-stalled))

	msgs := ofType(drain(t, alice), EventRoomMessage)
	require.Len(t, msgs, 1)
	assert.Equal(t, "next", decodeMessage(t, msgs[0]).Text)
}

func TestBadTargetsDoNotSpendSpamBudget(t *testing.T) {
	f := newHubFixture(t, func(o *Options) { o.AllowUnknownRooms = false })
	ctx := context.Background()
	alice := f.connect(t, 1, "alice")

	for i := 0; i < 5; i++ {
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 42, Text: "hi"})
		assert.Equal(t, ReasonUnknownRoom, rejectReason(t, err))
		_, err = f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{Text: "hi"})
		assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
		_, err = f.hub.SendDirectMessage(ctx, alice, SendDirectRequest{Text: "hi"})
		assert.Equal(t, ReasonBadRequest, rejectReason(t, err))
	}
	assert.False(t, alice.Spam.muted(f.clock.Now()))

	for i := 0; i < 3; i++ {
		_, err := f.hub.SendRoomMessage(ctx, alice, SendRoomRequest{RoomID: 1, Text: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
}
