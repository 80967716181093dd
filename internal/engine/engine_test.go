package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibook/chatsync/internal/directory"
	"github.com/unibook/chatsync/internal/dispatch"
	"github.com/unibook/chatsync/internal/feed"
	"github.com/unibook/chatsync/internal/ledger"
	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/internal/presence"
	"github.com/unibook/chatsync/pkg/logger"
)

type fakeAPI struct {
	mu sync.Mutex

	convs        []model.Conversation
	notifs       []model.Notification
	unreadCounts map[string]int
	listErr      error

	listCalls    int
	markedRead   []string
	markedNotifs []string
	incremented  []string
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) TotalUnreadCount(ctx context.Context) (int, error) { return 0, nil }

func (f *fakeAPI) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unreadCounts[conversationID], nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, conversationID)
	return nil
}

func (f *fakeAPI) IncrementOtherPartyUnread(ctx context.Context, conversationID, preview string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremented = append(f.incremented, conversationID)
	return nil
}

func (f *fakeAPI) UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error {
	return nil
}

func (f *fakeAPI) UnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.notifs...), nil
}

func (f *fakeAPI) MarkNotificationRead(ctx context.Context, notificationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedNotifs = append(f.markedNotifs, notificationID)
	return nil
}

type apiCalls struct {
	listCalls    int
	markedRead   []string
	markedNotifs []string
	incremented  []string
}

func (f *fakeAPI) snapshot() apiCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return apiCalls{
		listCalls:    f.listCalls,
		markedRead:   append([]string(nil), f.markedRead...),
		markedNotifs: append([]string(nil), f.markedNotifs...),
		incremented:  append([]string(nil), f.incremented...),
	}
}

type fakeReleaser struct {
	mu      sync.Mutex
	stopped int
}

func (f *fakeReleaser) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeReleaser) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// fakeFeed captures the handlers the engine attaches so tests can inject
// classified feed events directly.
type fakeFeed struct {
	mu        sync.Mutex
	handlers  map[string]feed.Handler
	releasers map[string]*fakeReleaser
	published []*model.Message
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		handlers:  make(map[string]feed.Handler),
		releasers: make(map[string]*fakeReleaser),
	}
}

func (f *fakeFeed) subscribe(ctx context.Context, conv *model.Conversation, h feed.Handler, onErr feed.ErrorFunc) (directory.Releaser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[conv.ID] = h
	rel := &fakeReleaser{}
	f.releasers[conv.ID] = rel
	return rel, nil
}

func (f *fakeFeed) publish(ctx context.Context, msg *model.Message) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return uint64(len(f.published)), nil
}

func (f *fakeFeed) emit(conversationID string, msg model.Message, phase model.FeedPhase) {
	f.mu.Lock()
	h := f.handlers[conversationID]
	f.mu.Unlock()
	if h != nil {
		h(model.FeedEvent{
			Conversation: &model.Conversation{ID: conversationID},
			Message:      msg,
			Phase:        phase,
		})
	}
}

type fixture struct {
	engine     *Engine
	api        *fakeAPI
	feed       *fakeFeed
	ledger     *ledger.Ledger
	presence   *presence.Tracker
	dispatcher *dispatch.Dispatcher
	directory  *directory.Directory
}

func newFixture(t *testing.T, api *fakeAPI) *fixture {
	t.Helper()
	log := logger.NewNop()

	led := ledger.New(api, log)
	pres := presence.NewTracker()
	disp := dispatch.New(dispatch.Config{}, led, pres, api, log)
	dir := directory.New(api, log)
	fk := newFakeFeed()

	eng := New(Deps{
		API:        api,
		Ledger:     led,
		Presence:   pres,
		Dispatcher: disp,
		Directory:  dir,
		Subscribe:  fk.subscribe,
		Publish:    fk.publish,
		Logger:     log,
		UserID:     "me",
		UserName:   "Me",
	})
	t.Cleanup(eng.Shutdown)

	return &fixture{
		engine:     eng,
		api:        api,
		feed:       fk,
		ledger:     led,
		presence:   pres,
		dispatcher: disp,
		directory:  dir,
	}
}

func TestStartLoadsDirectoryAndCounts(t *testing.T) {
	api := &fakeAPI{
		convs: []model.Conversation{
			{ID: "room-1", UnreadCount: 3},
			{ID: "room-2", UnreadCount: 0},
		},
		notifs: []model.Notification{
			{ID: "n-1", Type: model.NotificationNewMessage, MessageID: "msg-pending"},
			{ID: "n-2", Type: model.NotificationWishlisted},
		},
	}
	fx := newFixture(t, api)

	require.NoError(t, fx.engine.Start(context.Background()))

	assert.Equal(t, 3, fx.ledger.Total())
	assert.NotNil(t, fx.directory.Get("room-1"))
	assert.True(t, fx.ledger.Seen("msg-pending"),
		"pending notification ids must not be double counted by a later replay")

	// Delivering the pending message over the feed adds nothing.
	fx.feed.emit("room-1", model.Message{ID: "msg-pending", SenderID: "them", Body: "hi"}, model.PhaseLive)
	assert.Equal(t, 3, fx.ledger.Total())
}

func TestLiveMessageNotifiesWhenNotViewing(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.emit("room-1", model.Message{
		ID: "msg-1", SenderID: "them", SenderName: "Alice", Body: "still available?",
	}, model.PhaseLive)

	assert.Equal(t, 1, fx.ledger.Count("room-1"))
	toasts := fx.dispatcher.ActiveToasts()
	require.Len(t, toasts, 1)
	assert.Equal(t, "Alice", toasts[0].SenderName)
}

func TestLiveMessageSuppressedWhileViewing(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.presence.Enter("room-1")
	fx.feed.emit("room-1", model.Message{
		ID: "msg-1", SenderID: "them", SenderName: "Alice", Body: "hi",
	}, model.PhaseLive)

	assert.Equal(t, 0, fx.ledger.Count("room-1"))
	assert.Empty(t, fx.dispatcher.ActiveToasts())
	assert.Contains(t, api.snapshot().markedRead, "room-1")
}

func TestOwnMessagesNeverNotify(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.emit("room-1", model.Message{ID: "msg-1", SenderID: "me", Body: "mine"}, model.PhaseLive)

	assert.Equal(t, 0, fx.ledger.Total())
	assert.Empty(t, fx.dispatcher.ActiveToasts())
}

func TestSnapshotEntriesNeverNotify(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.emit("room-1", model.Message{ID: "msg-old", SenderID: "them", Body: "old"}, model.PhaseSnapshot)

	assert.Equal(t, 0, fx.ledger.Total())
	assert.Empty(t, fx.dispatcher.ActiveToasts())

	// The replayed id is remembered across paths.
	fx.engine.HandleNotification(model.Notification{
		ID: "n-1", Type: model.NotificationNewMessage,
		ConversationID: "room-1", MessageID: "msg-old", SenderName: "Alice", Content: "old",
	})
	assert.Equal(t, 0, fx.ledger.Total())
}

func TestNotificationForCurrentLocationIsAcknowledged(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.engine.SetLocation("/chat/rooms/room-1")
	fx.engine.HandleNotification(model.Notification{
		ID: "n-1", Type: model.NotificationNewMessage,
		ConversationID: "room-1", MessageID: "msg-1",
		URL: "/chat/rooms/room-1", SenderName: "Alice", Content: "hi",
	})

	snap := api.snapshot()
	assert.Contains(t, snap.markedNotifs, "n-1")
	assert.Empty(t, fx.dispatcher.ActiveToasts())
	assert.Equal(t, 0, fx.ledger.Total())
}

func TestNotificationElsewhereNotifies(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.engine.SetLocation("/posts/42")
	fx.engine.HandleNotification(model.Notification{
		ID: "n-1", Type: model.NotificationNewMessage,
		ConversationID: "room-1", MessageID: "msg-1",
		URL: "/chat/rooms/room-1", SenderName: "Alice", Content: "hi",
	})

	assert.Equal(t, 1, fx.ledger.Count("room-1"))
	assert.Len(t, fx.dispatcher.ActiveToasts(), 1)
}

func TestNonMessageNotificationsIgnored(t *testing.T) {
	api := &fakeAPI{}
	fx := newFixture(t, api)

	fx.engine.HandleNotification(model.Notification{
		ID: "n-1", Type: model.NotificationWishlisted, Content: "someone wants your book",
	})

	assert.Equal(t, 0, fx.ledger.Total())
	assert.Empty(t, fx.dispatcher.ActiveToasts())
}

func TestFeedAndStreamDeliveryCountsOnce(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.emit("room-1", model.Message{
		ID: "msg-1", SenderID: "them", SenderName: "Alice", Body: "hi",
	}, model.PhaseLive)
	fx.engine.HandleNotification(model.Notification{
		ID: "n-1", Type: model.NotificationNewMessage,
		ConversationID: "room-1", MessageID: "msg-1", SenderName: "Alice", Content: "hi",
	})

	assert.Equal(t, 1, fx.ledger.Count("room-1"))
	assert.Len(t, fx.dispatcher.ActiveToasts(), 1)
}

func TestCountUpdateDivergenceTriggersResync(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1", UnreadCount: 2}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))
	require.Equal(t, 1, api.snapshot().listCalls)

	// Matching totals are a no-op.
	fx.engine.HandleCountUpdate(model.CountUpdate{UnreadCount: 2})
	assert.Equal(t, 1, api.snapshot().listCalls)

	// A diverging total forces a full reload.
	api.mu.Lock()
	api.convs = []model.Conversation{{ID: "room-1", UnreadCount: 5}}
	api.mu.Unlock()
	fx.engine.HandleCountUpdate(model.CountUpdate{UnreadCount: 5})

	assert.Equal(t, 2, api.snapshot().listCalls)
	assert.Equal(t, 5, fx.ledger.Total())
}

func TestManualResyncRearmsStream(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)

	rearms := 0
	fx.engine.SetStreamRearm(func() { rearms++ })

	require.NoError(t, fx.engine.Start(context.Background()))
	assert.Equal(t, 0, rearms, "startup is not a re-arm trigger")

	require.NoError(t, fx.engine.Resync(context.Background()))
	assert.Equal(t, 1, rearms, "manual resync restarts a stream that gave up")

	// Divergence recovery goes through resync internals, not the manual
	// entry point, and must not touch the stream.
	fx.engine.HandleCountUpdate(model.CountUpdate{UnreadCount: 7})
	assert.Equal(t, 1, rearms)
}

func TestResyncReplacesSubscriptions(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.mu.Lock()
	first := fx.feed.releasers["room-1"]
	fx.feed.mu.Unlock()

	require.NoError(t, fx.engine.Resync(context.Background()))
	assert.Equal(t, 1, first.stops(), "old listener is released exactly once")
}

func TestResyncFailurePreservesState(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1", UnreadCount: 2}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	api.mu.Lock()
	api.listErr = fmt.Errorf("server unavailable")
	api.mu.Unlock()

	require.Error(t, fx.engine.Resync(context.Background()))
	assert.Equal(t, 2, fx.ledger.Total(), "a failed resync leaves counts untouched")
}

func TestSendMessage(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1", Role: model.RoleBuyer}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	msg, err := fx.engine.SendMessage(context.Background(), "room-1", "is it still available?", "")
	require.NoError(t, err)

	assert.Equal(t, "me", msg.SenderID)
	assert.Equal(t, model.KindText, msg.Kind)
	assert.True(t, msg.ReadByBuyer)
	assert.False(t, msg.ReadBySeller)
	assert.NotZero(t, msg.Sequence)
	assert.Contains(t, api.snapshot().incremented, "room-1")

	// The echo of the user's own message adds nothing.
	fx.feed.emit("room-1", *msg, model.PhaseLive)
	assert.Equal(t, 0, fx.ledger.Total())
}

func TestSendMessageUnknownConversation(t *testing.T) {
	api := &fakeAPI{}
	fx := newFixture(t, api)

	_, err := fx.engine.SendMessage(context.Background(), "room-x", "hello", "")
	require.Error(t, err)
}

func TestOpenConversationLandsClean(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1", UnreadCount: 4}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))
	require.Equal(t, 4, fx.ledger.Total())

	fx.engine.OpenConversation(context.Background(), "room-1")

	assert.Equal(t, 0, fx.ledger.Total())
	assert.True(t, fx.presence.IsViewing("room-1"))
	assert.Contains(t, api.snapshot().markedRead, "room-1")
}

func TestSnapshotProjection(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1", UnreadCount: 2, LastMessagePreview: "see you"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))
	fx.engine.SetLocation("/chat/rooms/room-1")

	snap := fx.engine.Snapshot()

	assert.Equal(t, "me", snap.UserID)
	assert.Equal(t, 2, snap.TotalUnread)
	require.Len(t, snap.Conversations, 1)
	assert.Equal(t, 2, snap.Conversations[0].UnreadCount)
	assert.Equal(t, "room-1", snap.Viewing)
	assert.True(t, snap.Online)
}

func TestShutdownIsIdempotent(t *testing.T) {
	api := &fakeAPI{convs: []model.Conversation{{ID: "room-1"}}}
	fx := newFixture(t, api)
	require.NoError(t, fx.engine.Start(context.Background()))

	fx.feed.mu.Lock()
	rel := fx.feed.releasers["room-1"]
	fx.feed.mu.Unlock()

	fx.engine.Shutdown()
	fx.engine.Shutdown()
	assert.Equal(t, 1, rel.stops())
}
