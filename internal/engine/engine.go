// Package engine wires the conversation directory, realtime feed, unread
// ledger, presence tracker and notification dispatcher into one application
// context. It is constructed once and injected into every surface that
// needs chat state; there are no package-level singletons.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/unibook/chatsync/internal/directory"
	"github.com/unibook/chatsync/internal/dispatch"
	"github.com/unibook/chatsync/internal/feed"
	"github.com/unibook/chatsync/internal/ledger"
	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/internal/presence"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// ServerAPI is the slice of the marketplace API the engine consumes.
type ServerAPI interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	TotalUnreadCount(ctx context.Context) (int, error)
	UnreadCount(ctx context.Context, conversationID string) (int, error)
	MarkRead(ctx context.Context, conversationID string) error
	IncrementOtherPartyUnread(ctx context.Context, conversationID, preview string) error
	UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error
	UnreadNotifications(ctx context.Context) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string) error
}

// SubscribeFunc attaches a live feed listener for one conversation, routing
// events to the given handler.
type SubscribeFunc func(ctx context.Context, conv *model.Conversation, handler feed.Handler, onError feed.ErrorFunc) (directory.Releaser, error)

// PublishFunc appends a message to the remote log.
type PublishFunc func(ctx context.Context, msg *model.Message) (uint64, error)

// Deps are the engine's injected collaborators.
type Deps struct {
	API        ServerAPI
	Ledger     *ledger.Ledger
	Presence   *presence.Tracker
	Dispatcher *dispatch.Dispatcher
	Directory  *directory.Directory
	Subscribe  SubscribeFunc
	Publish    PublishFunc
	Logger     *logger.Logger

	// Identity of the signed-in user.
	UserID   string
	UserName string
}

// Engine reconciles local chat state against the remote message log, the
// marketplace API and the server notification stream.
type Engine struct {
	deps   Deps
	logger *logger.Logger

	online       atomic.Bool
	shutdownOnce sync.Once

	rearmMu     sync.Mutex
	rearmStream func()
}

// New creates an engine from its dependencies.
func New(deps Deps) *Engine {
	e := &Engine{
		deps:   deps,
		logger: deps.Logger,
	}
	e.online.Store(true)
	return e
}

// Start performs the initial synchronization pass.
func (e *Engine) Start(ctx context.Context) error {
	return e.resync(ctx, "startup")
}

// SetStreamRearm registers the hook that restarts the server notification
// stream after it has given up. Invoked on every manual resync.
func (e *Engine) SetStreamRearm(fn func()) {
	e.rearmMu.Lock()
	e.rearmStream = fn
	e.rearmMu.Unlock()
}

// Resync is the single manual recovery entry point: it reloads the
// conversation directory, re-attaches feed listeners, resets the ledger to
// the server's authoritative counts and re-arms the notification stream if
// it exhausted its reconnect budget.
func (e *Engine) Resync(ctx context.Context) error {
	e.rearmMu.Lock()
	rearm := e.rearmStream
	e.rearmMu.Unlock()
	if rearm != nil {
		rearm()
	}
	return e.resync(ctx, "manual")
}

func (e *Engine) resync(ctx context.Context, trigger string) error {
	metrics.ResyncsTotal.WithLabelValues(trigger).Inc()

	convs, err := e.deps.Directory.Refresh(ctx, func(ctx context.Context, conv *model.Conversation) (directory.Releaser, error) {
		return e.deps.Subscribe(ctx, conv, e.handleFeedEvent, e.handleFeedError)
	})
	if err != nil {
		return fmt.Errorf("resync failed: %w", err)
	}

	counts := make(map[string]int, len(convs))
	for _, conv := range convs {
		counts[conv.ID] = conv.UnreadCount
	}
	e.deps.Ledger.Reset(counts)

	// Remember the message ids behind pending server notifications so a
	// later stream replay cannot count what the directory already counted.
	notifs, err := e.deps.API.UnreadNotifications(ctx)
	if err != nil {
		e.logger.Warn("failed to load unread notifications", "error", err)
	} else {
		for _, n := range notifs {
			if n.Type == model.NotificationNewMessage && n.MessageID != "" {
				e.deps.Ledger.MarkSeen(n.MessageID)
			}
		}
	}

	e.logger.Info("synchronized",
		"trigger", trigger,
		"conversations", len(convs),
		"total_unread", e.deps.Ledger.Total(),
	)
	return nil
}

// handleFeedEvent routes one classified feed delivery. Snapshot entries and
// the user's own messages never notify; everything else goes through the
// dispatcher, which owns suppression and dedup.
func (e *Engine) handleFeedEvent(event model.FeedEvent) {
	msg := event.Message
	conversationID := event.Conversation.ID

	e.deps.Directory.UpdateLastMessage(conversationID, msg.Body, msg.SentAt)

	if event.Phase == model.PhaseSnapshot {
		e.deps.Ledger.MarkSeen(msg.ID)
		return
	}
	if msg.SenderID == e.deps.UserID {
		e.deps.Ledger.MarkSeen(msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.deps.Dispatcher.HandleMessage(ctx, msg.SenderName, msg.Body, conversationID, msg.ID)
}

func (e *Engine) handleFeedError(conversationID string, err error) {
	e.logger.Error("feed subscription degraded", "conversation_id", conversationID, "error", err)
}

// HandleNotification processes one server-sent notification record. Only
// NEW_MESSAGE records concern the chat engine; a record whose url matches
// the current location is acknowledged read with no visible effect.
func (e *Engine) HandleNotification(notif model.Notification) {
	if notif.Type != model.NotificationNewMessage {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if notif.URL != "" && notif.URL == e.deps.Presence.Location() {
		if err := e.deps.API.MarkNotificationRead(ctx, notif.ID); err != nil {
			e.logger.Warn("failed to acknowledge notification", "notification_id", notif.ID, "error", err)
		}
		e.deps.Ledger.MarkSeen(notif.MessageID)
		return
	}

	e.deps.Dispatcher.HandleMessage(ctx, notif.SenderName, notif.Content, notif.ConversationID, notif.MessageID)
}

// HandleCountUpdate reconciles against the server's authoritative aggregate.
// On divergence the recovery is a full resync, not incremental patching.
func (e *Engine) HandleCountUpdate(update model.CountUpdate) {
	if !e.deps.Ledger.Diverged(update.UnreadCount) {
		return
	}

	e.logger.Warn("unread total diverged from server, resynchronizing",
		"local", e.deps.Ledger.Total(), "server", update.UnreadCount)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.resync(ctx, "divergence"); err != nil {
		e.logger.Error("divergence resync failed", "error", err)
	}
}

// SendMessage appends an outbound message to the conversation's log and
// updates the server-side bookkeeping for the other participant.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string, kind model.MessageKind) (*model.Message, error) {
	if e.deps.Publish == nil {
		return nil, fmt.Errorf("outbound messaging is not configured")
	}
	conv := e.deps.Directory.Get(conversationID)
	if conv == nil {
		return nil, fmt.Errorf("unknown conversation %q", conversationID)
	}
	if kind == "" {
		kind = model.KindText
	}

	msg := &model.Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: conversationID,
		SenderID:       e.deps.UserID,
		SenderName:     e.deps.UserName,
		Body:           body,
		Kind:           kind,
		ReadByBuyer:    conv.Role == model.RoleBuyer,
		ReadBySeller:   conv.Role == model.RoleSeller,
		SentAt:         time.Now(),
	}

	seq, err := e.deps.Publish(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to publish message: %w", err)
	}
	msg.Sequence = seq

	// Own messages never count against the sender's badge.
	e.deps.Ledger.MarkSeen(msg.ID)
	e.deps.Directory.UpdateLastMessage(conversationID, body, msg.SentAt)

	if err := e.deps.API.IncrementOtherPartyUnread(ctx, conversationID, body); err != nil {
		e.logger.Warn("failed to bump other party unread", "conversation_id", conversationID, "error", err)
	}
	if err := e.deps.API.UpdateLastMessage(ctx, conversationID, body, msg.SentAt); err != nil {
		e.logger.Warn("failed to persist last message", "conversation_id", conversationID, "error", err)
	}

	return msg, nil
}

// OpenConversation records presence in a conversation and clears its unread
// state. Opening a DIRTY conversation always lands it CLEAN.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) {
	e.deps.Dispatcher.ConversationOpened(ctx, conversationID)
}

// SetLocation updates presence from a navigation path reported by the UI.
func (e *Engine) SetLocation(path string) {
	e.deps.Presence.SetLocation(path)
}

// SetOnline records connectivity reported by the feed or the stream.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) != online {
		e.logger.Info("connectivity changed", "online", online)
	}
}

// Snapshot projects the current badge/toast state for the UI layer.
func (e *Engine) Snapshot() model.StateSnapshot {
	counts := e.deps.Ledger.Snapshot()
	convs := e.deps.Directory.All()

	states := make([]model.ConversationState, 0, len(convs))
	for _, conv := range convs {
		states = append(states, model.ConversationState{
			ConversationID: conv.ID,
			UnreadCount:    counts[conv.ID],
			LastPreview:    conv.LastMessagePreview,
			LastMessageAt:  conv.LastMessageAt,
		})
	}

	return model.StateSnapshot{
		UserID:        e.deps.UserID,
		TotalUnread:   e.deps.Ledger.Total(),
		Conversations: states,
		ActiveToasts:  e.deps.Dispatcher.ActiveToasts(),
		Viewing:       e.deps.Presence.Viewing(),
		Online:        e.online.Load(),
		GeneratedAt:   time.Now(),
	}
}

// Dispatcher exposes the dispatcher for the HTTP surface.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.deps.Dispatcher
}

// Shutdown releases every subscription and pending timer. Idempotent.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.deps.Directory.Close()
		e.deps.Dispatcher.Stop()
		e.logger.Info("engine stopped")
	})
}
