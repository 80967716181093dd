// Package dispatch turns new-message events into toasts and badge updates.
//
// The dispatcher is the single authority for badge and toast mutations:
// every dispatch path (realtime feed, server notification stream) routes
// through it, and the ledger's message-id dedup makes the overlap harmless.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unibook/chatsync/internal/ledger"
	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/internal/presence"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// ReadAcker persists read acknowledgements to the marketplace server.
type ReadAcker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Config holds dispatcher tunables.
type Config struct {
	// ToastTTL is how long a toast stays visible before auto-expiring.
	ToastTTL time.Duration
	// PreviewMaxRunes caps the toast body preview length.
	PreviewMaxRunes int
}

// Dispatcher converts (sender, body, conversation) events into user-visible
// effects, suppressing them for the conversation currently being viewed.
type Dispatcher struct {
	cfg      Config
	ledger   *ledger.Ledger
	presence *presence.Tracker
	acker    ReadAcker
	logger   *logger.Logger

	mu     sync.Mutex
	toasts map[string]model.Toast
	timers map[string]*time.Timer
}

// New creates a dispatcher.
func New(cfg Config, led *ledger.Ledger, pres *presence.Tracker, acker ReadAcker, log *logger.Logger) *Dispatcher {
	if cfg.ToastTTL <= 0 {
		cfg.ToastTTL = 5 * time.Second
	}
	if cfg.PreviewMaxRunes <= 0 {
		cfg.PreviewMaxRunes = 50
	}
	return &Dispatcher{
		cfg:      cfg,
		ledger:   led,
		presence: pres,
		acker:    acker,
		logger:   log,
		toasts:   make(map[string]model.Toast),
		timers:   make(map[string]*time.Timer),
	}
}

// HandleMessage processes one inbound message event. If the user is viewing
// the conversation, all visible effects are suppressed and the pending read
// acknowledgement is issued instead. Otherwise the ledger is incremented
// (deduplicated by message id) and a toast is shown.
func (d *Dispatcher) HandleMessage(ctx context.Context, senderName, body, conversationID, messageID string) {
	if d.presence.IsViewing(conversationID) {
		metrics.ToastsTotal.WithLabelValues("suppressed").Inc()
		// Counted nowhere, but remembered so the other dispatch path
		// cannot count it later.
		d.ledger.MarkSeen(messageID)
		if err := d.acker.MarkRead(ctx, conversationID); err != nil {
			d.logger.Warn("read acknowledgement failed",
				"conversation_id", conversationID, "error", err)
		}
		return
	}

	if !d.ledger.Increment(conversationID, messageID) {
		return
	}

	d.showToast(senderName, body, conversationID)
}

// Open handles a toast click: dismisses the toast, enters the conversation,
// clears its unread count against the server and returns the navigation
// target. Opening a DIRTY conversation always lands it CLEAN.
func (d *Dispatcher) Open(ctx context.Context, toastID string) (string, bool) {
	d.mu.Lock()
	toast, ok := d.toasts[toastID]
	d.mu.Unlock()
	if !ok {
		return "", false
	}

	d.Dismiss(toastID)
	d.presence.Enter(toast.ConversationID)

	if err := d.acker.MarkRead(ctx, toast.ConversationID); err != nil {
		d.logger.Warn("read acknowledgement failed on open",
			"conversation_id", toast.ConversationID, "error", err)
	}
	d.ledger.Clear(ctx, toast.ConversationID)

	return toast.NavigateTo, true
}

// ConversationOpened handles the user entering a conversation detail view by
// any route, not just a toast click.
func (d *Dispatcher) ConversationOpened(ctx context.Context, conversationID string) {
	d.presence.Enter(conversationID)

	if err := d.acker.MarkRead(ctx, conversationID); err != nil {
		d.logger.Warn("read acknowledgement failed on open",
			"conversation_id", conversationID, "error", err)
	}
	d.ledger.Clear(ctx, conversationID)
}

// Dismiss removes a toast before its TTL expires. Safe to call repeatedly.
func (d *Dispatcher) Dismiss(toastID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if timer, ok := d.timers[toastID]; ok {
		timer.Stop()
		delete(d.timers, toastID)
	}
	delete(d.toasts, toastID)
}

// ActiveToasts returns currently visible toasts, oldest first.
func (d *Dispatcher) ActiveToasts() []model.Toast {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Toast, 0, len(d.toasts))
	for _, t := range d.toasts {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// Stop cancels all pending toast expiry timers.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.toasts = make(map[string]model.Toast)
}

func (d *Dispatcher) showToast(senderName, body, conversationID string) {
	now := time.Now()
	toast := model.Toast{
		ID:             uuid.Must(uuid.NewV7()).String(),
		SenderName:     senderName,
		Preview:        truncatePreview(body, d.cfg.PreviewMaxRunes),
		ConversationID: conversationID,
		NavigateTo:     "/chat/rooms/" + conversationID,
		ShownAt:        now,
		ExpiresAt:      now.Add(d.cfg.ToastTTL),
	}
	if conversationID == "" {
		toast.NavigateTo = "/chat"
	}

	d.mu.Lock()
	d.toasts[toast.ID] = toast
	d.timers[toast.ID] = time.AfterFunc(d.cfg.ToastTTL, func() {
		d.Dismiss(toast.ID)
	})
	d.mu.Unlock()

	metrics.ToastsTotal.WithLabelValues("shown").Inc()
	d.logger.Debug("toast shown",
		"toast_id", toast.ID, "conversation_id", conversationID, "sender", senderName)
}

// truncatePreview caps a message body at max runes, appending an ellipsis
// marker when truncated. Bodies at or under the cap pass through unmodified.
func truncatePreview(body string, max int) string {
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max]) + "..."
}
