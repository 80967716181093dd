// Package directory maintains the user's conversation list and owns the
// feed subscriptions attached to it.
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/pkg/logger"
)

// Lister fetches the user's conversation list from the marketplace server.
type Lister interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
}

// Releaser is a live feed listener handle.
type Releaser interface {
	Stop()
}

// SubscribeFunc attaches a live listener to one conversation.
type SubscribeFunc func(ctx context.Context, conv *model.Conversation) (Releaser, error)

// Directory is the periodically-loaded conversation list. Refresh releases
// every existing subscription before re-subscribing, so a conversation never
// has two live listeners. Conversations are never deleted client-side.
type Directory struct {
	lister Lister
	logger *logger.Logger

	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	subscriptions map[string]Releaser
}

// New creates an empty directory.
func New(lister Lister, log *logger.Logger) *Directory {
	return &Directory{
		lister:        lister,
		logger:        log,
		conversations: make(map[string]*model.Conversation),
		subscriptions: make(map[string]Releaser),
	}
}

// Refresh reloads the conversation list and re-attaches listeners. A
// subscription failure disables that conversation's live updates but does
// not fail the refresh; the rest of the directory still works.
func (d *Directory) Refresh(ctx context.Context, subscribe SubscribeFunc) ([]model.Conversation, error) {
	convs, err := d.lister.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation list: %w", err)
	}

	d.releaseAll()

	d.mu.Lock()
	for i := range convs {
		conv := convs[i]
		d.conversations[conv.ID] = &conv
	}
	d.mu.Unlock()

	for i := range convs {
		conv := d.Get(convs[i].ID)
		if conv == nil {
			continue
		}
		sub, err := subscribe(ctx, conv)
		if err != nil {
			d.logger.Warn("failed to subscribe conversation, live updates disabled",
				"conversation_id", conv.ID, "error", err)
			continue
		}
		d.mu.Lock()
		d.subscriptions[conv.ID] = sub
		d.mu.Unlock()
	}

	d.logger.Info("conversation directory refreshed", "conversations", len(convs))
	return convs, nil
}

// Get returns a conversation by id, or nil.
func (d *Directory) Get(conversationID string) *model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conversations[conversationID]
}

// All returns a copy of the known conversations.
func (d *Directory) All() []model.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.Conversation, 0, len(d.conversations))
	for _, conv := range d.conversations {
		out = append(out, *conv)
	}
	return out
}

// UpdateLastMessage caches a conversation's newest preview locally.
func (d *Directory) UpdateLastMessage(conversationID, preview string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conv, ok := d.conversations[conversationID]; ok {
		conv.LastMessagePreview = preview
		conv.LastMessageAt = at
	}
}

// Close releases every subscription. Idempotent.
func (d *Directory) Close() {
	d.releaseAll()
}

func (d *Directory) releaseAll() {
	d.mu.Lock()
	subs := d.subscriptions
	d.subscriptions = make(map[string]Releaser)
	d.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
}
