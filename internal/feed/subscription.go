package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// Mode selects how much of a conversation's log a subscription replays.
type Mode int

const (
	// ModeLatest delivers only the newest entry, then live changes. Used
	// for list-summary views.
	ModeLatest Mode = iota
	// ModeAll replays the full log in send-time order, then live changes.
	// Used for the conversation detail view.
	ModeAll
)

// Handler receives classified feed events.
type Handler func(event model.FeedEvent)

// ErrorFunc receives transport errors for a subscription.
type ErrorFunc func(conversationID string, err error)

// Subscription is the ownership handle for one conversation's live listener.
// At most one subscription per conversation is live at a time; the directory
// releases the old handle before re-subscribing.
type Subscription struct {
	conversationID string
	consume        jetstream.ConsumeContext
	stopOnce       sync.Once
	logger         *logger.Logger
}

// Subscribe establishes a standing subscription to a conversation's message
// log. Entries at or below the stream sequence observed at subscribe time
// are classified as the initial snapshot and never produce notifications;
// entries above it are live.
func (c *Client) Subscribe(ctx context.Context, conv *model.Conversation, mode Mode, handler Handler, onError ErrorFunc) (*Subscription, error) {
	boundary, err := c.lastSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to establish snapshot boundary: %w", err)
	}

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationFilter(conv.ID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if mode == ModeLatest {
		cfg.DeliverPolicy = jetstream.DeliverLastPolicy
	}

	consumer, err := c.js.OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	conversationID := conv.ID
	log := c.logger.With("conversation_id", conversationID)

	consume, err := consumer.Consume(func(msg jetstream.Msg) {
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			log.Warn("dropping undecodable feed entry", "error", err)
			return
		}

		phase := model.PhaseLive
		if meta, err := msg.Metadata(); err == nil {
			message.Sequence = meta.Sequence.Stream
			if meta.Sequence.Stream <= boundary {
				phase = model.PhaseSnapshot
			}
		}

		metrics.FeedMessagesTotal.WithLabelValues(string(phase)).Inc()
		handler(model.FeedEvent{
			Conversation: conv,
			Message:      message,
			Phase:        phase,
		})
	}, jetstream.ConsumeErrHandler(func(cc jetstream.ConsumeContext, err error) {
		log.Error("feed subscription error", "error", err)
		if onError != nil {
			onError(conversationID, err)
		}
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	metrics.FeedSubscriptionsActive.Inc()
	log.Debug("feed subscription established", "mode", mode, "boundary", boundary)

	return &Subscription{
		conversationID: conversationID,
		consume:        consume,
		logger:         log,
	}, nil
}

// ConversationID returns the conversation this subscription listens to.
func (s *Subscription) ConversationID() string {
	return s.conversationID
}

// Stop releases the subscription. Idempotent: repeated calls are no-ops.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		if s.consume != nil {
			s.consume.Stop()
		}
		metrics.FeedSubscriptionsActive.Dec()
		s.logger.Debug("feed subscription released")
	})
}
