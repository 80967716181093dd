package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/unibook/chatsync/internal/model"
)

const (
	// StreamName is the name of the chat messages stream.
	StreamName = "CHAT_MESSAGES"

	// SubjectPrefix is the prefix for all chat subjects.
	SubjectPrefix = "chat"
)

// EnsureStream ensures the chat messages stream exists.
func (c *Client) EnsureStream(ctx context.Context) error {
	_, err := c.js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Per-conversation chat message log",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a conversation's messages.
func MessageSubject(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg", SubjectPrefix, conversationID)
}

// ConversationFilter returns the filter subject for one conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.>", SubjectPrefix, conversationID)
}

// Publish appends a message to a conversation's log and returns its
// server-assigned sequence.
func (c *Client) Publish(ctx context.Context, msg *model.Message) (uint64, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := c.js.Publish(ctx, MessageSubject(msg.ConversationID), data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish message: %w", err)
	}

	return ack.Sequence, nil
}

// lastSequence returns the stream's current last sequence, used as the
// snapshot boundary when subscribing.
func (c *Client) lastSequence(ctx context.Context) (uint64, error) {
	stream, err := c.js.Stream(ctx, StreamName)
	if err != nil {
		return 0, fmt.Errorf("failed to look up stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stream info: %w", err)
	}
	return info.State.LastSeq, nil
}
