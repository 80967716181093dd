package model

import (
	"time"
)

// MessageKind represents the kind of a chat message.
type MessageKind string

const (
	KindText   MessageKind = "TEXT"
	KindImage  MessageKind = "IMAGE"
	KindSystem MessageKind = "SYSTEM"
)

// Message is one entry in a conversation's append-only message log.
// Immutable except the two read flags, which only transition false to true.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Content
	SenderID   string      `json:"sender_id"`
	SenderName string      `json:"sender_name"`
	Body       string      `json:"body"`
	Kind       MessageKind `json:"kind"`
	ImageURL   string      `json:"image_url,omitempty"`

	// Read receipts, one per participant side
	ReadByBuyer  bool `json:"read_by_buyer"`
	ReadBySeller bool `json:"read_by_seller"`

	// Server-assigned timestamp
	SentAt time.Time `json:"sent_at"`

	// Stream metadata (populated on delivery)
	Sequence uint64 `json:"sequence,omitempty"`
}

// FeedPhase classifies a feed delivery.
type FeedPhase string

const (
	// PhaseSnapshot marks the first delivery after subscribing. Snapshot
	// messages never produce notifications.
	PhaseSnapshot FeedPhase = "snapshot"
	// PhaseLive marks deliveries after the initial snapshot.
	PhaseLive FeedPhase = "live"
)

// FeedEvent is one classified delivery from the realtime message feed.
type FeedEvent struct {
	Conversation *Conversation
	Message      Message
	Phase        FeedPhase
}
