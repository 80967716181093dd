// Package model defines data structures for the chat sync engine.
package model

import (
	"time"
)

// ParticipantRole identifies which side of a listing the user is on.
type ParticipantRole string

const (
	RoleBuyer  ParticipantRole = "buyer"
	RoleSeller ParticipantRole = "seller"
)

// Conversation is a two-party message thread tied to a listing.
// The server owns its lifecycle; it is never deleted client-side.
type Conversation struct {
	ID                 string          `json:"chatRoomId"`
	RemoteThreadID     string          `json:"firebaseRoomId"`
	PostID             string          `json:"postId,omitempty"`
	PostTitle          string          `json:"postTitle,omitempty"`
	Role               ParticipantRole `json:"participantRole"`
	OtherUserID        string          `json:"otherUserId,omitempty"`
	OtherUserName      string          `json:"otherUserName,omitempty"`
	UnreadCount        int             `json:"unreadCount"`
	LastMessagePreview string          `json:"lastMessage,omitempty"`
	LastMessageAt      time.Time       `json:"lastMessageAt,omitempty"`
}

// ConversationState is the projection of one conversation's badge.
type ConversationState struct {
	ConversationID string    `json:"conversation_id"`
	UnreadCount    int       `json:"unread_count"`
	LastPreview    string    `json:"last_preview,omitempty"`
	LastMessageAt  time.Time `json:"last_message_at,omitempty"`
}

// StateSnapshot is the full badge/toast projection served to the UI layer.
// Badges are derived from the ledger only; nothing reads them back.
type StateSnapshot struct {
	UserID        string              `json:"user_id"`
	TotalUnread   int                 `json:"total_unread"`
	Conversations []ConversationState `json:"conversations"`
	ActiveToasts  []Toast             `json:"active_toasts"`
	Viewing       string              `json:"viewing,omitempty"`
	Online        bool                `json:"online"`
	GeneratedAt   time.Time           `json:"generated_at"`
}
