package model

import (
	"time"
)

// NotificationType discriminates server-sent notification payloads.
type NotificationType string

const (
	NotificationNewMessage     NotificationType = "NEW_MESSAGE"
	NotificationWishlisted     NotificationType = "POST_WISHLISTED"
	NotificationKeywordMatch   NotificationType = "KEYWORD_MATCH"
	NotificationStatusChanged  NotificationType = "STATUS_CHANGED"
	NotificationCommentOnPost  NotificationType = "COMMENT_ON_POST"
)

// Notification is a server-side notification record, delivered either over
// the SSE stream or from the unread-notifications endpoint.
type Notification struct {
	ID             string           `json:"notificationId"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title,omitempty"`
	Content        string           `json:"content"`
	SenderName     string           `json:"senderName,omitempty"`
	ConversationID string           `json:"chatRoomId,omitempty"`
	MessageID      string           `json:"messageId,omitempty"`
	URL            string           `json:"url,omitempty"`
	IsRead         bool             `json:"isRead"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// CountUpdate is the SSE count-update payload carrying the authoritative
// server-side unread total.
type CountUpdate struct {
	UnreadCount int `json:"unreadCount"`
}

// Toast is a dismissible, auto-expiring notification rendered by the UI.
type Toast struct {
	ID             string    `json:"id"`
	SenderName     string    `json:"sender_name"`
	Preview        string    `json:"preview"`
	ConversationID string    `json:"conversation_id"`
	// NavigateTo is the conversation-detail route opened on click.
	NavigateTo string    `json:"navigate_to"`
	ShownAt    time.Time `json:"shown_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
