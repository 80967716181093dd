// Package api provides the client for the marketplace server's chat and
// notification endpoints. All responses use {success, data} envelopes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unibook/chatsync/internal/model"
	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// Client talks to the marketplace server API.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	jwtSecret     []byte
	jwtExpiration time.Duration
	userID        string
	logger        *logger.Logger
}

// Config holds API client configuration.
type Config struct {
	BaseURL       string
	Timeout       time.Duration
	JWTSecret     string
	JWTExpiration time.Duration
	UserID        string
}

// envelope is the server's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// New creates a new marketplace API client.
func New(cfg Config, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.JWTExpiration <= 0 {
		cfg.JWTExpiration = 15 * time.Minute
	}
	return &Client{
		baseURL:       cfg.BaseURL,
		httpClient:    &http.Client{Timeout: timeout},
		jwtSecret:     []byte(cfg.JWTSecret),
		jwtExpiration: cfg.JWTExpiration,
		userID:        cfg.UserID,
		logger:        log,
	}
}

// ListConversations fetches the conversations the user participates in.
func (c *Client) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var convs []model.Conversation
	if err := c.do(ctx, "list_conversations", http.MethodGet, "/api/chat/rooms", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// TotalUnreadCount fetches the authoritative aggregate unread count.
func (c *Client) TotalUnreadCount(ctx context.Context) (int, error) {
	var count int
	if err := c.do(ctx, "total_unread", http.MethodGet, "/api/chat/unread-count", nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// UnreadCount fetches the authoritative unread count for one conversation.
func (c *Client) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	var count int
	path := fmt.Sprintf("/api/chat/rooms/%s/unread-count", conversationID)
	if err := c.do(ctx, "unread_count", http.MethodGet, path, nil, &count); err != nil {
		return 0, err
	}
	return count, nil
}

// MarkRead persists that the user has read everything in the conversation.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := fmt.Sprintf("/api/chat/rooms/%s/unread-count", conversationID)
	body := map[string]int{"unreadCount": 0}
	return c.do(ctx, "mark_read", http.MethodPut, path, body, nil)
}

// IncrementOtherPartyUnread bumps the other participant's server-side unread
// count after the user sends a message.
func (c *Client) IncrementOtherPartyUnread(ctx context.Context, conversationID, preview string) error {
	path := fmt.Sprintf("/api/chat/rooms/%s/increment-unread", conversationID)
	body := map[string]string{"currentMessage": preview}
	return c.do(ctx, "increment_unread", http.MethodPost, path, body, nil)
}

// UpdateLastMessage persists the conversation's last-message preview.
func (c *Client) UpdateLastMessage(ctx context.Context, conversationID, preview string, at time.Time) error {
	path := fmt.Sprintf("/api/chat/rooms/%s/last-message", conversationID)
	body := map[string]string{
		"lastMessage": preview,
		"timestamp":   at.UTC().Format(time.RFC3339),
	}
	return c.do(ctx, "update_last_message", http.MethodPut, path, body, nil)
}

// UnreadNotifications fetches the user's unread notification records.
func (c *Client) UnreadNotifications(ctx context.Context) ([]model.Notification, error) {
	var notifs []model.Notification
	if err := c.do(ctx, "unread_notifications", http.MethodGet, "/api/notifications/unread", nil, &notifs); err != nil {
		return nil, err
	}
	return notifs, nil
}

// MarkNotificationRead marks one server-side notification record as read.
func (c *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	path := fmt.Sprintf("/api/notifications/%s/read", notificationID)
	return c.do(ctx, "mark_notification_read", http.MethodPost, path, nil, nil)
}

func (c *Client) do(ctx context.Context, operation, method, path string, body, out any) error {
	start := time.Now()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.mintToken()
	if err != nil {
		return fmt.Errorf("failed to mint auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(operation, "transport_error", time.Since(start).Seconds())
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	metrics.RecordAPIRequest(operation, resp.Status, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("server rejected %s: %s", operation, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// AuthToken returns a fresh short-lived bearer token for the current user.
// Shared with the SSE consumer so both surfaces authenticate identically.
func (c *Client) AuthToken() (string, error) {
	return c.mintToken()
}

// mintToken creates a short-lived HS256 bearer token for the current user.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   c.userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(c.jwtExpiration)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.jwtSecret)
}
