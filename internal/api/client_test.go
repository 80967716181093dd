package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unibook/chatsync/pkg/logger"
)

const testSecret = "test-secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:   srv.URL,
		JWTSecret: testSecret,
		UserID:    "user-1",
	}, logger.NewNop())
}

func respond(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "data": data})
}

func TestListConversationsDecodesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/chat/rooms", r.URL.Path)
		respond(w, []map[string]any{
			{"chatRoomId": "room-1", "participantRole": "buyer", "unreadCount": 3},
			{"chatRoomId": "room-2", "participantRole": "seller", "unreadCount": 0},
		})
	})

	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "room-1", convs[0].ID)
	assert.Equal(t, 3, convs[0].UnreadCount)
}

func TestRequestsCarrySignedBearerToken(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		require.True(t, len(auth) > 7 && auth[:7] == "Bearer ")

		token, err := jwt.ParseWithClaims(auth[7:], &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		require.NoError(t, err)
		sub, err := token.Claims.GetSubject()
		require.NoError(t, err)
		assert.Equal(t, "user-1", sub)

		respond(w, 0)
	})

	_, err := c.TotalUnreadCount(context.Background())
	require.NoError(t, err)
}

func TestEnvelopeFailureIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "room not found"})
	})

	_, err := c.UnreadCount(context.Background(), "room-404")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "room not found")
}

func TestNonSuccessStatusIsAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	err := c.MarkRead(context.Background(), "room-1")
	require.Error(t, err)
}

func TestMarkReadSendsZeroCount(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/chat/rooms/room-1/unread-count", r.URL.Path)

		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 0, body["unreadCount"])

		respond(w, nil)
	})

	require.NoError(t, c.MarkRead(context.Background(), "room-1"))
}

func TestIncrementOtherPartyUnread(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat/rooms/room-1/increment-unread", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "see you at 5", body["currentMessage"])

		respond(w, nil)
	})

	require.NoError(t, c.IncrementOtherPartyUnread(context.Background(), "room-1", "see you at 5"))
}

func TestUnreadNotifications(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications/unread", r.URL.Path)
		respond(w, []map[string]any{
			{"notificationId": "n-1", "type": "NEW_MESSAGE", "messageId": "msg-1", "chatRoomId": "room-1"},
		})
	})

	notifs, err := c.UnreadNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, notifs, 1)
	assert.Equal(t, "msg-1", notifs[0].MessageID)
}
