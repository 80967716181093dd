// Package presence tracks which conversation, if any, the user is viewing.
package presence

import (
	"regexp"
	"sync"
)

// conversationRoute matches the conversation-detail route.
var conversationRoute = regexp.MustCompile(`^/chat/rooms/([^/]+)$`)

// Tracker derives presence from the current navigation location and from
// explicit enter/leave calls for transitions without a full page load.
// Messages from before the user arrived are excluded upstream by the feed's
// snapshot classification, so presence only needs the current view.
type Tracker struct {
	mu       sync.RWMutex
	viewing  string
	location string
}

// NewTracker creates an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SetLocation updates presence from a navigation path. A path matching the
// conversation-detail route enters that conversation; any other path leaves.
func (t *Tracker) SetLocation(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.location = path
	if m := conversationRoute.FindStringSubmatch(path); m != nil {
		t.viewing = m[1]
		return
	}
	t.viewing = ""
}

// Enter records that the user opened a conversation's detail view.
func (t *Tracker) Enter(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewing = conversationID
	t.location = "/chat/rooms/" + conversationID
}

// Leave clears the viewed conversation.
func (t *Tracker) Leave() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewing = ""
}

// IsViewing reports whether the user is currently viewing the conversation.
func (t *Tracker) IsViewing(conversationID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return conversationID != "" && t.viewing == conversationID
}

// Viewing returns the currently viewed conversation id, or "".
func (t *Tracker) Viewing() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.viewing
}

// Location returns the last known navigation path.
func (t *Tracker) Location() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.location
}
