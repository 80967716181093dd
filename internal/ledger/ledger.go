// Package ledger maintains per-conversation and aggregate unread counts.
//
// The ledger is the single source of truth for badge values. Subscribers
// receive snapshots and render them; rendered badges are never read back.
package ledger

import (
	"context"
	"sync"

	"github.com/unibook/chatsync/pkg/logger"
	"github.com/unibook/chatsync/pkg/metrics"
)

// maxSeenMessages bounds the dedup set; oldest ids are trimmed first.
const maxSeenMessages = 4096

// CountFetcher fetches the authoritative unread count for a conversation.
type CountFetcher interface {
	UnreadCount(ctx context.Context, conversationID string) (int, error)
}

// Ledger tracks unread counts per conversation plus the derived total.
// Increments are deduplicated by message id so overlapping dispatch paths
// (direct feed callback and server notification stream) count a message once.
type Ledger struct {
	mu        sync.RWMutex
	counts    map[string]int
	seen      map[string]struct{}
	seenOrder []string
	fetcher   CountFetcher
	logger    *logger.Logger
}

// New creates an empty ledger.
func New(fetcher CountFetcher, log *logger.Logger) *Ledger {
	return &Ledger{
		counts:  make(map[string]int),
		seen:    make(map[string]struct{}),
		fetcher: fetcher,
		logger:  log,
	}
}

// Increment adds one unread message to a conversation. Returns false if the
// message id was already counted.
func (l *Ledger) Increment(conversationID, messageID string) bool {
	l.mu.Lock()
	if messageID != "" {
		if _, dup := l.seen[messageID]; dup {
			l.mu.Unlock()
			metrics.ToastsTotal.WithLabelValues("deduplicated").Inc()
			return false
		}
		l.remember(messageID)
	}
	l.counts[conversationID]++
	total := l.totalLocked()
	l.mu.Unlock()

	metrics.SetUnreadTotal(total)
	return true
}

// Set overwrites a conversation's count with an authoritative value.
// Negative values clamp to zero.
func (l *Ledger) Set(conversationID string, count int) {
	if count < 0 {
		count = 0
	}
	l.mu.Lock()
	l.counts[conversationID] = count
	total := l.totalLocked()
	l.mu.Unlock()

	metrics.SetUnreadTotal(total)
}

// Clear resolves a conversation to the authoritative remote count. The
// remote value overwrites the local one; only if the fetch fails does the
// local count fall back to zero.
func (l *Ledger) Clear(ctx context.Context, conversationID string) {
	count := 0
	if l.fetcher != nil {
		remote, err := l.fetcher.UnreadCount(ctx, conversationID)
		if err != nil {
			l.logger.Warn("authoritative unread fetch failed, zeroing locally",
				"conversation_id", conversationID, "error", err)
		} else {
			count = remote
		}
	}
	l.Set(conversationID, count)
}

// Count returns the unread count for one conversation.
func (l *Ledger) Count(conversationID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[conversationID]
}

// Total returns the aggregate unread count. Never negative.
func (l *Ledger) Total() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

// Snapshot returns a copy of all per-conversation counts.
func (l *Ledger) Snapshot() map[string]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int, len(l.counts))
	for id, n := range l.counts {
		out[id] = n
	}
	return out
}

// Seen reports whether a message id has already been counted.
func (l *Ledger) Seen(messageID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[messageID]
	return ok
}

// MarkSeen records a message id without counting it. Used for the user's own
// messages and snapshot replays so a later delivery on another path cannot
// count them.
func (l *Ledger) MarkSeen(messageID string) {
	if messageID == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[messageID]; ok {
		return
	}
	l.remember(messageID)
}

// Diverged reports whether an authoritative total disagrees with the local
// sum. Recovery from divergence is a full resync, not incremental patching.
func (l *Ledger) Diverged(authoritativeTotal int) bool {
	if authoritativeTotal < 0 {
		authoritativeTotal = 0
	}
	return l.Total() != authoritativeTotal
}

// Reset replaces all counts with a fresh authoritative mapping.
func (l *Ledger) Reset(counts map[string]int) {
	l.mu.Lock()
	l.counts = make(map[string]int, len(counts))
	for id, n := range counts {
		if n < 0 {
			n = 0
		}
		l.counts[id] = n
	}
	total := l.totalLocked()
	l.mu.Unlock()

	metrics.SetUnreadTotal(total)
}

func (l *Ledger) totalLocked() int {
	total := 0
	for _, n := range l.counts {
		if n > 0 {
			total += n
		}
	}
	return total
}

func (l *Ledger) remember(messageID string) {
	l.seen[messageID] = struct{}{}
	l.seenOrder = append(l.seenOrder, messageID)
	if len(l.seenOrder) > maxSeenMessages {
		evict := l.seenOrder[0]
		l.seenOrder = l.seenOrder[1:]
		delete(l.seen, evict)
	}
}
