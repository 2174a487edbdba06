// Package typing tracks who is typing in the active conversation.
package typing

import (
	"slices"
	"sync"
)

// Snapshot is a point-in-time copy of the typing set.
type Snapshot struct {
	ConversationID string   `json:"conversationId"`
	Users          []string `json:"users"`
}

// Aggregator holds the usernames currently typing in one conversation.
// Writes come from the lifecycle loop; reads may come from any goroutine.
type Aggregator struct {
	mu             sync.RWMutex
	conversationID string
	users          map[string]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{users: make(map[string]struct{})}
}

// Reset switches to conversationID and empties the set.
func (a *Aggregator) Reset(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conversationID = conversationID
	clear(a.users)
}

// Clear empties the set but keeps the conversation.
func (a *Aggregator) Clear() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	had := len(a.users) > 0
	clear(a.users)
	return had
}

// Apply adds or removes username and reports whether the set changed.
// Events for any other conversation are ignored.
func (a *Aggregator) Apply(conversationID, username string, isTyping bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conversationID != a.conversationID || username == "" {
		return false
	}
	_, present := a.users[username]
	switch {
	case isTyping && !present:
		a.users[username] = struct{}{}
		return true
	case !isTyping && present:
		delete(a.users, username)
		return true
	}
	return false
}

// Snapshot returns the conversation and its typing users, sorted.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	users := make([]string, 0, len(a.users))
	for u := range a.users {
		users = append(users, u)
	}
	slices.Sort(users)
	return Snapshot{ConversationID: a.conversationID, Users: users}
}
