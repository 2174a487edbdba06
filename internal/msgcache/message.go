// Package msgcache is the shared message cache the transport patches:
// conversation-scoped pages of messages, pure patch functions over them,
// and in-memory and Redis-backed stores.
package msgcache

import (
	"context"
	"errors"
	"time"
)

// Status is the delivery state of a cached message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusDelivered Status = "delivered"
)

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	IsOwn          bool      `json:"isOwn"`
	Timestamp      time.Time `json:"timestamp"`
	Type           string    `json:"type,omitempty"`
	Status         Status    `json:"status"`
}

// Page is one page of history, oldest message first.
type Page struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// Conversation is the cached value for one conversation. Pages[0] is the
// most recent page.
type Conversation struct {
	Pages []Page `json:"pages"`
}

// Find returns the message with id and whether it exists.
func (c Conversation) Find(id string) (Message, bool) {
	for _, p := range c.Pages {
		for _, m := range p.Messages {
			if m.ID == id {
				return m, true
			}
		}
	}
	return Message{}, false
}

// Messages flattens all pages, oldest page first.
func (c Conversation) Messages() []Message {
	var out []Message
	for i := len(c.Pages) - 1; i >= 0; i-- {
		out = append(out, c.Pages[i].Messages...)
	}
	return out
}

// Len returns the number of cached messages.
func (c Conversation) Len() int {
	n := 0
	for _, p := range c.Pages {
		n += len(p.Messages)
	}
	return n
}

// Patch transforms a cached conversation. Patches must not mutate their
// argument; stores may retry them.
type Patch func(Conversation) Conversation

// Store is a conversation-keyed message cache. Update applies patch as one
// read-modify-write step.
type Store interface {
	Update(ctx context.Context, conversationID string, patch Patch) error
	Get(ctx context.Context, conversationID string) (Conversation, error)
}

// ErrConflict is returned when a store gives up retrying a contended update.
var ErrConflict = errors.New("msgcache: update conflict")
