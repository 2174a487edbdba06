// Package subscription tracks the two subscriptions a chat session holds:
// the user's inbox queue and the active conversation's topic.
package subscription

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/transport"
)

// presence is the body of join and leave notifications.
type presence struct {
	ConversationID string `json:"conversationId"`
	UserID         *int64 `json:"userId,omitempty"`
}

// lease owns one subscription and guarantees a single Unsubscribe call.
type lease struct {
	sub  transport.Subscription
	once sync.Once
}

// Registry holds at most one user-queue and one conversation subscription on
// a connected client. It is not safe for concurrent use; the lifecycle
// manager drives it from its event loop.
type Registry struct {
	client transport.Client
	log    *slog.Logger

	userID *int64
	user   *lease

	conversationID string
	conversation   *lease
}

func New(client transport.Client, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{client: client, log: log}
}

// EnsureUserQueue subscribes the inbox of userID. It is a no-op when that
// inbox is already subscribed; a subscription for another user is disposed
// first.
func (r *Registry) EnsureUserQueue(userID int64, h transport.Handler) error {
	if r.user != nil && r.userID != nil && *r.userID == userID {
		return nil
	}
	r.ReleaseUserQueue()

	sub, err := r.client.Subscribe(transport.UserQueue(userID), h)
	if err != nil {
		return chaterr.Wrap(chaterr.CodeSubscription, "subscribe user queue", err)
	}
	r.user = &lease{sub: sub}
	r.userID = &userID
	return nil
}

// ReleaseUserQueue disposes the inbox subscription, if any.
func (r *Registry) ReleaseUserQueue() {
	r.dispose(r.user)
	r.user = nil
	r.userID = nil
}

// UserQueue reports the subscribed inbox owner.
func (r *Registry) UserQueue() (int64, bool) {
	if r.user == nil || r.userID == nil {
		return 0, false
	}
	return *r.userID, true
}

// SetActiveConversation moves the conversation subscription to id. The same
// id is a no-op. A non-empty id is subscribed and joined; an empty id sends a
// leave for the previous conversation before its subscription is disposed.
// userID, when set, is included in join and leave bodies.
func (r *Registry) SetActiveConversation(id string, userID *int64, h transport.Handler) error {
	if id == r.conversationID {
		return nil
	}

	prev := r.conversationID
	if id == "" && prev != "" && r.conversation != nil {
		if err := r.publish(transport.LeaveConversation, presence{ConversationID: prev, UserID: userID}); err != nil {
			r.log.Warn("leave notification failed", "conversation_id", prev, "error", err)
		}
	}
	r.ReleaseConversation()
	if id == "" {
		return nil
	}

	sub, err := r.client.Subscribe(transport.ConversationTopic(id), h)
	if err != nil {
		return chaterr.Wrap(chaterr.CodeSubscription, "subscribe conversation "+id, err)
	}
	r.conversation = &lease{sub: sub}
	r.conversationID = id

	if err := r.publish(transport.JoinConversation, presence{ConversationID: id, UserID: userID}); err != nil {
		return chaterr.Wrap(chaterr.CodeSubscription, "join conversation "+id, err)
	}
	return nil
}

// ReleaseConversation disposes the conversation subscription without a
// leave notification.
func (r *Registry) ReleaseConversation() {
	r.dispose(r.conversation)
	r.conversation = nil
	r.conversationID = ""
}

// ActiveConversation returns the subscribed conversation id, or "".
func (r *Registry) ActiveConversation() string {
	return r.conversationID
}

// Close disposes both subscriptions.
func (r *Registry) Close() {
	r.ReleaseConversation()
	r.ReleaseUserQueue()
}

func (r *Registry) publish(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", destination, err)
	}
	return r.client.Publish(destination, body)
}

// dispose unsubscribes l exactly once. Errors are logged, never returned.
func (r *Registry) dispose(l *lease) {
	if l == nil {
		return
	}
	l.once.Do(func() {
		defer func() {
			if p := recover(); p != nil {
				r.log.Warn("unsubscribe panicked", "destination", l.sub.Destination(), "panic", p)
			}
		}()
		if err := l.sub.Unsubscribe(); err != nil {
			r.log.Debug("unsubscribe failed", "destination", l.sub.Destination(), "error", err)
		}
	})
}
