// Package transport is the framed publish/subscribe channel to the chat
// backend: STOMP frames carried over a WebSocket.
package transport

import (
	"context"
	"strconv"
)

// Application destinations the client publishes to.
const (
	SendMessage       = "/app/send-message"
	JoinConversation  = "/app/join-conversation"
	LeaveConversation = "/app/leave-conversation"
	Typing            = "/app/typing"
)

// ConversationTopic is the broadcast destination of one conversation.
func ConversationTopic(conversationID string) string {
	return "/topic/conversation/" + conversationID
}

// UserQueue is the per-user inbox destination.
func UserQueue(userID int64) string {
	return "/user/" + strconv.FormatInt(userID, 10) + "/queue/messages"
}

// Handler receives the body of every frame delivered to a subscription.
// Handlers run on a transport goroutine and must not block.
type Handler func(body []byte)

// Subscription is a live subscription to one destination. Unsubscribe
// returns without waiting on the broker, and no frame reaches the handler
// after it returns.
type Subscription interface {
	Destination() string
	Unsubscribe() error
}

// Client is one physical connection.
//
// Connect blocks until the sub-protocol handshake completes or ctx is done.
// A nil return means the connection is open. After that, onError is called
// at most once when the connection fails; it is never called for failures
// caused by Disconnect.
type Client interface {
	Connect(ctx context.Context, onError func(error)) error
	Subscribe(destination string, h Handler) (Subscription, error)
	Publish(destination string, body []byte) error
	Disconnect() error
}

// Dialer creates a fresh, unconnected Client for an endpoint.
type Dialer interface {
	NewClient(endpoint string) Client
}
