package chat

import (
	"context"
	"time"
)

// outgoingFrame is published to /app/send-message.
type outgoingFrame struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	TempID         string `json:"tempId"`
	SenderID       *int64 `json:"senderId,omitempty"`
}

// typingFrame is published to /app/typing.
type typingFrame struct {
	ConversationID string `json:"conversationId"`
	UserID         *int64 `json:"userId,omitempty"`
	Username       string `json:"username,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

// OutgoingMessage is what a Sender delivers.
type OutgoingMessage struct {
	ConversationID string
	Content        string
	TempID         string
	SenderID       *int64
}

// Confirmation is the server's answer to a send. A zero MessageID keeps the
// temporary id; a zero CreatedAt keeps the local timestamp.
type Confirmation struct {
	MessageID string
	CreatedAt time.Time
}

// Sender delivers messages over a request/response channel instead of the
// socket. Send is called off the manager loop.
type Sender interface {
	Send(ctx context.Context, msg OutgoingMessage) (Confirmation, error)
}
