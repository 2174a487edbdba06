package bridge

import (
	"time"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/fallback"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/typing"
)

type StatusResponse struct {
	State         string    `json:"state"`
	Endpoint      string    `json:"endpoint"`
	EndpointIndex int       `json:"endpointIndex"`
	Error         string    `json:"error,omitempty"`
	Since         time.Time `json:"since"`
	Polling       bool      `json:"polling"`
}

func toStatusResponse(st chat.Status, polling config.PollingConfig) StatusResponse {
	resp := StatusResponse{
		State:         st.State.String(),
		Endpoint:      st.Endpoint,
		EndpointIndex: st.EndpointIndex,
		Since:         st.Since,
		Polling:       fallback.ShouldPoll(st, polling),
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

type IdentityRequest struct {
	UserID   int64  `json:"userId" binding:"required"`
	Username string `json:"username" binding:"required,max=255"`
}

type ConversationRequest struct {
	ConversationID string `json:"conversationId" binding:"max=255"`
}

type SendRequest struct {
	Text string `json:"text" binding:"required"`
}

type TypingRequest struct {
	IsTyping bool `json:"isTyping"`
}

type MessagesResponse struct {
	ConversationID string             `json:"conversationId"`
	Messages       []msgcache.Message `json:"messages"`
}

// pushMessage is one frame on the /ws push channel.
type pushMessage struct {
	Type           string           `json:"type"`
	Status         *StatusResponse  `json:"status,omitempty"`
	Typing         *typing.Snapshot `json:"typing,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
}
