package bridge

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/typing"
)

// Session is the chat manager surface the bridge exposes.
type Session interface {
	Status() chat.Status
	EnsureConnection() error
	Retry() error
	SetIdentity(id chat.Identity) error
	ClearIdentity() error
	SetActiveConversation(id string) error
	ActiveConversation() string
	SendMessage(ctx context.Context, conversationID, text string) (msgcache.Message, error)
	SendTyping(ctx context.Context, conversationID string, isTyping bool) error
	Messages(ctx context.Context, conversationID string) (msgcache.Conversation, error)
	Typing() typing.Snapshot
	Watch() (<-chan chat.Notification, func())
}

type Handler struct {
	session Session
	polling config.PollingConfig
}

func NewHandler(session Session, polling config.PollingConfig) *Handler {
	return &Handler{session: session, polling: polling}
}

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, toStatusResponse(h.session.Status(), h.polling))
}

func (h *Handler) SetIdentity(c *gin.Context) {
	var req IdentityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.session.SetIdentity(chat.Identity{UserID: req.UserID, Username: req.Username}); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ClearIdentity(c *gin.Context) {
	if err := h.session.ClearIdentity(); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetConversation(c *gin.Context) {
	var req ConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.session.SetActiveConversation(req.ConversationID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": h.session.ActiveConversation()})
}

func (h *Handler) EnsureConnection(c *gin.Context) {
	if err := h.session.EnsureConnection(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toStatusResponse(h.session.Status(), h.polling))
}

func (h *Handler) Retry(c *gin.Context) {
	if err := h.session.Retry(); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toStatusResponse(h.session.Status(), h.polling))
}

func (h *Handler) ListMessages(c *gin.Context) {
	id := c.Param("id")
	conv, err := h.session.Messages(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	msgs := conv.Messages()
	if msgs == nil {
		msgs = []msgcache.Message{}
	}
	c.JSON(http.StatusOK, MessagesResponse{ConversationID: id, Messages: msgs})
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, err := h.session.SendMessage(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) SendTyping(c *gin.Context) {
	var req TypingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.session.SendTyping(c.Request.Context(), c.Param("id"), req.IsTyping); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) Typing(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Typing())
}

func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.WarnContext(c.Request.Context(), "bridge request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(code, gin.H{"error": err.Error(), "code": string(chaterr.CodeOf(err))})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, chat.ErrClosed), errors.Is(err, chaterr.ErrAllEndpointsExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, chaterr.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
