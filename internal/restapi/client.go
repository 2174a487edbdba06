// Package restapi talks to the chat backend's REST endpoints: it delivers
// sends with a server-assigned id and fetches history for the polling
// fallback.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/event"
	"github.com/gastownhall/chatlink/internal/msgcache"
)

const maxErrorBody = 512

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Message is one history entry as the backend reports it.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Type           string
	CreatedAt      time.Time
}

// Cached converts m for the message cache. selfID marks own messages.
func (m Message) Cached(selfID string) msgcache.Message {
	return msgcache.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Text:           m.Content,
		IsOwn:          selfID != "" && m.SenderID == selfID,
		Timestamp:      m.CreatedAt,
		Type:           m.Type,
		Status:         msgcache.StatusDelivered,
	}
}

func (c *Client) messagesURL(conversationID string) string {
	return c.BaseURL + "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// Send posts a message and returns the id and time the server assigned.
func (c *Client) Send(ctx context.Context, msg chat.OutgoingMessage) (chat.Confirmation, error) {
	body, err := json.Marshal(struct {
		Content  string `json:"content"`
		TempID   string `json:"tempId"`
		SenderID *int64 `json:"senderId,omitempty"`
	}{msg.Content, msg.TempID, msg.SenderID})
	if err != nil {
		return chat.Confirmation{}, fmt.Errorf("encoding message: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.messagesURL(msg.ConversationID), body)
	if err != nil {
		return chat.Confirmation{}, err
	}
	root := gjson.ParseBytes(raw)
	if data := root.Get("data"); data.IsObject() {
		root = data
	}
	id := event.ID(root.Get("id"))
	if id == "" {
		id = event.ID(root.Get("messageId"))
	}
	return chat.Confirmation{MessageID: id, CreatedAt: event.Time(root.Get("createdAt"))}, nil
}

// FetchMessages returns history newer than the after cursor, oldest first.
// An empty cursor fetches the latest page.
func (c *Client) FetchMessages(ctx context.Context, conversationID, after string) ([]Message, error) {
	u := c.messagesURL(conversationID)
	if after != "" {
		u += "?after=" + url.QueryEscape(after)
	}
	raw, err := c.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(raw)
	if !list.IsArray() {
		list = list.Get("messages")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("GET %s: response has no message list", u)
	}

	var out []Message
	list.ForEach(func(_, v gjson.Result) bool {
		m := Message{
			ID:             event.ID(v.Get("id")),
			ConversationID: event.ID(v.Get("conversationId")),
			SenderID:       event.ID(v.Get("senderId")),
			Content:        v.Get("content").String(),
			Type:           v.Get("type").String(),
			CreatedAt:      event.Time(v.Get("createdAt")),
		}
		if m.ID == "" {
			m.ID = event.ID(v.Get("messageId"))
		}
		if m.ID == "" {
			return true
		}
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		out = append(out, m)
		return true
	})
	return out, nil
}

func (c *Client) do(ctx context.Context, method, u string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, u, err)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: status %s: %s", method, u, resp.Status, msg)
	}
	return raw, nil
}
