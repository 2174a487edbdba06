package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/wsbase"
)

const (
	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	readLimit    = 4096
)

// Hub pushes session notifications to UI clients over /ws.
type Hub struct {
	session        Session
	polling        config.PollingConfig
	authToken      string
	originPatterns []string
	log            *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewHub(session Session, cfg config.Config) *Hub {
	return &Hub{
		session:        session,
		polling:        cfg.Polling,
		authToken:      strings.TrimSpace(cfg.Bridge.Token),
		originPatterns: cfg.Bridge.AllowedOrigins,
		log:            logger.For("chatlink.bridge"),
		clients:        make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades /ws requests. It needs the raw ResponseWriter; mount it
// on a plain mux, not behind gin. ?include= and ?exclude= narrow message
// and typing pushes by conversation id; status pushes always go out.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !wsbase.IsAuthorizedRequest(h.authToken, r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	q := r.URL.Query()
	filter, err := wsbase.CompileFilter(q.Get("include"), q.Get("exclude"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := wsbase.AcceptWebSocket(w, r, h.originPatterns)
	if err != nil {
		h.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{
		conn:   conn,
		filter: filter,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
		log:    h.log,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("bridge client connected", "clients", count)

	st := toStatusResponse(h.session.Status(), h.polling)
	c.sendJSON(pushMessage{Type: string(chat.NotifyStatus), Status: &st})
	snap := h.session.Typing()
	if filter.Passes(snap.ConversationID) {
		c.sendJSON(pushMessage{Type: string(chat.NotifyTyping), Typing: &snap})
	}

	go c.writePump()
	c.readPump()

	h.RemoveClient(c)
}

// Start subscribes to session notifications and forwards them until ctx
// ends or the session closes. The subscription is in place when it returns.
func (h *Hub) Start(ctx context.Context) {
	notes, cancel := h.session.Watch()
	go func() {
		defer cancel()
		h.forward(ctx, notes)
	}()
}

func (h *Hub) forward(ctx context.Context, notes <-chan chat.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notes:
			if !ok {
				return
			}
			h.Broadcast(n)
		}
	}
}

// Broadcast sends one notification to every client whose filter admits it.
func (h *Hub) Broadcast(n chat.Notification) {
	msg := pushMessage{Type: string(n.Kind)}
	conversationID := ""
	switch n.Kind {
	case chat.NotifyStatus:
		st := toStatusResponse(n.Status, h.polling)
		msg.Status = &st
	case chat.NotifyTyping:
		snap := n.Typing
		msg.Typing = &snap
		conversationID = snap.ConversationID
	case chat.NotifyMessages:
		msg.ConversationID = n.ConversationID
		conversationID = n.ConversationID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Warn("encoding push message", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if n.Kind != chat.NotifyStatus && !c.filter.Passes(conversationID) {
			continue
		}
		c.enqueue(data)
	}
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	h.log.Info("bridge client disconnected", "clients", count)
}

// ClientCount reports connected /ws clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
		_ = c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

type client struct {
	conn   *websocket.Conn
	filter wsbase.ConversationFilter
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	log    *slog.Logger
}

// readPump only drains the socket; the push channel is one-way and client
// frames are ignored.
func (c *client) readPump() {
	defer c.cancel()
	for {
		if _, _, err := c.conn.Read(c.ctx); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	defer func() { _ = c.conn.Close(websocket.StatusNormalClosure, "") }()
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.log.Warn("encoding push message", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Debug("dropping push message for slow client")
	}
}
