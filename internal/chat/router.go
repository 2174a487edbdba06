package chat

import (
	"context"
	"strconv"
	"time"

	"github.com/gastownhall/chatlink/internal/event"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/transport"
)

const storeTimeout = 5 * time.Second

// frameScope says where a frame came from. Conversation frames carry the
// generation that was current when their subscription was made.
type frameScope struct {
	conversation bool
	generation   uint64
}

type route func(ev event.Event, scope frameScope)

func (m *Manager) routeTable() map[event.Kind]route {
	return map[event.Kind]route{
		event.KindNewMessage:     m.onNewMessage,
		event.KindMessageEdited:  m.onMessageEdited,
		event.KindMessageDeleted: m.onMessageDeleted,
		event.KindTyping:         m.onTyping,
	}
}

// handler returns the transport callback for a subscription. Frames are
// posted to the loop in arrival order.
func (m *Manager) handler(conversation bool, generation uint64) transport.Handler {
	scope := frameScope{conversation: conversation, generation: generation}
	return func(body []byte) {
		frame := append([]byte(nil), body...)
		m.post(func() { m.dispatch(frame, scope) })
	}
}

func (m *Manager) dispatch(body []byte, scope frameScope) {
	ev, ok := event.Classify(body)
	if !ok {
		m.log.Debug("dropping unrecognized frame", "body", logger.Truncate(string(body), 200))
		return
	}
	m.touch()
	if r, ok := m.routes[ev.Kind]; ok {
		r(ev, scope)
	}
}

func (m *Manager) isOwnSender(senderID string) bool {
	return m.identity != nil && senderID != "" && senderID == strconv.FormatInt(m.identity.UserID, 10)
}

func (m *Manager) onNewMessage(ev event.Event, _ frameScope) {
	if m.isOwnSender(ev.SenderID) {
		return
	}
	at := ev.CreatedAt
	if at.IsZero() {
		at = m.clock.Now()
	}
	m.patch(ev.ConversationID, msgcache.AppendIfAbsent(msgcache.Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		Text:           ev.Content,
		Timestamp:      at,
		Type:           ev.MessageType,
		Status:         msgcache.StatusDelivered,
	}))
}

func (m *Manager) onMessageEdited(ev event.Event, _ frameScope) {
	m.patch(ev.ConversationID, msgcache.EditMessage(ev.MessageID, ev.Content, ev.CreatedAt))
}

func (m *Manager) onMessageDeleted(ev event.Event, _ frameScope) {
	m.patch(ev.ConversationID, msgcache.RemoveMessage(ev.MessageID))
}

// onTyping only honors frames for the active conversation that arrived on
// its current subscription.
func (m *Manager) onTyping(ev event.Event, scope frameScope) {
	if ev.ConversationID != m.conversation {
		return
	}
	if scope.conversation && scope.generation != m.generation {
		return
	}
	if m.identity != nil && ev.Username == m.identity.Username {
		return
	}
	if m.typing.Apply(ev.ConversationID, ev.Username, ev.IsTyping) {
		m.publishTyping()
	}
}

// patch applies p to one conversation's cache entry and notifies watchers.
func (m *Manager) patch(conversationID string, p msgcache.Patch) bool {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ConversationID: logger.Ptr(conversationID),
		Component:      "chat",
	})
	if err := m.store.Update(ctx, conversationID, p); err != nil {
		m.log.WarnContext(ctx, "cache update failed", "error", err)
		return false
	}
	m.notify.publish(Notification{Kind: NotifyMessages, ConversationID: conversationID})
	return true
}

func (m *Manager) publishTyping() {
	m.notify.publish(Notification{Kind: NotifyTyping, Typing: m.typing.Snapshot()})
}

// switchConversation is the loop side of SetActiveConversation.
func (m *Manager) switchConversation(id string) {
	if id == m.conversation {
		return
	}
	m.generation++
	m.conversation = id
	m.typing.Reset(id)
	m.publishTyping()

	if m.state != StateConnected || m.registry == nil {
		return
	}
	if err := m.registry.SetActiveConversation(id, m.userID(), m.handler(true, m.generation)); err != nil {
		m.log.Warn("conversation subscription failed", "conversation_id", id, "error", err)
		m.failover(err)
	}
}

// ensureConversation re-subscribes the active conversation after an idle
// release that kept the socket.
func (m *Manager) ensureConversation() error {
	if m.conversation == "" || m.registry == nil || m.registry.ActiveConversation() == m.conversation {
		return nil
	}
	return m.registry.SetActiveConversation(m.conversation, m.userID(), m.handler(true, m.generation))
}
