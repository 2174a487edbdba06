package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/transport"
)

const (
	tempIDPrefix  = "temp-"
	senderTimeout = 15 * time.Second
)

type sendPhase int

const (
	phasePending sendPhase = iota
	phaseInflight
	phaseCommitted
	phaseAborted
)

type sendResult struct {
	msg msgcache.Message
	err error
}

// sendTxn is one optimistic send. Only begin, commit and abort move it
// forward, and it settles at most once.
type sendTxn struct {
	msg   msgcache.Message
	phase sendPhase
	done  chan sendResult
}

func (t *sendTxn) begin() bool {
	if t.phase != phasePending {
		return false
	}
	t.phase = phaseInflight
	return true
}

func (t *sendTxn) settle(phase sendPhase, res sendResult) bool {
	if t.phase == phaseCommitted || t.phase == phaseAborted {
		return false
	}
	t.phase = phase
	t.done <- res
	return true
}

// SendMessage inserts an optimistic message and delivers it once connected.
// It returns the committed message, or a SendFailed error after the
// optimistic entry has been removed. If ctx ends first the send continues in
// the background.
func (m *Manager) SendMessage(ctx context.Context, conversationID, text string) (msgcache.Message, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" || strings.TrimSpace(text) == "" {
		return msgcache.Message{}, ErrEmptyMessage
	}
	tx := &sendTxn{
		msg: msgcache.Message{
			ID:             tempIDPrefix + uuid.NewString(),
			ConversationID: conversationID,
			Text:           text,
			IsOwn:          true,
			Timestamp:      m.clock.Now(),
			Status:         msgcache.StatusSending,
		},
		done: make(chan sendResult, 1),
	}
	if !m.post(func() { m.enqueueSend(tx) }) {
		return msgcache.Message{}, ErrClosed
	}
	select {
	case res := <-tx.done:
		return res.msg, res.err
	case <-ctx.Done():
		return msgcache.Message{}, ctx.Err()
	}
}

func (m *Manager) enqueueSend(tx *sendTxn) {
	m.patch(tx.msg.ConversationID, msgcache.AppendIfAbsent(tx.msg))
	if m.state == StateFailed {
		m.abort(tx, m.lastErr)
		return
	}
	m.outbox = append(m.outbox, tx)
	m.ensureLive()
}

// ensureLive gets queued work moving: it connects when Idle and flushes when
// already connected. Other states flush on their own once connected.
func (m *Manager) ensureLive() {
	switch m.state {
	case StateIdle:
		_ = m.ensure()
	case StateConnected:
		m.flush()
	}
}

// flush delivers queued typing signals and sends. The active conversation is
// re-subscribed first if an idle release dropped it.
func (m *Manager) flush() {
	if m.state != StateConnected || m.client == nil {
		return
	}
	if err := m.ensureConversation(); err != nil {
		m.log.Warn("conversation resubscribe failed", "conversation_id", m.conversation, "error", err)
		m.failover(err)
		return
	}

	order := m.typingOrder
	m.typingOrder = nil
	for _, id := range order {
		frame, ok := m.typingQueue[id]
		if !ok {
			continue
		}
		delete(m.typingQueue, id)
		if err := m.publishJSON(transport.Typing, frame); err != nil {
			m.log.Debug("queued typing signal failed", "conversation_id", id, "error", err)
		}
	}

	queued := m.outbox
	m.outbox = nil
	for _, tx := range queued {
		m.deliver(tx)
	}
}

func (m *Manager) deliver(tx *sendTxn) {
	if !tx.begin() {
		return
	}
	m.inflight[tx.msg.ID] = tx

	if m.sender != nil {
		out := OutgoingMessage{
			ConversationID: tx.msg.ConversationID,
			Content:        tx.msg.Text,
			TempID:         tx.msg.ID,
			SenderID:       m.userID(),
		}
		m.touch()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), senderTimeout)
			defer cancel()
			conf, err := m.sender.Send(ctx, out)
			m.post(func() {
				if err != nil {
					m.abort(tx, err)
					return
				}
				m.commit(tx, conf)
			})
		}()
		return
	}

	err := m.publishJSON(transport.SendMessage, outgoingFrame{
		ConversationID: tx.msg.ConversationID,
		Content:        tx.msg.Text,
		TempID:         tx.msg.ID,
		SenderID:       m.userID(),
	})
	if err != nil {
		m.abort(tx, err)
		return
	}
	m.commit(tx, Confirmation{})
}

func (m *Manager) commit(tx *sendTxn, conf Confirmation) {
	msg := tx.msg
	if conf.MessageID != "" {
		msg.ID = conf.MessageID
	}
	if !conf.CreatedAt.IsZero() {
		msg.Timestamp = conf.CreatedAt
	}
	msg.Status = msgcache.StatusDelivered
	if !tx.settle(phaseCommitted, sendResult{msg: msg}) {
		return
	}
	delete(m.inflight, tx.msg.ID)
	m.patch(tx.msg.ConversationID, msgcache.CommitMessage(tx.msg.ID, conf.MessageID, msgcache.StatusDelivered, conf.CreatedAt))
}

func (m *Manager) abort(tx *sendTxn, cause error) {
	err := chaterr.Wrap(chaterr.CodeSendFailed, "send failed", cause)
	if !tx.settle(phaseAborted, sendResult{err: err}) {
		return
	}
	delete(m.inflight, tx.msg.ID)
	m.patch(tx.msg.ConversationID, msgcache.RemoveMessage(tx.msg.ID))
	m.log.Warn("send failed", "conversation_id", tx.msg.ConversationID, "temp_id", tx.msg.ID, "error", cause)
}

// abortAll fails every queued and in-flight send with cause.
func (m *Manager) abortAll(cause error) {
	queued := m.outbox
	m.outbox = nil
	for _, tx := range queued {
		m.abort(tx, cause)
	}
	for _, tx := range m.inflight {
		m.abort(tx, cause)
	}
}

// SendTyping publishes a typing signal. While not connected only the latest
// signal per conversation is kept.
func (m *Manager) SendTyping(ctx context.Context, conversationID string, isTyping bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return ErrEmptyMessage
	}
	var err error
	if cerr := m.call(ctx, func() { err = m.queueTyping(conversationID, isTyping) }); cerr != nil {
		return cerr
	}
	return err
}

func (m *Manager) queueTyping(conversationID string, isTyping bool) error {
	if m.state == StateFailed {
		return chaterr.Wrap(chaterr.CodeSendFailed, "typing signal dropped", m.lastErr)
	}
	frame := typingFrame{ConversationID: conversationID, UserID: m.userID(), IsTyping: isTyping}
	if m.identity != nil {
		frame.Username = m.identity.Username
	}

	if m.state == StateConnected && m.client != nil {
		if err := m.ensureConversation(); err != nil {
			m.failover(err)
			return chaterr.Wrap(chaterr.CodeSendFailed, "typing signal dropped", err)
		}
		if err := m.publishJSON(transport.Typing, frame); err != nil {
			return chaterr.Wrap(chaterr.CodeSendFailed, "typing signal failed", err)
		}
		return nil
	}

	if _, queued := m.typingQueue[conversationID]; !queued {
		m.typingOrder = append(m.typingOrder, conversationID)
	}
	m.typingQueue[conversationID] = frame
	m.ensureLive()
	return nil
}

func (m *Manager) clearTypingQueue() {
	clear(m.typingQueue)
	m.typingOrder = nil
}

func (m *Manager) publishJSON(destination string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s body: %w", destination, err)
	}
	if err := m.client.Publish(destination, body); err != nil {
		return err
	}
	m.touch()
	return nil
}
