package chat

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/subscription"
	"github.com/gastownhall/chatlink/internal/transport"
)

var tracer = otel.Tracer("github.com/gastownhall/chatlink/internal/chat")

func (m *Manager) ensure() error {
	switch m.state {
	case StateIdle:
		m.startCycle(false)
		m.connect(StateConnecting)
	case StateFailed:
		return m.lastErr
	}
	return nil
}

// startCycle begins a failover cycle, installing a pending endpoint list.
func (m *Manager) startCycle(fromStart bool) {
	if m.applyPendingEndpoints() {
		return
	}
	if fromStart {
		m.selector.Reset()
	} else {
		m.selector.MarkConnected()
	}
}

func (m *Manager) applyPendingEndpoints() bool {
	if m.pending == nil {
		return false
	}
	list := m.pending
	m.pending = nil
	if err := m.selector.Replace(list); err != nil {
		m.log.Warn("ignoring endpoint update", "error", err)
		return false
	}
	m.log.Info("endpoints updated", "endpoints", list)
	return true
}

// connect starts one attempt against the selector's current endpoint.
func (m *Manager) connect(state State) {
	m.epoch++
	epoch := m.epoch
	ep := m.selector.Current()

	client := m.dialer.NewClient(ep)
	ctx, cancel := context.WithCancel(context.Background())
	m.client = client
	m.cancelConnect = cancel
	m.attempting = true
	m.connectErr = nil
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.post(func() { m.onConnectTimeout(epoch) })
	})
	m.setState(state, m.lastErr)
	m.log.Info("connecting", "endpoint", ep, "index", m.selector.Index(), "attempt_state", state.String())

	go func() {
		ctx, span := tracer.Start(ctx, "chat.connect", trace.WithAttributes(attribute.String("endpoint", ep)))
		err := client.Connect(ctx, func(err error) {
			m.post(func() { m.onTransportError(epoch, err) })
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if !m.post(func() { m.onConnectResult(epoch, client, err) }) && err == nil {
			m.disconnect(client)
		}
	}()
}

func (m *Manager) onConnectResult(epoch uint64, client transport.Client, err error) {
	if epoch != m.epoch || client != m.client || !m.attempting {
		if err == nil {
			m.log.Debug("discarding late connection")
			go m.disconnect(client)
		}
		return
	}
	m.attempting = false
	stopTimer(&m.connectTimer)
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if err == nil && m.connectErr != nil {
		err = m.connectErr
	}
	m.connectErr = nil
	if err != nil {
		if chaterr.CodeOf(err) == "" {
			err = chaterr.Wrap(chaterr.CodeTransport, "connect failed", err).AtEndpoint(m.selector.Current())
		}
		m.log.Warn("connect failed", "endpoint", m.selector.Current(), "error", err)
		m.failover(err)
		return
	}
	m.onOpen()
}

// onOpen runs once the handshake succeeded: inbox first, then the active
// conversation, then anything queued while connecting.
func (m *Manager) onOpen() {
	m.selector.MarkConnected()
	m.lastErr = nil
	m.registry = subscription.New(m.client, m.log)
	m.lastActivity = m.clock.Now()

	if m.identity != nil {
		if err := m.registry.EnsureUserQueue(m.identity.UserID, m.handler(false, 0)); err != nil {
			m.failover(err)
			return
		}
	}
	if m.conversation != "" {
		if err := m.registry.SetActiveConversation(m.conversation, m.userID(), m.handler(true, m.generation)); err != nil {
			m.failover(err)
			return
		}
	}

	m.armIdle()
	m.startHealth()
	m.setState(StateConnected, nil)
	m.log.Info("connected", "endpoint", m.selector.Current())
	m.flush()
}

func (m *Manager) onConnectTimeout(epoch uint64) {
	if epoch != m.epoch || !m.attempting {
		return
	}
	err := chaterr.New(chaterr.CodeConnectionTimeout, "connect timed out").AtEndpoint(m.selector.Current())
	m.log.Warn("connect timed out", "endpoint", m.selector.Current(), "timeout", m.cfg.ConnectTimeout)
	m.failover(err)
}

// onTransportError fails over a live session. An error raised while the
// attempt is still pending is held and applied to its connect result.
func (m *Manager) onTransportError(epoch uint64, err error) {
	if epoch != m.epoch {
		return
	}
	if m.attempting {
		if m.connectErr == nil {
			m.connectErr = err
		}
		return
	}
	if m.state != StateConnected {
		return
	}
	if chaterr.CodeOf(err) == "" {
		err = chaterr.Wrap(chaterr.CodeTransport, "connection lost", err).AtEndpoint(m.selector.Current())
	}
	m.log.Warn("transport error", "endpoint", m.selector.Current(), "error", err)
	m.failover(err)
}

// failover drops the current session and moves to the next endpoint, or to
// Failed when this cycle has tried them all.
func (m *Manager) failover(err error) {
	m.teardownSession()
	m.epoch++
	m.lastErr = err
	m.clearTyping()

	if !m.selector.Advance() {
		m.fail(err)
		return
	}
	epoch := m.epoch
	m.reconnectTimer = m.clock.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.post(func() { m.onReconnectDue(epoch) })
	})
	m.setState(StateReconnecting, err)
	m.log.Info("reconnecting", "next_endpoint", m.selector.Current(), "delay", m.cfg.ReconnectDelay)
}

func (m *Manager) onReconnectDue(epoch uint64) {
	if epoch != m.epoch || m.state != StateReconnecting {
		return
	}
	m.reconnectTimer = nil
	m.connect(StateReconnecting)
}

func (m *Manager) fail(cause error) {
	exhausted := chaterr.Wrap(chaterr.CodeAllEndpointsExhausted, "all endpoints exhausted", cause)
	m.lastErr = exhausted
	m.setState(StateFailed, exhausted)
	m.log.Error("all endpoints exhausted", "endpoints", m.selector.Endpoints(), "error", cause)
	m.abortAll(exhausted)
	m.clearTypingQueue()
	m.clearTyping()
}

// armIdle (re)starts the idle timer for the rest of the window.
func (m *Manager) armIdle() {
	stopTimer(&m.idleTimer)
	wait := m.cfg.IdleTimeout - m.clock.Since(m.lastActivity)
	if wait <= 0 {
		wait = m.cfg.IdleTimeout
	}
	epoch := m.epoch
	m.idleTimer = m.clock.AfterFunc(wait, func() {
		m.post(func() { m.onIdle(epoch) })
	})
}

// touch records activity on the live session.
func (m *Manager) touch() {
	m.lastActivity = m.clock.Now()
	if m.state == StateConnected && m.idleTimer == nil {
		m.armIdle()
	}
}

func (m *Manager) onIdle(epoch uint64) {
	if epoch != m.epoch || m.state != StateConnected {
		return
	}
	m.idleTimer = nil
	if m.clock.Since(m.lastActivity) < m.cfg.IdleTimeout || len(m.inflight) > 0 {
		m.armIdle()
		return
	}
	m.idleTeardown()
}

// idleTeardown always releases the conversation subscription and the typing
// set. With IdleDisconnect it also drops the inbox and the socket.
func (m *Manager) idleTeardown() {
	m.log.Info("idle, releasing conversation",
		"conversation_id", m.conversation, "disconnect", m.cfg.IdleDisconnect)
	if m.registry != nil {
		m.registry.ReleaseConversation()
	}
	m.clearTyping()
	if !m.cfg.IdleDisconnect {
		return
	}
	m.teardownSession()
	m.epoch++
	m.setState(StateIdle, nil)
}

// clearTyping drops the typing set and notifies watchers if it changed. The
// frames that would end those indicators arrive only on a live session.
func (m *Manager) clearTyping() {
	if m.typing.Clear() {
		m.publishTyping()
	}
}

func (m *Manager) startHealth() {
	m.stopHealthTicker()
	stop := make(chan struct{})
	m.stopHealth = stop
	epoch := m.epoch
	ticker := m.clock.NewTicker(m.cfg.HealthInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.Chan():
				if !m.post(func() { m.healthTick(epoch) }) {
					return
				}
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopHealthTicker() {
	if m.stopHealth != nil {
		close(m.stopHealth)
		m.stopHealth = nil
	}
}

// healthTick is the periodic hook while connected. It only observes.
func (m *Manager) healthTick(epoch uint64) {
	if epoch != m.epoch || m.state != StateConnected {
		return
	}
	m.log.Debug("health tick",
		"endpoint", m.selector.Current(),
		"idle_for", m.clock.Since(m.lastActivity),
		"inflight", len(m.inflight),
		"conversation_id", m.conversation)
}

// teardownSession releases everything tied to the current client. Errors are
// logged by the registry and the disconnect goroutine.
func (m *Manager) teardownSession() {
	stopTimer(&m.connectTimer)
	stopTimer(&m.idleTimer)
	stopTimer(&m.reconnectTimer)
	m.stopHealthTicker()
	if m.cancelConnect != nil {
		m.cancelConnect()
		m.cancelConnect = nil
	}
	if m.registry != nil {
		m.registry.Close()
		m.registry = nil
	}
	if m.client != nil {
		c := m.client
		m.client = nil
		go m.disconnect(c)
	}
	m.attempting = false
}

func (m *Manager) disconnect(c transport.Client) {
	defer func() {
		if p := recover(); p != nil {
			m.log.Warn("disconnect panicked", "panic", p)
		}
	}()
	if err := c.Disconnect(); err != nil {
		m.log.Debug("disconnect failed", "error", err)
	}
}

func (m *Manager) shutdown() {
	m.log.Info("closing chat session")
	m.teardownSession()
	m.epoch++
	m.abortAll(ErrClosed)
	m.clearTypingQueue()
	m.typing.Clear()
	m.setState(StateIdle, nil)
	m.closed = true
	m.notify.close()
}

func stopTimer(t *clockwork.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
