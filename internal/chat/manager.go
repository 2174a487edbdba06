// Package chat is the connection lifecycle manager: one session object that
// owns the transport client, the subscriptions, the idle and reconnect
// timers, and the optimistic send queue.
//
// Every state change runs on a single event-loop goroutine. Public methods
// post closures to that loop and may be called from any goroutine.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gastownhall/chatlink/internal/endpoint"
	"github.com/gastownhall/chatlink/internal/event"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/subscription"
	"github.com/gastownhall/chatlink/internal/transport"
	"github.com/gastownhall/chatlink/internal/typing"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("chat: manager closed")

// ErrEmptyMessage is returned by SendMessage for blank text or a missing
// conversation.
var ErrEmptyMessage = errors.New("chat: conversation and text are required")

const opsBuffer = 256

// Options are the collaborators of a Manager. Dialer is required.
type Options struct {
	Dialer transport.Dialer
	Store  msgcache.Store  // defaults to an in-memory store
	Sender Sender          // nil publishes sends over the socket
	Clock  clockwork.Clock // defaults to the real clock
	Logger *slog.Logger
}

type Manager struct {
	cfg    Config
	dialer transport.Dialer
	store  msgcache.Store
	sender Sender
	clock  clockwork.Clock
	log    *slog.Logger

	ops       chan func()
	done      chan struct{}
	closeOnce sync.Once

	status atomic.Pointer[Status]
	typing *typing.Aggregator
	notify *notifier

	// Loop-owned state below. Only touched from run.
	state    State
	lastErr  error
	selector *endpoint.Selector
	pending  []string // endpoint list for the next failover cycle

	epoch         uint64
	client        transport.Client
	attempting    bool
	connectErr    error // transport error reported before the attempt settled
	cancelConnect context.CancelFunc
	registry      *subscription.Registry

	connectTimer   clockwork.Timer
	reconnectTimer clockwork.Timer
	idleTimer      clockwork.Timer
	stopHealth     chan struct{}
	lastActivity   time.Time

	identity     *Identity
	conversation string
	generation   uint64

	outbox      []*sendTxn
	inflight    map[string]*sendTxn
	typingQueue map[string]typingFrame
	typingOrder []string

	routes map[event.Kind]route
	closed bool
}

// New creates a Manager in the Idle state and starts its loop. No connection
// is made until EnsureConnection, SendMessage or SendTyping.
func New(cfg Config, opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, errors.New("chat: dialer is required")
	}
	sel, err := endpoint.New(cfg.Endpoints)
	if err != nil {
		return nil, err
	}
	if opts.Store == nil {
		opts.Store = msgcache.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.For("chatlink.chat")
	}

	m := &Manager{
		cfg:         cfg.withDefaults(),
		dialer:      opts.Dialer,
		store:       opts.Store,
		sender:      opts.Sender,
		clock:       opts.Clock,
		log:         opts.Logger,
		ops:         make(chan func(), opsBuffer),
		done:        make(chan struct{}),
		typing:      typing.NewAggregator(),
		notify:      newNotifier(opts.Logger),
		selector:    sel,
		inflight:    make(map[string]*sendTxn),
		typingQueue: make(map[string]typingFrame),
	}
	m.routes = m.routeTable()
	m.setState(StateIdle, nil)
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.done)
	for fn := range m.ops {
		fn()
		if m.closed {
			return
		}
	}
}

// post queues fn on the loop. It reports false once the loop has exited.
func (m *Manager) post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.ops <- fn:
		return true
	case <-m.done:
		return false
	}
}

// call runs fn on the loop and waits for it to finish.
func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// EnsureConnection starts connecting when Idle. In Failed it returns the
// terminal error; use Retry to start over.
func (m *Manager) EnsureConnection() error {
	var err error
	if cerr := m.call(context.Background(), func() { err = m.ensure() }); cerr != nil {
		return cerr
	}
	return err
}

// Retry leaves Failed and starts a new failover cycle from the first
// endpoint. It does nothing in any other state.
func (m *Manager) Retry() error {
	return m.call(context.Background(), func() {
		if m.state != StateFailed {
			return
		}
		m.log.Info("retrying connection")
		m.startCycle(true)
		m.connect(StateConnecting)
	})
}

// SetIdentity sets the signed-in user. While connected the inbox
// subscription follows it.
func (m *Manager) SetIdentity(id Identity) error {
	return m.call(context.Background(), func() {
		m.identity = &id
		if m.state != StateConnected || m.registry == nil {
			return
		}
		if err := m.registry.EnsureUserQueue(id.UserID, m.handler(false, 0)); err != nil {
			m.failover(err)
		}
	})
}

// Identity returns the signed-in user, if any.
func (m *Manager) Identity() (Identity, bool) {
	var (
		id Identity
		ok bool
	)
	_ = m.call(context.Background(), func() {
		if m.identity != nil {
			id, ok = *m.identity, true
		}
	})
	return id, ok
}

// ClearIdentity forgets the user and drops the inbox subscription.
func (m *Manager) ClearIdentity() error {
	return m.call(context.Background(), func() {
		m.identity = nil
		if m.registry != nil {
			m.registry.ReleaseUserQueue()
		}
	})
}

// SetActiveConversation moves the conversation subscription to id; "" means
// no conversation is open. The typing set is cleared on every change.
func (m *Manager) SetActiveConversation(id string) error {
	id = strings.TrimSpace(id)
	return m.call(context.Background(), func() { m.switchConversation(id) })
}

// ActiveConversation returns the conversation the UI has open.
func (m *Manager) ActiveConversation() string {
	var id string
	_ = m.call(context.Background(), func() { id = m.conversation })
	return id
}

// UpdateEndpoints replaces the candidate list. It takes effect when the next
// failover cycle starts.
func (m *Manager) UpdateEndpoints(endpoints []string) error {
	list := endpoint.Normalize(endpoints)
	if len(list) == 0 {
		return endpoint.ErrNoEndpoints
	}
	return m.call(context.Background(), func() {
		m.pending = list
		if m.state == StateIdle || m.state == StateFailed {
			m.applyPendingEndpoints()
		}
	})
}

// Status returns the latest lifecycle snapshot.
func (m *Manager) Status() Status {
	return *m.status.Load()
}

// Typing returns who is typing in the active conversation.
func (m *Manager) Typing() typing.Snapshot {
	return m.typing.Snapshot()
}

// Messages reads the cached conversation.
func (m *Manager) Messages(ctx context.Context, conversationID string) (msgcache.Conversation, error) {
	return m.store.Get(ctx, conversationID)
}

// Merge applies fetched history to the cache, skipping known ids.
func (m *Manager) Merge(ctx context.Context, conversationID string, msgs []msgcache.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return m.call(ctx, func() { m.patch(conversationID, msgcache.Merge(msgs)) })
}

// Watch subscribes to change notifications. The channel is closed by the
// returned cancel func or by Close.
func (m *Manager) Watch() (<-chan Notification, func()) {
	return m.notify.subscribe()
}

// Close tears everything down: both subscriptions, the transport, every
// timer, and every pending send. The manager cannot be reused.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		_ = m.call(context.Background(), m.shutdown)
		<-m.done
	})
}

func (m *Manager) setState(state State, err error) {
	m.state = state
	st := &Status{
		State:         state,
		Endpoint:      m.selector.Current(),
		EndpointIndex: m.selector.Index(),
		Err:           err,
		Since:         m.clock.Now(),
	}
	prev := m.status.Swap(st)
	if prev != nil && prev.State == st.State && prev.EndpointIndex == st.EndpointIndex && prev.Err == st.Err {
		return
	}
	m.notify.publish(Notification{Kind: NotifyStatus, Status: *st})
}

func (m *Manager) userID() *int64 {
	if m.identity == nil {
		return nil
	}
	id := m.identity.UserID
	return &id
}
