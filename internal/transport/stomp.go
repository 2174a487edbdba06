package transport

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-stomp/stomp/v3"
	"nhooyr.io/websocket"

	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/logger"
)

const (
	maxFrameBytes         = 1 << 20
	disconnectGrace       = 2 * time.Second
	unsubscribeReceipt    = 2 * time.Second
	defaultHeartbeatGrace = time.Second
	contentTypeJSON       = "application/json"
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// StompOptions configures connections made by a StompDialer.
type StompOptions struct {
	// Heartbeat intervals offered in CONNECT. Zero disables that direction.
	// A missing inbound heartbeat fails the connection.
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration
	// HeartbeatGrace is how late an inbound heartbeat may be before the
	// connection is failed. Zero uses one second.
	HeartbeatGrace time.Duration

	// AuthToken is sent as a bearer token on the WebSocket handshake and as
	// an Authorization header on the STOMP CONNECT frame.
	AuthToken string
	Login     string
	Passcode  string

	Logger *slog.Logger
}

// StompDialer creates STOMP-over-WebSocket clients.
type StompDialer struct {
	opts StompOptions
}

func NewStompDialer(opts StompOptions) *StompDialer {
	if opts.Logger == nil {
		opts.Logger = logger.For("chatlink.transport")
	}
	if opts.HeartbeatGrace <= 0 {
		opts.HeartbeatGrace = defaultHeartbeatGrace
	}
	return &StompDialer{opts: opts}
}

func (d *StompDialer) NewClient(endpoint string) Client {
	return &stompClient{
		endpoint: endpoint,
		opts:     d.opts,
		log:      d.opts.Logger.With("endpoint", endpoint),
	}
}

type stompClient struct {
	endpoint string
	opts     StompOptions
	log      *slog.Logger

	mu      sync.Mutex
	conn    *stomp.Conn
	netConn net.Conn
	onError func(error)

	ready    atomic.Bool // handshake done
	closed   atomic.Bool // Disconnect called or attempt abandoned
	failOnce sync.Once
}

func (c *stompClient) Connect(ctx context.Context, onError func(error)) error {
	target, err := WebSocketURL(c.endpoint)
	if err != nil {
		return chaterr.Wrap(chaterr.CodeTransport, "invalid endpoint", err).AtEndpoint(c.endpoint)
	}

	header := http.Header{}
	if c.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.opts.AuthToken)
	}
	ws, _, err := websocket.Dial(ctx, target, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: stompSubprotocols,
	})
	if err != nil {
		if ctx.Err() != nil {
			return chaterr.Wrap(chaterr.CodeConnectionTimeout, "websocket dial abandoned", ctx.Err()).AtEndpoint(c.endpoint)
		}
		return chaterr.Wrap(chaterr.CodeTransport, "websocket dial failed", err).AtEndpoint(c.endpoint)
	}
	ws.SetReadLimit(maxFrameBytes)

	nc := &watchedConn{
		Conn:      websocket.NetConn(context.Background(), ws, websocket.MessageText),
		onFailure: c.fail,
	}
	c.mu.Lock()
	c.netConn = nc
	c.onError = onError
	c.mu.Unlock()

	type result struct {
		conn *stomp.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := stomp.Connect(nc, c.connectOptions(target)...)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c.closed.Store(true)
			_ = nc.Close()
			return chaterr.Wrap(chaterr.CodeTransport, "stomp handshake failed", r.err).AtEndpoint(c.endpoint)
		}
		c.mu.Lock()
		c.conn = r.conn
		c.mu.Unlock()
		if c.closed.Load() {
			_ = r.conn.MustDisconnect()
			return chaterr.New(chaterr.CodeTransport, "disconnected during handshake").AtEndpoint(c.endpoint)
		}
		c.ready.Store(true)
		c.log.Debug("stomp connected", "url", target)
		return nil
	case <-ctx.Done():
		c.closed.Store(true)
		_ = nc.Close()
		return chaterr.Wrap(chaterr.CodeConnectionTimeout, "stomp handshake abandoned", ctx.Err()).AtEndpoint(c.endpoint)
	}
}

func (c *stompClient) connectOptions(target string) []func(*stomp.Conn) error {
	opts := []func(*stomp.Conn) error{
		stomp.ConnOpt.HeartBeat(c.opts.HeartbeatOutgoing, c.opts.HeartbeatIncoming),
		stomp.ConnOpt.HeartBeatError(c.opts.HeartbeatGrace),
		stomp.ConnOpt.UnsubscribeReceiptTimeout(unsubscribeReceipt),
	}
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		opts = append(opts, stomp.ConnOpt.Host(u.Hostname()))
	}
	if c.opts.Login != "" {
		opts = append(opts, stomp.ConnOpt.Login(c.opts.Login, c.opts.Passcode))
	}
	if c.opts.AuthToken != "" {
		opts = append(opts, stomp.ConnOpt.Header("Authorization", "Bearer "+c.opts.AuthToken))
	}
	return opts
}

// fail reports a connection failure once, unless it was self-inflicted.
func (c *stompClient) fail(err error) {
	if !c.ready.Load() || c.closed.Load() {
		return
	}
	c.failOnce.Do(func() {
		c.mu.Lock()
		cb := c.onError
		c.mu.Unlock()
		c.log.Warn("stomp connection lost", "error", err)
		if cb != nil {
			cb(chaterr.Wrap(chaterr.CodeTransport, "connection lost", err).AtEndpoint(c.endpoint))
		}
	})
}

func (c *stompClient) current() *stomp.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return nil
	}
	return c.conn
}

func (c *stompClient) Subscribe(destination string, h Handler) (Subscription, error) {
	conn := c.current()
	if conn == nil {
		return nil, chaterr.New(chaterr.CodeSubscription, "subscribe "+destination+": not connected").AtEndpoint(c.endpoint)
	}
	sub, err := conn.Subscribe(destination, stomp.AckAuto)
	if err != nil {
		return nil, chaterr.Wrap(chaterr.CodeSubscription, "subscribe "+destination, err).AtEndpoint(c.endpoint)
	}
	s := &stompSubscription{destination: destination, sub: sub, log: c.log}
	go c.deliver(s, h)
	return s, nil
}

func (c *stompClient) deliver(s *stompSubscription, h Handler) {
	for msg := range s.sub.C {
		if s.cancelled.Load() {
			continue
		}
		if msg.Err != nil {
			c.fail(msg.Err)
			return
		}
		h(msg.Body)
	}
}

func (c *stompClient) Publish(destination string, body []byte) error {
	conn := c.current()
	if conn == nil {
		return chaterr.New(chaterr.CodeTransport, "publish "+destination+": not connected").AtEndpoint(c.endpoint)
	}
	if err := conn.Send(destination, contentTypeJSON, body); err != nil {
		return chaterr.Wrap(chaterr.CodeTransport, "publish "+destination, err).AtEndpoint(c.endpoint)
	}
	return nil
}

// Disconnect closes the connection. It tries a graceful DISCONNECT first and
// falls back to dropping the socket. Repeated calls are no-ops.
func (c *stompClient) Disconnect() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	conn, nc := c.conn, c.netConn
	c.mu.Unlock()

	if conn == nil {
		if nc != nil {
			return nc.Close()
		}
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()
	select {
	case err := <-done:
		return err
	case <-time.After(disconnectGrace):
		return conn.MustDisconnect()
	}
}

type stompSubscription struct {
	destination string
	sub         *stomp.Subscription
	log         *slog.Logger
	cancelled   atomic.Bool
}

func (s *stompSubscription) Destination() string {
	return s.destination
}

// Unsubscribe stops delivery and sends UNSUBSCRIBE in the background. The
// broker's receipt is waited for off the caller's goroutine, bounded by
// unsubscribeReceipt; a missing receipt is only logged.
func (s *stompSubscription) Unsubscribe() error {
	if !s.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Debug("unsubscribe panicked", "destination", s.destination, "panic", r)
			}
		}()
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Debug("unsubscribe incomplete", "destination", s.destination, "error", err)
		}
	}()
	return nil
}

// watchedConn reports read and write failures of the underlying socket.
type watchedConn struct {
	net.Conn
	onFailure func(error)
}

func (w *watchedConn) Read(p []byte) (int, error) {
	n, err := w.Conn.Read(p)
	if err != nil {
		w.onFailure(err)
	}
	return n, err
}

func (w *watchedConn) Write(p []byte) (int, error) {
	n, err := w.Conn.Write(p)
	if err != nil {
		w.onFailure(err)
	}
	return n, err
}
