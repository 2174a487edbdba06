// Package transporttest provides an in-memory transport.Client for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/gastownhall/chatlink/internal/transport"
)

// ErrNotConnected is returned by a fake client that is not open.
var ErrNotConnected = errors.New("transporttest: not connected")

// Op kinds recorded by Client.
const (
	OpConnect     = "connect"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	OpDisconnect  = "disconnect"
)

// Op is one recorded call.
type Op struct {
	Kind        string
	Destination string
	Body        string
}

// Client is a scriptable transport.Client. Connect blocks until Open or
// Refuse is called, unless the client was created with auto-open.
type Client struct {
	Endpoint string

	mu       sync.Mutex
	ops      []Op
	handlers map[string]transport.Handler
	onError  func(error)
	open     bool
	result   chan error

	// IgnoreContext makes Connect wait for Open or Refuse even after its
	// context is done, like a handshake that completes late.
	IgnoreContext bool

	SubscribeErr   error
	PublishErr     error
	UnsubscribeErr error
}

func NewClient(endpoint string, autoOpen bool) *Client {
	c := &Client{
		Endpoint: endpoint,
		handlers: make(map[string]transport.Handler),
		result:   make(chan error, 1),
	}
	if autoOpen {
		c.result <- nil
	}
	return c
}

func (c *Client) record(op Op) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context, onError func(error)) error {
	c.record(Op{Kind: OpConnect, Destination: c.Endpoint})
	c.mu.Lock()
	c.onError = onError
	c.mu.Unlock()

	done := ctx.Done()
	if c.IgnoreContext {
		done = nil
	}
	select {
	case err := <-c.result:
		if err == nil {
			c.mu.Lock()
			c.open = true
			c.mu.Unlock()
		}
		return err
	case <-done:
		return ctx.Err()
	}
}

// Open completes a pending Connect successfully.
func (c *Client) Open() {
	c.result <- nil
}

// Refuse completes a pending Connect with err.
func (c *Client) Refuse(err error) {
	c.result <- err
}

// Fail reports an asynchronous connection failure through onError.
func (c *Client) Fail(err error) {
	c.mu.Lock()
	cb := c.onError
	c.open = false
	c.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}

func (c *Client) Subscribe(destination string, h transport.Handler) (transport.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return nil, c.SubscribeErr
	}
	if !c.open {
		return nil, ErrNotConnected
	}
	c.ops = append(c.ops, Op{Kind: OpSubscribe, Destination: destination})
	c.handlers[destination] = h
	return &subscription{client: c, destination: destination}, nil
}

func (c *Client) Publish(destination string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.PublishErr != nil {
		return c.PublishErr
	}
	if !c.open {
		return ErrNotConnected
	}
	c.ops = append(c.ops, Op{Kind: OpPublish, Destination: destination, Body: string(body)})
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, Op{Kind: OpDisconnect, Destination: c.Endpoint})
	c.open = false
	return nil
}

// Deliver hands body to the handler subscribed to destination and reports
// whether one exists.
func (c *Client) Deliver(destination string, body []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[destination]
	c.mu.Unlock()
	if ok {
		h(body)
	}
	return ok
}

// Ops returns a copy of the recorded calls.
func (c *Client) Ops() []Op {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Op(nil), c.ops...)
}

// Count returns how many ops of kind targeted destination ("" matches all).
func (c *Client) Count(kind, destination string) int {
	n := 0
	for _, op := range c.Ops() {
		if op.Kind == kind && (destination == "" || op.Destination == destination) {
			n++
		}
	}
	return n
}

// Published returns the bodies published to destination, in order.
func (c *Client) Published(destination string) []string {
	var out []string
	for _, op := range c.Ops() {
		if op.Kind == OpPublish && op.Destination == destination {
			out = append(out, op.Body)
		}
	}
	return out
}

// Subscribed lists destinations with a live subscription.
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handlers))
	for d := range c.handlers {
		out = append(out, d)
	}
	return out
}

// IsSubscribed reports whether destination has a live subscription.
func (c *Client) IsSubscribed(destination string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[destination]
	return ok
}

// Connected reports whether Connect succeeded and no failure or disconnect
// happened since.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

type subscription struct {
	client      *Client
	destination string
}

func (s *subscription) Destination() string {
	return s.destination
}

func (s *subscription) Unsubscribe() error {
	c := s.client
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ops = append(c.ops, Op{Kind: OpUnsubscribe, Destination: s.destination})
	delete(c.handlers, s.destination)
	return c.UnsubscribeErr
}

// Dialer hands out fake clients and remembers them in creation order.
type Dialer struct {
	AutoOpen      bool
	IgnoreContext bool

	mu      sync.Mutex
	clients []*Client
	created chan *Client
}

func NewDialer(autoOpen bool) *Dialer {
	return &Dialer{AutoOpen: autoOpen, created: make(chan *Client, 64)}
}

func (d *Dialer) NewClient(endpoint string) transport.Client {
	c := NewClient(endpoint, d.AutoOpen)
	c.IgnoreContext = d.IgnoreContext
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	d.created <- c
	return c
}

// Clients returns every client created so far.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// Created delivers each client as it is created.
func (d *Dialer) Created() <-chan *Client {
	return d.created
}
