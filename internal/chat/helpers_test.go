package chat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/transport/transporttest"
)

type harness struct {
	m      *Manager
	clock  *clockwork.FakeClock
	dialer *transporttest.Dialer
	store  *msgcache.MemoryStore
}

func testConfig(endpoints ...string) Config {
	if len(endpoints) == 0 {
		endpoints = []string{"ws://a", "ws://b", "ws://c"}
	}
	return Config{
		Endpoints:      endpoints,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		IdleTimeout:    30 * time.Second,
		HealthInterval: time.Minute,
		IdleDisconnect: true,
	}
}

func newHarness(t *testing.T, cfg Config, dialer *transporttest.Dialer, sender Sender) *harness {
	t.Helper()
	h := &harness{
		clock:  clockwork.NewFakeClock(),
		dialer: dialer,
		store:  msgcache.NewMemoryStore(),
	}
	m, err := New(cfg, Options{
		Dialer: dialer,
		Store:  h.store,
		Sender: sender,
		Clock:  h.clock,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.m = m
	t.Cleanup(m.Close)
	return h
}

// connected returns a harness whose manager is connected with identity 1/me
// and conversation 7 active.
func connected(t *testing.T, cfg Config, sender Sender) (*harness, *transporttest.Client) {
	t.Helper()
	h := newHarness(t, cfg, transporttest.NewDialer(true), sender)
	if err := h.m.SetIdentity(Identity{UserID: 1, Username: "me"}); err != nil {
		t.Fatal(err)
	}
	if err := h.m.SetActiveConversation("7"); err != nil {
		t.Fatal(err)
	}
	if err := h.m.EnsureConnection(); err != nil {
		t.Fatal(err)
	}
	c := h.nextClient(t)
	h.waitState(t, StateConnected)
	return h, c
}

func (h *harness) nextClient(t *testing.T) *transporttest.Client {
	t.Helper()
	select {
	case c := <-h.dialer.Created():
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a connect attempt")
		return nil
	}
}

func (h *harness) noClient(t *testing.T) {
	t.Helper()
	h.barrier(t)
	select {
	case c := <-h.dialer.Created():
		t.Fatalf("unexpected connect attempt to %s", c.Endpoint)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	var st Status
	waitFor(t, func() bool {
		st = h.m.Status()
		return st.State == want
	}, "state "+want.String())
	return st
}

// barrier waits until everything already posted to the loop has run.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	if err := h.m.call(context.Background(), func() {}); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}

func (h *harness) idleTimer(t *testing.T) clockwork.Timer {
	t.Helper()
	var timer clockwork.Timer
	if err := h.m.call(context.Background(), func() { timer = h.m.idleTimer }); err != nil {
		t.Fatalf("idleTimer: %v", err)
	}
	return timer
}

func (h *harness) cached(t *testing.T, conversationID string) msgcache.Conversation {
	t.Helper()
	h.barrier(t)
	c, err := h.store.Get(context.Background(), conversationID)
	if err != nil {
		t.Fatalf("Get(%s): %v", conversationID, err)
	}
	return c
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func opLines(c *transporttest.Client) []string {
	var out []string
	for _, op := range c.Ops() {
		if op.Kind == transporttest.OpConnect {
			continue
		}
		out = append(out, op.Kind+" "+op.Destination)
	}
	return out
}
