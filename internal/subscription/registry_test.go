package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gastownhall/chatlink/internal/chaterr"
	"github.com/gastownhall/chatlink/internal/transport"
	"github.com/gastownhall/chatlink/internal/transport/transporttest"
)

func openClient(t *testing.T) *transporttest.Client {
	t.Helper()
	c := transporttest.NewClient("ws://test", true)
	if err := c.Connect(context.Background(), nil); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return c
}

func nop([]byte) {}

func TestEnsureUserQueueIdempotent(t *testing.T) {
	c := openClient(t)
	r := New(c, nil)

	for i := 0; i < 3; i++ {
		if err := r.EnsureUserQueue(5, nop); err != nil {
			t.Fatalf("EnsureUserQueue: %v", err)
		}
	}
	if got := c.Count(transporttest.OpSubscribe, transport.UserQueue(5)); got != 1 {
		t.Fatalf("subscribe count = %d, want 1", got)
	}
	if id, ok := r.UserQueue(); !ok || id != 5 {
		t.Fatalf("UserQueue() = %d, %v, want 5, true", id, ok)
	}
}

func TestEnsureUserQueueSwitchesUser(t *testing.T) {
	c := openClient(t)
	r := New(c, nil)

	if err := r.EnsureUserQueue(5, nop); err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureUserQueue(6, nop); err != nil {
		t.Fatal(err)
	}
	if c.IsSubscribed(transport.UserQueue(5)) {
		t.Fatal("old user queue still subscribed")
	}
	if !c.IsSubscribed(transport.UserQueue(6)) {
		t.Fatal("new user queue not subscribed")
	}

	ops := c.Ops()
	var order []string
	for _, op := range ops {
		if op.Kind != transporttest.OpConnect {
			order = append(order, op.Kind+" "+op.Destination)
		}
	}
	want := []string{
		"subscribe " + transport.UserQueue(5),
		"unsubscribe " + transport.UserQueue(5),
		"subscribe " + transport.UserQueue(6),
	}
	if len(order) != len(want) {
		t.Fatalf("ops = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ops[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestSetActiveConversationNullNoop(t *testing.T) {
	c := openClient(t)
	r := New(c, nil)

	if err := r.SetActiveConversation("", nil, nop); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Ops()); n != 1 {
		t.Fatalf("ops = %v, want only connect", c.Ops())
	}
}

func TestSetActiveConversationSwitch(t *testing.T) {
	c := openClient(t)
	r := New(c, nil)
	uid := int64(9)

	if err := r.SetActiveConversation("a", &uid, nop); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActiveConversation("a", &uid, nop); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActiveConversation("b", &uid, nop); err != nil {
		t.Fatal(err)
	}

	if got := c.Count(transporttest.OpSubscribe, transport.ConversationTopic("a")); got != 1 {
		t.Fatalf("subscribe a = %d, want 1", got)
	}
	if got := c.Count(transporttest.OpUnsubscribe, transport.ConversationTopic("a")); got != 1 {
		t.Fatalf("unsubscribe a = %d, want 1", got)
	}
	if !c.IsSubscribed(transport.ConversationTopic("b")) {
		t.Fatal("b not subscribed")
	}
	if got := c.Published(transport.LeaveConversation); len(got) != 0 {
		t.Fatalf("leave published on switch: %v", got)
	}

	joins := c.Published(transport.JoinConversation)
	if len(joins) != 2 {
		t.Fatalf("joins = %v, want 2", joins)
	}
	var p presence
	if err := json.Unmarshal([]byte(joins[1]), &p); err != nil {
		t.Fatal(err)
	}
	if p.ConversationID != "b" || p.UserID == nil || *p.UserID != 9 {
		t.Fatalf("join body = %s", joins[1])
	}
	if r.ActiveConversation() != "b" {
		t.Fatalf("ActiveConversation() = %q, want b", r.ActiveConversation())
	}
}

func TestSetActiveConversationLeaveBeforeUnsubscribe(t *testing.T) {
	c := openClient(t)
	r := New(c, nil)

	if err := r.SetActiveConversation("7", nil, nop); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActiveConversation("", nil, nop); err != nil {
		t.Fatal(err)
	}

	ops := c.Ops()
	leave, unsub := -1, -1
	for i, op := range ops {
		switch {
		case op.Kind == transporttest.OpPublish && op.Destination == transport.LeaveConversation:
			leave = i
		case op.Kind == transporttest.OpUnsubscribe && op.Destination == transport.ConversationTopic("7"):
			unsub = i
		}
	}
	if leave < 0 || unsub < 0 || leave > unsub {
		t.Fatalf("leave at %d, unsubscribe at %d; want leave first", leave, unsub)
	}
	if r.ActiveConversation() != "" {
		t.Fatalf("ActiveConversation() = %q, want empty", r.ActiveConversation())
	}
}

func TestSubscribeFailureIsSubscriptionError(t *testing.T) {
	c := openClient(t)
	c.SubscribeErr = errors.New("refused")
	r := New(c, nil)

	err := r.SetActiveConversation("7", nil, nop)
	if !errors.Is(err, chaterr.ErrSubscription) {
		t.Fatalf("err = %v, want subscription failure", err)
	}
	if r.ActiveConversation() != "" {
		t.Fatalf("ActiveConversation() = %q after failure", r.ActiveConversation())
	}
	if err := r.EnsureUserQueue(1, nop); !errors.Is(err, chaterr.ErrSubscription) {
		t.Fatalf("EnsureUserQueue err = %v", err)
	}
}

func TestUnsubscribeErrorSwallowed(t *testing.T) {
	c := openClient(t)
	c.UnsubscribeErr = errors.New("gone")
	r := New(c, nil)

	if err := r.EnsureUserQueue(1, nop); err != nil {
		t.Fatal(err)
	}
	if err := r.SetActiveConversation("x", nil, nop); err != nil {
		t.Fatal(err)
	}
	r.Close()
	r.Close()

	if got := c.Count(transporttest.OpUnsubscribe, ""); got != 2 {
		t.Fatalf("unsubscribe count = %d, want 2", got)
	}
	if _, ok := r.UserQueue(); ok {
		t.Fatal("user queue survived Close")
	}
}

type panickySub struct{ calls int }

func (s *panickySub) Destination() string { return "/topic/boom" }

func (s *panickySub) Unsubscribe() error {
	s.calls++
	panic("already closed")
}

func TestDisposeRecoversPanicOnce(t *testing.T) {
	r := New(nil, nil)
	s := &panickySub{}
	l := &lease{sub: s}

	r.dispose(l)
	r.dispose(l)
	if s.calls != 1 {
		t.Fatalf("Unsubscribe calls = %d, want 1", s.calls)
	}
}
