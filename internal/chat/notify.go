package chat

import (
	"log/slog"
	"sync"

	"github.com/gastownhall/chatlink/internal/typing"
)

// NotificationKind says what changed.
type NotificationKind string

const (
	NotifyStatus   NotificationKind = "status"
	NotifyTyping   NotificationKind = "typing"
	NotifyMessages NotificationKind = "messages"
)

// Notification is delivered to watchers. Only the field matching Kind is
// meaningful.
type Notification struct {
	Kind           NotificationKind
	Status         Status
	Typing         typing.Snapshot
	ConversationID string
}

const watchBuffer = 64

// notifier fans notifications out to watchers. Slow watchers lose
// notifications rather than stall the loop.
type notifier struct {
	log *slog.Logger

	mu     sync.Mutex
	subs   map[int]chan Notification
	next   int
	closed bool
}

func newNotifier(log *slog.Logger) *notifier {
	return &notifier{log: log, subs: make(map[int]chan Notification)}
}

func (n *notifier) subscribe() (<-chan Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Notification, watchBuffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.next
	n.next++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

func (n *notifier) publish(note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		select {
		case ch <- note:
		default:
			n.log.Debug("dropping notification for slow watcher", "watcher", id, "kind", note.Kind)
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
