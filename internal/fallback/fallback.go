// Package fallback polls conversation history over REST while no real-time
// connection is available.
package fallback

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/restapi"
)

// ShouldPoll reports whether history should be polled: polling is enabled
// and the session is failing over or has given up.
func ShouldPoll(st chat.Status, cfg config.PollingConfig) bool {
	if !cfg.Enabled {
		return false
	}
	return st.State == chat.StateFailed || st.State == chat.StateReconnecting
}

// Session is the part of the chat manager the poller drives.
type Session interface {
	Status() chat.Status
	ActiveConversation() string
	Identity() (chat.Identity, bool)
	Merge(ctx context.Context, conversationID string, msgs []msgcache.Message) error
}

// Source fetches history newer than a cursor.
type Source interface {
	FetchMessages(ctx context.Context, conversationID, after string) ([]restapi.Message, error)
}

// Poller merges fetched history into the cache at the polling interval for
// as long as ShouldPoll holds.
type Poller struct {
	session Session
	source  Source
	cfg     config.PollingConfig
	clock   clockwork.Clock
	log     *slog.Logger

	cursors map[string]string // last seen message id per conversation
}

func NewPoller(session Session, source Source, cfg config.PollingConfig, clock clockwork.Clock) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{
		session: session,
		source:  source,
		cfg:     cfg,
		clock:   clock,
		log:     logger.For("chatlink.fallback"),
		cursors: make(map[string]string),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if !p.cfg.Enabled || p.cfg.Interval <= 0 {
		return
	}
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	polling := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		if !ShouldPoll(p.session.Status(), p.cfg) {
			if polling {
				p.log.Info("real-time delivery restored, polling stopped")
				polling = false
			}
			continue
		}
		if !polling {
			p.log.Info("real-time delivery unavailable, polling history", "interval", p.cfg.Interval)
			polling = true
		}
		if err := p.Poll(ctx); err != nil {
			p.log.Warn("history poll failed", "error", err)
		}
	}
}

// Poll fetches and merges new history for the active conversation once.
func (p *Poller) Poll(ctx context.Context) error {
	conversationID := p.session.ActiveConversation()
	if conversationID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pollTimeout(p.cfg.Interval))
	defer cancel()

	fetched, err := p.source.FetchMessages(ctx, conversationID, p.cursors[conversationID])
	if err != nil {
		return err
	}
	if len(fetched) == 0 {
		return nil
	}

	var self string
	if id, ok := p.session.Identity(); ok {
		self = strconv.FormatInt(id.UserID, 10)
	}
	msgs := make([]msgcache.Message, 0, len(fetched))
	for _, m := range fetched {
		msgs = append(msgs, m.Cached(self))
	}
	if err := p.session.Merge(ctx, conversationID, msgs); err != nil {
		return err
	}
	p.cursors[conversationID] = fetched[len(fetched)-1].ID
	p.log.Debug("merged polled history", "conversation_id", conversationID, "count", len(msgs))
	return nil
}

func pollTimeout(interval time.Duration) time.Duration {
	if interval < time.Second {
		return time.Second
	}
	return interval
}
