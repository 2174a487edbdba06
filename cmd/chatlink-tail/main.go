package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/restapi"
	"github.com/gastownhall/chatlink/internal/transport"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chatlink-tail [flags] CONVERSATION_ID\n\n")
		fmt.Fprintf(os.Stderr, "Follows one conversation in the terminal. Each stdin line is sent as a message;\n")
		fmt.Fprintf(os.Stderr, "/retry restarts the connection after every endpoint has failed.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chatlink-tail --user-id 42 --username alice 1001\n")
	}
	envFile := flag.String("env-file", config.DefaultEnvFile, "env file loaded outside production")
	userID := flag.Int64("user-id", 0, "signed-in user id (0 = no inbox subscription)")
	username := flag.String("username", "", "signed-in username")
	verbose := flag.Bool("v", false, "log session events to stderr")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	conversationID := flag.Arg(0)

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatlink-tail: %v\n", err)
		os.Exit(1)
	}
	logOut := io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	slog.SetDefault(slog.New(logger.NewHandler(cfg, logOut)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tail(ctx, cfg, conversationID, chat.Identity{UserID: *userID, Username: *username}); err != nil {
		fmt.Fprintf(os.Stderr, "chatlink-tail: %v\n", err)
		os.Exit(1)
	}
}

func tail(ctx context.Context, cfg config.Config, conversationID string, id chat.Identity) error {
	opts := chat.Options{
		Dialer: transport.NewStompDialer(transport.StompOptions{
			HeartbeatOutgoing: cfg.Transport.HeartbeatOutgoing,
			HeartbeatIncoming: cfg.Transport.HeartbeatIncoming,
			HeartbeatGrace:    cfg.Transport.HeartbeatGrace,
			AuthToken:         cfg.Transport.AuthToken,
		}),
	}
	if cfg.API.Enabled() {
		opts.Sender = restapi.NewClient(cfg.API.BaseURL, cfg.Transport.AuthToken, cfg.API.Timeout)
	}
	// The terminal is the only reader, so idling out would just drop the
	// conversation under the user.
	transportCfg := chat.ConfigFrom(cfg.Transport)
	transportCfg.IdleDisconnect = false

	m, err := chat.New(transportCfg, opts)
	if err != nil {
		return err
	}
	defer m.Close()

	notes, cancel := m.Watch()
	defer cancel()

	if id.UserID != 0 {
		if err := m.SetIdentity(id); err != nil {
			return err
		}
	}
	if err := m.SetActiveConversation(conversationID); err != nil {
		return err
	}
	if err := m.EnsureConnection(); err != nil {
		return err
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	p := &printer{out: os.Stdout, seen: make(map[string]bool)}
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "/retry" {
				if err := m.Retry(); err != nil {
					return err
				}
				continue
			}
			go func() {
				if _, err := m.SendMessage(ctx, conversationID, line); err != nil {
					fmt.Fprintf(os.Stderr, "! send failed: %v\n", err)
				}
			}()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			switch n.Kind {
			case chat.NotifyStatus:
				p.status(n.Status)
				if n.Status.State == chat.StateFailed {
					fmt.Fprintln(os.Stderr, "! all endpoints failed, type /retry to start over")
				}
			case chat.NotifyTyping:
				if n.Typing.ConversationID == conversationID && len(n.Typing.Users) > 0 {
					fmt.Fprintf(os.Stderr, "  %s typing...\n", strings.Join(n.Typing.Users, ", "))
				}
			case chat.NotifyMessages:
				if n.ConversationID != conversationID {
					continue
				}
				conv, err := m.Messages(ctx, conversationID)
				if err != nil {
					fmt.Fprintf(os.Stderr, "! cache read failed: %v\n", err)
					continue
				}
				p.messages(conv.Messages())
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out <- line
		}
	}
}

// printer writes each delivered message once.
type printer struct {
	out  io.Writer
	seen map[string]bool
	last chat.State
}

func (p *printer) status(st chat.Status) {
	if st.State == p.last {
		return
	}
	p.last = st.State
	line := fmt.Sprintf("* %s %s", st.State, st.Endpoint)
	if st.Err != nil {
		line += " (" + st.Err.Error() + ")"
	}
	fmt.Fprintln(os.Stderr, line)
}

func (p *printer) messages(msgs []msgcache.Message) {
	for _, msg := range msgs {
		if p.seen[msg.ID] || msg.Status != msgcache.StatusDelivered {
			continue
		}
		p.seen[msg.ID] = true
		who := "them"
		if msg.IsOwn {
			who = "me"
		}
		fmt.Fprintf(p.out, "%s [%s] %s\n", msg.Timestamp.Local().Format("15:04:05"), who, msg.Text)
	}
}
