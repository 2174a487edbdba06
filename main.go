package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gastownhall/chatlink/internal/bridge"
	"github.com/gastownhall/chatlink/internal/chat"
	"github.com/gastownhall/chatlink/internal/config"
	"github.com/gastownhall/chatlink/internal/fallback"
	"github.com/gastownhall/chatlink/internal/logger"
	"github.com/gastownhall/chatlink/internal/msgcache"
	"github.com/gastownhall/chatlink/internal/restapi"
	"github.com/gastownhall/chatlink/internal/telemetry"
	"github.com/gastownhall/chatlink/internal/transport"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: chatlink [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Keeps one real-time chat session alive and exposes it to local UI processes.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nSettings come from CHATLINK_* environment variables.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  chatlink\n")
		fmt.Fprintf(os.Stderr, "  chatlink --env-file ./chatlink.env --watch\n")
	}
	envFile := flag.String("env-file", config.DefaultEnvFile, "env file loaded outside production")
	watch := flag.Bool("watch", false, "reload endpoints when the env file changes")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatlink: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatlink: telemetry: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg)

	if err := run(ctx, cfg, *envFile, *watch); err != nil {
		slog.Error("chatlink stopped", "error", err)
	}
	stop()

	if tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "chatlink: telemetry shutdown: %v\n", err)
		}
	}
}

func run(ctx context.Context, cfg config.Config, envFile string, watch bool) error {
	store, closeStore, err := openStore(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	defer closeStore()

	var api *restapi.Client
	opts := chat.Options{
		Dialer: transport.NewStompDialer(transport.StompOptions{
			HeartbeatOutgoing: cfg.Transport.HeartbeatOutgoing,
			HeartbeatIncoming: cfg.Transport.HeartbeatIncoming,
			HeartbeatGrace:    cfg.Transport.HeartbeatGrace,
			AuthToken:         cfg.Transport.AuthToken,
		}),
		Store: store,
	}
	if cfg.API.Enabled() {
		api = restapi.NewClient(cfg.API.BaseURL, cfg.Transport.AuthToken, cfg.API.Timeout)
		opts.Sender = api
	}

	manager, err := chat.New(chat.ConfigFrom(cfg.Transport), opts)
	if err != nil {
		return fmt.Errorf("chat session: %w", err)
	}
	defer manager.Close()

	if api != nil {
		go fallback.NewPoller(manager, api, cfg.Polling, nil).Run(ctx)
	} else if cfg.Polling.Enabled {
		slog.Info("polling fallback disabled, CHATLINK_API_URL is not set")
	}

	if watch {
		go func() {
			err := config.Watch(ctx, envFile, logger.For("chatlink.config"), func(next config.Config) {
				if err := manager.UpdateEndpoints(next.Transport.Endpoints()); err != nil {
					slog.Warn("endpoint reload rejected", "error", err)
				}
			})
			if err != nil {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	hub := bridge.NewHub(manager, cfg)
	hub.Start(ctx)
	server := bridge.NewServer(cfg.Bridge.Listen, bridge.New(cfg, manager, hub))

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("bridge listening", "addr", cfg.Bridge.Listen, "endpoints", cfg.Transport.Endpoints())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		return fmt.Errorf("bridge server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("bridge shutdown", "error", err)
	}
	return nil
}

// openStore picks Redis when configured, otherwise the in-memory cache.
func openStore(ctx context.Context, cfg config.CacheConfig) (msgcache.Store, func(), error) {
	if !cfg.Enabled() {
		return msgcache.NewMemoryStore(), func() {}, nil
	}
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CHATLINK_REDIS_URL: %w", err)
	}
	client := redis.NewClient(redisOpts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	slog.Info("using redis message cache", "addr", redisOpts.Addr, "ttl", cfg.TTL)
	return msgcache.NewRedisStore(client, "", cfg.TTL), func() { _ = client.Close() }, nil
}
