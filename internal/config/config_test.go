package config

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeEnvFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "production")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("Env = %q, want production", cfg.Env)
	}
	if cfg.Transport.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout = %s, want 10s", cfg.Transport.ConnectTimeout)
	}
	if cfg.Transport.IdleTimeout != 30*time.Second {
		t.Fatalf("IdleTimeout = %s, want 30s", cfg.Transport.IdleTimeout)
	}
	if !cfg.Transport.IdleDisconnect {
		t.Fatal("IdleDisconnect = false, want true")
	}
	if !cfg.Polling.Enabled || cfg.Polling.Interval != 5*time.Second {
		t.Fatalf("Polling = %+v, want enabled every 5s", cfg.Polling)
	}
	got := cfg.Transport.Endpoints()
	if len(got) != 1 || got[0] != "http://localhost:8080/ws" {
		t.Fatalf("Endpoints() = %v, want [http://localhost:8080/ws]", got)
	}
	if cfg.OTel.Enabled() || cfg.API.Enabled() || cfg.Cache.Enabled() {
		t.Fatal("optional integrations must be disabled by default")
	}
}

func TestLoadMissingFileInDevelopment(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "development")

	if _, err := Load(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Fatalf("Load with missing env file: %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "development")

	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, strings.Join([]string{
		"CHATLINK_WS_URL=ws://primary/ws",
		"CHATLINK_WS_FALLBACK_URL=ws://fallback/ws",
		"CHATLINK_WS_ALTERNATE_URLS=ws://alt1/ws,ws://primary/ws,ws://alt2/ws",
		"CHATLINK_IDLE_TIMEOUT=45s",
	}, "\n"))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := []string{"ws://primary/ws", "ws://fallback/ws", "ws://alt1/ws", "ws://alt2/ws"}
	got := cfg.Transport.Endpoints()
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}
	if cfg.Transport.IdleTimeout != 45*time.Second {
		t.Fatalf("IdleTimeout = %s, want 45s", cfg.Transport.IdleTimeout)
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "production")
	t.Setenv("CHATLINK_CONNECT_TIMEOUT", "soon")

	_, err := Load("")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		Transport: TransportConfig{
			PrimaryURL:     "ws://a/ws",
			ConnectTimeout: time.Second,
			ReconnectDelay: time.Second,
			IdleTimeout:    time.Second,
			HealthInterval: time.Second,
		},
		Polling: PollingConfig{Enabled: true, Interval: time.Second},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate(valid) = %v", err)
	}

	noEndpoints := valid
	noEndpoints.Transport.PrimaryURL = " "
	if err := noEndpoints.Validate(); err == nil {
		t.Fatal("expected error for missing endpoints")
	}

	zeroTimeout := valid
	zeroTimeout.Transport.ConnectTimeout = 0
	if err := zeroTimeout.Validate(); err == nil || !strings.Contains(err.Error(), "CHATLINK_CONNECT_TIMEOUT") {
		t.Fatalf("Validate(zero timeout) = %v, want CHATLINK_CONNECT_TIMEOUT error", err)
	}

	badPolling := valid
	badPolling.Polling.Interval = 0
	if err := badPolling.Validate(); err == nil {
		t.Fatal("expected error for zero polling interval")
	}
	badPolling.Polling.Enabled = false
	if err := badPolling.Validate(); err != nil {
		t.Fatalf("disabled polling must not validate its interval: %v", err)
	}
}

func startWatch(t *testing.T, path string) <-chan Config {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan Config, 8)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(cfg Config) {
			select {
			case changes <- cfg:
			default:
			}
		})
	}()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch returned %v", err)
		}
	})
	return changes
}

// awaitReload rewrites the file until the watcher reports a change, since
// fsnotify needs the watch registered before the write lands.
func awaitReload(t *testing.T, changes <-chan Config, write func()) Config {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		write()
		select {
		case cfg := <-changes:
			return cfg
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "development")

	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, "CHATLINK_WS_URL=ws://before/ws\n")
	changes := startWatch(t, path)

	cfg := awaitReload(t, changes, func() {
		writeEnvFile(t, path, "CHATLINK_WS_URL=ws://after/ws\n")
	})
	if got := cfg.Transport.PrimaryURL; got != "ws://after/ws" {
		t.Fatalf("PrimaryURL = %q, want ws://after/ws", got)
	}
	if _, set := os.LookupEnv("CHATLINK_WS_URL"); set {
		t.Fatal("reload leaked CHATLINK_WS_URL into the process environment")
	}
}

func TestWatchIgnoresTruncatedFile(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "development")

	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, "CHATLINK_WS_URL=ws://before/ws\n")
	changes := startWatch(t, path)

	cfg := awaitReload(t, changes, func() {
		writeEnvFile(t, path, "")
		writeEnvFile(t, path, "CHATLINK_WS_URL=ws://after/ws\n")
	})
	if got := cfg.Transport.PrimaryURL; got != "ws://after/ws" {
		t.Fatalf("PrimaryURL = %q, want ws://after/ws", got)
	}

	writeEnvFile(t, path, "")
	select {
	case cfg := <-changes:
		t.Fatalf("empty file reloaded as %q", cfg.Transport.PrimaryURL)
	case <-time.After(4 * reloadDebounce):
	}
}

func TestReloadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, "")
	if _, err := Reload(path); !errors.Is(err, ErrEmptyEnvFile) {
		t.Fatalf("Reload(empty) = %v, want ErrEmptyEnvFile", err)
	}
}

func TestReloadDropsRemovedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, "CHATLINK_WS_URL=ws://a/ws\nCHATLINK_WS_FALLBACK_URL=ws://b/ws\n")
	cfg, err := Reload(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := len(cfg.Transport.Endpoints()); got != 2 {
		t.Fatalf("endpoints = %d, want 2", got)
	}

	writeEnvFile(t, path, "CHATLINK_WS_URL=ws://a/ws\n")
	cfg, err = Reload(path)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := cfg.Transport.Endpoints(); len(got) != 1 || got[0] != "ws://a/ws" {
		t.Fatalf("endpoints = %v, want [ws://a/ws]", got)
	}
}

func TestLoadProcessEnvWins(t *testing.T) {
	t.Setenv("CHATLINK_ENV", "development")
	t.Setenv("CHATLINK_WS_URL", "ws://process/ws")

	path := filepath.Join(t.TempDir(), ".env")
	writeEnvFile(t, path, "CHATLINK_WS_URL=ws://file/ws\nCHATLINK_IDLE_TIMEOUT=12s\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Transport.PrimaryURL != "ws://process/ws" {
		t.Fatalf("PrimaryURL = %q, want the process value", cfg.Transport.PrimaryURL)
	}
	if cfg.Transport.IdleTimeout != 12*time.Second {
		t.Fatalf("IdleTimeout = %s, want 12s from the file", cfg.Transport.IdleTimeout)
	}
	if _, set := os.LookupEnv("CHATLINK_IDLE_TIMEOUT"); set {
		t.Fatal("Load leaked CHATLINK_IDLE_TIMEOUT into the process environment")
	}
}
