package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events one save produces.
const reloadDebounce = 100 * time.Millisecond

// Watch re-reads envFile after it is written or re-created and passes the
// parsed config to onChange. Events are coalesced for reloadDebounce so a
// truncate-then-write save is read once. Empty or invalid files are logged
// and skipped. The parent directory is watched so editors that replace the
// file atomically are picked up. Watch blocks until ctx is done.
//
// config sits below the logger package, so callers hand in their logger;
// nil uses slog.Default.
func Watch(ctx context.Context, envFile string, log *slog.Logger, onChange func(Config)) error {
	if log == nil {
		log = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(envFile)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", envFile, err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			debounce.Reset(reloadDebounce)
		case <-debounce.C:
			cfg, err := Reload(abs)
			if err != nil {
				log.WarnContext(ctx, "config reload skipped", "file", abs, "error", err)
				continue
			}
			log.InfoContext(ctx, "config reloaded", "file", abs, "endpoints", len(cfg.Transport.Endpoints()))
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarnContext(ctx, "config watcher error", "error", err)
		}
	}
}
