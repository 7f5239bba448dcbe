package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// debounceDelay coalesces the event bursts an atomic file replace
// produces into one reload.
const debounceDelay = 250 * time.Millisecond

// Watch reloads the configuration when its file changes and on
// SIGHUP, handing each valid snapshot to apply. A snapshot that fails
// to load is logged and the previous one stays in effect. Watch
// blocks until ctx is done.
func Watch(ctx context.Context, path string, logger *zap.Logger, apply func(*Config)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("config")

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	reload := func(reason string) {
		cfg, err := Load(path)
		if err != nil {
			logger.Error("reload failed, keeping previous configuration",
				zap.String("reason", reason), zap.Error(err))
			return
		}
		logger.Info("configuration reloaded", zap.String("reason", reason))
		apply(cfg)
	}

	if path == "" {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				reload("SIGHUP")
			}
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer watcher.Close()

	// Watch the directory rather than the file: editors and config
	// management tools replace files by rename, which would orphan a
	// file-level watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config watch %s: %w", dir, err)
	}

	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			reload("SIGHUP")
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(debounceDelay)
		case <-debounce.C:
			reload("file change")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", zap.Error(err))
		}
	}
}
