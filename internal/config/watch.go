package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 200 * time.Millisecond

// WatchPolicy reloads the policy whenever either file is written and hands
// each valid result to apply. An invalid file is logged and the previous
// policy stays in force. It blocks until ctx is done.
func WatchPolicy(ctx context.Context, communicationFile, allowlistsFile string, apply func(*Policy), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directories: editors often replace files rather than
	// writing them in place.
	targets := map[string]bool{}
	for _, f := range []string{communicationFile, allowlistsFile} {
		abs, err := filepath.Abs(f)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", f, err)
		}
		targets[abs] = true
		dir := filepath.Dir(abs)
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
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
			abs, err := filepath.Abs(event.Name)
			if err != nil || !targets[abs] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			p, err := LoadPolicy(communicationFile, allowlistsFile)
			if err != nil {
				logger.Error("policy reload rejected, keeping previous policy", "error", err)
				continue
			}
			apply(p)
			logger.Info("policy reloaded",
				"primary_channel", p.Communication.PrimaryChannel,
				"fallback_channel", p.Communication.FallbackChannel)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("policy watcher error", "error", err)
		}
	}
}
