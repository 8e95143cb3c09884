package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the write bursts editors and atomic-rename
// saves produce into one reload.
const debounceWindow = 250 * time.Millisecond

// WatchProviders reloads the provider file on change and hands the new
// list to onChange. Parse failures keep the previous configuration. The
// returned stop function ends the watch.
func WatchProviders(path string, logger *slog.Logger, onChange func([]ProviderConfig)) (func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: editors replace the file by rename, which
	// drops a watch registered on the file itself.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		target, _ := filepath.Abs(path)

		reload := func() {
			providers, err := LoadProvidersFile(path)
			if err != nil {
				logger.Error("provider file reload failed", "path", path, "error", err)
				return
			}
			logger.Info("provider file reloaded", "path", path, "providers", len(providers))
			onChange(providers)
		}

		for {
			select {
			case <-done:
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				name, _ := filepath.Abs(event.Name)
				if name != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounceWindow, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("file watcher error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
