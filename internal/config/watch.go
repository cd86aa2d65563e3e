package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce collapses the burst of events editors produce for a single save.
const watchDebounce = 150 * time.Millisecond

// Watch reloads the settings file whenever it changes on disk and calls onChange
// with the new settings. Writes that leave the settings unchanged, including the
// store's own saves, are not reported. Watch blocks until ctx is cancelled.
func (s *SettingsStore) Watch(ctx context.Context, onChange func(RecorderSettings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck // shutdown path

	// Watch the directory so atomic renames are seen.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	name := filepath.Base(s.path)
	reload := make(chan struct{}, 1)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	slog.Info("watching recorder settings", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			before := s.Current()
			after, err := s.Load()
			if err != nil {
				slog.Warn("failed to reload recorder settings", "path", s.path, "error", err)
				continue
			}
			if after != before {
				slog.Info("recorder settings changed on disk", "path", s.path)
				onChange(after)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("settings watcher error", "error", err)
		}
	}
}
