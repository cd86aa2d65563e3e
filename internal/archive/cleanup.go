package archive

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oszuidwest/voicerec/internal/eventlog"
)

// artifactExts are the file types Cleanup may remove.
var artifactExts = map[string]bool{".wav": true, ".flac": true}

// Cleanup removes artifacts in dir last modified before now minus retention.
// Files for which keep returns true are left alone. It returns the number deleted.
func Cleanup(dir string, retention time.Duration, now time.Time, keep func(path string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := now.Add(-retention)
	var deleted int
	for _, entry := range entries {
		if entry.IsDir() || !artifactExts[filepath.Ext(entry.Name())] {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		p := filepath.Join(dir, entry.Name())
		if keep != nil && keep(p) {
			continue
		}
		if err := os.Remove(p); err != nil {
			slog.Warn("cleanup: failed to delete local file", "path", p, "error", err)
			continue
		}
		deleted++
		slog.Debug("cleanup: deleted local file", "file", entry.Name())
	}
	return deleted, nil
}

// RunCleanup prunes dir once at start and then daily at 03:00 until ctx is done.
// A retention of zero keeps files forever.
func RunCleanup(ctx context.Context, dir string, retention time.Duration, keep func(string) bool, events *eventlog.Logger) error {
	if retention <= 0 {
		return nil
	}
	run := func() {
		deleted, err := Cleanup(dir, retention, time.Now(), keep)
		if err != nil {
			slog.Warn("cleanup: failed to read output directory", "path", dir, "error", err)
			return
		}
		if deleted > 0 {
			slog.Info("cleanup: deleted local files", "count", deleted)
		}
		if err := events.LogArchive(eventlog.CleanupCompleted, &eventlog.ArchiveDetails{FilesDeleted: deleted}); err != nil {
			slog.Warn("failed to write cleanup event", "error", err)
		}
	}

	run()
	for {
		now := time.Now()
		next := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		slog.Info("cleanup scheduler: next run scheduled", "at", next.Format(time.DateTime))

		t := time.NewTimer(next.Sub(now))
		select {
		case <-t.C:
			run()
		case <-ctx.Done():
			t.Stop()
			slog.Info("cleanup scheduler stopped")
			return nil
		}
	}
}
