package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ValidatePath rejects empty paths and paths containing traversal components.
func ValidatePath(field, path string) error {
	if path == "" {
		return fmt.Errorf("%s: is required", field)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("%s: path cannot contain '..'", field)
	}
	if strings.Contains(filepath.Clean(path), "..") {
		return fmt.Errorf("%s: invalid path", field)
	}
	return nil
}

// CheckPathWritable creates dir if needed and verifies a file can be written and removed in it.
func CheckPathWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "mkdir")
		return fmt.Errorf("path %s is not writable", dir)
	}

	probe := filepath.Join(dir, fmt.Sprintf(".voicerec-write-test-%d", time.Now().UnixNano()))
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "write")
		return fmt.Errorf("path %s is not writable", dir)
	}
	if err := os.Remove(probe); err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "remove")
		return fmt.Errorf("path %s is not writable", dir)
	}
	return nil
}

// FileSize returns the size of the file at path, or -1 when it cannot be read.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
