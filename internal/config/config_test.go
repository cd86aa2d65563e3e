package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	c := New(path)
	require.NoError(t, c.Load())

	_, err := os.Stat(path)
	require.NoError(t, err)

	snap := c.Snapshot()
	assert.Equal(t, DefaultListen, snap.Listen)
	assert.Equal(t, filepath.Join(filepath.Dir(path), DefaultOutputDir), snap.OutputDir)
	assert.Equal(t, 300*time.Millisecond, snap.SettleDelay)
	assert.Equal(t, 7*24*time.Hour, snap.Retention)
	assert.Equal(t, ProfileDesktop, snap.Profile)
}

func TestConfigLoadValidates(t *testing.T) {
	cases := map[string]string{
		"bad format":       `{"recording": {"format": "mp3"}}`,
		"bad backend":      `{"capture": {"backend": "pulse"}}`,
		"file needs input": `{"capture": {"backend": "file"}}`,
		"archive bucket":   `{"archive": {"enabled": true, "access_key_id": "a", "secret_access_key": "b"}}`,
		"traversal":        `{"recording": {"output_dir": "../outside"}}`,
		"bad json":         `{`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			assert.Error(t, New(path).Load())
		})
	}
}

func TestConfigLoadKeepsAbsolutePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	out := filepath.Join(dir, "artifacts")
	body := `{"recording": {"output_dir": "` + filepath.ToSlash(out) + `", "format": "flac"}, "capture": {"backend": "file", "input_file": "in.wav"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c := New(path)
	require.NoError(t, c.Load())
	snap := c.Snapshot()
	assert.Equal(t, filepath.ToSlash(out), filepath.ToSlash(snap.OutputDir))
	assert.Equal(t, "flac", snap.Format)
	assert.Equal(t, filepath.Join(dir, "in.wav"), snap.InputFile)
}
