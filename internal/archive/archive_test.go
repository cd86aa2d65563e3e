package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
)

type fakeUploader struct {
	mu       sync.Mutex
	failures int
	calls    []string
}

func (u *fakeUploader) Upload(_ context.Context, key, path string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, key)
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if u.failures > 0 {
		u.failures--
		return errors.New("503 slow down")
	}
	return nil
}

func (u *fakeUploader) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.calls)
}

type fakeSink struct {
	mu         sync.Mutex
	processing []bool
	messages   []string
}

func (s *fakeSink) SetIsProcessing(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = append(s.processing, p)
}

func (s *fakeSink) SetStatusMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *fakeSink) snapshot() ([]bool, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bool(nil), s.processing...), append([]string(nil), s.messages...)
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("RIFF"), 0o600))
	return p
}

func runArchiver(t *testing.T, a *Archiver) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func TestArchiverUploadsWithRetry(t *testing.T) {
	dir := t.TempDir()
	eventsPath := filepath.Join(dir, "events.jsonl")
	events, err := eventlog.NewLogger(eventsPath)
	require.NoError(t, err)
	defer events.Close() //nolint:errcheck

	up := &fakeUploader{failures: 2}
	sink := &fakeSink{}
	a := New(Options{
		Uploader:     up,
		Sink:         sink,
		Events:       events,
		Prefix:       "recordings/",
		DeleteLocal:  true,
		RetryInitial: time.Millisecond,
		RetryMax:     2 * time.Millisecond,
	})
	runArchiver(t, a)

	p := writeArtifact(t, dir, "take.wav")
	require.NoError(t, a.Enqueue(p))

	require.Eventually(t, func() bool {
		_, err := os.Stat(p)
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond, "local file removed after upload")
	assert.Equal(t, 3, up.Calls())

	require.Eventually(t, func() bool {
		processing, _ := sink.snapshot()
		return len(processing) == 2
	}, time.Second, 5*time.Millisecond)
	processing, messages := sink.snapshot()
	assert.Equal(t, []bool{true, false}, processing)
	assert.Equal(t, []string{MessageUploading, MessageUploaded}, messages)

	got, _, err := eventlog.ReadLast(eventsPath, 10, 0, eventlog.FilterArchive)
	require.NoError(t, err)
	var types []eventlog.EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	assert.ElementsMatch(t, []eventlog.EventType{
		eventlog.UploadQueued, eventlog.UploadRetry, eventlog.UploadRetry, eventlog.UploadCompleted,
	}, types)
	assert.Equal(t, eventlog.UploadCompleted, types[0])
}

func TestArchiverGivesUpAndKeepsFile(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{failures: 100}
	sink := &fakeSink{}
	a := New(Options{
		Uploader:     up,
		Sink:         sink,
		DeleteLocal:  true,
		RetryInitial: time.Millisecond,
		RetryMax:     time.Millisecond,
		MaxAttempts:  2,
	})
	runArchiver(t, a)

	p := writeArtifact(t, dir, "take.flac")
	require.NoError(t, a.Enqueue(p))

	require.Eventually(t, func() bool {
		processing, _ := sink.snapshot()
		return len(processing) == 2
	}, 2*time.Second, 5*time.Millisecond)
	_, messages := sink.snapshot()
	assert.Equal(t, MessageFailed, messages[len(messages)-1])
	assert.Equal(t, 3, up.Calls())
	assert.FileExists(t, p)
}

func TestArchiverMissingFileFailsFast(t *testing.T) {
	up := &fakeUploader{}
	sink := &fakeSink{}
	a := New(Options{Uploader: up, Sink: sink, RetryInitial: time.Hour})
	runArchiver(t, a)

	require.NoError(t, a.Enqueue(filepath.Join(t.TempDir(), "gone.wav")))
	require.Eventually(t, func() bool {
		processing, _ := sink.snapshot()
		return len(processing) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, up.Calls())
}

func TestArchiverQueueFull(t *testing.T) {
	a := New(Options{Uploader: &fakeUploader{}})
	for range queueSize {
		require.NoError(t, a.Enqueue("x.wav"))
	}
	require.ErrorIs(t, a.Enqueue("x.wav"), ErrQueueFull)
}

func TestArchiverDrainsOnShutdown(t *testing.T) {
	dir := t.TempDir()
	up := &fakeUploader{}
	a := New(Options{Uploader: up})
	for i := range 3 {
		require.NoError(t, a.Enqueue(writeArtifact(t, dir, string(rune('a'+i))+".wav")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, a.Run(ctx))
	assert.Equal(t, 3, up.Calls())
}

func TestKeyLayout(t *testing.T) {
	dir := t.TempDir()
	p := writeArtifact(t, dir, "abc.wav")
	day := time.Date(2025, 3, 9, 10, 0, 0, 0, time.Local)
	require.NoError(t, os.Chtimes(p, day, day))

	a := New(Options{Prefix: "recordings/"})
	assert.Equal(t, "recordings/2025/03/09/abc.wav", a.Key(p))
}

func TestCleanupRemovesOldArtifacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)

	oldWav := writeArtifact(t, dir, "old.wav")
	oldFlac := writeArtifact(t, dir, "old.flac")
	kept := writeArtifact(t, dir, "kept.wav")
	other := writeArtifact(t, dir, "notes.txt")
	fresh := writeArtifact(t, dir, "fresh.wav")
	for _, p := range []string{oldWav, oldFlac, kept, other} {
		require.NoError(t, os.Chtimes(p, old, old))
	}

	deleted, err := Cleanup(dir, 7*24*time.Hour, now, func(p string) bool {
		return strings.HasSuffix(p, "kept.wav")
	})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.NoFileExists(t, oldWav)
	assert.NoFileExists(t, oldFlac)
	assert.FileExists(t, kept)
	assert.FileExists(t, other)
	assert.FileExists(t, fresh)
}

func TestCleanupMissingDir(t *testing.T) {
	deleted, err := Cleanup(filepath.Join(t.TempDir(), "none"), time.Hour, time.Now(), nil)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestNewS3UploaderRequiresConfig(t *testing.T) {
	_, err := NewS3Uploader(config.ArchiveConfig{Bucket: "b"})
	require.ErrorIs(t, err, ErrNotConfigured)

	u, err := NewS3Uploader(config.ArchiveConfig{
		Bucket:          "b",
		Endpoint:        "http://127.0.0.1:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
	})
	require.NoError(t, err)
	assert.NotNil(t, u)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "audio/wav", contentType("a.wav"))
	assert.Equal(t, "audio/flac", contentType("a.flac"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}
