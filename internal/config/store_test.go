package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func newStore(t *testing.T) *SettingsStore {
	t.Helper()
	return NewSettingsStore(filepath.Join(t.TempDir(), "settings.yaml"), ProfileIOS)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestStoreCreatesDefaults(t *testing.T) {
	s := newStore(t)
	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(ProfileIOS), got)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, SettingsSchema, doc["schema"])
	assert.Equal(t, 1500, doc["silence_duration_ms"])
}

func TestStoreClampsOnLoad(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Path(), "schema: v1.1.0\nprofile: ios\nspeech_threshold: 50\nsilence_threshold: 75\n")

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 50.0, got.SpeechThreshold)
	assert.Equal(t, 50.0, got.SilenceThreshold)
	assert.Equal(t, 1500*time.Millisecond, got.SilenceDuration)
}

func TestStoreFillsMissingFieldsFromFileProfile(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Path(), "schema: v1.1.0\nprofile: android\n")

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(ProfileAndroid), got)
}

func TestStoreMigratesLegacySchema(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Path(), "speech_threshold: 72\nsilence_threshold: 38\nsilence_duration_s: 2.5\n")

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, got.SilenceDuration)
	assert.Equal(t, 72.0, got.SpeechThreshold)

	data, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "schema: v1.1.0")
	assert.NotContains(t, string(data), "silence_duration_s")
}

func TestStoreRejectsBadSchemas(t *testing.T) {
	s := newStore(t)
	writeFile(t, s.Path(), "schema: banana\n")
	_, err := s.Load()
	require.ErrorIs(t, err, ErrInvalidSchema)

	writeFile(t, s.Path(), "schema: v2.0.0\n")
	_, err = s.Load()
	require.ErrorIs(t, err, ErrUnsupportedSchema)

	writeFile(t, s.Path(), "schema: v1.4.0\n")
	_, err = s.Load()
	require.ErrorIs(t, err, ErrUnsupportedSchema)
}

func TestStoreSavePersistsPatch(t *testing.T) {
	s := newStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	silence := 30.0
	got, err := s.Save(SettingsPatch{SilenceThreshold: &silence})
	require.NoError(t, err)
	assert.Equal(t, 30.0, got.SilenceThreshold)

	reopened := NewSettingsStore(s.Path(), ProfileDesktop)
	loaded, err := reopened.Load()
	require.NoError(t, err)
	assert.Equal(t, got, loaded)
}

func TestStoreSaveValidatesPatch(t *testing.T) {
	s := newStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	bad := 120.0
	_, err = s.Save(SettingsPatch{SpeechThreshold: &bad})
	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Equal(t, "speechThreshold", verrs[0].Field())

	speech, silence := 40.0, 60.0
	_, err = s.Save(SettingsPatch{SpeechThreshold: &speech, SilenceThreshold: &silence})
	require.ErrorIs(t, err, ErrThresholdOrder)
	assert.Equal(t, DefaultSettings(ProfileIOS), s.Current())
}

func TestStoreWatchReportsExternalEdits(t *testing.T) {
	s := newStore(t)
	_, err := s.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan RecorderSettings, 4)
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx, func(rs RecorderSettings) { changes <- rs }) }()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, s.Path(), "schema: v1.1.0\nprofile: ios\nspeech_threshold: 85\nsilence_threshold: 45\n")

	select {
	case got := <-changes:
		assert.Equal(t, 85.0, got.SpeechThreshold)
		assert.Equal(t, 45.0, got.SilenceThreshold)
	case <-time.After(5 * time.Second):
		t.Fatal("settings change was not reported")
	}

	cancel()
	require.NoError(t, <-done)
}
