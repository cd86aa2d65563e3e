package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/voicerec/internal/util"
)

// SettingsSchema is the schema version written to the settings file.
const SettingsSchema = "v1.1.0"

// legacySchema is the first schema, which stored the silence duration in seconds.
const legacySchema = "v1.0.0"

// Settings store errors.
var (
	ErrInvalidSchema     = errors.New("invalid settings schema version")
	ErrUnsupportedSchema = errors.New("settings schema is newer than this build supports")
	ErrThresholdOrder    = errors.New("silenceThreshold must not exceed speechThreshold")
)

// SettingsStore persists RecorderSettings as YAML. It is safe for concurrent use.
type SettingsStore struct {
	mu      sync.Mutex
	path    string
	profile Profile
	current RecorderSettings
}

// NewSettingsStore creates a store backed by path. New files start from the profile defaults.
func NewSettingsStore(path string, profile Profile) *SettingsStore {
	return &SettingsStore{
		path:    path,
		profile: profile,
		current: DefaultSettings(profile),
	}
}

// Path returns the settings file path.
func (s *SettingsStore) Path() string {
	return s.path
}

// Current returns the most recently loaded or saved settings.
func (s *SettingsStore) Current() RecorderSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Load reads the settings file, creating it from defaults if missing.
// Older schemas are migrated and rewritten. Out-of-range values are clamped.
func (s *SettingsStore) Load() (RecorderSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.current = DefaultSettings(s.profile)
		return s.current, s.saveLocked()
	}
	if err != nil {
		return s.current, fmt.Errorf("failed to read settings: %w", err)
	}

	doc, migrated, err := s.decode(data)
	if err != nil {
		return s.current, err
	}

	loaded := doc.settings()
	clamped := loaded.Clamp()
	if clamped != loaded {
		slog.Warn("recorder settings out of range, clamped",
			"path", s.path,
			"speech_threshold", clamped.SpeechThreshold,
			"silence_threshold", clamped.SilenceThreshold)
	}
	s.current = clamped

	if migrated {
		slog.Info("migrated recorder settings", "path", s.path, "from", doc.Schema, "to", SettingsSchema)
		if err := s.saveLocked(); err != nil {
			return s.current, err
		}
	}
	return s.current, nil
}

// decode parses a settings document, pre-filled with the defaults of its profile.
func (s *SettingsStore) decode(data []byte) (settingsDocument, bool, error) {
	var head struct {
		Schema  string  `yaml:"schema"`
		Profile Profile `yaml:"profile"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return settingsDocument{}, false, util.WrapError("parse settings", err)
	}

	schema := head.Schema
	if schema == "" {
		schema = legacySchema
	}
	if !semver.IsValid(schema) {
		return settingsDocument{}, false, fmt.Errorf("%w: %q", ErrInvalidSchema, head.Schema)
	}
	if semver.Major(schema) != semver.Major(SettingsSchema) || semver.Compare(schema, SettingsSchema) > 0 {
		return settingsDocument{}, false, fmt.Errorf("%w: %s", ErrUnsupportedSchema, schema)
	}

	profile := head.Profile
	if profile == "" {
		profile = s.profile
	}
	doc := DefaultSettings(profile).document()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return settingsDocument{}, false, util.WrapError("parse settings", err)
	}
	if doc.Profile == "" {
		doc.Profile = profile
	}
	doc.Schema = schema

	migrated := semver.Compare(schema, SettingsSchema) < 0
	if semver.Compare(schema, "v1.1.0") < 0 && doc.LegacySilenceSeconds > 0 {
		doc.SilenceDurationMs = int64(doc.LegacySilenceSeconds * 1000)
	}
	return doc, migrated, nil
}

// Save validates patch, applies it to the current settings and persists the result.
func (s *SettingsStore) Save(patch SettingsPatch) (RecorderSettings, error) {
	if err := patch.Validate(); err != nil {
		return s.Current(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.current.Apply(patch)
	prev := s.current
	s.current = next
	if err := s.saveLocked(); err != nil {
		s.current = prev
		return prev, err
	}
	return next, nil
}

// saveLocked writes the current settings atomically. Caller must hold s.mu.
func (s *SettingsStore) saveLocked() error {
	data, err := yaml.Marshal(s.current.document())
	if err != nil {
		return util.WrapError("marshal settings", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return util.WrapError("create settings directory", err)
	}

	tmp, err := os.CreateTemp(dir, ".settings-*.yaml")
	if err != nil {
		return util.WrapError("write settings", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // write error takes precedence
		return util.WrapError("write settings", err)
	}
	if err := tmp.Close(); err != nil {
		return util.WrapError("write settings", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return util.WrapError("write settings", err)
	}
	return nil
}
