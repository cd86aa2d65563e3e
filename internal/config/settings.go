package config

import (
	"encoding/json"
	"time"
)

// MaxRecordingDuration is the hard ceiling on a single recording. It is not user-configurable.
const MaxRecordingDuration = 25 * time.Second

// Profile names a device calibration for the default speech and silence thresholds.
type Profile string

// Device profiles. Metering differs per platform, so each gets its own threshold defaults.
const (
	ProfileIOS     Profile = "ios"
	ProfileAndroid Profile = "android"
	ProfileDesktop Profile = "desktop"
)

// Setting bounds applied at load time.
const (
	minSilenceDuration  = 100 * time.Millisecond
	maxSilenceDuration  = 10 * time.Second
	maxMinRecordingTime = 10 * time.Second
	minCheckInterval    = 50 * time.Millisecond
	maxCheckInterval    = time.Second
	minPreBufferTimeout = time.Second
	maxPreBufferTimeout = 60 * time.Second
)

// RecorderSettings holds the voice activity and timing settings for recording sessions.
// A session captures a copy at start and never observes later changes.
type RecorderSettings struct {
	Profile          Profile
	SpeechThreshold  float64 // 0-100, level above which audio is speech
	SilenceThreshold float64 // 0-100, never above SpeechThreshold after Clamp
	SilenceDuration  time.Duration
	MinRecordingTime time.Duration
	CheckInterval    time.Duration
	PreBufferTimeout time.Duration
}

// DefaultSettings returns the defaults for profile, falling back to the desktop profile.
func DefaultSettings(profile Profile) RecorderSettings {
	s := RecorderSettings{
		Profile:          ProfileDesktop,
		SpeechThreshold:  65,
		SilenceThreshold: 40,
		SilenceDuration:  1500 * time.Millisecond,
		MinRecordingTime: 500 * time.Millisecond,
		CheckInterval:    100 * time.Millisecond,
		PreBufferTimeout: 25 * time.Second,
	}
	switch profile {
	case ProfileIOS:
		s.Profile = ProfileIOS
		s.SpeechThreshold = 70
		s.SilenceThreshold = 40
	case ProfileAndroid:
		s.Profile = ProfileAndroid
		s.SpeechThreshold = 60
		s.SilenceThreshold = 35
	}
	return s
}

// Clamp forces every field into its valid range and restores SilenceThreshold <= SpeechThreshold.
func (s RecorderSettings) Clamp() RecorderSettings {
	def := DefaultSettings(s.Profile)
	s.Profile = def.Profile

	s.SpeechThreshold = clampFloat(s.SpeechThreshold, 0, 100)
	s.SilenceThreshold = clampFloat(s.SilenceThreshold, 0, 100)
	if s.SilenceThreshold > s.SpeechThreshold {
		s.SilenceThreshold = s.SpeechThreshold
	}

	s.SilenceDuration = clampDuration(s.SilenceDuration, minSilenceDuration, maxSilenceDuration)
	s.MinRecordingTime = clampDuration(s.MinRecordingTime, 0, maxMinRecordingTime)
	s.CheckInterval = clampDuration(s.CheckInterval, minCheckInterval, maxCheckInterval)
	s.PreBufferTimeout = clampDuration(s.PreBufferTimeout, minPreBufferTimeout, maxPreBufferTimeout)
	return s
}

// Apply returns s with the fields set in p applied and clamped.
// Selecting a profile first resets both thresholds to that profile's defaults.
func (s RecorderSettings) Apply(p SettingsPatch) RecorderSettings {
	if p.Profile != nil {
		def := DefaultSettings(*p.Profile)
		s.Profile = def.Profile
		s.SpeechThreshold = def.SpeechThreshold
		s.SilenceThreshold = def.SilenceThreshold
	}
	if p.SpeechThreshold != nil {
		s.SpeechThreshold = *p.SpeechThreshold
	}
	if p.SilenceThreshold != nil {
		s.SilenceThreshold = *p.SilenceThreshold
	}
	if p.SilenceDurationMs != nil {
		s.SilenceDuration = ms(*p.SilenceDurationMs)
	}
	if p.MinRecordingTimeMs != nil {
		s.MinRecordingTime = ms(*p.MinRecordingTimeMs)
	}
	if p.CheckIntervalMs != nil {
		s.CheckInterval = ms(*p.CheckIntervalMs)
	}
	if p.PreBufferTimeoutMs != nil {
		s.PreBufferTimeout = ms(*p.PreBufferTimeoutMs)
	}
	return s.Clamp()
}

// MarshalJSON renders durations as milliseconds, matching the settings file.
func (s RecorderSettings) MarshalJSON() ([]byte, error) {
	doc := s.document()
	return json.Marshal(struct {
		settingsDocument
		MaxRecordingDurationMs int64 `json:"maxRecordingDurationMs"`
	}{doc, MaxRecordingDuration.Milliseconds()})
}

// MarshalYAML renders the settings in the settings file layout.
func (s RecorderSettings) MarshalYAML() (any, error) {
	return s.document(), nil
}

// SettingsPatch is a partial settings update. Nil fields are left unchanged.
type SettingsPatch struct {
	Profile            *Profile `json:"profile" yaml:"profile" validate:"omitempty,oneof=ios android desktop"`
	SpeechThreshold    *float64 `json:"speechThreshold" yaml:"speech_threshold" validate:"omitempty,gte=0,lte=100"`
	SilenceThreshold   *float64 `json:"silenceThreshold" yaml:"silence_threshold" validate:"omitempty,gte=0,lte=100"`
	SilenceDurationMs  *int64   `json:"silenceDurationMs" yaml:"silence_duration_ms" validate:"omitempty,gte=100,lte=10000"`
	MinRecordingTimeMs *int64   `json:"minRecordingTimeMs" yaml:"min_recording_time_ms" validate:"omitempty,gte=0,lte=10000"`
	CheckIntervalMs    *int64   `json:"checkIntervalMs" yaml:"check_interval_ms" validate:"omitempty,gte=50,lte=1000"`
	PreBufferTimeoutMs *int64   `json:"preBufferTimeoutMs" yaml:"pre_buffer_timeout_ms" validate:"omitempty,gte=1000,lte=60000"`
}

// Validate checks field ranges and, when both thresholds are set, their ordering.
func (p *SettingsPatch) Validate() error {
	if err := Validator().Struct(p); err != nil {
		return err
	}
	if p.SpeechThreshold != nil && p.SilenceThreshold != nil && *p.SilenceThreshold > *p.SpeechThreshold {
		return ErrThresholdOrder
	}
	return nil
}

// Empty reports whether the patch changes nothing.
func (p *SettingsPatch) Empty() bool {
	return *p == SettingsPatch{}
}

// settingsDocument is the persisted and wire form of RecorderSettings.
type settingsDocument struct {
	Schema             string  `json:"-" yaml:"schema"`
	Profile            Profile `json:"profile" yaml:"profile"`
	SpeechThreshold    float64 `json:"speechThreshold" yaml:"speech_threshold"`
	SilenceThreshold   float64 `json:"silenceThreshold" yaml:"silence_threshold"`
	SilenceDurationMs  int64   `json:"silenceDurationMs" yaml:"silence_duration_ms"`
	MinRecordingTimeMs int64   `json:"minRecordingTimeMs" yaml:"min_recording_time_ms"`
	CheckIntervalMs    int64   `json:"checkIntervalMs" yaml:"check_interval_ms"`
	PreBufferTimeoutMs int64   `json:"preBufferTimeoutMs" yaml:"pre_buffer_timeout_ms"`

	// Schema v1.0 stored the silence duration in seconds.
	LegacySilenceSeconds float64 `json:"-" yaml:"silence_duration_s,omitempty"`
}

func (s RecorderSettings) document() settingsDocument {
	return settingsDocument{
		Schema:             SettingsSchema,
		Profile:            s.Profile,
		SpeechThreshold:    s.SpeechThreshold,
		SilenceThreshold:   s.SilenceThreshold,
		SilenceDurationMs:  s.SilenceDuration.Milliseconds(),
		MinRecordingTimeMs: s.MinRecordingTime.Milliseconds(),
		CheckIntervalMs:    s.CheckInterval.Milliseconds(),
		PreBufferTimeoutMs: s.PreBufferTimeout.Milliseconds(),
	}
}

func (d *settingsDocument) settings() RecorderSettings {
	return RecorderSettings{
		Profile:          d.Profile,
		SpeechThreshold:  d.SpeechThreshold,
		SilenceThreshold: d.SilenceThreshold,
		SilenceDuration:  ms(d.SilenceDurationMs),
		MinRecordingTime: ms(d.MinRecordingTimeMs),
		CheckInterval:    ms(d.CheckIntervalMs),
		PreBufferTimeout: ms(d.PreBufferTimeoutMs),
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func clampFloat(v, lo, hi float64) float64 {
	if v != v { // NaN
		return lo
	}
	return min(max(v, lo), hi)
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	return min(max(v, lo), hi)
}
