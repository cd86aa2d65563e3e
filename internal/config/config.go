// Package config provides application configuration and the persisted recorder settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oszuidwest/voicerec/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultListen        = "127.0.0.1:8080"
	DefaultOutputDir     = "recordings"
	DefaultFormat        = "wav"
	DefaultSampleRate    = 16000
	DefaultSettleDelayMs = 300
	DefaultRetentionDays = 7
	DefaultBackend       = "malgo"
	DefaultSettingsFile  = "settings.yaml"
	DefaultEventLogFile  = "events.jsonl"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "text"
	DefaultArchivePrefix = "recordings/"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Listen         string   `json:"listen" validate:"required,hostname_port"` // Listen address (host:port)
	AllowedOrigins []string `json:"allowed_origins" validate:"dive,url"`      // Extra WebSocket origins
	APIKey         string   `json:"api_key" validate:"omitempty,min=16"`      // Required for control routes when set
}

// RecordingConfig holds artifact and session settings that require restart.
type RecordingConfig struct {
	OutputDir     string `json:"output_dir" validate:"required"`            // Directory for finalized artifacts
	Format        string `json:"format" validate:"oneof=wav flac"`          // Artifact container
	SampleRate    int    `json:"sample_rate" validate:"gte=8000,lte=48000"` // Capture sample rate in Hz
	SettleDelayMs int64  `json:"settle_delay_ms" validate:"gte=0,lte=5000"` // Quiet period between release and acquire
	RetentionDays int    `json:"retention_days" validate:"gte=0,lte=365"`   // 0 keeps artifacts forever
	SettingsFile  string `json:"settings_file" validate:"required"`         // Recorder settings YAML
	EventLogFile  string `json:"event_log_file"`                            // Session event log (JSONL)
}

// CaptureConfig holds the capture backend selection.
type CaptureConfig struct {
	Backend   string  `json:"backend" validate:"oneof=malgo file"`                    // Capture provider
	Device    string  `json:"device"`                                                 // Input device name (empty = default)
	InputFile string  `json:"input_file" validate:"required_if=Backend file"`         // WAV file replayed by the file backend
	Profile   Profile `json:"profile" validate:"omitempty,oneof=ios android desktop"` // Default threshold profile
}

// ArchiveConfig holds the S3-compatible archive settings.
type ArchiveConfig struct {
	Enabled         bool   `json:"enabled"`
	Endpoint        string `json:"endpoint" validate:"omitempty,url"` // Custom endpoint (empty = AWS)
	Region          string `json:"region"`
	Bucket          string `json:"bucket" validate:"required_if=Enabled true"`
	Prefix          string `json:"prefix"`
	AccessKeyID     string `json:"access_key_id" validate:"required_if=Enabled true"`
	SecretAccessKey string `json:"secret_access_key" validate:"required_if=Enabled true"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `json:"level" validate:"oneof=debug info warn error"`
	Format     string `json:"format" validate:"oneof=text json"`
	File       string `json:"file"`                                  // Rotated log file (empty = stderr)
	MaxSizeMB  int    `json:"max_size_mb" validate:"gte=0,lte=1024"` // Rotation size
	MaxBackups int    `json:"max_backups" validate:"gte=0,lte=100"`
}

// Config holds all application configuration. It is safe for concurrent use.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Recording RecordingConfig `json:"recording"`
	Capture   CaptureConfig   `json:"capture"`
	Archive   ArchiveConfig   `json:"archive"`
	Log       LogConfig       `json:"log"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	c := &Config{filePath: filePath}
	c.applyDefaults()
	return c
}

// Load reads config from file, creating a default if none exists.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return c.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}

	c.applyDefaults()

	return c.validate()
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if err := Validator().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := util.ValidatePath("recording.output_dir", c.Recording.OutputDir); err != nil {
		return err
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Recording.OutputDir == "" {
		c.Recording.OutputDir = DefaultOutputDir
	}
	if c.Recording.Format == "" {
		c.Recording.Format = DefaultFormat
	}
	if c.Recording.SampleRate == 0 {
		c.Recording.SampleRate = DefaultSampleRate
	}
	if c.Recording.SettleDelayMs == 0 {
		c.Recording.SettleDelayMs = DefaultSettleDelayMs
	}
	if c.Recording.SettingsFile == "" {
		c.Recording.SettingsFile = DefaultSettingsFile
	}
	if c.Recording.EventLogFile == "" {
		c.Recording.EventLogFile = DefaultEventLogFile
	}
	if c.Capture.Backend == "" {
		c.Capture.Backend = DefaultBackend
	}
	if c.Capture.Profile == "" {
		c.Capture.Profile = ProfileDesktop
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = DefaultArchivePrefix
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}

	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

// resolve makes p relative to the config file directory unless it is absolute.
func (c *Config) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(c.filePath), p)
}

// --- Snapshot for atomic reads ---

// Snapshot is a point-in-time copy of configuration values with paths resolved.
type Snapshot struct {
	Listen         string
	AllowedOrigins []string
	APIKey         string

	OutputDir    string
	Format       string
	SampleRate   int
	SettleDelay  time.Duration
	Retention    time.Duration
	SettingsFile string
	EventLogFile string

	Backend   string
	Device    string
	InputFile string
	Profile   Profile

	Archive ArchiveConfig

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Listen:         c.Server.Listen,
		AllowedOrigins: append([]string(nil), c.Server.AllowedOrigins...),
		APIKey:         c.Server.APIKey,

		OutputDir:    c.resolve(c.Recording.OutputDir),
		Format:       c.Recording.Format,
		SampleRate:   c.Recording.SampleRate,
		SettleDelay:  time.Duration(c.Recording.SettleDelayMs) * time.Millisecond,
		Retention:    time.Duration(c.Recording.RetentionDays) * 24 * time.Hour,
		SettingsFile: c.resolve(c.Recording.SettingsFile),
		EventLogFile: c.resolve(c.Recording.EventLogFile),

		Backend:   c.Capture.Backend,
		Device:    c.Capture.Device,
		InputFile: c.resolve(c.Capture.InputFile),
		Profile:   c.Capture.Profile,

		Archive: c.Archive,

		LogLevel:      c.Log.Level,
		LogFormat:     c.Log.Format,
		LogFile:       c.resolve(c.Log.File),
		LogMaxSizeMB:  c.Log.MaxSizeMB,
		LogMaxBackups: c.Log.MaxBackups,
	}
}

// FilePath returns the path the config was loaded from.
func (c *Config) FilePath() string {
	return c.filePath
}
