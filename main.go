// Package main provides voicerec, a voice-activated recorder. It arms the microphone,
// starts recording when speech is detected, stops after sustained silence, and
// exposes the recorder state over HTTP and WebSocket.
//
// Usage:
//
//	voicerec [--config path/to/config.json] <command>
//
// If --config is not specified, voicerec looks for config.json in the same
// directory as the binary.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds state shared by all commands.
type app struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "voicerec",
		Short:        "Voice-activated recorder",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to config file (default: config.json next to binary)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		a.serveCmd(),
		a.recordCmd(),
		a.listenCmd(),
		a.settingsCmd(),
		a.devicesCmd(),
		versionCmd(),
	)
	return root
}

// load reads the configuration and installs the configured logger.
// The returned closer releases the log file.
func (a *app) load() (config.Snapshot, io.Closer, error) {
	path := a.configPath
	if path == "" {
		execPath, err := os.Executable()
		if err != nil {
			return config.Snapshot{}, nil, fmt.Errorf("get executable path: %w", err)
		}
		path = filepath.Join(filepath.Dir(execPath), "config.json")
	}

	cfg := config.New(path)
	if err := cfg.Load(); err != nil {
		return config.Snapshot{}, nil, fmt.Errorf("load config: %w", err)
	}
	snap := cfg.Snapshot()

	level := snap.LogLevel
	if a.logLevel != "" {
		level = a.logLevel
	}
	closer, err := logging.Setup(logging.Options{
		Level:      level,
		Format:     snap.LogFormat,
		File:       snap.LogFile,
		MaxSizeMB:  snap.LogMaxSizeMB,
		MaxBackups: snap.LogMaxBackups,
	})
	if err != nil {
		return config.Snapshot{}, nil, err
	}
	slog.Debug("using config file", "path", cfg.FilePath())
	return snap, closer, nil
}
