// Package capture owns the microphone capture handle: acquiring it, forwarding its
// status telemetry and guaranteeing it is finalized and released on every exit path.
package capture

import (
	"context"
	"time"
)

// Mode is the audio session routing mode.
type Mode string

// Audio session modes.
const (
	ModePlayback  Mode = "playback"  // default routing, ducking enabled
	ModeRecording Mode = "recording" // capture allowed, ducking disabled
)

// Options describes a capture to prepare.
type Options struct {
	Location        string // artifact path the capture is finalized to
	Format          string // artifact container: wav or flac
	SampleRate      int    // capture sample rate in Hz
	MeteringEnabled bool   // report MeteringDB in status updates
}

// Status is the periodic telemetry a live handle reports, roughly every 100ms.
type Status struct {
	IsRecording bool
	Elapsed     time.Duration
	MeteringDB  *float64 // nil when metering is off or unavailable
}

// Handle is a single platform capture session.
type Handle interface {
	// Start begins capturing.
	Start() error
	// StopAndFinalize stops capturing, flushes the artifact and returns its location.
	// Calling it on an already stopped handle must not fail.
	StopAndFinalize(ctx context.Context) (string, error)
	// OnStatusUpdate registers the status callback. It may be invoked from any goroutine.
	OnStatusUpdate(cb func(Status))
}

// Provider creates capture handles and switches the audio session mode.
type Provider interface {
	Prepare(ctx context.Context, opts Options) (Handle, error)
	SetMode(ctx context.Context, mode Mode) error
}
