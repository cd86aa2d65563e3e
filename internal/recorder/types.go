// Package recorder implements the voice-activity-driven recording state machine.
package recorder

import (
	"errors"

	"github.com/oszuidwest/voicerec/internal/capture"
)

// Recorder errors.
var (
	// ErrSessionActive is returned when a start or reset is requested while a session is live.
	ErrSessionActive = errors.New("recording session already active")
	// ErrStopInProgress is returned to a stop that overlapped another stop, after that stop completes.
	ErrStopInProgress = errors.New("recording stop already in progress")
	// ErrCancelled is returned by a start whose session was cancelled while capture was being acquired.
	ErrCancelled = errors.New("recording cancelled before capture started")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recorder closed")
)

// Phase is the recording session phase.
type Phase string

// Session phases.
const (
	PhaseIdle         Phase = "idle"
	PhasePreBuffering Phase = "prebuffering"
	PhaseRecording    Phase = "recording"
	PhaseStopping     Phase = "stopping"
)

// ErrorKind classifies the most recent failure for observers.
type ErrorKind string

// Error kinds.
const (
	ErrorNone       ErrorKind = "none"
	ErrorPermission ErrorKind = "permission"
	ErrorDeviceBusy ErrorKind = "device_busy"
	ErrorFinalize   ErrorKind = "finalize"
	ErrorModeSwitch ErrorKind = "mode_switch"
)

func errorKindOf(err error) ErrorKind {
	switch capture.KindOf(err) {
	case capture.KindPermission:
		return ErrorPermission
	case capture.KindFinalize:
		return ErrorFinalize
	case capture.KindModeSwitch:
		return ErrorModeSwitch
	default:
		return ErrorDeviceBusy
	}
}

// statusMessages are the user-facing messages for each failure.
var statusMessages = map[ErrorKind]string{
	ErrorPermission: "Microphone access was denied. Allow access and try again.",
	ErrorDeviceBusy: "The microphone is unavailable. Try again in a moment.",
	ErrorFinalize:   "The recording could not be saved.",
}

// StopReason records why a session ended.
type StopReason string

// Stop reasons.
const (
	ReasonUser             StopReason = "user"
	ReasonSilence          StopReason = "silence"
	ReasonMaxDuration      StopReason = "max_duration"
	ReasonPreBufferTimeout StopReason = "prebuffer_timeout"
	ReasonCancel           StopReason = "cancel"
	ReasonShutdown         StopReason = "shutdown"
)

// StartMode is how a session was started.
type StartMode string

// Start modes.
const (
	StartDirect    StartMode = "direct"
	StartPreBuffer StartMode = "prebuffer"
)

// Snapshot is the observable recorder state.
type Snapshot struct {
	IsRecording                      bool         `json:"isRecording"`
	IsPreBuffering                   bool         `json:"isPreBuffering"`
	HasSpeech                        bool         `json:"hasSpeech"`
	SilenceDetected                  bool         `json:"silenceDetected"`
	AudioLevel                       float64      `json:"audioLevel"`
	PeakLevel                        float64      `json:"peakLevel"`
	StatusMessage                    string       `json:"statusMessage"`
	SilenceCountdownSeconds          *int         `json:"silenceCountdownSeconds"`
	AudioSamples                     []float64    `json:"audioSamples"`
	IsProcessing                     bool         `json:"isProcessing"`
	MaxRecordingTimeRemainingSeconds *int         `json:"maxRecordingTimeRemainingSeconds"`
	Phase                            Phase        `json:"phase"`
	ErrorKind                        ErrorKind    `json:"errorKind"`
	AudioMode                        capture.Mode `json:"audioMode"`
	SessionID                        string       `json:"sessionId,omitempty"`

	seq uint64
}
