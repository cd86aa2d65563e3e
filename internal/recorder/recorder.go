package recorder

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oszuidwest/voicerec/internal/audio"
	"github.com/oszuidwest/voicerec/internal/capture"
	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/util"
)

// stopTimeout bounds a stop triggered by a timer or by the classifier.
const stopTimeout = 10 * time.Second

// SettingsSaver persists settings patches.
type SettingsSaver interface {
	Save(patch config.SettingsPatch) (config.RecorderSettings, error)
}

// Options configures a Recorder.
type Options struct {
	Manager     *capture.Manager        // required
	Settings    config.RecorderSettings // settings for the first session
	Store       SettingsSaver           // optional, persists UpdateSettings
	Clock       util.Clock              // defaults to the system clock
	Events      *eventlog.Logger        // optional session event log
	OutputDir   string                  // directory for artifacts
	Format      string                  // artifact format, wav or flac
	SettleDelay time.Duration           // quiet period between release and acquire
	OnFinalized func(uri string)        // optional, called after each successful finalize
}

// session is one start-to-stop cycle.
type session struct {
	id       string
	mode     StartMode
	settings config.RecorderSettings
	location string
	lease    *capture.Lease

	startedAt        time.Time
	speechDetectedAt time.Time
	silenceStartedAt time.Time
	promoted         bool
	cancelRequested  bool

	preBufferTimer util.Timer
	maxTimer       util.Timer
	uiTimer        util.Timer
}

// Recorder owns the recording session lifecycle: pre-buffering, promotion on speech,
// silence and max-duration auto-stop, and guaranteed capture teardown.
// It is safe for concurrent use.
type Recorder struct {
	manager     *capture.Manager
	store       SettingsSaver
	clock       util.Clock
	events      *eventlog.Logger
	outputDir   string
	format      string
	settleDelay time.Duration
	onFinalized func(uri string)

	classifier *audio.Classifier
	peak       audio.PeakTracker
	ring       *audio.Ring
	hub        *hub

	mu              sync.Mutex
	settings        config.RecorderSettings
	session         *session
	phase           Phase
	startInProgress bool
	stopInProgress  bool
	stopDone        chan struct{}
	closed          bool

	level           float64
	silenceDetected bool
	countdown       *int
	statusMessage   string
	isProcessing    bool
	errorKind       ErrorKind
	audioURI        string
	seq             uint64
}

// New creates a recorder and registers it as the manager's status receiver.
func New(opts Options) *Recorder {
	clock := opts.Clock
	if clock == nil {
		clock = util.SystemClock{}
	}
	format := opts.Format
	if format == "" {
		format = capture.FormatWAV
	}
	settings := opts.Settings.Clamp()

	r := &Recorder{
		manager:     opts.Manager,
		store:       opts.Store,
		clock:       clock,
		events:      opts.Events,
		outputDir:   opts.OutputDir,
		format:      format,
		settleDelay: opts.SettleDelay,
		onFinalized: opts.OnFinalized,
		classifier:  audio.NewClassifier(classifierConfig(settings)),
		ring:        audio.NewRing(audio.RingCapacity),
		hub:         newHub(),
		settings:    settings,
		phase:       PhaseIdle,
		errorKind:   ErrorNone,
	}
	opts.Manager.OnStatus(r.onStatus)
	return r
}

func classifierConfig(s config.RecorderSettings) audio.ClassifierConfig {
	return audio.ClassifierConfig{
		SpeechThreshold:  s.SpeechThreshold,
		SilenceThreshold: s.SilenceThreshold,
		SilenceDuration:  s.SilenceDuration,
		MinRecordingTime: s.MinRecordingTime,
	}
}

// StartRecording starts a session that records immediately.
func (r *Recorder) StartRecording(ctx context.Context) error {
	return r.start(ctx, StartDirect)
}

// StartPreBuffering arms the microphone and waits for speech before recording.
// Without speech before the pre-buffer timeout, the session is abandoned.
func (r *Recorder) StartPreBuffering(ctx context.Context) error {
	return r.start(ctx, StartPreBuffer)
}

func (r *Recorder) start(ctx context.Context, mode StartMode) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.startInProgress || r.stopInProgress || r.session != nil {
		r.mu.Unlock()
		return ErrSessionActive
	}

	s := &session{
		id:       uuid.NewString(),
		mode:     mode,
		settings: r.settings,
		location: capture.NewLocation(r.outputDir, r.format),
	}
	r.startInProgress = true
	r.session = s
	r.resetSessionStateLocked()
	r.classifier.SetConfig(classifierConfig(s.settings))
	r.errorKind = ErrorNone
	r.statusMessage = ""
	r.mu.Unlock()

	// Tear down anything left from a previous session, then let the device settle.
	if stale := r.manager.Active(); stale != nil {
		if err := r.manager.Discard(ctx, stale); err != nil {
			slog.Warn("failed to discard stale capture", "error", err)
		}
	}
	var lease *capture.Lease
	err := r.sleep(ctx, r.settleDelay)
	if err == nil && !r.cancelRequested(s) {
		lease, err = r.manager.Acquire(ctx, s.location)
	}

	r.mu.Lock()
	r.startInProgress = false

	if err != nil {
		r.session = nil
		r.phase = PhaseIdle
		if ctx.Err() == nil {
			r.errorKind = errorKindOf(err)
			r.statusMessage = statusMessages[r.errorKind]
		}
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.hub.publish(snap)

		slog.Error("failed to start recording", "session", s.id, "mode", mode, "error", err)
		r.logSession(eventlog.SessionError, s, &eventlog.SessionDetails{
			Mode:      string(mode),
			ErrorKind: string(errorKindOf(err)),
			Error:     err.Error(),
		})
		return err
	}

	if lease == nil || s.cancelRequested || r.closed {
		r.session = nil
		r.phase = PhaseIdle
		snap := r.snapshotLocked()
		r.mu.Unlock()

		if derr := r.manager.Discard(ctx, lease); derr != nil {
			slog.Warn("failed to discard cancelled capture", "session", s.id, "error", derr)
		}
		r.hub.publish(snap)
		slog.Info("recording cancelled during start", "session", s.id)
		r.logSession(eventlog.SessionCancelled, s, &eventlog.SessionDetails{Mode: string(mode), Reason: string(ReasonCancel)})
		return ErrCancelled
	}

	now := r.clock.Now()
	s.lease = lease
	s.startedAt = now
	if mode == StartPreBuffer {
		r.phase = PhasePreBuffering
		s.preBufferTimer = r.clock.AfterFunc(s.settings.PreBufferTimeout, func() { r.onPreBufferTimeout(s) })
	} else {
		r.phase = PhaseRecording
		s.promoted = true
		r.armMaxDurationLocked(s, now)
	}
	r.armUITickLocked(s)
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)

	slog.Info("recording session started", "session", s.id, "mode", mode, "location", s.location)
	r.logSession(eventlog.SessionStarted, s, &eventlog.SessionDetails{Mode: string(mode)})
	return nil
}

func (r *Recorder) cancelRequested(s *session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.cancelRequested || r.closed
}

// sleep waits d on the recorder clock or until ctx is done.
func (r *Recorder) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := r.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}

// onStatus handles a status update from the capture manager.
func (r *Recorder) onStatus(lease *capture.Lease, st capture.Status) {
	level := audio.Normalize(st.MeteringDB)
	r.ring.Push(level)

	r.mu.Lock()
	r.level = level
	s := r.session
	live := s != nil && s.lease == lease && !r.stopInProgress &&
		(r.phase == PhasePreBuffering || r.phase == PhaseRecording)
	if !live {
		snap := r.snapshotLocked()
		r.mu.Unlock()
		r.hub.publish(snap)
		return
	}

	now := r.clock.Now()
	r.peak.Update(level)
	v := r.classifier.Observe(level, now, s.startedAt)

	promoted := false
	if v.SpeechStarted {
		s.speechDetectedAt = now
		promoted = r.promoteLocked(s, now)
	}

	s.silenceStartedAt = v.SilenceStartedAt
	r.silenceDetected = v.SilenceDetected
	r.countdown = nil
	if v.SilenceDetected && !v.AutoStop {
		c := v.Countdown
		r.countdown = &c
	}
	autoStop := v.AutoStop && r.phase == PhaseRecording
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.hub.publish(snap)
	if promoted {
		slog.Info("speech detected, recording", "session", s.id,
			"after", util.FormatDuration(now.Sub(s.startedAt)))
		r.logSession(eventlog.SessionPromoted, s, &eventlog.SessionDetails{
			DurationMs: s.speechDetectedAt.Sub(s.startedAt).Milliseconds(),
		})
	}
	if autoStop {
		// The status callback runs on the capture goroutine, which the stop path waits on.
		go r.stopFromTrigger(s, PhaseRecording, ReasonSilence)
	}
}

// promoteLocked moves a pre-buffering session to recording. It runs at most once per
// session. The session keeps its pre-buffer start time so duration limits count the
// whole capture. Caller must hold r.mu.
func (r *Recorder) promoteLocked(s *session, now time.Time) bool {
	if s.promoted || r.phase != PhasePreBuffering {
		return false
	}
	s.promoted = true
	s.preBufferTimer = util.StopTimer(s.preBufferTimer)
	r.phase = PhaseRecording
	r.armMaxDurationLocked(s, now)
	return true
}

// armMaxDurationLocked arms the single max-duration timer relative to s.startedAt.
func (r *Recorder) armMaxDurationLocked(s *session, now time.Time) {
	remaining := config.MaxRecordingDuration - now.Sub(s.startedAt)
	s.maxTimer = util.StopTimer(s.maxTimer)
	s.maxTimer = r.clock.AfterFunc(max(remaining, 0), func() { r.onMaxDuration(s) })
}

// armUITickLocked schedules the next state sync for observers.
func (r *Recorder) armUITickLocked(s *session) {
	s.uiTimer = r.clock.AfterFunc(s.settings.CheckInterval, func() { r.onUITick(s) })
}

func (r *Recorder) onUITick(s *session) {
	r.mu.Lock()
	if r.session != s || r.stopInProgress {
		r.mu.Unlock()
		return
	}
	r.armUITickLocked(s)
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)
}

func (r *Recorder) onPreBufferTimeout(s *session) {
	r.mu.Lock()
	pending := r.session == s && r.phase == PhasePreBuffering && !r.stopInProgress
	r.mu.Unlock()
	if pending {
		slog.Info("no speech before pre-buffer timeout", "session", s.id, "timeout", s.settings.PreBufferTimeout)
		r.stopFromTrigger(s, PhasePreBuffering, ReasonPreBufferTimeout)
	}
}

func (r *Recorder) onMaxDuration(s *session) {
	r.mu.Lock()
	pending := r.session == s && r.phase == PhaseRecording && !r.stopInProgress
	r.mu.Unlock()
	if pending {
		slog.Info("maximum recording duration reached", "session", s.id, "max", config.MaxRecordingDuration)
		r.stopFromTrigger(s, PhaseRecording, ReasonMaxDuration)
	}
}

// stopFromTrigger stops s on behalf of a timer or the classifier, provided s is still
// the current session and still in phase. A trigger that lost the race to another stop,
// to promotion, or to a newer session does nothing.
func (r *Recorder) stopFromTrigger(s *session, phase Phase, reason StopReason) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if _, err := r.stopSession(ctx, &stopTarget{session: s, phase: phase}, reason); err != nil {
		slog.Warn("automatic stop failed", "session", s.id, "reason", reason, "error", err)
	}
}

// stopTarget pins a stop to one session in one phase.
type stopTarget struct {
	session *session
	phase   Phase
}

// StopRecording stops the session and finalizes its artifact, returning its location.
// Stopping while idle is a no-op. A stop that overlaps another waits for it to finish
// and returns ErrStopInProgress. Stopping a pre-buffering session abandons it.
func (r *Recorder) StopRecording(ctx context.Context) (string, error) {
	return r.stop(ctx, ReasonUser)
}

// Cancel ends any session and discards its artifact.
func (r *Recorder) Cancel(ctx context.Context) error {
	_, err := r.stop(ctx, ReasonCancel)
	return err
}

func (r *Recorder) stop(ctx context.Context, reason StopReason) (string, error) {
	return r.stopSession(ctx, nil, reason)
}

// stopSession stops the current session. With a target it acts only when the target
// session is current, in the target phase and not already stopping; the check and the
// claim happen under one lock.
func (r *Recorder) stopSession(ctx context.Context, target *stopTarget, reason StopReason) (string, error) {
	r.mu.Lock()
	if target != nil && (r.session != target.session || r.phase != target.phase || r.stopInProgress) {
		r.mu.Unlock()
		slog.Debug("stale stop trigger ignored", "session", target.session.id, "reason", reason)
		return "", nil
	}
	if r.stopInProgress {
		done := r.stopDone
		r.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return "", ErrStopInProgress
	}

	s := r.session
	if s == nil {
		r.mu.Unlock()
		return "", nil
	}
	if r.startInProgress {
		// The acquire cannot be aborted; its handle is discarded when it returns.
		s.cancelRequested = true
		r.mu.Unlock()
		slog.Info("stop requested during start, cancelling", "session", s.id)
		return "", nil
	}

	r.stopInProgress = true
	r.stopDone = make(chan struct{})
	wasPhase := r.phase
	r.phase = PhaseStopping
	r.cancelTimersLocked(s)
	r.countdown = nil
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)

	abandon := reason == ReasonCancel || wasPhase == PhasePreBuffering
	var (
		uri string
		err error
	)
	if abandon {
		err = r.manager.Discard(ctx, s.lease)
	} else {
		uri, err = r.manager.Finalize(ctx, s.lease)
	}
	mode := r.manager.Mode()

	r.mu.Lock()
	r.session = nil
	r.phase = PhaseIdle
	r.level = 0
	r.silenceDetected = false
	switch {
	case abandon:
		// A cancelled recording keeps its speech flag until ResetRecording.
		if wasPhase == PhasePreBuffering {
			r.classifier.Reset()
		}
		r.audioURI = ""
	case err != nil:
		r.errorKind = errorKindOf(err)
		r.statusMessage = statusMessages[r.errorKind]
	default:
		r.audioURI = uri
	}
	if err == nil && mode != capture.ModePlayback {
		r.errorKind = ErrorModeSwitch
	}
	r.stopInProgress = false
	close(r.stopDone)
	end := r.clock.Now()
	duration := end.Sub(s.startedAt)
	peak := r.peak.Value()
	snap = r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)

	details := &eventlog.SessionDetails{
		Mode:       string(s.mode),
		Reason:     string(reason),
		URI:        uri,
		DurationMs: duration.Milliseconds(),
		PeakLevel:  peak,
	}
	if reason == ReasonSilence && !s.silenceStartedAt.IsZero() {
		details.SilenceMs = end.Sub(s.silenceStartedAt).Milliseconds()
	}
	switch {
	case err != nil:
		details.ErrorKind = string(errorKindOf(err))
		details.Error = err.Error()
		slog.Error("failed to finalize recording", "session", s.id, "reason", reason, "error", err)
		r.logSession(eventlog.SessionError, s, details)
	case reason == ReasonCancel:
		slog.Info("recording cancelled", "session", s.id)
		r.logSession(eventlog.SessionCancelled, s, details)
	case abandon:
		slog.Info("pre-buffer abandoned", "session", s.id, "reason", reason)
		r.logSession(eventlog.SessionAbandoned, s, details)
	default:
		slog.Info("recording stopped", "session", s.id, "reason", reason, "uri", uri,
			"duration", util.FormatDuration(duration))
		r.logSession(eventlog.SessionStopped, s, details)
		if r.onFinalized != nil {
			r.onFinalized(uri)
		}
	}
	return uri, err
}

// cancelTimersLocked stops every timer owned by s. It must run before the handle is released.
func (r *Recorder) cancelTimersLocked(s *session) {
	s.preBufferTimer = util.StopTimer(s.preBufferTimer)
	s.maxTimer = util.StopTimer(s.maxTimer)
	s.uiTimer = util.StopTimer(s.uiTimer)
}

// resetSessionStateLocked clears per-session observable state at session start.
func (r *Recorder) resetSessionStateLocked() {
	r.classifier.Reset()
	r.peak.Reset()
	r.level = 0
	r.silenceDetected = false
	r.countdown = nil
}

// ResetRecording clears session-derived state: speech and silence flags, levels, peak
// and samples. It fails with ErrSessionActive while a session holds the microphone.
func (r *Recorder) ResetRecording() error {
	r.mu.Lock()
	if r.session != nil || r.startInProgress || r.stopInProgress {
		r.mu.Unlock()
		return ErrSessionActive
	}
	r.resetSessionStateLocked()
	r.ring.Reset()
	r.audioURI = ""
	r.errorKind = ErrorNone
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)
	return nil
}

// AudioURI returns the location of the last finalized artifact, or "" if none.
func (r *Recorder) AudioURI() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioURI
}

// SetIsProcessing reflects downstream processing of the artifact.
func (r *Recorder) SetIsProcessing(processing bool) {
	r.mu.Lock()
	r.isProcessing = processing
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)
}

// SetStatusMessage sets the user-facing status message.
func (r *Recorder) SetStatusMessage(msg string) {
	r.mu.Lock()
	r.statusMessage = msg
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.hub.publish(snap)
}

// Settings returns the settings the next session will use.
func (r *Recorder) Settings() config.RecorderSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// UpdateSettings validates and applies patch, persisting it when a store is configured.
// A running session keeps the settings it started with.
func (r *Recorder) UpdateSettings(patch config.SettingsPatch) (config.RecorderSettings, error) {
	if r.store != nil {
		next, err := r.store.Save(patch)
		if err != nil {
			return r.Settings(), err
		}
		r.ApplySettings(next)
		return next, nil
	}

	if err := patch.Validate(); err != nil {
		return r.Settings(), err
	}
	r.mu.Lock()
	r.settings = r.settings.Apply(patch)
	next := r.settings
	r.mu.Unlock()
	return next, nil
}

// ApplySettings replaces the settings used by the next session.
func (r *Recorder) ApplySettings(s config.RecorderSettings) {
	s = s.Clamp()
	r.mu.Lock()
	r.settings = s
	r.mu.Unlock()
	slog.Info("recorder settings applied",
		"speech_threshold", s.SpeechThreshold,
		"silence_threshold", s.SilenceThreshold,
		"silence_duration", s.SilenceDuration)
}

// State returns the current observable state.
func (r *Recorder) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Subscribe returns a channel of state snapshots and a func that ends the subscription.
// Slow subscribers only ever see the latest snapshot.
func (r *Recorder) Subscribe() (<-chan Snapshot, func()) {
	return r.hub.subscribe()
}

// Close stops any session, finalizing its artifact, and ends all subscriptions.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	_, err := r.stop(ctx, ReasonShutdown)
	if errors.Is(err, ErrStopInProgress) {
		err = nil
	}
	r.hub.close()
	return err
}

// snapshotLocked builds the observable state. Caller must hold r.mu.
func (r *Recorder) snapshotLocked() Snapshot {
	r.seq++
	snap := Snapshot{
		IsRecording:     r.phase == PhaseRecording,
		IsPreBuffering:  r.phase == PhasePreBuffering,
		HasSpeech:       r.classifier.HasSpeech(),
		SilenceDetected: r.silenceDetected,
		AudioLevel:      r.level,
		PeakLevel:       r.peak.Value(),
		StatusMessage:   r.statusMessage,
		AudioSamples:    r.ring.Values(),
		IsProcessing:    r.isProcessing,
		Phase:           r.phase,
		ErrorKind:       r.errorKind,
		AudioMode:       r.manager.Mode(),
		seq:             r.seq,
	}
	if r.countdown != nil {
		c := *r.countdown
		snap.SilenceCountdownSeconds = &c
	}
	if s := r.session; s != nil {
		snap.SessionID = s.id
		if r.phase == PhaseRecording {
			left := util.CeilSeconds(config.MaxRecordingDuration - r.clock.Now().Sub(s.startedAt))
			snap.MaxRecordingTimeRemainingSeconds = &left
		}
	}
	return snap
}

func (r *Recorder) logSession(t eventlog.EventType, s *session, details *eventlog.SessionDetails) {
	if err := r.events.LogSession(t, s.id, details); err != nil {
		slog.Warn("failed to write session event", "type", t, "error", err)
	}
}
