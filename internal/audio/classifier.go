package audio

import (
	"sync"
	"time"

	"github.com/oszuidwest/voicerec/internal/util"
)

// ClassifierConfig holds the hysteresis thresholds and timings for voice activity classification.
// Thresholds are on the normalized 0-100 scale and are expected to be clamped by the caller.
type ClassifierConfig struct {
	SpeechThreshold  float64       // level above which audio counts as speech
	SilenceThreshold float64       // level below which audio counts as silence
	SilenceDuration  time.Duration // continuous silence after speech that triggers auto-stop
	MinRecordingTime time.Duration // grace period after start before silence is evaluated
}

// Verdict is the result of classifying one level sample.
type Verdict struct {
	HasSpeech     bool // speech has been seen since the last reset
	SpeechStarted bool // true on the sample that first exceeded the speech threshold

	SilenceDetected  bool      // a silence run is active
	SilenceStartedAt time.Time // start of the active silence run, zero when none
	Countdown        int       // whole seconds until auto-stop, valid while SilenceDetected

	AutoStop bool // the silence run has outlasted SilenceDuration
}

// Classifier applies a dual-threshold hysteresis rule to a stream of normalized levels.
// It is safe for concurrent use.
type Classifier struct {
	mu               sync.Mutex
	cfg              ClassifierConfig
	hasSpeech        bool
	silenceStartedAt time.Time
}

// NewClassifier creates a classifier using cfg.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Observe classifies level sampled at now for a session that started at startedAt.
func (c *Classifier) Observe(level float64, now, startedAt time.Time) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	var v Verdict

	if !c.hasSpeech && level > c.cfg.SpeechThreshold {
		c.hasSpeech = true
		c.silenceStartedAt = time.Time{}
		v.SpeechStarted = true
	}
	v.HasSpeech = c.hasSpeech

	// Any sample back at or above the silence threshold ends the run.
	if level >= c.cfg.SilenceThreshold {
		c.silenceStartedAt = time.Time{}
		return v
	}

	if !c.hasSpeech || now.Sub(startedAt) <= c.cfg.MinRecordingTime {
		return v
	}

	if c.silenceStartedAt.IsZero() {
		c.silenceStartedAt = now
	}

	elapsed := now.Sub(c.silenceStartedAt)
	v.SilenceDetected = true
	v.SilenceStartedAt = c.silenceStartedAt
	if elapsed > c.cfg.SilenceDuration {
		v.AutoStop = true
		return v
	}
	v.Countdown = util.CeilSeconds(c.cfg.SilenceDuration - elapsed)
	return v
}

// HasSpeech reports whether speech has been seen since the last reset.
func (c *Classifier) HasSpeech() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasSpeech
}

// SetConfig replaces the thresholds used for subsequent samples.
func (c *Classifier) SetConfig(cfg ClassifierConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Reset clears the speech flag and any silence run.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasSpeech = false
	c.silenceStartedAt = time.Time{}
}
