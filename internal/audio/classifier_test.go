package audio

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testConfig = ClassifierConfig{
	SpeechThreshold:  70,
	SilenceThreshold: 40,
	SilenceDuration:  1500 * time.Millisecond,
	MinRecordingTime: 500 * time.Millisecond,
}

func at(t0 time.Time, ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func TestClassifierSilenceCountdownSequence(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	v := c.Observe(80, t0, t0)
	assert.True(t, v.SpeechStarted)
	assert.True(t, v.HasSpeech)
	assert.False(t, v.SilenceDetected)

	v = c.Observe(80, at(t0, 100), t0)
	assert.False(t, v.SpeechStarted)
	assert.False(t, v.SilenceDetected)

	v = c.Observe(20, at(t0, 600), t0)
	require.True(t, v.SilenceDetected)
	assert.Equal(t, at(t0, 600), v.SilenceStartedAt)
	assert.Equal(t, 2, v.Countdown)
	assert.False(t, v.AutoStop)

	v = c.Observe(20, at(t0, 1200), t0)
	assert.True(t, v.SilenceDetected)
	assert.Equal(t, 1, v.Countdown)
	assert.False(t, v.AutoStop)

	v = c.Observe(20, at(t0, 2200), t0)
	assert.True(t, v.AutoStop)
}

func TestClassifierNoAutoStopAtExactDuration(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	c.Observe(80, t0, t0)
	c.Observe(20, at(t0, 600), t0)
	v := c.Observe(20, at(t0, 2100), t0)
	assert.False(t, v.AutoStop)
	assert.Zero(t, v.Countdown)
	assert.True(t, c.Observe(20, at(t0, 2101), t0).AutoStop)
}

func TestClassifierIgnoresSilenceDuringGracePeriod(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	c.Observe(80, t0, t0)
	v := c.Observe(10, at(t0, 300), t0)
	assert.False(t, v.SilenceDetected)
	v = c.Observe(10, at(t0, 500), t0)
	assert.False(t, v.SilenceDetected)

	v = c.Observe(10, at(t0, 501), t0)
	assert.True(t, v.SilenceDetected)
	assert.Equal(t, at(t0, 501), v.SilenceStartedAt)
}

func TestClassifierIgnoresSilenceBeforeSpeech(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	for ms := 0; ms < 5000; ms += 100 {
		v := c.Observe(5, at(t0, ms), t0)
		assert.False(t, v.SilenceDetected)
		assert.False(t, v.AutoStop)
	}
	assert.False(t, c.HasSpeech())
}

func TestClassifierRecoveryCancelsRun(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	c.Observe(80, t0, t0)
	c.Observe(20, at(t0, 600), t0)

	// Between thresholds is not silence.
	v := c.Observe(40, at(t0, 1000), t0)
	assert.False(t, v.SilenceDetected)

	v = c.Observe(20, at(t0, 1400), t0)
	assert.Equal(t, at(t0, 1400), v.SilenceStartedAt)
	assert.False(t, c.Observe(20, at(t0, 2200), t0).AutoStop)
	assert.True(t, c.Observe(20, at(t0, 3000), t0).AutoStop)
}

func TestClassifierSpeechEdgeIsStrict(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	v := c.Observe(70, t0, t0)
	assert.False(t, v.HasSpeech)
	v = c.Observe(70.01, at(t0, 100), t0)
	assert.True(t, v.SpeechStarted)
}

func TestClassifierHasSpeechNeverReverts(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 50 {
		c := NewClassifier(testConfig)
		t0 := time.Now()
		seen := false
		for i := range 300 {
			v := c.Observe(rng.Float64()*100, at(t0, i*100), t0)
			if seen {
				require.True(t, v.HasSpeech)
			}
			seen = v.HasSpeech
		}
	}
}

func TestClassifierReset(t *testing.T) {
	c := NewClassifier(testConfig)
	t0 := time.Now()

	c.Observe(90, t0, t0)
	require.True(t, c.HasSpeech())
	c.Reset()
	assert.False(t, c.HasSpeech())

	v := c.Observe(90, at(t0, 100), t0)
	assert.True(t, v.SpeechStarted)
}
