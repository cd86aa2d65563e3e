package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func ptr(v float64) *float64 { return &v }

func TestNormalizeEndpoints(t *testing.T) {
	assert.InDelta(t, 0, Normalize(ptr(-160)), 1e-9)
	assert.InDelta(t, 100, Normalize(ptr(0)), 1e-9)
	assert.InDelta(t, 50, Normalize(ptr(-80)), 1e-9)
	assert.Zero(t, Normalize(nil))
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	assert.Zero(t, Normalize(ptr(-400)))
	assert.Equal(t, MaxLevel, Normalize(ptr(12)))
	assert.Zero(t, NormalizeDB(math.NaN()))
	assert.Zero(t, NormalizeDB(math.Inf(-1)))
}

func TestNormalizeIsMonotonic(t *testing.T) {
	prev := Normalize(ptr(-200))
	for db := -200.0; db <= 20; db += 0.25 {
		got := Normalize(ptr(db))
		assert.GreaterOrEqual(t, got, prev, "db=%v", db)
		prev = got
	}
}

func pcm(samples ...int16) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

func TestMeterS16LE(t *testing.T) {
	assert.Equal(t, MinDB, MeterS16LE(nil))
	assert.Equal(t, MinDB, MeterS16LE(pcm(0, 0, 0, 0)))

	full := MeterS16LE(pcm(32767, -32768, 32767, -32768))
	assert.InDelta(t, 0, full, 0.01)

	half := MeterS16LE(pcm(16384, -16384))
	assert.InDelta(t, -6.02, half, 0.01)
}

func TestCalculateLevelsCountsClips(t *testing.T) {
	var data LevelData
	ProcessSamples(pcm(32767, 100, -32768, 5), &data)
	levels := CalculateLevels(&data)
	assert.Equal(t, 2, levels.Clips)
	assert.InDelta(t, 0, levels.Peak, 0.01)

	data.Reset()
	assert.Equal(t, Levels{RMS: MinDB, Peak: MinDB}, CalculateLevels(&data))
}

func TestPeakTrackerIsMonotonic(t *testing.T) {
	var p PeakTracker
	for _, v := range []float64{10, 40, 20, 35, 60, 5} {
		before := p.Value()
		assert.GreaterOrEqual(t, p.Update(v), before)
	}
	assert.Equal(t, 60.0, p.Value())
	p.Reset()
	assert.Zero(t, p.Value())
}
