package capture

import (
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sine(n, rate int, freq, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func TestWAVWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.wav")
	w, err := NewArtifactWriter(path, FormatWAV, 16000)
	require.NoError(t, err)

	samples := sine(16000, 16000, 440, 8000)
	require.NoError(t, w.Write(samples[:7000]))
	require.NoError(t, w.Write(samples[7000:]))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	assert.EqualValues(t, 16000, dec.SampleRate)
	assert.EqualValues(t, 1, dec.NumChans)

	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	require.Len(t, buf.Data, len(samples))
	assert.Equal(t, int(samples[123]), buf.Data[123])
}

func TestFLACWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.flac")
	w, err := NewArtifactWriter(path, FormatFLAC, 16000)
	require.NoError(t, err)

	samples := sine(10000, 16000, 220, 12000)
	require.NoError(t, w.Write(samples))
	require.NoError(t, w.Close())

	stream, err := flac.Open(path)
	require.NoError(t, err)
	defer stream.Close()

	assert.EqualValues(t, 16000, stream.Info.SampleRate)
	assert.EqualValues(t, 1, stream.Info.NChannels)

	total := 0
	for {
		fr, err := stream.ParseNext()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		total += fr.Subframes[0].NSamples
	}
	assert.Equal(t, len(samples), total)
}

func TestArtifactWriterRejectsUnknownFormat(t *testing.T) {
	_, err := NewArtifactWriter(filepath.Join(t.TempDir(), "x.ogg"), "ogg", 16000)
	assert.Error(t, err)
}
