package capture

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWAV(t *testing.T, samples []int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	w, err := NewArtifactWriter(path, FormatWAV, 16000)
	require.NoError(t, err)
	require.NoError(t, w.Write(samples))
	require.NoError(t, w.Close())
	return path
}

func TestFileProviderReplaysWithMetering(t *testing.T) {
	input := writeTestWAV(t, sine(8000, 16000, 440, 16000))
	p := NewFileProvider(input, 0)

	out := filepath.Join(t.TempDir(), "out.wav")
	h, err := p.Prepare(context.Background(), Options{Location: out, Format: FormatWAV, MeteringEnabled: true})
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		statuses []Status
	)
	h.OnStatusUpdate(func(s Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	require.NoError(t, h.Start())

	// 8000 samples of tone is five status blocks; wait for silence padding after it.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) >= 8
	}, 5*time.Second, 5*time.Millisecond)

	uri, err := h.StopAndFinalize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, out, uri)
	assert.FileExists(t, out)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, statuses[0].MeteringDB)
	assert.Greater(t, *statuses[0].MeteringDB, -12.0)
	assert.Equal(t, 100*time.Millisecond, statuses[0].Elapsed)
	require.NotNil(t, statuses[7].MeteringDB)
	assert.Equal(t, -160.0, *statuses[7].MeteringDB)

	// Finalizing twice is harmless.
	_, err = h.StopAndFinalize(context.Background())
	assert.NoError(t, err)
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "nope.wav"), 1)
	_, err := p.Prepare(context.Background(), Options{Location: filepath.Join(t.TempDir(), "out.wav")})
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestFileProviderStopWithoutStart(t *testing.T) {
	input := writeTestWAV(t, sine(1600, 16000, 440, 8000))
	p := NewFileProvider(input, 1)
	h, err := p.Prepare(context.Background(), Options{Location: filepath.Join(t.TempDir(), "out.wav")})
	require.NoError(t, err)
	_, err = h.StopAndFinalize(context.Background())
	assert.NoError(t, err)
	assert.ErrorIs(t, h.Start(), errHandleClosed)
}
