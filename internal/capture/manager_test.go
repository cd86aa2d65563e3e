package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *FakeProvider, string) {
	t.Helper()
	p := NewFakeProvider()
	m := NewManager(p, Options{Format: FormatWAV, SampleRate: 16000, MeteringEnabled: true})
	return m, p, t.TempDir()
}

func TestAcquireFinalizeReleases(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	loc := NewLocation(dir, FormatWAV)
	lease, err := m.Acquire(ctx, loc)
	require.NoError(t, err)
	assert.Same(t, lease, m.Active())
	assert.Equal(t, ModeRecording, m.Mode())
	assert.True(t, p.Last().Started())

	uri, err := m.Finalize(ctx, lease)
	require.NoError(t, err)
	assert.Equal(t, loc, uri)
	assert.FileExists(t, uri)
	assert.Nil(t, m.Active())
	assert.Equal(t, ModePlayback, m.Mode())
	assert.Equal(t, []Mode{ModeRecording, ModePlayback}, p.Modes())
	assert.Zero(t, p.Live())
}

func TestFinalizeIsIdempotent(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Finalize(ctx, lease)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, p.Last().FinalizeCount())
	assert.Equal(t, []Mode{ModeRecording, ModePlayback}, p.Modes())
}

func TestAcquireReleasesStaleHandle(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	first, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)
	second, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.NotEqual(t, first.Location(), second.Location())
	assert.Equal(t, 1, p.Live())
	assert.Equal(t, 1, p.MaxLive())
	assert.NoFileExists(t, first.Location())

	_, err = m.Finalize(ctx, second)
	require.NoError(t, err)
}

func TestAcquireClassifiesFailures(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	p.FailPrepare(ErrPermissionDenied)
	_, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindPermission, ce.Kind)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, ModePlayback, m.Mode())

	p.FailPrepare(errors.New("in use by another process"))
	_, err = m.Acquire(ctx, NewLocation(dir, FormatWAV))
	assert.Equal(t, KindDeviceBusy, KindOf(err))

	p.FailPrepare(nil)
	p.FailStart(errors.New("device lost"))
	loc := NewLocation(dir, FormatWAV)
	_, err = m.Acquire(ctx, loc)
	assert.Equal(t, KindDeviceBusy, KindOf(err))
	assert.Zero(t, p.Live())
	assert.Nil(t, m.Active())
	assert.NoFileExists(t, loc)
}

func TestFinalizeFailureStillReleases(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)

	p.FailFinalize(errors.New("disk full"))
	_, err = m.Finalize(ctx, lease)
	assert.Equal(t, KindFinalize, KindOf(err))
	assert.Nil(t, m.Active())
	assert.Equal(t, ModePlayback, m.Mode())
}

func TestModeSwitchFailureIsNotFatal(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	p.FailSetMode(errors.New("session unavailable"))
	lease, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)
	assert.Equal(t, ModePlayback, m.Mode())

	_, err = m.Finalize(ctx, lease)
	require.NoError(t, err)
}

func TestDiscardRemovesArtifact(t *testing.T) {
	m, _, dir := newTestManager(t)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)
	require.NoError(t, m.Discard(ctx, lease))
	assert.NoFileExists(t, lease.Location())

	// Discarding after finalize still deletes the artifact.
	lease, err = m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)
	uri, err := m.Finalize(ctx, lease)
	require.NoError(t, err)
	require.FileExists(t, uri)
	require.NoError(t, m.Discard(ctx, lease))
	assert.NoFileExists(t, uri)

	assert.NoError(t, m.Discard(ctx, nil))
}

func TestStatusForwardingCarriesLease(t *testing.T) {
	m, p, dir := newTestManager(t)
	ctx := context.Background()

	type got struct {
		lease  *Lease
		status Status
	}
	var received []got
	m.OnStatus(func(l *Lease, s Status) { received = append(received, got{l, s}) })

	lease, err := m.Acquire(ctx, NewLocation(dir, FormatWAV))
	require.NoError(t, err)
	p.Last().EmitDB(-30)

	require.Len(t, received, 1)
	assert.Same(t, lease, received[0].lease)
	require.NotNil(t, received[0].status.MeteringDB)
	assert.Equal(t, -30.0, *received[0].status.MeteringDB)
}

func TestCheckArtifactToleratesMissingFile(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.wav")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	checkArtifact(empty)
	checkArtifact(filepath.Join(dir, "missing.wav"))
}
