package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/oszuidwest/voicerec/internal/util"
)

// Lease is exclusive ownership of one acquired capture handle.
type Lease struct {
	id       uint64
	location string
	handle   Handle

	once sync.Once
	uri  string
	err  error
}

// ID returns the lease sequence number, unique within a Manager.
func (l *Lease) ID() uint64 { return l.id }

// Location returns the artifact location the handle was prepared with.
func (l *Lease) Location() string { return l.location }

// StatusFunc receives status updates together with the lease that produced them.
type StatusFunc func(lease *Lease, status Status)

// Manager holds at most one capture handle at a time and guarantees it is released.
// It is safe for concurrent use.
type Manager struct {
	provider Provider
	defaults Options

	mu     sync.Mutex
	active *Lease
	mode   Mode
	sink   StatusFunc

	nextID atomic.Uint64
}

// NewManager creates a manager around provider. defaults supplies Format, SampleRate
// and MeteringEnabled for every acquired handle.
func NewManager(provider Provider, defaults Options) *Manager {
	return &Manager{
		provider: provider,
		defaults: defaults,
		mode:     ModePlayback,
	}
}

// OnStatus registers the receiver of status updates from acquired handles.
func (m *Manager) OnStatus(fn StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = fn
}

// Mode returns the last audio session mode that was applied successfully.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Active returns the currently held lease, or nil.
func (m *Manager) Active() *Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// NewLocation returns a fresh artifact path in dir for the given format.
func NewLocation(dir, format string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s", uuid.NewString(), format))
}

// Acquire switches the session into recording mode and prepares and starts a
// handle writing to location. Any handle still held is discarded first.
// Failures are returned as *Error with KindPermission or KindDeviceBusy.
func (m *Manager) Acquire(ctx context.Context, location string) (*Lease, error) {
	m.mu.Lock()
	stale := m.active
	m.active = nil
	m.mu.Unlock()

	if stale != nil {
		slog.Warn("releasing stale capture handle before acquire", "lease", stale.id, "location", stale.location)
		if err := m.Discard(ctx, stale); err != nil {
			slog.Warn("failed to discard stale capture handle", "lease", stale.id, "error", err)
		}
	}

	m.switchMode(ctx, ModeRecording)

	opts := m.defaults
	opts.Location = location
	handle, err := m.provider.Prepare(ctx, opts)
	if err != nil {
		m.switchMode(ctx, ModePlayback)
		return nil, acquireError("prepare", err)
	}

	lease := &Lease{
		id:       m.nextID.Add(1),
		location: location,
		handle:   handle,
	}
	handle.OnStatusUpdate(func(s Status) { m.forward(lease, s) })

	if err := handle.Start(); err != nil {
		lease.once.Do(func() {
			if _, ferr := handle.StopAndFinalize(ctx); ferr != nil {
				slog.Debug("finalize after failed start", "lease", lease.id, "error", ferr)
			}
			lease.err = err
		})
		removeArtifact(location)
		m.switchMode(ctx, ModePlayback)
		return nil, acquireError("start", err)
	}

	m.mu.Lock()
	m.active = lease
	m.mu.Unlock()

	slog.Debug("capture handle acquired", "lease", lease.id, "location", location)
	return lease, nil
}

// Finalize stops the handle, flushes its artifact and releases it, restoring playback
// mode. It is idempotent: later calls return the result of the first.
// Finalize failures are returned as *Error with KindFinalize.
func (m *Manager) Finalize(ctx context.Context, lease *Lease) (string, error) {
	if lease == nil {
		return "", nil
	}
	lease.once.Do(func() {
		defer m.release(ctx, lease)

		uri, err := lease.handle.StopAndFinalize(ctx)
		if err != nil {
			lease.err = &Error{Kind: KindFinalize, Op: "finalize", Err: err}
			return
		}
		if uri == "" {
			uri = lease.location
		}
		lease.uri = uri
		checkArtifact(uri)
	})
	return lease.uri, lease.err
}

// Discard releases the handle like Finalize and deletes whatever artifact it produced.
func (m *Manager) Discard(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	uri, err := m.Finalize(ctx, lease)
	removeArtifact(lease.location)
	if uri != "" && uri != lease.location {
		removeArtifact(uri)
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindFinalize {
		// Nothing is kept, so a failed flush does not matter.
		return nil
	}
	return err
}

// release clears the lease and restores playback mode. It runs on every finalize path.
func (m *Manager) release(ctx context.Context, lease *Lease) {
	m.mu.Lock()
	if m.active == lease {
		m.active = nil
	}
	m.mu.Unlock()

	m.switchMode(ctx, ModePlayback)
	slog.Debug("capture handle released", "lease", lease.id)
}

// switchMode applies mode. Failures are logged, never returned.
func (m *Manager) switchMode(ctx context.Context, mode Mode) {
	if err := m.provider.SetMode(ctx, mode); err != nil {
		slog.Warn("audio session mode switch failed", "mode", mode, "error", &Error{Kind: KindModeSwitch, Op: "set mode", Err: err})
		return
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
}

func (m *Manager) forward(lease *Lease, s Status) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	if sink != nil {
		sink(lease, s)
	}
}

// checkArtifact warns when a finalized artifact is missing or empty.
func checkArtifact(uri string) {
	switch size := util.FileSize(uri); {
	case size < 0:
		slog.Warn("finalized artifact not found", "uri", uri)
	case size == 0:
		slog.Warn("finalized artifact is empty", "uri", uri)
	default:
		slog.Debug("finalized artifact", "uri", uri, "bytes", size)
	}
}

func removeArtifact(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to remove artifact", "path", path, "error", err)
	}
}
