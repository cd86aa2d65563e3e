package capture

import (
	"context"
	"os"
	"path/filepath"
	"sync"
)

// FakeProvider is an in-memory Provider for tests. Handles write a small placeholder
// artifact on finalize and let the test drive status updates with Emit.
type FakeProvider struct {
	mu          sync.Mutex
	prepareErr  error
	startErr    error
	finalizeErr error
	modeErr     error
	gate        chan struct{}
	finalGate   chan struct{}
	prepared    chan struct{}
	handles     []*FakeHandle
	modes       []Mode
	live        int
	maxLive     int
}

// NewFakeProvider returns a provider whose operations all succeed.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{prepared: make(chan struct{}, 16)}
}

// FailPrepare makes subsequent Prepare calls return err. Nil clears it.
func (p *FakeProvider) FailPrepare(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepareErr = err
}

// FailStart makes subsequent handle starts return err.
func (p *FakeProvider) FailStart(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startErr = err
}

// FailFinalize makes subsequent StopAndFinalize calls return err.
func (p *FakeProvider) FailFinalize(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finalizeErr = err
}

// FailSetMode makes SetMode return err.
func (p *FakeProvider) FailSetMode(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modeErr = err
}

// HoldPrepare blocks Prepare until the returned func is called, simulating a slow device.
func (p *FakeProvider) HoldPrepare() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.gate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// HoldFinalize blocks StopAndFinalize until the returned func is called.
func (p *FakeProvider) HoldFinalize() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.finalGate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.finalGate = nil
			p.mu.Unlock()
			close(gate)
		})
	}
}

// Prepared is signalled each time Prepare is entered.
func (p *FakeProvider) Prepared() <-chan struct{} { return p.prepared }

// Prepare creates a FakeHandle for opts.Location.
func (p *FakeProvider) Prepare(ctx context.Context, opts Options) (Handle, error) {
	select {
	case p.prepared <- struct{}{}:
	default:
	}

	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepareErr != nil {
		return nil, p.prepareErr
	}
	h := &FakeHandle{provider: p, location: opts.Location}
	p.handles = append(p.handles, h)
	p.live++
	p.maxLive = max(p.maxLive, p.live)
	return h, nil
}

// SetMode records mode.
func (p *FakeProvider) SetMode(_ context.Context, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.modeErr != nil {
		return p.modeErr
	}
	p.modes = append(p.modes, mode)
	return nil
}

// Handles returns every handle prepared so far.
func (p *FakeProvider) Handles() []*FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*FakeHandle(nil), p.handles...)
}

// Last returns the most recently prepared handle, or nil.
func (p *FakeProvider) Last() *FakeHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

// Live returns how many prepared handles have not been finalized.
func (p *FakeProvider) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// MaxLive returns the highest number of simultaneously live handles.
func (p *FakeProvider) MaxLive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxLive
}

// Modes returns the modes applied so far, in order.
func (p *FakeProvider) Modes() []Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Mode(nil), p.modes...)
}

// FakeHandle is a Handle created by FakeProvider.
type FakeHandle struct {
	provider *FakeProvider
	location string

	mu        sync.Mutex
	cb        func(Status)
	started   bool
	finalized int
}

// Location returns the artifact location the handle was prepared with.
func (h *FakeHandle) Location() string { return h.location }

// Start marks the handle started.
func (h *FakeHandle) Start() error {
	h.provider.mu.Lock()
	err := h.provider.startErr
	h.provider.mu.Unlock()
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started = true
	return nil
}

// StopAndFinalize writes the placeholder artifact on the first call.
func (h *FakeHandle) StopAndFinalize(_ context.Context) (string, error) {
	h.mu.Lock()
	h.finalized++
	first := h.finalized == 1
	h.started = false
	h.mu.Unlock()

	if !first {
		return h.location, nil
	}

	h.provider.mu.Lock()
	gate := h.provider.finalGate
	h.provider.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.provider.mu.Lock()
	h.provider.live--
	err := h.provider.finalizeErr
	h.provider.mu.Unlock()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(h.location), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(h.location, []byte("RIFF"), 0o600); err != nil {
		return "", err
	}
	return h.location, nil
}

// OnStatusUpdate registers cb.
func (h *FakeHandle) OnStatusUpdate(cb func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb = cb
}

// Emit delivers s to the registered callback on the calling goroutine.
func (h *FakeHandle) Emit(s Status) {
	h.mu.Lock()
	cb := h.cb
	h.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// EmitDB delivers a recording status carrying the given metering reading.
func (h *FakeHandle) EmitDB(db float64) {
	h.Emit(Status{IsRecording: true, MeteringDB: &db})
}

// Started reports whether the handle is capturing.
func (h *FakeHandle) Started() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started
}

// FinalizeCount returns how many times StopAndFinalize was called.
func (h *FakeHandle) FinalizeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.finalized
}
