package capture

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/oszuidwest/voicerec/internal/audio"
)

// MalgoProvider captures from a local input device through miniaudio.
type MalgoProvider struct {
	ctx    *malgo.AllocatedContext
	device string

	mu   sync.Mutex
	mode Mode
}

// NewMalgoProvider initializes the audio backend. device selects an input by ID or
// case-insensitive name fragment; empty uses the system default.
func NewMalgoProvider(device string) (*MalgoProvider, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoProvider{ctx: ctx, device: device, mode: ModePlayback}, nil
}

// Devices lists the available capture devices.
func (p *MalgoProvider) Devices() ([]audio.Device, error) {
	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	devices := make([]audio.Device, 0, len(infos))
	for i := range infos {
		devices = append(devices, audio.Device{
			ID:      hex.EncodeToString(infos[i].ID[:]),
			Name:    infos[i].Name(),
			Default: infos[i].IsDefault != 0,
		})
	}
	return devices, nil
}

// lookup resolves the configured device to a malgo ID. A nil ID means the default device.
func (p *MalgoProvider) lookup() (*malgo.DeviceID, error) {
	if p.device == "" {
		return nil, nil
	}
	infos, err := p.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("list capture devices: %w", err)
	}
	want := strings.ToLower(p.device)
	for i := range infos {
		id := hex.EncodeToString(infos[i].ID[:])
		if id == want || strings.Contains(strings.ToLower(infos[i].Name()), want) {
			devID := infos[i].ID
			return &devID, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, p.device)
}

// Prepare opens the input device. Capture begins when the handle is started.
func (p *MalgoProvider) Prepare(_ context.Context, opts Options) (Handle, error) {
	devID, err := p.lookup()
	if err != nil {
		return nil, deviceError(err)
	}

	h, err := newStreamHandle(opts, opts.SampleRate)
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(opts.SampleRate) //nolint:gosec // validated range
	if devID != nil {
		cfg.Capture.DeviceID = devID.Pointer()
	}

	dev, err := malgo.InitDevice(p.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			h.feed(input)
		},
	})
	if err != nil {
		h.writer.Close() //nolint:errcheck,gosec // init error takes precedence
		removeArtifact(opts.Location)
		return nil, deviceError(err)
	}

	h.startFn = func() error {
		if err := dev.Start(); err != nil {
			return deviceError(err)
		}
		return nil
	}
	h.stopFn = func() {
		if err := dev.Stop(); err != nil {
			slog.Debug("capture device stop", "error", err)
		}
		dev.Uninit()
	}
	return h, nil
}

// deviceError classifies a miniaudio failure. Access denied means the OS refused
// microphone access; anything else leaves the device unavailable for now.
func deviceError(err error) error {
	if errors.Is(err, malgo.ErrAccessDenied) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %w", ErrDeviceBusy, err)
}

// SetMode records the requested routing. Desktop backends have no audio session to
// reconfigure, so the switch always succeeds.
func (p *MalgoProvider) SetMode(_ context.Context, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != mode {
		slog.Debug("audio session mode", "from", p.mode, "to", mode)
		p.mode = mode
	}
	return nil
}

// Close releases the audio backend.
func (p *MalgoProvider) Close() error {
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	p.ctx.Free()
	return nil
}
