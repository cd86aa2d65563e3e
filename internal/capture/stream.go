package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/oszuidwest/voicerec/internal/audio"
)

// statusRate is how many status updates a stream reports per second of audio.
const statusRate = 10

var errHandleClosed = errors.New("capture handle already finalized")

// streamHandle turns a stream of S16LE mono PCM blocks into an artifact and periodic
// status updates. Backends feed it from their data callback.
type streamHandle struct {
	location    string
	sampleRate  int
	metering    bool
	statusEvery int

	mu          sync.Mutex
	writer      ArtifactWriter
	cb          func(Status)
	levels      audio.LevelData
	sinceStatus int
	total       int64
	running     bool
	closed      bool
	writeErr    error

	startFn func() error
	stopFn  func()
}

func newStreamHandle(opts Options, sampleRate int) (*streamHandle, error) {
	w, err := NewArtifactWriter(opts.Location, opts.Format, sampleRate)
	if err != nil {
		return nil, err
	}
	return &streamHandle{
		location:    opts.Location,
		sampleRate:  sampleRate,
		metering:    opts.MeteringEnabled,
		statusEvery: max(sampleRate/statusRate, 1),
		writer:      w,
	}, nil
}

func (h *streamHandle) Start() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHandleClosed
	}
	h.running = true
	h.mu.Unlock()

	if h.startFn == nil {
		return nil
	}
	if err := h.startFn(); err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}
	return nil
}

func (h *streamHandle) OnStatusUpdate(cb func(Status)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cb = cb
}

// feed consumes one block of S16LE mono PCM.
func (h *streamHandle) feed(pcm []byte) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}

	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	if err := h.writer.Write(samples); err != nil && h.writeErr == nil {
		h.writeErr = err
	}

	audio.ProcessSamples(pcm, &h.levels)
	h.sinceStatus += len(samples)
	h.total += int64(len(samples))

	var (
		status Status
		cb     func(Status)
	)
	if h.sinceStatus >= h.statusEvery {
		status = Status{
			IsRecording: true,
			Elapsed:     time.Duration(h.total) * time.Second / time.Duration(h.sampleRate),
		}
		if h.metering {
			db := audio.CalculateLevels(&h.levels).RMS
			status.MeteringDB = &db
		}
		h.levels.Reset()
		h.sinceStatus = 0
		cb = h.cb
	}
	h.mu.Unlock()

	if cb != nil {
		cb(status)
	}
}

func (h *streamHandle) StopAndFinalize(_ context.Context) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return h.location, nil
	}
	h.closed = true
	h.running = false
	h.mu.Unlock()

	if h.stopFn != nil {
		h.stopFn()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location, errors.Join(h.writeErr, h.writer.Close())
}
