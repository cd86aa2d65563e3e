package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// FileProvider replays a WAV file as if it were a live microphone. Once the file
// is exhausted it keeps delivering digital silence until the handle is stopped.
type FileProvider struct {
	path  string
	speed float64

	mu   sync.Mutex
	mode Mode
}

// NewFileProvider replays path. speed scales playback pacing: 1 is real time and
// zero or less delivers blocks as fast as they can be consumed.
func NewFileProvider(path string, speed float64) *FileProvider {
	return &FileProvider{path: path, speed: speed, mode: ModePlayback}
}

// Prepare opens the file and validates its format.
func (p *FileProvider) Prepare(_ context.Context, opts Options) (Handle, error) {
	f, err := os.Open(p.path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrNoDevice, err)
	}

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close() //nolint:errcheck,gosec // read-only
		return nil, fmt.Errorf("%w: %s is not a valid WAV file", ErrNoDevice, p.path)
	}

	rate := int(dec.SampleRate)
	h, err := newStreamHandle(opts, rate)
	if err != nil {
		f.Close() //nolint:errcheck,gosec // read-only
		return nil, err
	}

	r := &fileReplay{
		file:     f,
		dec:      dec,
		channels: max(int(dec.NumChans), 1),
		shift:    int(dec.BitDepth) - 16,
		block:    max(rate/statusRate, 1),
		speed:    p.speed,
		feed:     h.feed,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.startFn = func() error {
		r.started.Store(true)
		go r.run()
		return nil
	}
	h.stopFn = r.halt
	return h, nil
}

// SetMode records the requested routing. Replay has no audio session.
func (p *FileProvider) SetMode(_ context.Context, mode Mode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = mode
	return nil
}

type fileReplay struct {
	file     *os.File
	dec      *wav.Decoder
	channels int
	shift    int
	block    int
	speed    float64
	feed     func([]byte)

	stop     chan struct{}
	done     chan struct{}
	haltOnce sync.Once
	started  atomic.Bool
}

func (r *fileReplay) run() {
	defer close(r.done)
	defer r.file.Close() //nolint:errcheck // read-only

	buf := &goaudio.IntBuffer{Data: make([]int, r.block*r.channels)}
	pcm := make([]byte, r.block*2)
	eof := false

	var tick <-chan time.Time
	if r.speed > 0 {
		interval := time.Duration(float64(time.Second/statusRate) / r.speed)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		frames := 0
		if !eof {
			n, err := r.dec.PCMBuffer(buf)
			if err != nil && !errors.Is(err, io.EOF) {
				slog.Warn("wav replay read failed", "error", err)
			}
			if n == 0 || err != nil {
				eof = true
			}
			frames = n / r.channels
		}
		r.encode(buf.Data, frames, pcm)
		r.feed(pcm)

		if tick != nil {
			select {
			case <-r.stop:
				return
			case <-tick:
			}
		}
	}
}

// encode mixes frames of interleaved samples down to mono S16LE in pcm, padding with silence.
func (r *fileReplay) encode(data []int, frames int, pcm []byte) {
	for i := range r.block {
		var v int
		if i < frames {
			sum := 0
			for c := range r.channels {
				sum += data[i*r.channels+c]
			}
			v = sum / r.channels
			if r.shift > 0 {
				v >>= r.shift
			} else if r.shift < 0 {
				v <<= -r.shift
			}
			v = min(max(v, -32768), 32767)
		}
		binary.LittleEndian.PutUint16(pcm[2*i:], uint16(int16(v))) //nolint:gosec // clamped above
	}
}

func (r *fileReplay) halt() {
	r.haltOnce.Do(func() {
		close(r.stop)
	})
	if !r.started.Load() {
		r.file.Close() //nolint:errcheck,gosec // read-only
		return
	}
	select {
	case <-r.done:
	case <-time.After(time.Second):
		slog.Warn("wav replay did not stop in time")
	}
}
