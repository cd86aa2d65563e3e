package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

// Artifact formats.
const (
	FormatWAV  = "wav"
	FormatFLAC = "flac"
)

const (
	bitDepth      = 16
	flacBlockSize = 4096
)

// ArtifactWriter encodes mono 16-bit samples into an artifact file.
type ArtifactWriter interface {
	Write(samples []int16) error
	Close() error
}

// NewArtifactWriter creates the artifact file at path and returns a writer for format.
func NewArtifactWriter(path, format string, sampleRate int) (ArtifactWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}

	switch format {
	case FormatWAV, "":
		return newWAVWriter(f, sampleRate), nil
	case FormatFLAC:
		w, err := newFLACWriter(f, sampleRate)
		if err != nil {
			f.Close() //nolint:errcheck,gosec // encoder error takes precedence
			return nil, err
		}
		return w, nil
	default:
		f.Close() //nolint:errcheck,gosec // nothing written
		return nil, fmt.Errorf("unsupported artifact format %q", format)
	}
}

type wavWriter struct {
	f   *os.File
	enc *wav.Encoder
	buf *audio.IntBuffer
}

func newWAVWriter(f *os.File, sampleRate int) *wavWriter {
	return &wavWriter{
		f:   f,
		enc: wav.NewEncoder(f, sampleRate, bitDepth, 1, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}
}

func (w *wavWriter) Write(samples []int16) error {
	w.buf.Data = w.buf.Data[:0]
	for _, s := range samples {
		w.buf.Data = append(w.buf.Data, int(s))
	}
	return w.enc.Write(w.buf)
}

func (w *wavWriter) Close() error {
	return errors.Join(w.enc.Close(), w.f.Close())
}

type flacWriter struct {
	f          *os.File
	enc        *flac.Encoder
	sampleRate int
	pending    []int32
}

func newFLACWriter(f *os.File, sampleRate int) (*flacWriter, error) {
	info := &meta.StreamInfo{
		BlockSizeMin:  16,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate), //nolint:gosec // validated range
		NChannels:     1,
		BitsPerSample: bitDepth,
	}
	enc, err := flac.NewEncoder(f, info)
	if err != nil {
		return nil, fmt.Errorf("create flac encoder: %w", err)
	}
	return &flacWriter{f: f, enc: enc, sampleRate: sampleRate}, nil
}

func (w *flacWriter) Write(samples []int16) error {
	for _, s := range samples {
		w.pending = append(w.pending, int32(s))
	}
	for len(w.pending) >= flacBlockSize {
		if err := w.writeFrame(w.pending[:flacBlockSize]); err != nil {
			return err
		}
		w.pending = append(w.pending[:0], w.pending[flacBlockSize:]...)
	}
	return nil
}

func (w *flacWriter) writeFrame(block []int32) error {
	samples := make([]int32, len(block))
	copy(samples, block)
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(samples)), //nolint:gosec // at most flacBlockSize
			SampleRate:    uint32(w.sampleRate), //nolint:gosec // validated range
			Channels:      frame.ChannelsMono,
			BitsPerSample: bitDepth,
		},
		Subframes: []*frame.Subframe{{
			SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
			Samples:   samples,
			NSamples:  len(samples),
		}},
	}
	if err := w.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("write flac frame: %w", err)
	}
	return nil
}

func (w *flacWriter) Close() error {
	var errs []error
	if len(w.pending) > 0 {
		errs = append(errs, w.writeFrame(w.pending))
		w.pending = nil
	}
	errs = append(errs, w.enc.Close())
	// The encoder may already have closed the file.
	if err := w.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

var (
	_ ArtifactWriter = (*wavWriter)(nil)
	_ ArtifactWriter = (*flacWriter)(nil)
)
