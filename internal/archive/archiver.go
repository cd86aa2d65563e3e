// Package archive ships finalized recordings to S3-compatible storage and prunes
// old local artifacts.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/util"
)

// ErrQueueFull is returned by Enqueue when the upload queue has no room.
var ErrQueueFull = errors.New("upload queue full")

// Status messages reported to the recorder while archiving.
const (
	MessageUploading = "Uploading recording..."
	MessageUploaded  = "Recording archived."
	MessageFailed    = "Recording could not be archived; it is kept locally."
)

const (
	queueSize     = 16
	uploadTimeout = 5 * time.Minute
)

// Uploader stores a local file under an object key.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// StatusSink receives processing state, typically the recorder.
type StatusSink interface {
	SetIsProcessing(processing bool)
	SetStatusMessage(msg string)
}

// Options configures an Archiver.
type Options struct {
	Uploader     Uploader
	Sink         StatusSink       // optional
	Events       *eventlog.Logger // optional
	Prefix       string           // object key prefix, e.g. "recordings/"
	DeleteLocal  bool             // remove the local file after a successful upload
	RetryInitial time.Duration    // first retry delay (default: 2s)
	RetryMax     time.Duration    // retry delay cap (default: 1m)
	MaxAttempts  int              // retries after the first failure (default: 5)
}

// Archiver uploads artifacts one at a time from a bounded queue.
type Archiver struct {
	opts  Options
	queue chan string
}

// New creates an archiver. Call Run to start the upload worker.
func New(opts Options) *Archiver {
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 2 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = time.Minute
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Archiver{opts: opts, queue: make(chan string, queueSize)}
}

// Enqueue schedules the artifact at path for upload.
func (a *Archiver) Enqueue(path string) error {
	select {
	case a.queue <- path:
	default:
		slog.Warn("upload queue full", "file", filepath.Base(path))
		return ErrQueueFull
	}
	a.log(eventlog.UploadQueued, &eventlog.ArchiveDetails{Filename: filepath.Base(path), Key: a.Key(path)})
	slog.Info("queued file for upload", "file", filepath.Base(path))
	return nil
}

// Run processes the queue until ctx is done, then drains what is left with a fresh
// context so accepted recordings are not lost on shutdown.
func (a *Archiver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case p := <-a.queue:
					a.process(context.WithoutCancel(ctx), p)
				default:
					return nil
				}
			}
		case p := <-a.queue:
			a.process(ctx, p)
		}
	}
}

// Key returns the object key for a local artifact: prefix/YYYY/MM/DD/name.
func (a *Archiver) Key(localPath string) string {
	day := time.Now().Format("2006/01/02")
	if info, err := os.Stat(localPath); err == nil {
		day = info.ModTime().Format("2006/01/02")
	}
	return path.Join(a.opts.Prefix, day, filepath.Base(localPath))
}

func (a *Archiver) process(ctx context.Context, localPath string) {
	sink := a.opts.Sink
	if sink != nil {
		sink.SetIsProcessing(true)
		sink.SetStatusMessage(MessageUploading)
		defer sink.SetIsProcessing(false)
	}

	key := a.Key(localPath)
	name := filepath.Base(localPath)
	err := a.uploadWithRetry(ctx, key, localPath)
	if err != nil {
		slog.Error("upload failed", "key", key, "error", err)
		a.log(eventlog.UploadFailed, &eventlog.ArchiveDetails{Filename: name, Key: key, Error: err.Error()})
		if sink != nil {
			sink.SetStatusMessage(MessageFailed)
		}
		return
	}

	slog.Info("upload completed", "key", key)
	a.log(eventlog.UploadCompleted, &eventlog.ArchiveDetails{Filename: name, Key: key, SizeBytes: util.FileSize(localPath)})
	if sink != nil {
		sink.SetStatusMessage(MessageUploaded)
	}
	if a.opts.DeleteLocal {
		if err := os.Remove(localPath); err != nil {
			slog.Warn("failed to delete local file after upload", "path", localPath, "error", err)
		}
	}
}

func (a *Archiver) uploadWithRetry(ctx context.Context, key, localPath string) error {
	backoff := util.NewBackoff(a.opts.RetryInitial, a.opts.RetryMax, a.opts.MaxAttempts)
	for {
		uctx, cancel := context.WithTimeoutCause(ctx, uploadTimeout, errors.New("s3 upload timeout"))
		err := a.opts.Uploader.Upload(uctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, os.ErrNotExist) {
			return err
		}

		delay, ok := backoff.Next()
		if !ok {
			return err
		}
		slog.Warn("retrying upload", "key", key, "attempt", backoff.Attempts(), "delay", delay, "error", err)
		a.log(eventlog.UploadRetry, &eventlog.ArchiveDetails{
			Filename:   filepath.Base(localPath),
			Key:        key,
			Error:      err.Error(),
			RetryCount: backoff.Attempts(),
		})

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		}
	}
}

func (a *Archiver) log(t eventlog.EventType, details *eventlog.ArchiveDetails) {
	if err := a.opts.Events.LogArchive(t, details); err != nil {
		slog.Warn("failed to write archive event", "type", t, "error", err)
	}
}
