package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oszuidwest/voicerec/internal/archive"
	"github.com/oszuidwest/voicerec/internal/capture"
	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/eventlog"
	"github.com/oszuidwest/voicerec/internal/recorder"
	"github.com/oszuidwest/voicerec/internal/util"
)

// closeTimeout bounds finalizing the last session on shutdown.
const closeTimeout = 10 * time.Second

// pipelineOptions override configuration for one command invocation.
type pipelineOptions struct {
	inputFile string  // replay this WAV file instead of the configured backend
	speed     float64 // replay speed for inputFile; 0 replays as fast as possible
	noArchive bool
}

// pipeline wires the recorder to its capture backend, settings store, event log and archive.
type pipeline struct {
	cfg      config.Snapshot
	provider capture.Provider
	store    *config.SettingsStore
	events   *eventlog.Logger
	manager  *capture.Manager
	rec      *recorder.Recorder
	archiver *archive.Archiver // nil when archiving is disabled
}

func newPipeline(cfg config.Snapshot, opts pipelineOptions) (*pipeline, error) {
	if err := util.CheckPathWritable(cfg.OutputDir); err != nil {
		return nil, fmt.Errorf("output directory: %w", err)
	}
	provider, err := newProvider(cfg, opts)
	if err != nil {
		return nil, err
	}
	p := &pipeline{cfg: cfg, provider: provider}

	p.store = config.NewSettingsStore(cfg.SettingsFile, cfg.Profile)
	settings, err := p.store.Load()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("load recorder settings: %w", err), p.closeProvider())
	}

	if cfg.EventLogFile != "" {
		p.events, err = eventlog.NewLogger(cfg.EventLogFile)
		if err != nil {
			return nil, errors.Join(err, p.closeProvider())
		}
	}

	p.manager = capture.NewManager(provider, capture.Options{
		Format:          cfg.Format,
		SampleRate:      cfg.SampleRate,
		MeteringEnabled: true,
	})
	p.rec = recorder.New(recorder.Options{
		Manager:     p.manager,
		Settings:    settings,
		Store:       p.store,
		Events:      p.events,
		OutputDir:   cfg.OutputDir,
		Format:      cfg.Format,
		SettleDelay: cfg.SettleDelay,
		OnFinalized: p.onFinalized,
	})

	if cfg.Archive.Enabled && !opts.noArchive {
		uploader, err := archive.NewS3Uploader(cfg.Archive)
		if err != nil {
			return nil, errors.Join(err, p.close(context.Background()))
		}
		p.archiver = archive.New(archive.Options{
			Uploader: uploader,
			Sink:     p.rec,
			Events:   p.events,
			Prefix:   cfg.Archive.Prefix,
		})
	}
	return p, nil
}

func newProvider(cfg config.Snapshot, opts pipelineOptions) (capture.Provider, error) {
	switch {
	case opts.inputFile != "":
		return capture.NewFileProvider(opts.inputFile, opts.speed), nil
	case cfg.Backend == "file":
		return capture.NewFileProvider(cfg.InputFile, 1), nil
	default:
		return capture.NewMalgoProvider(cfg.Device)
	}
}

func (p *pipeline) onFinalized(uri string) {
	if p.archiver == nil {
		return
	}
	if err := p.archiver.Enqueue(uri); err != nil {
		slog.Warn("recording not archived", "uri", uri, "error", err)
	}
}

// keep reports whether the artifact at path is still in use and must survive cleanup.
func (p *pipeline) keep(path string) bool {
	if path == p.rec.AudioURI() {
		return true
	}
	lease := p.manager.Active()
	return lease != nil && lease.Location() == path
}

// start runs the background services on g. When ctx is done the recorder is closed
// first, finalizing any session, and the archiver then drains its queue.
func (p *pipeline) start(ctx context.Context, g *errgroup.Group, watchSettings bool) {
	archiveCtx, cancelArchive := context.WithCancel(context.WithoutCancel(ctx))
	g.Go(func() error {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		defer cancelArchive()
		return p.rec.Close(closeCtx)
	})

	if p.archiver != nil {
		g.Go(func() error { return p.archiver.Run(archiveCtx) })
	} else {
		cancelArchive()
	}

	if p.cfg.Retention > 0 {
		g.Go(func() error {
			return archive.RunCleanup(ctx, p.cfg.OutputDir, p.cfg.Retention, p.keep, p.events)
		})
	}

	if watchSettings {
		g.Go(func() error {
			if err := p.store.Watch(ctx, p.rec.ApplySettings); err != nil {
				slog.Warn("settings hot reload disabled", "error", err)
			}
			return nil
		})
	}
}

// close closes the recorder if still open, then releases the event log and the capture backend.
func (p *pipeline) close(ctx context.Context) error {
	var errs []error
	if p.rec != nil {
		if err := p.rec.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.events.Close(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, p.closeProvider())
	return errors.Join(errs...)
}

func (p *pipeline) closeProvider() error {
	if c, ok := p.provider.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
