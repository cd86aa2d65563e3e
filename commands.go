package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/oszuidwest/voicerec/internal/capture"
	"github.com/oszuidwest/voicerec/internal/config"
	"github.com/oszuidwest/voicerec/internal/recorder"
	"github.com/oszuidwest/voicerec/internal/util"
)

// shutdownTimeout bounds the HTTP server shutdown.
const shutdownTimeout = 30 * time.Second

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder with its HTTP and WebSocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := a.load()
			if err != nil {
				return err
			}
			defer logCloser.Close() //nolint:errcheck // shutdown path

			ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Snapshot) error {
	p, err := newPipeline(cfg, pipelineOptions{})
	if err != nil {
		return err
	}

	version := NewVersionChecker(releasesURL)
	srv := NewServer(cfg, p.rec, p.events.Path(), version)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("web server listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return version.Run(gctx) })
	p.start(gctx, g, true)

	err = g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err = errors.Join(err, p.close(closeCtx))
	slog.Info("shutdown complete")
	return err
}

// sessionFlags are shared by record and listen.
type sessionFlags struct {
	inputFile string
	speed     float64
	noArchive bool
}

func (f *sessionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.inputFile, "input-file", "", "replay a WAV file instead of the microphone")
	cmd.Flags().Float64Var(&f.speed, "speed", 1, "replay speed for --input-file (0 = as fast as possible)")
	cmd.Flags().BoolVar(&f.noArchive, "no-archive", false, "do not upload recordings")
}

func (f *sessionFlags) options() pipelineOptions {
	return pipelineOptions{inputFile: f.inputFile, speed: f.speed, noArchive: f.noArchive}
}

func (a *app) recordCmd() *cobra.Command {
	var (
		flags     sessionFlags
		prebuffer bool
	)
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one session and print the artifact location",
		Long: "Record one session. With --prebuffer the recording starts on speech and is " +
			"abandoned if none is heard. The session ends on silence, at the duration limit, or on Ctrl+C.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := a.load()
			if err != nil {
				return err
			}
			defer logCloser.Close() //nolint:errcheck // shutdown path

			ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
			defer stop()

			return runSessions(ctx, cfg, flags.options(), func(ctx context.Context, rec *recorder.Recorder) error {
				uri, err := recordOnce(ctx, rec, prebuffer)
				if err != nil {
					return err
				}
				printResult(cmd, uri)
				return nil
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&prebuffer, "prebuffer", false, "wait for speech before recording")
	return cmd
}

func (a *app) listenCmd() *cobra.Command {
	var flags sessionFlags
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Record every utterance hands-free until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := a.load()
			if err != nil {
				return err
			}
			defer logCloser.Close() //nolint:errcheck // shutdown path

			ctx, stop := signal.NotifyContext(cmd.Context(), util.ShutdownSignals()...)
			defer stop()

			return runSessions(ctx, cfg, flags.options(), func(ctx context.Context, rec *recorder.Recorder) error {
				return listen(ctx, rec, func(uri string) { printResult(cmd, uri) })
			})
		},
	}
	flags.register(cmd)
	return cmd
}

// runSessions builds the pipeline, runs fn, then closes the recorder and waits
// for pending uploads.
func runSessions(ctx context.Context, cfg config.Snapshot, opts pipelineOptions,
	fn func(context.Context, *recorder.Recorder) error) error {
	p, err := newPipeline(cfg, opts)
	if err != nil {
		return err
	}

	svcCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(svcCtx)
	p.start(gctx, g, false)

	runErr := fn(ctx, p.rec)
	cancel()
	err = g.Wait()

	closeCtx, cancelClose := context.WithTimeout(context.Background(), closeTimeout)
	defer cancelClose()
	return errors.Join(runErr, err, p.close(closeCtx))
}

// recordOnce runs a single session to completion and returns its artifact location,
// or "" when a pre-buffered session heard no speech.
func recordOnce(ctx context.Context, rec *recorder.Recorder, prebuffer bool) (string, error) {
	states, unsubscribe := rec.Subscribe()
	defer unsubscribe()

	start := rec.StartRecording
	if prebuffer {
		start = rec.StartPreBuffering
	}
	if err := start(ctx); err != nil {
		return "", err
	}

	if err := waitIdle(ctx, states); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		uri, err := rec.StopRecording(stopCtx)
		if uri == "" && (err == nil || errors.Is(err, recorder.ErrStopInProgress)) {
			// Shutdown may have finalized the session first.
			return rec.AudioURI(), nil
		}
		return uri, err
	}
	return rec.AudioURI(), nil
}

// waitIdle blocks until the session ends or ctx is done.
func waitIdle(ctx context.Context, states <-chan recorder.Snapshot) error {
	last := recorder.Phase("")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-states:
			if !ok {
				return recorder.ErrClosed
			}
			if snap.Phase != last {
				slog.Debug("session phase", "phase", snap.Phase, "session", snap.SessionID)
				last = snap.Phase
			}
			if snap.Phase == recorder.PhaseIdle {
				return nil
			}
		}
	}
}

// listen pre-buffers repeatedly, reporting each finalized artifact, until ctx is done.
// Device failures are retried with backoff.
func listen(ctx context.Context, rec *recorder.Recorder, report func(uri string)) error {
	backoff := util.NewBackoff(time.Second, 30*time.Second, 0)
	for ctx.Err() == nil {
		uri, err := recordOnce(ctx, rec, true)
		switch {
		case err == nil:
			backoff.Reset()
			if uri != "" {
				report(uri)
			}
			if err := rec.ResetRecording(); err != nil {
				slog.Warn("failed to reset recorder", "error", err)
			}
		case errors.Is(err, recorder.ErrClosed), errors.Is(err, context.Canceled):
			return nil
		case capture.KindOf(err) == capture.KindPermission:
			return err
		default:
			delay, _ := backoff.Next()
			slog.Warn("capture unavailable, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

func printResult(cmd *cobra.Command, uri string) {
	if uri == "" {
		fmt.Fprintln(cmd.ErrOrStderr(), "No speech detected.")
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), uri)
}

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the recorder settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the recorder settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closer, err := a.settingsStore()
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // read-only command

			settings, err := store.Load()
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(settings)
		},
	})

	var (
		profile                                        string
		speech, silence                                float64
		silenceDur, minRecording, interval, prebufWait time.Duration
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change recorder settings; only the given flags are updated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var patch config.SettingsPatch
			flags := cmd.Flags()
			if flags.Changed("profile") {
				p := config.Profile(profile)
				patch.Profile = &p
			}
			if flags.Changed("speech-threshold") {
				patch.SpeechThreshold = &speech
			}
			if flags.Changed("silence-threshold") {
				patch.SilenceThreshold = &silence
			}
			setMs := func(name string, d time.Duration, dst **int64) {
				if flags.Changed(name) {
					v := d.Milliseconds()
					*dst = &v
				}
			}
			setMs("silence-duration", silenceDur, &patch.SilenceDurationMs)
			setMs("min-recording-time", minRecording, &patch.MinRecordingTimeMs)
			setMs("check-interval", interval, &patch.CheckIntervalMs)
			setMs("prebuffer-timeout", prebufWait, &patch.PreBufferTimeoutMs)
			if patch.Empty() {
				return errors.New("no settings given")
			}

			store, closer, err := a.settingsStore()
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // short-lived command

			if _, err := store.Load(); err != nil {
				return err
			}
			settings, err := store.Save(patch)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(settings)
		},
	}
	f := set.Flags()
	f.StringVar(&profile, "profile", "", "device profile: ios, android or desktop (resets thresholds)")
	f.Float64Var(&speech, "speech-threshold", 0, "level above which audio counts as speech (0-100)")
	f.Float64Var(&silence, "silence-threshold", 0, "level below which audio counts as silence (0-100)")
	f.DurationVar(&silenceDur, "silence-duration", 0, "silence that ends a recording")
	f.DurationVar(&minRecording, "min-recording-time", 0, "grace period before silence is evaluated")
	f.DurationVar(&interval, "check-interval", 0, "state update interval")
	f.DurationVar(&prebufWait, "prebuffer-timeout", 0, "how long to wait for speech when pre-buffering")
	cmd.AddCommand(set)
	return cmd
}

func (a *app) settingsStore() (*config.SettingsStore, io.Closer, error) {
	cfg, closer, err := a.load()
	if err != nil {
		return nil, nil, err
	}
	return config.NewSettingsStore(cfg.SettingsFile, cfg.Profile), closer, nil
}

func (a *app) devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := a.load()
			if err != nil {
				return err
			}
			defer closer.Close() //nolint:errcheck // read-only command

			provider, err := capture.NewMalgoProvider(cfg.Device)
			if err != nil {
				return err
			}
			defer provider.Close() //nolint:errcheck // read-only command

			devices, err := provider.Devices()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEFAULT\tNAME\tID")
			for _, d := range devices {
				mark := ""
				if d.Default {
					mark = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", mark, d.Name, d.ID)
			}
			return w.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := currentVersionInfo()
			if check {
				vc := NewVersionChecker(releasesURL)
				if err := vc.Check(cmd.Context()); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "update check failed: %v\n", err)
				}
				info = vc.Info()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voicerec %s (commit %s, built %s)\n", info.Current, info.Commit, info.BuildTime)
			if info.UpdateAvail {
				fmt.Fprintf(cmd.OutOrStdout(), "update available: %s\n", info.Latest)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check for a newer release")
	return cmd
}
