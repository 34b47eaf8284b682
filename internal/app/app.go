// Package app wires all livesub subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// subtitle bus, pipeline, optional history archive, and HTTP server; Run
// drives them until the context ends; Shutdown tears everything down in
// order.
//
// For testing, inject mock providers via the Providers struct and test
// doubles via functional options. When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otoscribe/livesub/internal/chunker"
	"github.com/otoscribe/livesub/internal/config"
	"github.com/otoscribe/livesub/internal/health"
	"github.com/otoscribe/livesub/internal/history"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/pipeline"
	"github.com/otoscribe/livesub/internal/server"
	"github.com/otoscribe/livesub/internal/subtitle"
	"github.com/otoscribe/livesub/internal/textseg"
	"github.com/otoscribe/livesub/pkg/audio"
	"github.com/otoscribe/livesub/pkg/provider/asr"
	"github.com/otoscribe/livesub/pkg/provider/translate"
	"github.com/otoscribe/livesub/pkg/provider/vad"
)

// stopTimeout bounds the pipeline drain when Run winds down.
const stopTimeout = 10 * time.Second

// Providers holds one interface value per pipeline slot. Translate may be
// nil when translation is disabled. Populated by main.go via the config
// registry.
type Providers struct {
	Source    audio.Source
	VAD       vad.Engine
	ASR       asr.Provider
	Translate translate.Provider
}

// healthProber is implemented by providers that can probe their backing
// service, like the whisper HTTP client.
type healthProber interface {
	Healthy(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	bus     *subtitle.Bus
	pipe    *pipeline.Pipeline
	srv     *server.Server
	archive pipeline.Archiver
	metrics *observe.Metrics
	log     *slog.Logger

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithArchiver injects a line archive instead of creating one from
// history.postgres_dsn.
func WithArchiver(a pipeline.Archiver) Option {
	return func(app *App) { app.archive = a }
}

// WithMetrics overrides the metrics sink (defaults to observe.DefaultMetrics).
func WithMetrics(m *observe.Metrics) Option {
	return func(app *App) { app.metrics = m }
}

// WithLogger overrides the logger (defaults to slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(app *App) { app.log = l }
}

// New wires the bus, history archive, pipeline, and HTTP server together.
// The providers struct comes from main.go (populated via the config
// registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Source == nil || providers.VAD == nil || providers.ASR == nil {
		return nil, fmt.Errorf("app: source, VAD, and ASR providers are required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	if err := a.initBus(); err != nil {
		return nil, fmt.Errorf("app: init bus: %w", err)
	}
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initServer(); err != nil {
		return nil, fmt.Errorf("app: init server: %w", err)
	}

	return a, nil
}

// ---- init helpers ----

func (a *App) initBus() error {
	policy := subtitle.DropOldest
	if a.cfg.Subtitles.Overflow == "block" {
		policy = subtitle.Block
	}
	bus, err := subtitle.NewBus(a.cfg.Subtitles.QueueSize, policy)
	if err != nil {
		return err
	}
	a.bus = bus
	return nil
}

// initArchive connects the Postgres line archive when configured and not
// injected.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil || a.cfg.History.PostgresDSN == "" {
		return nil
	}
	arch, err := history.New(ctx, a.cfg.History.PostgresDSN, a.cfg.History.SessionID,
		history.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.archive = arch
	a.closers = append(a.closers, func() error {
		arch.Close()
		return nil
	})
	a.log.Info("line archive connected", "session_id", a.cfg.History.SessionID)
	return nil
}

func (a *App) initPipeline() error {
	pauseMode := pipeline.PauseFinalize
	if a.cfg.Subtitles.Pause == "hold" {
		pauseMode = pipeline.PauseHold
	}

	pcfg := pipeline.Config{
		Stream: audio.StreamConfig{
			SampleRate: a.cfg.Audio.SampleRate,
			Channels:   a.cfg.Audio.Channels,
			FrameMs:    a.cfg.Audio.FrameMs,
			Device:     a.cfg.Audio.Device,
		},
		VAD: vad.Config{
			SampleRate:  a.cfg.Audio.SampleRate,
			FrameSizeMs: a.cfg.Audio.FrameMs,
			Channels:    a.cfg.Audio.Channels,
			Threshold:   a.cfg.VAD.RMSThreshold,
			Smoothing:   a.cfg.VAD.Smoothing,
		},
		Chunker: chunker.Config{
			SampleRate:   a.cfg.Audio.SampleRate,
			FrameMs:      a.cfg.Audio.FrameMs,
			EndSilenceMs: a.cfg.Chunker.EndSilenceMs,
			MinUtterSec:  a.cfg.Chunker.MinUtterSec,
			MaxUtterSec:  a.cfg.Chunker.MaxUtterSec,
		},
		Segmenter: textseg.Config{
			GapSec:       a.cfg.Segmenter.GapSec,
			HardMaxChars: a.cfg.Segmenter.HardMaxChars,
			Language:     a.cfg.ASR.Language,
		},
		Language:         a.cfg.ASR.Language,
		ASRName:          a.cfg.ASR.Provider,
		TranslateName:    a.cfg.Translate.Provider,
		ASRTimeout:       time.Duration(a.cfg.ASR.TimeoutMs) * time.Millisecond,
		TranslateAsync:   a.cfg.Translate.AsyncEnabled(),
		TranslateTimeout: time.Duration(a.cfg.Translate.TimeoutMs) * time.Millisecond,
		SourceLang:       a.cfg.Translate.SourceLang,
		TargetLang:       a.cfg.Translate.TargetLang,
		MaxRestarts:      a.cfg.Audio.MaxRestarts,
		Pause:            pauseMode,
	}

	popts := []pipeline.Option{
		pipeline.WithMetrics(a.metrics),
		pipeline.WithLogger(a.log),
	}
	if a.providers.Translate != nil {
		popts = append(popts, pipeline.WithTranslator(a.providers.Translate))
	}
	if a.archive != nil {
		popts = append(popts, pipeline.WithArchiver(a.archive))
	}

	pipe, err := pipeline.New(pcfg, a.providers.Source, a.providers.VAD, a.providers.ASR, a.bus, popts...)
	if err != nil {
		return err
	}
	a.pipe = pipe
	return nil
}

func (a *App) initServer() error {
	var checkers []health.Checker
	if prober, ok := a.providers.ASR.(healthProber); ok {
		checkers = append(checkers, health.NewCheck("asr", prober.Healthy))
	}
	if arch, ok := a.archive.(*history.Archive); ok {
		checkers = append(checkers, health.NewCheck("history", arch.Ping))
	}

	scfg := server.Config{
		ListenAddr:        a.cfg.Server.ListenAddr,
		Poll:              time.Duration(a.cfg.Subtitles.PollMs) * time.Millisecond,
		MaxUpdatesPerTick: a.cfg.Subtitles.MaxUpdatesPerTick,
	}
	if a.cfg.Server.TLS != nil {
		scfg.CertFile = a.cfg.Server.TLS.CertFile
		scfg.KeyFile = a.cfg.Server.TLS.KeyFile
	}

	srv, err := server.New(scfg, a.bus, a.pipe,
		server.WithMetrics(a.metrics),
		server.WithLogger(a.log),
		server.WithCheckers(checkers...),
	)
	if err != nil {
		return err
	}
	a.srv = srv
	return nil
}

// ---- run / shutdown ----

// Pipeline exposes the pipeline for control surfaces beyond the HTTP API.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Bus exposes the subtitle bus for embedding consumers.
func (a *App) Bus() *subtitle.Bus { return a.bus }

// Run starts the pipeline and the HTTP server and blocks until ctx ends or
// either subsystem fails. The pipeline is drained before Run returns.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.Run(gctx)
	})
	g.Go(func() error {
		if err := a.pipe.Start(gctx); err != nil {
			return fmt.Errorf("app: start pipeline: %w", err)
		}
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		if err := a.pipe.Stop(sctx); err != nil {
			return fmt.Errorf("app: stop pipeline: %w", err)
		}
		return nil
	})

	a.log.Info("livesub running",
		"listen_addr", a.cfg.Server.ListenAddr,
		"source", a.cfg.Audio.Source,
		"asr", a.cfg.ASR.Provider,
		"translate", a.cfg.Translate.Provider,
	)
	return g.Wait()
}

// Shutdown tears down the remaining subsystems in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		a.bus.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
