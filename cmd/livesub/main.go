// Command livesub captures live audio, transcribes it utterance by
// utterance, and serves the resulting subtitles over HTTP/WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/otoscribe/livesub/internal/app"
	"github.com/otoscribe/livesub/internal/config"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/pkg/provider/vad"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ---- CLI flags ----
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ---- Load configuration ----
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "livesub: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "livesub: %v\n", err)
		}
		return 1
	}

	// ---- Logger ----
	// The level lives in a LevelVar so config reloads can adjust it without
	// swapping the handler.
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("livesub starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ---- Telemetry ----
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName: "livesub",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ---- Instantiate providers ----
	reg := config.DefaultRegistry()
	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ---- Signal context ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Startup summary ----
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ---- Config hot reload ----
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(application, level, config.Diff(old, new), new)
	})
	if err != nil {
		slog.Warn("config watcher unavailable, live reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ---- Graceful shutdown ----
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ---- Provider wiring ----

// buildProviders instantiates the source, VAD, ASR, and (optionally)
// translation providers named in cfg and returns them in an [app.Providers]
// struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	src, err := reg.CreateSource(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("create audio source %q: %w", cfg.Audio.Source, err)
	}
	ps.Source = src
	slog.Info("provider created", "kind", "source", "name", cfg.Audio.Source)

	eng, err := reg.CreateVAD(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("create vad engine %q: %w", cfg.VAD.Engine, err)
	}
	ps.VAD = eng
	slog.Info("provider created", "kind", "vad", "name", cfg.VAD.Engine)

	asrp, err := reg.CreateASR(cfg.ASR)
	if err != nil {
		return nil, fmt.Errorf("create asr provider %q: %w", cfg.ASR.Provider, err)
	}
	ps.ASR = asrp
	slog.Info("provider created", "kind", "asr", "name", cfg.ASR.Provider)

	if cfg.Translate.Enabled() {
		tr, err := reg.CreateTranslate(cfg.Translate)
		if err != nil {
			return nil, fmt.Errorf("create translate provider %q: %w", cfg.Translate.Provider, err)
		}
		ps.Translate = tr
		slog.Info("provider created", "kind", "translate", "name", cfg.Translate.Provider,
			"source_lang", cfg.Translate.SourceLang, "target_lang", cfg.Translate.TargetLang)
	}

	return ps, nil
}

// ---- Config reload ----

// applyReload applies the hot-reloadable subset of a config change: log
// level takes effect immediately, VAD tuning on the next stream open, and
// the language pair on the next translation request.
func applyReload(application *app.App, level *slog.LevelVar, d config.ConfigDiff, cfg *config.Config) {
	if !d.Any() {
		return
	}
	if d.LogLevelChanged {
		level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		application.Pipeline().SetVADConfig(vad.Config{
			SampleRate:  cfg.Audio.SampleRate,
			FrameSizeMs: cfg.Audio.FrameMs,
			Channels:    cfg.Audio.Channels,
			Threshold:   d.NewVAD.RMSThreshold,
			Smoothing:   d.NewVAD.Smoothing,
		})
		slog.Info("vad tuning changed, applies on next stream open",
			"threshold", d.NewVAD.RMSThreshold, "smoothing", d.NewVAD.Smoothing)
	}
	if d.LanguagesChanged {
		application.Pipeline().SetLanguages(d.NewSourceLang, d.NewTargetLang)
		slog.Info("translation languages changed",
			"source_lang", d.NewSourceLang, "target_lang", d.NewTargetLang)
	}
}

// ---- Startup summary ----

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         livesub — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Source", cfg.Audio.Source, cfg.Audio.Device)
	printRow("VAD", cfg.VAD.Engine, "")
	printRow("ASR", cfg.ASR.Provider, cfg.ASR.Model)
	if cfg.Translate.Enabled() {
		printRow("Translate", cfg.Translate.Provider, cfg.Translate.TargetLang)
	} else {
		printRow("Translate", "", "")
	}
	if cfg.History.PostgresDSN != "" {
		printRow("History", "postgres", cfg.History.SessionID)
	} else {
		printRow("History", "", "")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr : %-23s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, name, detail string) {
	value := name
	if value == "" {
		value = "(disabled)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 23 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-10s  : %-23s ║\n", kind, value)
}
