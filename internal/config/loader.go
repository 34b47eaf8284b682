package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known implementation names per concern.
// Used by [Validate] to warn about unrecognised names before the registry
// lookup fails at wiring time.
var ValidProviderNames = map[string][]string{
	"audio.source": {"ffmpeg", "replay", "ws"},
	"vad.engine":   {"energy"},
	"asr.provider": {"whisper", "whisper-native"},
	"translate":    {"openai", "llm", "none"},
}

// Load reads the YAML configuration file at path and returns a validated,
// defaulted [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values with the defaults of the original tuning:
// 16 kHz mono 20 ms frames, RMS 250, 750 ms end silence, 0.6–6.0 s utterance
// bounds, 0.9 s commit gap, 140 char lines.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Source == "" {
		cfg.Audio.Source = "ffmpeg"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels == 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.FrameMs == 0 {
		cfg.Audio.FrameMs = 20
	}
	if cfg.Audio.MaxRestarts == 0 {
		cfg.Audio.MaxRestarts = 3
	}
	if cfg.VAD.Engine == "" {
		cfg.VAD.Engine = "energy"
	}
	if cfg.VAD.RMSThreshold == 0 {
		cfg.VAD.RMSThreshold = 250
	}
	if cfg.Chunker.EndSilenceMs == 0 {
		cfg.Chunker.EndSilenceMs = 750
	}
	if cfg.Chunker.MinUtterSec == 0 {
		cfg.Chunker.MinUtterSec = 0.6
	}
	if cfg.Chunker.MaxUtterSec == 0 {
		cfg.Chunker.MaxUtterSec = 6.0
	}
	if cfg.ASR.Provider == "" {
		cfg.ASR.Provider = "whisper"
	}
	if cfg.ASR.TimeoutMs == 0 {
		cfg.ASR.TimeoutMs = 30000
	}
	if cfg.Translate.TimeoutMs == 0 {
		cfg.Translate.TimeoutMs = 10000
	}
	if cfg.Segmenter.GapSec == 0 {
		cfg.Segmenter.GapSec = 0.9
	}
	if cfg.Segmenter.HardMaxChars == 0 {
		cfg.Segmenter.HardMaxChars = 140
	}
	if cfg.Subtitles.QueueSize == 0 {
		cfg.Subtitles.QueueSize = 100
	}
	if cfg.Subtitles.PollMs == 0 {
		cfg.Subtitles.PollMs = 60
	}
	if cfg.Subtitles.MaxUpdatesPerTick == 0 {
		cfg.Subtitles.MaxUpdatesPerTick = 20
	}
	if cfg.Subtitles.Overflow == "" {
		cfg.Subtitles.Overflow = "drop_oldest"
	}
	if cfg.Subtitles.Pause == "" {
		cfg.Subtitles.Pause = "finalize"
	}
	if cfg.History.PostgresDSN != "" && cfg.History.SessionID == "" {
		cfg.History.SessionID = "livesub"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	// Implementation name validation — warn for unknown names; the registry
	// rejects them hard at wiring time.
	validateProviderName("audio.source", cfg.Audio.Source)
	validateProviderName("vad.engine", cfg.VAD.Engine)
	validateProviderName("asr.provider", cfg.ASR.Provider)
	validateProviderName("translate", cfg.Translate.Provider)

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.Channels < 1 || cfg.Audio.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.channels must be 1 or 2, got %d", cfg.Audio.Channels))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMs))
	}
	if cfg.Audio.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("audio.max_restarts must not be negative, got %d", cfg.Audio.MaxRestarts))
	}
	if cfg.Audio.Source == "replay" && cfg.Audio.Path == "" {
		errs = append(errs, errors.New("audio.path is required when audio.source is replay"))
	}
	if cfg.Audio.SampleRate != 16000 {
		slog.Warn("whisper models expect 16 kHz input; transcription quality may suffer",
			"sample_rate", cfg.Audio.SampleRate)
	}

	// VAD
	if cfg.VAD.RMSThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.rms_threshold must not be negative, got %g", cfg.VAD.RMSThreshold))
	}
	if cfg.VAD.Smoothing < 0 || cfg.VAD.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("vad.smoothing %g is out of range [0.0, 1.0)", cfg.VAD.Smoothing))
	}

	// Chunker
	if cfg.Chunker.EndSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("chunker.end_silence_ms must be positive, got %d", cfg.Chunker.EndSilenceMs))
	}
	if cfg.Chunker.MinUtterSec < 0 {
		errs = append(errs, fmt.Errorf("chunker.min_utter_sec must not be negative, got %g", cfg.Chunker.MinUtterSec))
	}
	if cfg.Chunker.MaxUtterSec <= cfg.Chunker.MinUtterSec {
		errs = append(errs, fmt.Errorf("chunker.max_utter_sec %g must exceed min_utter_sec %g",
			cfg.Chunker.MaxUtterSec, cfg.Chunker.MinUtterSec))
	}

	// ASR
	switch cfg.ASR.Provider {
	case "whisper":
		if cfg.ASR.BaseURL == "" {
			errs = append(errs, errors.New("asr.base_url is required when asr.provider is whisper"))
		}
	case "whisper-native":
		if cfg.ASR.Model == "" {
			errs = append(errs, errors.New("asr.model (model file path) is required when asr.provider is whisper-native"))
		}
	}
	if cfg.ASR.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("asr.timeout_ms must be positive, got %d", cfg.ASR.TimeoutMs))
	}

	// Translate
	if cfg.Translate.Enabled() {
		if cfg.Translate.Model == "" {
			errs = append(errs, errors.New("translate.model is required when translation is enabled"))
		}
		if cfg.Translate.Provider == "llm" && cfg.Translate.Name == "" {
			errs = append(errs, errors.New("translate.name (llm backend) is required when translate.provider is llm"))
		}
		if cfg.Translate.TargetLang == "" {
			slog.Warn("translate.target_lang is empty; the translator will have to guess the target language")
		}
	}
	if cfg.Translate.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("translate.timeout_ms must be positive, got %d", cfg.Translate.TimeoutMs))
	}

	// Segmenter
	if cfg.Segmenter.GapSec <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.gap_sec must be positive, got %g", cfg.Segmenter.GapSec))
	}
	if cfg.Segmenter.HardMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("segmenter.hard_max_chars must be positive, got %d", cfg.Segmenter.HardMaxChars))
	}

	// Subtitles
	if cfg.Subtitles.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("subtitles.queue_size must be positive, got %d", cfg.Subtitles.QueueSize))
	}
	if cfg.Subtitles.PollMs <= 0 {
		errs = append(errs, fmt.Errorf("subtitles.poll_ms must be positive, got %d", cfg.Subtitles.PollMs))
	}
	if cfg.Subtitles.MaxUpdatesPerTick <= 0 {
		errs = append(errs, fmt.Errorf("subtitles.max_updates_per_tick must be positive, got %d", cfg.Subtitles.MaxUpdatesPerTick))
	}
	switch cfg.Subtitles.Overflow {
	case "drop_oldest", "block":
	default:
		errs = append(errs, fmt.Errorf("subtitles.overflow %q is invalid; valid values: drop_oldest, block", cfg.Subtitles.Overflow))
	}
	switch cfg.Subtitles.Pause {
	case "finalize", "hold":
	default:
		errs = append(errs, fmt.Errorf("subtitles.pause %q is invalid; valid values: finalize, hold", cfg.Subtitles.Pause))
	}

	// History
	if cfg.History.PostgresDSN == "" && cfg.History.SessionID != "" {
		slog.Warn("history.session_id is set but history.postgres_dsn is empty; lines will not be archived")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
