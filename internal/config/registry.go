package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/otoscribe/livesub/pkg/audio"
	"github.com/otoscribe/livesub/pkg/audio/ffmpeg"
	"github.com/otoscribe/livesub/pkg/audio/replay"
	"github.com/otoscribe/livesub/pkg/audio/wsingest"
	"github.com/otoscribe/livesub/pkg/provider/asr"
	"github.com/otoscribe/livesub/pkg/provider/asr/whisper"
	"github.com/otoscribe/livesub/pkg/provider/translate"
	trllm "github.com/otoscribe/livesub/pkg/provider/translate/llm"
	tropenai "github.com/otoscribe/livesub/pkg/provider/translate/openai"
	"github.com/otoscribe/livesub/pkg/provider/vad"
	"github.com/otoscribe/livesub/pkg/provider/vad/energy"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps implementation names to their constructor functions for each
// pipeline concern. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	sources   map[string]func(AudioConfig) (audio.Source, error)
	vad       map[string]func(VADConfig) (vad.Engine, error)
	asr       map[string]func(ASRConfig) (asr.Provider, error)
	translate map[string]func(TranslateConfig) (translate.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		sources:   make(map[string]func(AudioConfig) (audio.Source, error)),
		vad:       make(map[string]func(VADConfig) (vad.Engine, error)),
		asr:       make(map[string]func(ASRConfig) (asr.Provider, error)),
		translate: make(map[string]func(TranslateConfig) (translate.Provider, error)),
	}
}

// DefaultRegistry returns a [Registry] preloaded with every built-in
// implementation.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterSource("ffmpeg", func(AudioConfig) (audio.Source, error) {
		return ffmpeg.New(), nil
	})
	r.RegisterSource("replay", func(cfg AudioConfig) (audio.Source, error) {
		return replay.New(cfg.Path, replay.WithRealTime(true)), nil
	})
	r.RegisterSource("ws", func(cfg AudioConfig) (audio.Source, error) {
		return wsingest.New(wsingest.WithOpus(cfg.SampleRate, cfg.Channels)), nil
	})

	r.RegisterVAD("energy", func(VADConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	r.RegisterASR("whisper", func(cfg ASRConfig) (asr.Provider, error) {
		opts := []whisper.Option{}
		if cfg.Model != "" {
			opts = append(opts, whisper.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithLanguage(cfg.Language))
		}
		return whisper.New(cfg.BaseURL, opts...)
	})
	r.RegisterASR("whisper-native", func(cfg ASRConfig) (asr.Provider, error) {
		opts := []whisper.NativeOption{}
		if cfg.Language != "" {
			opts = append(opts, whisper.WithNativeLanguage(cfg.Language))
		}
		return whisper.NewNative(cfg.Model, opts...)
	})

	r.RegisterTranslate("openai", func(cfg TranslateConfig) (translate.Provider, error) {
		opts := []tropenai.Option{
			tropenai.WithTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, tropenai.WithBaseURL(cfg.BaseURL))
		}
		return tropenai.New(cfg.APIKey, cfg.Model, opts...)
	})
	r.RegisterTranslate("llm", func(cfg TranslateConfig) (translate.Provider, error) {
		opts := []anyllmlib.Option{}
		if cfg.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return trllm.New(cfg.Name, cfg.Model, opts...)
	})

	return r
}

// RegisterSource registers an audio source factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSource(name string, factory func(AudioConfig) (audio.Source, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterASR registers an ASR provider factory under name.
func (r *Registry) RegisterASR(name string, factory func(ASRConfig) (asr.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asr[name] = factory
}

// RegisterTranslate registers a translation provider factory under name.
func (r *Registry) RegisterTranslate(name string, factory func(TranslateConfig) (translate.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translate[name] = factory
}

// CreateSource instantiates an audio source using the factory registered
// under cfg.Source. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateSource(cfg AudioConfig) (audio.Source, error) {
	r.mu.RLock()
	factory, ok := r.sources[cfg.Source]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Source)
	}
	return factory(cfg)
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateASR instantiates an ASR provider using the factory registered under cfg.Provider.
func (r *Registry) CreateASR(cfg ASRConfig) (asr.Provider, error) {
	r.mu.RLock()
	factory, ok := r.asr[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: asr/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateTranslate instantiates a translation provider using the factory
// registered under cfg.Provider.
func (r *Registry) CreateTranslate(cfg TranslateConfig) (translate.Provider, error) {
	r.mu.RLock()
	factory, ok := r.translate[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translate/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
