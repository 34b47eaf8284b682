// Package pipeline orchestrates the capture → VAD → chunker → ASR →
// commit gate → translation flow and publishes the results on the subtitle
// bus.
//
// A single worker goroutine owns the audio stream, the VAD session, the
// chunker, and the segmenter, so none of those need their own locking. The
// control surface (Start/Stop/Pause/Resume) talks to the worker through a
// small command channel and acknowledges every transition with a state event
// on the bus. Translation runs either inline (bounded by a timeout, degrading
// to source-only on failure) or on a separate goroutine fed by a bounded
// drop-oldest job queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/otoscribe/livesub/internal/chunker"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/subtitle"
	"github.com/otoscribe/livesub/internal/textseg"
	"github.com/otoscribe/livesub/pkg/audio"
	"github.com/otoscribe/livesub/pkg/provider/asr"
	"github.com/otoscribe/livesub/pkg/provider/translate"
	"github.com/otoscribe/livesub/pkg/provider/vad"
)

// State is the pipeline lifecycle position.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// PausePolicy says what happens to the in-flight utterance on Pause.
type PausePolicy string

const (
	// PauseFinalize force-finalizes the in-flight utterance so it is
	// transcribed before the pipeline goes quiet.
	PauseFinalize PausePolicy = "finalize"

	// PauseHold freezes the chunker; accumulation resumes where it left
	// off.
	PauseHold PausePolicy = "hold"
)

// restartBackoff spaces out source reopen attempts after device failures.
const restartBackoff = 500 * time.Millisecond

// drainTimeout bounds the final flush when the pipeline stops.
const drainTimeout = 5 * time.Second

// ErrNotStopped is returned by Start when the pipeline is already live.
var ErrNotStopped = errors.New("pipeline: not stopped")

// ErrNotRunning is returned by Pause/Resume outside their valid states.
var ErrNotRunning = errors.New("pipeline: not running")

// Archiver persists committed lines. Implementations must be best-effort and
// fast; the pipeline never retries or blocks on archival.
type Archiver interface {
	SaveLine(ctx context.Context, line subtitle.Line) error
	SaveTranslation(ctx context.Context, lineID uint64, translated string) error
}

// Config parameterizes a Pipeline.
type Config struct {
	// Stream describes the frames requested from the audio source.
	Stream audio.StreamConfig

	// VAD configures the per-stream VAD session.
	VAD vad.Config

	// Chunker configures utterance assembly. OnDiscard and OnGap are owned
	// by the pipeline and must be left nil.
	Chunker chunker.Config

	// Segmenter configures the commit gate.
	Segmenter textseg.Config

	// Language is the ASR language hint (empty for auto-detect).
	Language string

	// ASRName and TranslateName label provider errors in metrics.
	ASRName       string
	TranslateName string

	// ASRTimeout bounds each transcription call.
	ASRTimeout time.Duration

	// TranslateAsync decouples translation from the worker loop. When
	// false, translation happens inline and the insert event already
	// carries the translated text.
	TranslateAsync bool

	// TranslateTimeout bounds each translation call.
	TranslateTimeout time.Duration

	// TranslateQueue bounds the async translation job queue.
	TranslateQueue int

	// SourceLang and TargetLang parameterize translation requests.
	SourceLang string
	TargetLang string

	// MaxRestarts is how many times a failed source is reopened before the
	// pipeline gives up and moves to the error state.
	MaxRestarts int

	// Pause selects the pause policy.
	Pause PausePolicy
}

// Validate checks the configuration, applying defaults for zero values.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Stream.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Chunker.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max restarts must not be negative, got %d", c.MaxRestarts))
	}
	if c.ASRTimeout == 0 {
		c.ASRTimeout = 30 * time.Second
	}
	if c.TranslateTimeout == 0 {
		c.TranslateTimeout = 10 * time.Second
	}
	if c.TranslateQueue == 0 {
		c.TranslateQueue = 32
	}
	if c.ASRName == "" {
		c.ASRName = "asr"
	}
	if c.TranslateName == "" {
		c.TranslateName = "translate"
	}
	switch c.Pause {
	case "":
		c.Pause = PauseFinalize
	case PauseFinalize, PauseHold:
	default:
		errs = append(errs, fmt.Errorf("unknown pause policy %q", c.Pause))
	}
	return errors.Join(errs...)
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithTranslator enables translation of committed lines.
func WithTranslator(p translate.Provider) Option {
	return func(pl *Pipeline) { pl.translator = p }
}

// WithArchiver enables best-effort line archival.
func WithArchiver(a Archiver) Option {
	return func(pl *Pipeline) { pl.archive = a }
}

// WithMetrics overrides the metrics sink (defaults to observe.DefaultMetrics).
func WithMetrics(m *observe.Metrics) Option {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithLogger overrides the logger (defaults to slog.Default).
func WithLogger(l *slog.Logger) Option {
	return func(pl *Pipeline) { pl.log = l }
}

// Pipeline is the orchestrator. All exported methods are safe for concurrent
// use.
type Pipeline struct {
	cfg        Config
	source     audio.Source
	vad        vad.Engine
	asr        asr.Provider
	bus        *subtitle.Bus
	translator translate.Provider
	archive    Archiver
	metrics    *observe.Metrics
	log        *slog.Logger

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	pauseCh  chan pauseCmd
	jobs     chan translateJob
	loopDone chan struct{}

	nextID    atomic.Uint64
	lastDrops atomic.Uint64
}

// New creates a Pipeline. The configuration is validated and defaulted in
// place.
func New(cfg Config, source audio.Source, engine vad.Engine, transcriber asr.Provider, bus *subtitle.Bus, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if source == nil || engine == nil || transcriber == nil || bus == nil {
		return nil, errors.New("pipeline: source, VAD engine, ASR provider, and bus are required")
	}
	p := &Pipeline{
		cfg:    cfg,
		source: source,
		vad:    engine,
		asr:    transcriber,
		bus:    bus,
		state:  StateStopped,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// State reports the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Start launches the worker. Valid from stopped or error.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped && p.state != StateError {
		p.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotStopped, p.state)
	}
	wctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.pauseCh = make(chan pauseCmd)
	p.jobs = nil
	p.loopDone = nil
	if p.translator != nil && p.cfg.TranslateAsync {
		p.jobs = make(chan translateJob, p.cfg.TranslateQueue)
		p.loopDone = make(chan struct{})
	}
	p.state = StateStarting
	p.mu.Unlock()

	p.emitState(ctx, StateStarting)
	go p.run(wctx)
	return nil
}

// Stop cancels the worker and waits for its final flush, bounded by ctx.
// A no-op when already stopped.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state == StateStopped || p.cancel == nil {
		p.mu.Unlock()
		return nil
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: stop: %w", ctx.Err())
	}
}

// pauseCmd asks the worker to pause or resume. The ack closes once the
// worker has applied the change.
type pauseCmd struct {
	want bool
	ack  chan struct{}
}

// Pause suspends utterance assembly. Valid from starting or running. Returns
// once the worker has applied the pause.
func (p *Pipeline) Pause(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateStarting {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrNotRunning, p.state)
	}
	ch := p.pauseCh
	p.state = StatePaused
	p.mu.Unlock()

	if err := p.sendPause(ctx, ch, true); err != nil {
		return fmt.Errorf("pipeline: pause: %w", err)
	}
	p.emitState(ctx, StatePaused)
	return nil
}

// Resume continues after Pause. Returns once the worker has applied it.
func (p *Pipeline) Resume(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StatePaused {
		p.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrNotRunning, p.state)
	}
	ch := p.pauseCh
	p.state = StateRunning
	p.mu.Unlock()

	if err := p.sendPause(ctx, ch, false); err != nil {
		return fmt.Errorf("pipeline: resume: %w", err)
	}
	p.emitState(ctx, StateRunning)
	return nil
}

func (p *Pipeline) sendPause(ctx context.Context, ch chan pauseCmd, want bool) error {
	cmd := pauseCmd{want: want, ack: make(chan struct{})}
	select {
	case ch <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetVADConfig replaces the VAD tuning. It takes effect when the source is
// next opened (start or device restart); the active session keeps its
// settings.
func (p *Pipeline) SetVADConfig(cfg vad.Config) {
	p.mu.Lock()
	p.cfg.VAD = cfg
	p.mu.Unlock()
}

func (p *Pipeline) vadConfig() vad.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.VAD
}

// SetLanguages updates the translation language pair for subsequent requests.
func (p *Pipeline) SetLanguages(source, target string) {
	p.mu.Lock()
	p.cfg.SourceLang, p.cfg.TargetLang = source, target
	p.mu.Unlock()
}

func (p *Pipeline) languages() (source, target string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.SourceLang, p.cfg.TargetLang
}

// markRunning moves starting → running in one critical section. The worker
// calls it after the source opens; a pause issued during startup must not be
// clobbered, so the check and the set share the lock.
func (p *Pipeline) markRunning(ctx context.Context) {
	p.mu.Lock()
	if p.state != StateStarting {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	p.mu.Unlock()
	p.emitState(ctx, StateRunning)
}

// setState updates the lifecycle state and emits the matching event.
func (p *Pipeline) setState(ctx context.Context, s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	p.emitState(ctx, s)
}

func (p *Pipeline) emitState(ctx context.Context, s State) {
	p.pushEvent(ctx, subtitle.Event{Kind: subtitle.KindState, State: string(s)})
}

// pushEvent publishes one event and folds bus overflow drops into metrics.
func (p *Pipeline) pushEvent(ctx context.Context, ev subtitle.Event) {
	if err := p.bus.Push(ctx, ev); err != nil {
		p.log.Debug("event not published", "kind", ev.Kind, "error", err)
		return
	}
	total := p.bus.Drops()
	if prev := p.lastDrops.Swap(total); total > prev {
		p.metrics.QueueDrops.Add(ctx, int64(total-prev))
	}
}
