package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/otoscribe/livesub/internal/chunker"
	"github.com/otoscribe/livesub/internal/observe"
	"github.com/otoscribe/livesub/internal/subtitle"
	"github.com/otoscribe/livesub/internal/textseg"
	"github.com/otoscribe/livesub/pkg/audio"
	audiomock "github.com/otoscribe/livesub/pkg/audio/mock"
	"github.com/otoscribe/livesub/pkg/provider/asr"
	asrmock "github.com/otoscribe/livesub/pkg/provider/asr/mock"
	trmock "github.com/otoscribe/livesub/pkg/provider/translate/mock"
	"github.com/otoscribe/livesub/pkg/provider/vad"
	vadmock "github.com/otoscribe/livesub/pkg/provider/vad/mock"
)

const testFrameBytes = 640 // 16 kHz mono, 20 ms

func testConfig() Config {
	return Config{
		Stream: audio.StreamConfig{SampleRate: 16000, Channels: 1, FrameMs: 20},
		VAD:    vad.Config{SampleRate: 16000, FrameSizeMs: 20, Threshold: 250},
		Chunker: chunker.Config{
			SampleRate:   16000,
			FrameMs:      20,
			EndSilenceMs: 40,
			MinUtterSec:  0,
			MaxUtterSec:  600,
		},
		Segmenter:   textseg.Config{GapSec: 0.9, HardMaxChars: 140, Language: "en"},
		Language:    "en",
		MaxRestarts: 1,
	}
}

// labels builds a VAD script: n speech labels followed by silence forever.
func speechThenSilence(n int) []vad.Label {
	out := make([]vad.Label, n+1)
	for i := range n {
		out[i] = vad.Label{Speech: true, Score: 1000}
	}
	return out
}

// payloads builds n zeroed frames.
func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = make([]byte, testFrameBytes)
	}
	return out
}

// waitEvents polls the bus into collected until pred holds or the deadline
// passes.
func waitEvents(t *testing.T, bus *subtitle.Bus, collected *[]subtitle.Event, pred func([]subtitle.Event) bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		*collected = append(*collected, bus.Poll(100)...)
		if pred(*collected) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met; events so far: %+v", *collected)
}

func hasState(events []subtitle.Event, state State) bool {
	for _, ev := range events {
		if ev.Kind == subtitle.KindState && ev.State == string(state) {
			return true
		}
	}
	return false
}

func inserts(events []subtitle.Event) []subtitle.Line {
	var out []subtitle.Line
	for _, ev := range events {
		if ev.Kind == subtitle.KindInsert {
			out = append(out, ev.Line)
		}
	}
	return out
}

func patches(events []subtitle.Event) []subtitle.Line {
	var out []subtitle.Line
	for _, ev := range events {
		if ev.Kind == subtitle.KindPatch {
			out = append(out, ev.Line)
		}
	}
	return out
}

func newBus(t *testing.T) *subtitle.Bus {
	t.Helper()
	b, err := subtitle.NewBus(256, subtitle.DropOldest)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	return b
}

func TestPipeline_TranscribesAndCommits(t *testing.T) {
	t.Parallel()

	// 5 speech frames, then silence; the stream ends cleanly afterwards.
	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "Hello there."}}}
	bus := newBus(t)

	p, err := New(testConfig(), source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	if !hasState(events, StateStarting) || !hasState(events, StateRunning) {
		t.Errorf("missing lifecycle states in %+v", events)
	}
	lines := inserts(events)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].ID != 1 || lines[0].Source != "Hello there." {
		t.Errorf("line = %+v", lines[0])
	}
	if lines[0].T0 != 0 || lines[0].T1 != 0.1 {
		t.Errorf("line span = [%g, %g], want [0, 0.1]", lines[0].T0, lines[0].T1)
	}

	calls := transcriber.Calls()
	if len(calls) != 1 {
		t.Fatalf("ASR calls = %d, want 1", len(calls))
	}
	// 5 speech frames plus 2 trailing-silence grace frames.
	if calls[0].PCMBytes != 7*testFrameBytes {
		t.Errorf("utterance bytes = %d, want %d", calls[0].PCMBytes, 7*testFrameBytes)
	}
	if calls[0].Language != "en" {
		t.Errorf("language = %q", calls[0].Language)
	}
	if p.State() != StateStopped {
		t.Errorf("state = %s, want stopped", p.State())
	}
}

func TestPipeline_AsyncTranslationPatches(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "Good morning."}}}
	translator := &trmock.Provider{}
	bus := newBus(t)

	cfg := testConfig()
	cfg.TranslateAsync = true
	cfg.SourceLang = "en"
	cfg.TargetLang = "ja"

	p, err := New(cfg, source, engine, transcriber, bus, WithTranslator(translator))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return len(inserts(evs)) == 1 && len(patches(evs)) == 1
	})
	defer func() { _ = p.Stop(context.Background()) }()

	line := inserts(events)[0]
	if line.Translated != "" {
		t.Errorf("insert already translated: %+v", line)
	}
	patch := patches(events)[0]
	if patch.ID != line.ID || patch.Translated != "GOOD MORNING." {
		t.Errorf("patch = %+v", patch)
	}

	reqs := translator.Calls()
	if len(reqs) != 1 || reqs[0].SourceLang != "en" || reqs[0].TargetLang != "ja" {
		t.Errorf("translate requests = %+v", reqs)
	}
}

func TestPipeline_InlineTranslationDegrades(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "Guten Tag."}}}
	translator := &trmock.Provider{Err: errors.New("boom")}
	bus := newBus(t)

	cfg := testConfig()
	cfg.TranslateAsync = false

	p, err := New(cfg, source, engine, transcriber, bus, WithTranslator(translator))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	lines := inserts(events)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].Translated != "" {
		t.Errorf("line should stay source-only, got %+v", lines[0])
	}
	if got := patches(events); len(got) != 0 {
		t.Errorf("no patches expected inline, got %+v", got)
	}
}

func TestPipeline_ASRFailureSkipsUtterance(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Err: errors.New("asr down")}}}
	bus := newBus(t)

	p, err := New(testConfig(), source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	if got := inserts(events); len(got) != 0 {
		t.Errorf("failed transcription must not commit lines, got %+v", got)
	}
	if p.State() != StateStopped {
		t.Errorf("ASR failure must not halt the pipeline, state = %s", p.State())
	}
}

func TestPipeline_RestartsSourceOnDeviceError(t *testing.T) {
	t.Parallel()

	devErr := &audio.DeviceError{Device: "default", Op: "read", Err: errors.New("short read")}
	source := audiomock.NewSource(
		audiomock.Script{Frames: payloads(2), Err: devErr},
		audiomock.Script{Frames: payloads(8)},
	)
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "Back again."}}}
	bus := newBus(t)

	p, err := New(testConfig(), source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	if source.OpenCalls() != 2 {
		t.Errorf("open calls = %d, want 2", source.OpenCalls())
	}
	lines := inserts(events)
	if len(lines) != 1 || lines[0].Source != "Back again." {
		t.Errorf("lines after restart = %+v", lines)
	}
	if hasState(events, StateError) {
		t.Error("recovered restart must not reach the error state")
	}
}

func TestPipeline_RestartBudgetExhausted(t *testing.T) {
	t.Parallel()

	devErr := &audio.DeviceError{Device: "default", Op: "open", Err: errors.New("device missing")}
	source := audiomock.NewSource(audiomock.Script{OpenErr: devErr})
	engine := &vadmock.Engine{}
	transcriber := &asrmock.Provider{}
	bus := newBus(t)

	p, err := New(testConfig(), source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateError)
	})

	var errEv *subtitle.Event
	for i := range events {
		if events[i].Kind == subtitle.KindError {
			errEv = &events[i]
		}
	}
	if errEv == nil {
		t.Fatal("no error event published")
	}
	if !strings.Contains(errEv.Cause, "device missing") {
		t.Errorf("cause = %q", errEv.Cause)
	}
	if !strings.Contains(errEv.Hint, "audio.source") {
		t.Errorf("hint = %q", errEv.Hint)
	}
	if p.State() != StateError {
		t.Errorf("state = %s, want error", p.State())
	}
}

func TestPipeline_ControlStateGuards(t *testing.T) {
	t.Parallel()

	// A manual source keeps the stream open so the worker cannot stop on
	// its own mid-test.
	source := &manualSource{}
	engine := &vadmock.Engine{}
	transcriber := &asrmock.Provider{}
	bus := newBus(t)

	p, err := New(testConfig(), source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Pause(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Pause while stopped = %v, want ErrNotRunning", err)
	}
	if err := p.Resume(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Resume while stopped = %v, want ErrNotRunning", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop while stopped = %v, want nil", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrNotStopped) {
		t.Errorf("second Start = %v, want ErrNotStopped", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("state after Stop = %s", p.State())
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxRestarts = -1
	cfg.Pause = PausePolicy("mystery")
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	for _, want := range []string{"max restarts", "pause policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}

	cfg = testConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.ASRTimeout == 0 || cfg.TranslateTimeout == 0 || cfg.TranslateQueue == 0 {
		t.Error("defaults not applied")
	}
	if cfg.Pause != PauseFinalize {
		t.Errorf("default pause policy = %q", cfg.Pause)
	}
}

// ---- manually fed source for pause/archive tests ----

type manualSource struct {
	mu      sync.Mutex
	streams []*manualStream
}

func (s *manualSource) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	st := &manualStream{frames: make(chan audio.Frame, 128)}
	s.mu.Lock()
	s.streams = append(s.streams, st)
	s.mu.Unlock()
	return st, nil
}

func (s *manualSource) last(t *testing.T) *manualStream {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		n := len(s.streams)
		var st *manualStream
		if n > 0 {
			st = s.streams[n-1]
		}
		s.mu.Unlock()
		if st != nil {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("source was never opened")
	return nil
}

type manualStream struct {
	frames  chan audio.Frame
	mu      sync.Mutex
	err     error
	endOnce sync.Once
}

func (st *manualStream) Frames() <-chan audio.Frame { return st.frames }

func (st *manualStream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *manualStream) Close() error { return nil }

// feed emits n frames starting at sequence seq.
func (st *manualStream) feed(seq uint64, n int) uint64 {
	for i := 0; i < n; i++ {
		st.frames <- audio.Frame{
			PCM:   make([]byte, testFrameBytes),
			Seq:   seq,
			Start: float64(seq) * 0.02,
		}
		seq++
	}
	return seq
}

func (st *manualStream) end() {
	st.endOnce.Do(func() { close(st.frames) })
}

// waitDrained blocks until the worker has consumed every fed frame. Frame
// handling is synchronous, so a short settle after the channel empties is
// enough.
func (st *manualStream) waitDrained(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(st.frames) == 0 {
			time.Sleep(20 * time.Millisecond)
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("worker never drained the frame channel")
}

func awaitCalls(t *testing.T, p *asrmock.Provider, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(p.Calls()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("ASR calls = %d, want at least %d", len(p.Calls()), n)
}

func TestPipeline_PauseFinalizeFlushesUtterance(t *testing.T) {
	t.Parallel()

	source := &manualSource{}
	engine := &vadmock.Engine{Labels: []vad.Label{{Speech: true, Score: 1000}}}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "cut short"}}}
	bus := newBus(t)

	cfg := testConfig()
	cfg.Pause = PauseFinalize

	p, err := New(cfg, source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := source.last(t)
	seq := st.feed(0, 5)
	st.waitDrained(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	// The finalize policy transcribes the in-flight utterance.
	awaitCalls(t, transcriber, 1)

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StatePaused)
	})

	// Frames during pause are discarded.
	seq = st.feed(seq, 3)
	st.waitDrained(t)
	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	_ = st.feed(seq, 5)
	st.end()

	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})
	// One utterance from the pause, one from the stream-end drain.
	if calls := transcriber.Calls(); len(calls) != 2 {
		t.Errorf("ASR calls = %d, want 2", len(calls))
	}
	// Text without sentence-final punctuation leaves via the final flush.
	lines := inserts(events)
	if len(lines) != 1 || lines[0].Source != "cut short cut short" {
		t.Errorf("lines = %+v", lines)
	}
}

func TestPipeline_PauseHoldResumesAccumulation(t *testing.T) {
	t.Parallel()

	source := &manualSource{}
	engine := &vadmock.Engine{Labels: []vad.Label{
		{Speech: true}, {Speech: true}, {Speech: true}, {Speech: true}, {Speech: true},
		{Speech: false},
	}}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "held over."}}}
	bus := newBus(t)

	cfg := testConfig()
	cfg.Pause = PauseHold

	p, err := New(cfg, source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := source.last(t)

	// Three speech frames, then pause mid-utterance.
	seq := st.feed(0, 3)
	st.waitDrained(t)
	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateRunning)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Pause(ctx); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StatePaused)
	})
	if len(transcriber.Calls()) != 0 {
		t.Fatal("hold policy must not transcribe on pause")
	}

	if err := p.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	// Two more speech frames, then silence closes the utterance.
	seq = st.feed(seq, 4)
	awaitCalls(t, transcriber, 1)
	st.end()

	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})
	lines := inserts(events)
	if len(lines) != 1 || lines[0].Source != "held over." {
		t.Errorf("lines = %+v", lines)
	}
}

// ---- archiver integration ----

type fakeArchive struct {
	mu           sync.Mutex
	lines        []subtitle.Line
	translations map[uint64]string
}

func (f *fakeArchive) SaveLine(_ context.Context, line subtitle.Line) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeArchive) SaveTranslation(_ context.Context, id uint64, tr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.translations == nil {
		f.translations = map[uint64]string{}
	}
	f.translations[id] = tr
	return nil
}

func TestPipeline_ArchivesLinesAndTranslations(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "For the record."}}}
	translator := &trmock.Provider{}
	archive := &fakeArchive{}
	bus := newBus(t)

	cfg := testConfig()
	cfg.TranslateAsync = true

	p, err := New(cfg, source, engine, transcriber, bus,
		WithTranslator(translator), WithArchiver(archive))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return len(patches(evs)) == 1
	})
	defer func() { _ = p.Stop(context.Background()) }()

	archive.mu.Lock()
	defer archive.mu.Unlock()
	if len(archive.lines) != 1 || archive.lines[0].Source != "For the record." {
		t.Errorf("archived lines = %+v", archive.lines)
	}
	if archive.translations[archive.lines[0].ID] != "FOR THE RECORD." {
		t.Errorf("archived translations = %+v", archive.translations)
	}
}

func TestPipeline_LiveTuningUpdates(t *testing.T) {
	t.Parallel()
	source := audiomock.NewSource(audiomock.Script{Frames: payloads(1)})
	engine := &vadmock.Engine{Labels: speechThenSilence(0)}
	transcriber := &asrmock.Provider{}

	cfg := testConfig()
	cfg.SourceLang = "en"
	cfg.TargetLang = "de"
	p, err := New(cfg, source, engine, transcriber, newBus(t), WithTranslator(&trmock.Provider{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tuned := vad.Config{SampleRate: 16000, FrameSizeMs: 20, Threshold: 400, Smoothing: 0.5}
	p.SetVADConfig(tuned)
	if got := p.vadConfig(); got != tuned {
		t.Errorf("vadConfig() = %+v, want %+v", got, tuned)
	}

	p.SetLanguages("en", "fr")
	src, tgt := p.languages()
	if src != "en" || tgt != "fr" {
		t.Errorf("languages() = %q/%q, want en/fr", src, tgt)
	}
}

// A stereo capture must reach the transcriber down-mixed to mono.
func TestPipeline_StereoDownmixedBeforeASR(t *testing.T) {
	t.Parallel()

	stereoFrame := 2 * testFrameBytes
	frames := make([][]byte, 8)
	for i := range frames {
		frames[i] = make([]byte, stereoFrame)
	}
	source := audiomock.NewSource(audiomock.Script{Frames: frames})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Text: "Stereo check."}}}
	bus := newBus(t)

	cfg := testConfig()
	cfg.Stream.Channels = 2
	cfg.VAD.Channels = 2
	p, err := New(cfg, source, engine, transcriber, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	if lines := inserts(events); len(lines) != 1 || lines[0].Source != "Stereo check." {
		t.Fatalf("inserts = %+v, want one stereo check line", lines)
	}
	calls := transcriber.Calls()
	if len(calls) != 1 {
		t.Fatalf("ASR calls = %d, want 1", len(calls))
	}
	// 5 speech frames plus 2 grace frames, halved by the stereo down-mix.
	if calls[0].PCMBytes != 7*testFrameBytes {
		t.Errorf("utterance bytes = %d, want %d mono bytes", calls[0].PCMBytes, 7*testFrameBytes)
	}
}

// A silent utterance is a skip, not a provider failure.
func TestPipeline_NoSpeechSkipsWithoutProviderError(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(8)})
	engine := &vadmock.Engine{Labels: speechThenSilence(5)}
	transcriber := &asrmock.Provider{Results: []asrmock.Result{{Err: asr.ErrNoSpeech}}}
	bus := newBus(t)

	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	p, err := New(testConfig(), source, engine, transcriber, bus, WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var events []subtitle.Event
	waitEvents(t, bus, &events, func(evs []subtitle.Event) bool {
		return hasState(evs, StateStopped)
	})

	if lines := inserts(events); len(lines) != 0 {
		t.Errorf("inserts = %+v, want none", lines)
	}
	if len(transcriber.Calls()) != 1 {
		t.Errorf("ASR calls = %d, want 1", len(transcriber.Calls()))
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == "livesub.provider.errors" {
				t.Errorf("no-speech result counted as provider error: %+v", met)
			}
		}
	}
}

// A pause issued while the pipeline is still starting must survive the
// worker's transition to running.
func TestPipeline_MarkRunningKeepsPause(t *testing.T) {
	t.Parallel()

	source := audiomock.NewSource(audiomock.Script{Frames: payloads(1)})
	engine := &vadmock.Engine{Labels: speechThenSilence(0)}
	bus := newBus(t)
	p, err := New(testConfig(), source, engine, &asrmock.Provider{}, bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()

	p.mu.Lock()
	p.state = StatePaused
	p.mu.Unlock()
	p.markRunning(ctx)
	if got := p.State(); got != StatePaused {
		t.Errorf("state after markRunning = %s, want paused preserved", got)
	}

	p.mu.Lock()
	p.state = StateStarting
	p.mu.Unlock()
	p.markRunning(ctx)
	if got := p.State(); got != StateRunning {
		t.Errorf("state after markRunning = %s, want running", got)
	}
}
