// Package ffmpeg captures live audio by spawning an ffmpeg subprocess and
// slicing its raw s16le stdout into fixed-duration frames.
//
// The source works with any capture backend ffmpeg supports (pulse, alsa,
// avfoundation, dshow); the backend is selected with WithInputFormat and the
// device with StreamConfig.Device. Process death or a short read terminates
// the stream with a *audio.DeviceError carrying the tail of ffmpeg's stderr,
// which is the most useful diagnostic ffmpeg produces.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/otoscribe/livesub/pkg/audio"
)

const (
	defaultBinary      = "ffmpeg"
	defaultInputFormat = "pulse"

	// stderrTailLines is how many trailing stderr lines are kept for the
	// DeviceError message.
	stderrTailLines = 8
)

var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithBinary sets the ffmpeg executable path. Defaults to "ffmpeg" resolved
// via PATH.
func WithBinary(path string) Option {
	return func(s *Source) { s.binary = path }
}

// WithInputFormat sets the ffmpeg input format (-f) used for capture, e.g.
// "pulse", "alsa", "avfoundation". Defaults to "pulse".
func WithInputFormat(format string) Option {
	return func(s *Source) { s.inputFormat = format }
}

// WithExtraArgs appends additional arguments placed before the input flag,
// for backend-specific tuning.
func WithExtraArgs(args ...string) Option {
	return func(s *Source) { s.extraArgs = append(s.extraArgs, args...) }
}

// Source spawns one ffmpeg process per opened stream. Safe for concurrent
// use; each Open is independent.
type Source struct {
	binary      string
	inputFormat string
	extraArgs   []string
}

// New creates an ffmpeg-backed Source.
func New(opts ...Option) *Source {
	s := &Source{
		binary:      defaultBinary,
		inputFormat: defaultInputFormat,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open starts ffmpeg capturing from cfg.Device and returns a stream of fixed
// frames. The process is killed when the stream is closed.
func (s *Source) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ffmpeg: invalid stream config: %w", err)
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, s.extraArgs...)
	args = append(args,
		"-f", s.inputFormat,
		"-i", cfg.Device,
		"-ac", fmt.Sprintf("%d", cfg.Channels),
		"-ar", fmt.Sprintf("%d", cfg.SampleRate),
		"-f", "s16le",
		"-",
	)

	// The process must outlive ctx cancellation long enough for Close to
	// report a clean shutdown, so it is started detached from ctx and killed
	// explicitly.
	cmd := exec.Command(s.binary, args...)
	tail := &tailWriter{max: stderrTailLines}
	cmd.Stderr = tail

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &audio.DeviceError{Device: cfg.Device, Op: "open", Err: err}
	}

	slog.Debug("ffmpeg capture started", "device", cfg.Device, "format", s.inputFormat,
		"sample_rate", cfg.SampleRate, "channels", cfg.Channels)

	st := &stream{
		frames: make(chan audio.Frame, 16),
		done:   make(chan struct{}),
		cmd:    cmd,
	}
	go st.readLoop(ctx, cfg, stdout, tail)
	return st, nil
}

type stream struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	cmd    *exec.Cmd

	mu  sync.Mutex
	err error
}

// readLoop slices ffmpeg stdout into frames until the process dies, the
// context is cancelled, or the stream is closed.
func (st *stream) readLoop(ctx context.Context, cfg audio.StreamConfig, r io.Reader, tail *tailWriter) {
	defer close(st.frames)

	frameBytes := cfg.FrameBytes()
	frameSec := float64(cfg.FrameMs) / 1000.0
	var seq uint64

	for {
		buf := make([]byte, frameBytes)
		if _, err := io.ReadFull(r, buf); err != nil {
			st.finish(cfg.Device, err, tail)
			return
		}

		f := audio.Frame{
			PCM:   buf,
			Seq:   seq,
			Start: float64(seq) * frameSec,
			Time:  time.Now(),
		}
		seq++

		select {
		case st.frames <- f:
		case <-st.done:
			st.finish(cfg.Device, nil, tail)
			return
		case <-ctx.Done():
			st.finish(cfg.Device, nil, tail)
			return
		}
	}
}

// finish reaps the process and records the terminal error. A read failure
// after Close was requested counts as a clean shutdown.
func (st *stream) finish(device string, readErr error, tail *tailWriter) {
	_ = st.cmd.Process.Kill()
	waitErr := st.cmd.Wait()

	select {
	case <-st.done:
		// Shutdown was requested; whatever the reader saw is expected.
		return
	default:
	}

	if readErr == nil {
		return
	}

	cause := readErr
	if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
		cause = fmt.Errorf("process exited: %v", waitErr)
	}
	if msg := tail.String(); msg != "" {
		cause = fmt.Errorf("%w; stderr: %s", cause, msg)
	}

	st.mu.Lock()
	st.err = &audio.DeviceError{Device: device, Op: "read", Err: cause}
	st.mu.Unlock()
}

func (st *stream) Frames() <-chan audio.Frame { return st.frames }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) Close() error {
	st.once.Do(func() {
		close(st.done)
		_ = st.cmd.Process.Kill()
	})
	return nil
}

// tailWriter keeps the last max lines written to it. ffmpeg interleaves
// writes, so lines are re-split on every flush.
type tailWriter struct {
	mu    sync.Mutex
	max   int
	lines []string
	rest  string
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chunks := strings.Split(w.rest+string(p), "\n")
	w.rest = chunks[len(chunks)-1]
	for _, line := range chunks[:len(chunks)-1] {
		if line = strings.TrimSpace(line); line != "" {
			w.lines = append(w.lines, line)
		}
	}
	if len(w.lines) > w.max {
		w.lines = w.lines[len(w.lines)-w.max:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	lines := w.lines
	if w.rest != "" {
		lines = append(append([]string{}, lines...), w.rest)
	}
	return strings.Join(lines, " | ")
}
