// Package mock provides a fully scripted audio source for tests.
package mock

import (
	"context"
	"sync"

	"github.com/otoscribe/livesub/pkg/audio"
)

// Script describes the behaviour of one opened stream.
type Script struct {
	// OpenErr, when set, makes Open fail immediately.
	OpenErr error

	// Frames are the PCM payloads the stream emits, in order.
	Frames [][]byte

	// Err is the terminal stream error reported after Frames drain. Nil
	// means a clean end of stream.
	Err error
}

// Source is a scripted audio.Source. Each Open consumes the next Script; when
// the scripts are exhausted the last one is replayed. All calls are recorded.
type Source struct {
	mu      sync.Mutex
	scripts []Script
	opens   int
}

var _ audio.Source = (*Source)(nil)

// NewSource creates a Source that plays the given scripts in order.
func NewSource(scripts ...Script) *Source {
	return &Source{scripts: scripts}
}

// OpenCalls reports how many times Open has been called.
func (s *Source) OpenCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Open pops the next script and returns a stream that plays it. Frames are
// stamped with sequence numbers and start offsets derived from cfg.
func (s *Source) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var script Script
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		if len(s.scripts) > 1 {
			s.scripts = s.scripts[1:]
		}
	}
	s.opens++
	s.mu.Unlock()

	if script.OpenErr != nil {
		return nil, script.OpenErr
	}

	st := &stream{
		frames: make(chan audio.Frame),
		done:   make(chan struct{}),
		err:    script.Err,
	}
	go st.run(ctx, cfg, script.Frames)
	return st, nil
}

type stream struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func (st *stream) run(ctx context.Context, cfg audio.StreamConfig, payloads [][]byte) {
	defer close(st.frames)

	frameSec := float64(cfg.FrameMs) / 1000.0
	for i, pcm := range payloads {
		f := audio.Frame{
			PCM:   pcm,
			Seq:   uint64(i),
			Start: float64(i) * frameSec,
		}
		select {
		case st.frames <- f:
		case <-st.done:
			st.setErr(nil)
			return
		case <-ctx.Done():
			st.setErr(nil)
			return
		}
	}
}

func (st *stream) setErr(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.err = err
}

func (st *stream) Frames() <-chan audio.Frame { return st.frames }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}
