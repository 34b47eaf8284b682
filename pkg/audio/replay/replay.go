// Package replay provides a deterministic audio source that replays a
// recording as if it were a live capture.
//
// The source accepts a 16-bit PCM WAV file, a raw s16le file, or an in-memory
// PCM buffer. The recording is converted to the requested stream format and
// sliced into frames; the final partial frame is zero padded. By default
// frames are delivered as fast as the consumer reads them, which makes replay
// runs reproducible in tests; WithRealTime paces delivery at the frame
// duration for soak testing against a wall clock.
package replay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/otoscribe/livesub/pkg/audio"
)

var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithRealTime makes every opened stream sleep one frame duration between
// frames instead of delivering them back to back.
func WithRealTime(enabled bool) Option {
	return func(s *Source) { s.realTime = enabled }
}

// Source replays a fixed recording. Safe for concurrent use; each Open
// produces an independent stream over the same data.
type Source struct {
	path     string
	pcm      []byte
	rate     int
	channels int
	realTime bool
}

// New creates a Source that reads the recording from path on every Open.
// Files starting with a RIFF header are parsed as WAV; anything else is
// treated as raw s16le at the stream's configured rate.
func New(path string, opts ...Option) *Source {
	s := &Source{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FromPCM creates a Source over an in-memory s16le buffer recorded at the
// given rate and channel count.
func FromPCM(pcm []byte, sampleRate, channels int, opts ...Option) *Source {
	s := &Source{pcm: pcm, rate: sampleRate, channels: channels}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open loads the recording, converts it to cfg's format, and returns a stream
// replaying it. The stream ends cleanly (Err() == nil) when the recording is
// exhausted.
func (s *Source) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("replay: invalid stream config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pcm, rate, channels, err := s.load(cfg)
	if err != nil {
		return nil, &audio.DeviceError{Device: s.path, Op: "open", Err: err}
	}

	// Normalize the recording to the requested stream format.
	if channels == 2 && cfg.Channels == 1 {
		pcm = audio.StereoToMono(pcm)
		channels = 1
	}
	if rate != cfg.SampleRate && channels == 1 {
		pcm = audio.ResampleMono16(pcm, rate, cfg.SampleRate)
	}

	st := &stream{
		frames: make(chan audio.Frame, 16),
		done:   make(chan struct{}),
	}
	go st.run(ctx, cfg, pcm, s.realTime)
	return st, nil
}

func (s *Source) load(cfg audio.StreamConfig) (pcm []byte, rate, channels int, err error) {
	if s.path == "" {
		rate, channels = s.rate, s.channels
		if rate <= 0 {
			rate = cfg.SampleRate
		}
		if channels <= 0 {
			channels = cfg.Channels
		}
		return s.pcm, rate, channels, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, 0, 0, err
	}
	if isWAV(data) {
		return parseWAV(data)
	}
	return data, cfg.SampleRate, cfg.Channels, nil
}

type stream struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
}

func (st *stream) run(ctx context.Context, cfg audio.StreamConfig, pcm []byte, realTime bool) {
	defer close(st.frames)

	frameBytes := cfg.FrameBytes()
	frameSec := float64(cfg.FrameMs) / 1000.0
	var ticker *time.Ticker
	if realTime {
		ticker = time.NewTicker(cfg.FrameDuration())
		defer ticker.Stop()
	}

	var seq uint64
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		buf := make([]byte, frameBytes)
		if end > len(pcm) {
			copy(buf, pcm[off:])
		} else {
			copy(buf, pcm[off:end])
		}

		if ticker != nil {
			select {
			case <-ticker.C:
			case <-st.done:
				return
			case <-ctx.Done():
				return
			}
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
			return
		case <-ctx.Done():
			return
		}
	}
}

func (st *stream) Frames() <-chan audio.Frame { return st.frames }

// Err always returns nil: a replay either completes or is closed, neither of
// which is a device fault.
func (st *stream) Err() error { return nil }

func (st *stream) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}

// ---- WAV parsing --------------------------------------------------------------

func isWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// parseWAV extracts the PCM payload from a 16-bit PCM RIFF/WAV file by
// walking its sub-chunks. Compressed or non-16-bit files are rejected.
func parseWAV(data []byte) (pcm []byte, rate, channels int, err error) {
	if !isWAV(data) {
		return nil, 0, 0, errors.New("not a RIFF/WAVE file")
	}

	var haveFmt bool
	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, 0, errors.New("short fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, 0, 0, fmt.Errorf("unsupported WAV format %d, want PCM", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			rate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bits := binary.LittleEndian.Uint16(data[body+14 : body+16])
			if bits != 16 {
				return nil, 0, 0, fmt.Errorf("unsupported bit depth %d, want 16", bits)
			}
			haveFmt = true
		case "data":
			pcm = data[body : body+size]
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}

	if !haveFmt || pcm == nil {
		return nil, 0, 0, errors.New("missing fmt or data chunk")
	}
	return pcm, rate, channels, nil
}
