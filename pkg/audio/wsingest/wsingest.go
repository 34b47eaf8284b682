// Package wsingest turns a WebSocket endpoint into an audio source.
//
// Each opened stream listens on StreamConfig.Device (a host:port address) and
// waits for a single client to connect and push binary audio messages: raw
// s16le PCM by default, or Opus packets when WithOpus is set. Incoming audio
// is decoded, converted to the stream format, and re-sliced into fixed
// frames. A client disconnect ends the stream with a *audio.DeviceError, so
// the pipeline's restart path brings the listener back up for the next
// connection.
package wsingest

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"layeh.com/gopus"

	"github.com/otoscribe/livesub/pkg/audio"
)

// maxOpusFrameSize is the largest Opus frame (120 ms at 48 kHz) in samples
// per channel, used to size the decode buffer.
const maxOpusFrameSize = 5760

var _ audio.Source = (*Source)(nil)

// Option is a functional option for configuring a Source.
type Option func(*Source)

// WithOpus switches the expected payload from raw s16le PCM to Opus packets
// encoded at the given rate and channel count.
func WithOpus(sampleRate, channels int) Option {
	return func(s *Source) {
		s.opus = true
		s.inputRate = sampleRate
		s.inputChannels = channels
	}
}

// WithInputFormat declares the PCM format pushed by the client when it
// differs from the stream format. Ignored when WithOpus is set.
func WithInputFormat(sampleRate, channels int) Option {
	return func(s *Source) {
		s.inputRate = sampleRate
		s.inputChannels = channels
	}
}

// Source accepts pushed audio over WebSocket. Safe for concurrent use; each
// Open owns its own listener.
type Source struct {
	opus          bool
	inputRate     int
	inputChannels int
}

// New creates a WebSocket ingest Source.
func New(opts ...Option) *Source {
	s := &Source{}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open binds cfg.Device and returns a stream fed by the first client that
// connects. Binding failures are reported immediately; everything after the
// bind (accept, decode) surfaces through the stream's Err.
func (s *Source) Open(ctx context.Context, cfg audio.StreamConfig) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("wsingest: invalid stream config: %w", err)
	}

	inputRate := s.inputRate
	if inputRate <= 0 {
		inputRate = cfg.SampleRate
	}
	inputChannels := s.inputChannels
	if inputChannels <= 0 {
		inputChannels = cfg.Channels
	}

	ln, err := net.Listen("tcp", cfg.Device)
	if err != nil {
		return nil, &audio.DeviceError{Device: cfg.Device, Op: "open", Err: err}
	}

	st := &stream{
		frames: make(chan audio.Frame, 16),
		done:   make(chan struct{}),
		ln:     ln,
	}

	var dec *gopus.Decoder
	if s.opus {
		dec, err = gopus.NewDecoder(inputRate, inputChannels)
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("wsingest: create opus decoder: %w", err)
		}
	}

	go st.serve(ctx, cfg, ingestFormat{
		rate:     inputRate,
		channels: inputChannels,
		decoder:  dec,
	})

	slog.Debug("wsingest listening", "addr", cfg.Device, "opus", s.opus)
	return st, nil
}

// ingestFormat describes how client payloads are turned into stream PCM.
type ingestFormat struct {
	rate     int
	channels int
	decoder  *gopus.Decoder // nil for raw PCM payloads
}

type stream struct {
	frames chan audio.Frame
	done   chan struct{}
	once   sync.Once
	ln     net.Listener

	mu  sync.Mutex
	err error
}

// serve accepts exactly one WebSocket client and pumps its audio until the
// connection drops or the stream is closed.
func (st *stream) serve(ctx context.Context, cfg audio.StreamConfig, in ingestFormat) {
	defer close(st.frames)

	connCh := make(chan *websocket.Conn, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Warn("wsingest accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		select {
		case connCh <- conn:
			// Hold the handler open for the lifetime of the stream; the
			// reader goroutine owns the connection from here.
			<-st.done
		default:
			conn.Close(websocket.StatusPolicyViolation, "ingest already has a client")
		}
	})}
	go func() { _ = srv.Serve(st.ln) }()
	defer srv.Close()

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case <-st.done:
		return
	case <-ctx.Done():
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	frameBytes := cfg.FrameBytes()
	frameSec := float64(cfg.FrameMs) / 1000.0
	var (
		pending []byte
		seq     uint64
	)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			st.fail(cfg.Device, "read", err)
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}

		pcm, err := st.toStreamPCM(data, cfg, in)
		if err != nil {
			st.fail(cfg.Device, "decode", err)
			return
		}
		pending = append(pending, pcm...)

		for len(pending) >= frameBytes {
			buf := make([]byte, frameBytes)
			copy(buf, pending[:frameBytes])
			pending = pending[frameBytes:]

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
}

// toStreamPCM converts one client payload into PCM in the stream format.
func (st *stream) toStreamPCM(data []byte, cfg audio.StreamConfig, in ingestFormat) ([]byte, error) {
	pcm := data
	if in.decoder != nil {
		samples, err := in.decoder.Decode(data, maxOpusFrameSize, false)
		if err != nil {
			return nil, fmt.Errorf("opus decode: %w", err)
		}
		pcm = audio.Int16sToBytes(samples)
	}
	if in.channels == 2 && cfg.Channels == 1 {
		pcm = audio.StereoToMono(pcm)
	}
	if in.rate != cfg.SampleRate && cfg.Channels == 1 {
		pcm = audio.ResampleMono16(pcm, in.rate, cfg.SampleRate)
	}
	return pcm, nil
}

// fail records a device fault unless shutdown was requested.
func (st *stream) fail(device, op string, err error) {
	select {
	case <-st.done:
		return
	default:
	}
	st.mu.Lock()
	st.err = &audio.DeviceError{Device: device, Op: op, Err: err}
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
		_ = st.ln.Close()
	})
	return nil
}

// Addr reports the bound listen address, useful when the config requested an
// ephemeral port.
func (st *stream) Addr() net.Addr { return st.ln.Addr() }
