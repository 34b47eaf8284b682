// Package energy implements an RMS-threshold voice activity detector.
//
// The engine measures the root-mean-square energy of each 16-bit PCM frame
// and labels the frame as speech when the (optionally smoothed) energy is at
// or above the configured threshold. It needs no model files, adds no
// latency, and behaves identically on every platform, which makes it the
// default engine for live subtitling.
package energy

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/otoscribe/livesub/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)

// Engine creates RMS-threshold sessions. The zero value is ready to use.
type Engine struct{}

// New creates an energy Engine.
func New() *Engine { return &Engine{} }

// NewSession validates cfg and returns a session. The expected frame byte
// length is fixed at session creation from SampleRate, FrameSizeMs, and
// Channels.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	var errs []error
	if cfg.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate))
	}
	if cfg.FrameSizeMs <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %d ms", cfg.FrameSizeMs))
	}
	if cfg.Threshold < 0 || cfg.Threshold > 32767 {
		errs = append(errs, fmt.Errorf("threshold must be within [0, 32767], got %g", cfg.Threshold))
	}
	if cfg.Smoothing < 0 || cfg.Smoothing >= 1 {
		errs = append(errs, fmt.Errorf("smoothing must be within [0.0, 1.0), got %g", cfg.Smoothing))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("energy: invalid config: %w", err)
	}

	channels := cfg.Channels
	if channels <= 0 {
		channels = 1
	}

	return &session{
		frameBytes: cfg.SampleRate * cfg.FrameSizeMs / 1000 * channels * 2,
		threshold:  cfg.Threshold,
		smoothing:  cfg.Smoothing,
	}, nil
}

// session holds the smoothing state for one stream. Not safe for concurrent
// use; the pipeline calls Classify from a single goroutine.
type session struct {
	frameBytes int
	threshold  float64
	smoothing  float64

	smoothed    float64
	haveHistory bool
	closed      bool
}

// Classify measures the frame's RMS energy and thresholds it. With smoothing
// enabled the score is an exponential moving average over past frames, which
// suppresses single-frame clicks without delaying speech onset by more than
// a frame or two.
func (s *session) Classify(frame []byte) (vad.Label, error) {
	if s.closed {
		return vad.Label{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Label{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	score := rms(frame)
	if s.smoothing > 0 {
		if s.haveHistory {
			score = s.smoothing*s.smoothed + (1-s.smoothing)*score
		}
		s.smoothed = score
		s.haveHistory = true
	}

	return vad.Label{Speech: score >= s.threshold, Score: score}, nil
}

// Reset drops the smoothing history.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.smoothed = 0
	s.haveHistory = false
}

// Close marks the session unusable. Safe to call more than once.
func (s *session) Close() error {
	s.closed = true
	return nil
}

// rms returns the root-mean-square energy of a 16-bit signed little-endian
// PCM buffer, in the same units as PCM sample values (0–32767). Returns 0
// for buffers shorter than one sample.
func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
