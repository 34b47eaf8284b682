// Package audio defines the frame capture contract shared by every audio
// source in the pipeline.
//
// A Source turns a physical or simulated input (microphone via ffmpeg, a
// replayed recording, a network ingest) into a Stream of fixed-duration PCM
// frames. Frames are the atomic unit of transport: the VAD classifies them,
// the chunker accumulates them, and everything downstream works on utterances
// assembled from them.
//
// Sources are restartable factories: when a stream dies with a device fault
// the caller opens a fresh stream from the same Source. Implementations must
// be safe for concurrent use; a single Stream belongs to one consumer.
package audio

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Frame is a single fixed-duration slice of captured audio.
type Frame struct {
	// PCM is raw 16-bit signed little-endian audio at the stream's
	// configured sample rate and channel count.
	PCM []byte

	// Seq is the zero-based position of this frame in the stream. Strictly
	// increasing; a gap means frames were lost at the device boundary.
	Seq uint64

	// Start is the frame's offset from stream start, in seconds.
	Start float64

	// Time is the wall-clock capture time.
	Time time.Time
}

// StreamConfig describes the PCM format a Source must deliver.
type StreamConfig struct {
	// SampleRate in Hz. Common values: 16000 for transcription input.
	SampleRate int

	// Channels: 1 for mono, 2 for stereo. Transcription works on mono;
	// multi-channel frames are down-mixed before ASR.
	Channels int

	// FrameMs is the duration of each frame in milliseconds. Every frame a
	// Stream emits carries exactly FrameBytes() of PCM.
	FrameMs int

	// Device selects the capture device or input path. Interpretation is
	// source specific (PulseAudio name, file path, listen address).
	Device string
}

// FrameBytes returns the PCM byte length of one frame in this configuration.
func (c StreamConfig) FrameBytes() int {
	return c.SampleRate * c.FrameMs / 1000 * c.Channels * 2
}

// FrameDuration returns the duration of one frame.
func (c StreamConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameMs) * time.Millisecond
}

// Validate checks the configuration and returns all problems joined.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels < 1 || c.Channels > 2 {
		errs = append(errs, fmt.Errorf("channels must be 1 or 2, got %d", c.Channels))
	}
	if c.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("frame_ms must be positive, got %d", c.FrameMs))
	}
	return errors.Join(errs...)
}

// Stream is a live sequence of frames from one opened capture.
//
// The Frames channel closes when the stream ends, either cleanly (replay
// exhausted, Close called) or because the device failed. After the channel
// closes, Err reports the cause: nil for a clean end, a *DeviceError for a
// device fault.
type Stream interface {
	// Frames returns the channel frames are delivered on. The channel is
	// owned by the stream and closed exactly once.
	Frames() <-chan Frame

	// Err returns the terminal error of the stream. Valid only after the
	// Frames channel has closed; nil means the stream ended cleanly.
	Err() error

	// Close stops capture and releases device resources. Safe to call more
	// than once. Close unblocks a pending Frames receive.
	Close() error
}

// Source creates streams. Opening may block while the device spins up; the
// context bounds that wait.
type Source interface {
	Open(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// DeviceError is the terminal error of a stream that died at the device
// boundary. The pipeline treats it as restartable: it reopens the source a
// bounded number of times before giving up.
type DeviceError struct {
	// Device is the configured device or input path.
	Device string

	// Op names the failing operation ("open", "read", "decode").
	Op string

	// Err is the underlying cause.
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %q: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }
