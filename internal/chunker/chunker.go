// Package chunker assembles VAD-labelled frames into utterances.
//
// The chunker is a three-state machine. It idles until the first speech
// frame, accumulates while speech continues, and rides out trailing silence
// until the configured end-of-utterance window elapses. Trailing silence is
// appended to the utterance audio (ASR engines transcribe better with a
// little padding) but never advances the utterance's end timestamp, so
// reported spans cover speech only.
//
// Every finalized buffer is handed out exactly once: the internal buffer is
// released on finalize and a new utterance starts from scratch.
package chunker

import (
	"errors"
	"fmt"

	"github.com/otoscribe/livesub/pkg/audio"
	"github.com/otoscribe/livesub/pkg/provider/vad"
)

// FinalizeReason says why an utterance was closed.
type FinalizeReason string

const (
	// ReasonSilence: the trailing-silence window elapsed.
	ReasonSilence FinalizeReason = "silence"

	// ReasonHardCap: the utterance reached the maximum duration mid-speech.
	ReasonHardCap FinalizeReason = "hard_cap"

	// ReasonForced: the owner demanded finalization (pause, shutdown,
	// stream end).
	ReasonForced FinalizeReason = "forced"
)

// state is the chunker's position in its lifecycle.
type state int

const (
	stateIdle state = iota
	stateAccumulating
	stateTrailingSilence
)

// Utterance is one finalized span of speech.
type Utterance struct {
	// PCM is the mono utterance audio, including any trailing silence
	// grace frames.
	PCM []byte

	// T0 is the stream offset (seconds) of the first speech frame.
	T0 float64

	// T1 is the stream offset (seconds) of the end of the last speech
	// frame. Trailing silence does not extend T1.
	T1 float64

	// Reason says why the utterance was closed.
	Reason FinalizeReason

	// FrameCount is the number of frames in PCM, grace frames included.
	FrameCount int

	// SampleRate of PCM in Hz.
	SampleRate int
}

// Duration is the speech span in seconds.
func (u *Utterance) Duration() float64 { return u.T1 - u.T0 }

// Config parameterizes a Chunker.
type Config struct {
	// SampleRate and FrameMs describe the incoming frames.
	SampleRate int
	FrameMs    int

	// EndSilenceMs is the trailing-silence window that closes an
	// utterance.
	EndSilenceMs int

	// MinUtterSec is the floor below which a finalized utterance is
	// discarded instead of emitted. Micro-utterances are VAD noise and
	// waste an ASR call.
	MinUtterSec float64

	// MaxUtterSec caps the buffered audio; reaching it finalizes
	// mid-speech so a monologue cannot defer transcription forever.
	MaxUtterSec float64

	// OnDiscard, if set, is invoked for every utterance dropped by the
	// MinUtterSec floor.
	OnDiscard func(u *Utterance)

	// OnGap, if set, is invoked when frame sequence numbers skip, with the
	// number of frames lost. Gaps are diagnostics, never errors.
	OnGap func(missing uint64)
}

// Validate checks the configuration and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %d ms", c.FrameMs))
	}
	if c.EndSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("end silence must be positive, got %d ms", c.EndSilenceMs))
	}
	if c.MinUtterSec < 0 {
		errs = append(errs, fmt.Errorf("min utterance must not be negative, got %g s", c.MinUtterSec))
	}
	if c.MaxUtterSec <= 0 {
		errs = append(errs, fmt.Errorf("max utterance must be positive, got %g s", c.MaxUtterSec))
	}
	if c.MaxUtterSec <= c.MinUtterSec {
		errs = append(errs, fmt.Errorf("max utterance (%g s) must exceed min utterance (%g s)", c.MaxUtterSec, c.MinUtterSec))
	}
	return errors.Join(errs...)
}

// Chunker is the utterance state machine. Not safe for concurrent use; the
// pipeline feeds it from a single goroutine.
type Chunker struct {
	cfg           Config
	silenceFrames int
	frameSec      float64

	st       state
	buf      []byte
	frames   int
	t0       float64
	t1       float64
	trailing int

	lastSeq  uint64
	haveSeq  bool
	disc     uint64
	gapTotal uint64
}

// New creates a Chunker. The trailing-silence window is rounded up to whole
// frames and is at least one frame.
func New(cfg Config) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("chunker: invalid config: %w", err)
	}
	silenceFrames := (cfg.EndSilenceMs + cfg.FrameMs - 1) / cfg.FrameMs
	if silenceFrames < 1 {
		silenceFrames = 1
	}
	return &Chunker{
		cfg:           cfg,
		silenceFrames: silenceFrames,
		frameSec:      float64(cfg.FrameMs) / 1000.0,
	}, nil
}

// Feed advances the state machine with one labelled frame. It returns a
// finalized utterance when this frame closed one, or nil.
func (c *Chunker) Feed(frame audio.Frame, label vad.Label) (*Utterance, error) {
	if len(frame.PCM) == 0 {
		return nil, errors.New("chunker: empty frame")
	}
	c.trackSeq(frame.Seq)

	switch c.st {
	case stateIdle:
		if !label.Speech {
			return nil, nil
		}
		// First speech frame opens the utterance.
		c.buf = append(c.buf, frame.PCM...)
		c.frames = 1
		c.t0 = frame.Start
		c.t1 = frame.Start + c.frameSec
		c.trailing = 0
		c.st = stateAccumulating
		return c.capCheck(), nil

	case stateAccumulating:
		c.buf = append(c.buf, frame.PCM...)
		c.frames++
		if label.Speech {
			c.t1 = frame.Start + c.frameSec
			return c.capCheck(), nil
		}
		c.trailing = 1
		c.st = stateTrailingSilence
		if c.trailing >= c.silenceFrames {
			return c.finalize(ReasonSilence), nil
		}
		return c.capCheck(), nil

	case stateTrailingSilence:
		c.buf = append(c.buf, frame.PCM...)
		c.frames++
		if label.Speech {
			// Speech resumed inside the grace window; the pause becomes
			// part of the utterance.
			c.trailing = 0
			c.t1 = frame.Start + c.frameSec
			c.st = stateAccumulating
			return c.capCheck(), nil
		}
		c.trailing++
		if c.trailing >= c.silenceFrames {
			return c.finalize(ReasonSilence), nil
		}
		return c.capCheck(), nil
	}
	return nil, fmt.Errorf("chunker: invalid state %d", c.st)
}

// ForceFinalize closes the in-flight utterance regardless of silence state.
// Returns nil when nothing is buffered or the buffered speech is below the
// minimum floor.
func (c *Chunker) ForceFinalize() *Utterance {
	if c.st == stateIdle {
		return nil
	}
	return c.finalize(ReasonForced)
}

// Reset drops all in-flight state, including sequence tracking. Use after a
// source restart, where frame numbering starts over.
func (c *Chunker) Reset() {
	c.st = stateIdle
	c.buf = nil
	c.frames = 0
	c.trailing = 0
	c.haveSeq = false
}

// Active reports whether an utterance is currently being accumulated.
func (c *Chunker) Active() bool { return c.st != stateIdle }

// Discarded reports how many utterances the MinUtterSec floor has dropped.
func (c *Chunker) Discarded() uint64 { return c.disc }

// Gaps reports the total number of frames lost to sequence gaps.
func (c *Chunker) Gaps() uint64 { return c.gapTotal }

// capCheck finalizes with ReasonHardCap once the buffered audio reaches
// MaxUtterSec.
func (c *Chunker) capCheck() *Utterance {
	if float64(c.frames)*c.frameSec >= c.cfg.MaxUtterSec {
		return c.finalize(ReasonHardCap)
	}
	return nil
}

// finalize closes the current buffer and resets for the next utterance. The
// buffer is handed out exactly once; utterances under the minimum floor are
// counted and dropped.
func (c *Chunker) finalize(reason FinalizeReason) *Utterance {
	u := &Utterance{
		PCM:        c.buf,
		T0:         c.t0,
		T1:         c.t1,
		Reason:     reason,
		FrameCount: c.frames,
		SampleRate: c.cfg.SampleRate,
	}

	c.buf = nil
	c.frames = 0
	c.trailing = 0
	c.st = stateIdle

	if u.Duration() < c.cfg.MinUtterSec {
		c.disc++
		if c.cfg.OnDiscard != nil {
			c.cfg.OnDiscard(u)
		}
		return nil
	}
	return u
}

// trackSeq watches frame sequence numbers for gaps.
func (c *Chunker) trackSeq(seq uint64) {
	if c.haveSeq && seq > c.lastSeq+1 {
		missing := seq - c.lastSeq - 1
		c.gapTotal += missing
		if c.cfg.OnGap != nil {
			c.cfg.OnGap(missing)
		}
	}
	c.lastSeq = seq
	c.haveSeq = true
}
