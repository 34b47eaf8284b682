// Package textseg gates transcribed utterance text into committed subtitle
// lines.
//
// ASR output arrives per utterance, which rarely matches how subtitles should
// read. The segmenter buffers incoming text and commits a line when one of
// three conditions holds: a temporal gap since the previous utterance, a
// sentence-final punctuation mark, or a hard character ceiling that keeps a
// runaway merge from producing an unreadable line. Before buffering, text
// passes a cleanup pass that strips the common live-ASR artifacts (stuttered
// token runs, throwaway fragments, odd time notation).
package textseg

import (
	"errors"
	"fmt"
	"strings"
)

// Segment is one committed subtitle line with its speech span.
type Segment struct {
	Text string
	T0   float64
	T1   float64
}

// Config parameterizes a Segmenter.
type Config struct {
	// GapSec commits the buffer when the next utterance starts more than
	// this many seconds after the previous one ended.
	GapSec float64

	// HardMaxChars commits the buffer once its text reaches this length.
	HardMaxChars int

	// Language selects language-specific cleanup ("en" enables time
	// notation normalization). Empty disables language-specific passes.
	Language string
}

// Validate checks the configuration and returns all problems joined.
func (c Config) Validate() error {
	var errs []error
	if c.GapSec <= 0 {
		errs = append(errs, fmt.Errorf("gap must be positive, got %g s", c.GapSec))
	}
	if c.HardMaxChars <= 0 {
		errs = append(errs, fmt.Errorf("hard max chars must be positive, got %d", c.HardMaxChars))
	}
	return errors.Join(errs...)
}

// Segmenter accumulates utterance text between commits. Not safe for
// concurrent use; the pipeline owns it from a single goroutine.
type Segmenter struct {
	cfg Config

	buf     []string
	bufLen  int
	bufT0   float64
	lastEnd float64
	hasBuf  bool
}

// New creates a Segmenter.
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("textseg: invalid config: %w", err)
	}
	return &Segmenter{cfg: cfg}, nil
}

// Push feeds one utterance's text with its speech span and returns the lines
// committed by this push, oldest first. A single push can commit twice: once
// flushing the stale buffer across a gap, once committing the new text on
// punctuation or length.
func (s *Segmenter) Push(text string, t0, t1 float64) []Segment {
	var out []Segment

	// A long enough pause means the buffered text belongs to a finished
	// thought; commit it before starting the new one.
	if s.hasBuf && t0-s.lastEnd > s.cfg.GapSec {
		if seg, ok := s.commit(); ok {
			out = append(out, seg)
		}
	}

	cleaned := Cleanup(text, s.cfg.Language)
	if cleaned == "" {
		return out
	}

	if !s.hasBuf {
		s.bufT0 = t0
		s.hasBuf = true
	}
	// bufLen tracks the merged length, join spaces included, so the hard
	// cap fires on the same count the committed text will have.
	if len(s.buf) > 0 {
		s.bufLen++
	}
	s.buf = append(s.buf, cleaned)
	s.bufLen += len(cleaned)
	s.lastEnd = t1

	if s.bufLen >= s.cfg.HardMaxChars || endsSentence(cleaned) {
		if seg, ok := s.commit(); ok {
			out = append(out, seg)
		}
	}
	return out
}

// Flush commits whatever remains buffered, if anything.
func (s *Segmenter) Flush() []Segment {
	if seg, ok := s.commit(); ok {
		return []Segment{seg}
	}
	return nil
}

// Pending reports whether uncommitted text is buffered.
func (s *Segmenter) Pending() bool { return s.hasBuf }

func (s *Segmenter) commit() (Segment, bool) {
	if !s.hasBuf {
		return Segment{}, false
	}
	seg := Segment{
		Text: strings.Join(s.buf, " "),
		T0:   s.bufT0,
		T1:   s.lastEnd,
	}
	s.buf = nil
	s.bufLen = 0
	s.hasBuf = false
	return seg, true
}

// sentenceFinal covers ASCII and CJK full stops, question and exclamation
// marks.
var sentenceFinal = []rune{'.', '!', '?', '。', '！', '？'}

func endsSentence(text string) bool {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return false
	}
	last := runes[len(runes)-1]
	for _, r := range sentenceFinal {
		if last == r {
			return true
		}
	}
	return false
}
