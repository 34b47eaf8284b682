// Package mock provides a scripted VAD engine for tests.
package mock

import (
	"errors"
	"sync"

	"github.com/otoscribe/livesub/pkg/provider/vad"
)

var _ vad.Engine = (*Engine)(nil)

// Engine hands out sessions that replay a scripted label sequence. All calls
// are recorded for assertions.
type Engine struct {
	// NewSessionErr, when set, makes NewSession fail.
	NewSessionErr error

	// Labels is the sequence each session replays. When the script runs
	// out, the last label repeats.
	Labels []vad.Label

	mu       sync.Mutex
	sessions []*Session
}

// NewSession records the call and returns a session over the scripted labels.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	s := &Session{labels: e.Labels, cfg: cfg}
	e.mu.Lock()
	e.sessions = append(e.sessions, s)
	e.mu.Unlock()
	return s, nil
}

// Sessions returns every session the engine has created.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Session{}, e.sessions...)
}

// Session is a scripted vad.SessionHandle.
type Session struct {
	mu     sync.Mutex
	labels []vad.Label
	cfg    vad.Config
	pos    int
	resets int
	closed bool

	// ClassifyErr, when set, makes every Classify call fail.
	ClassifyErr error
}

var _ vad.SessionHandle = (*Session)(nil)

// Classify returns the next scripted label.
func (s *Session) Classify(frame []byte) (vad.Label, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Label{}, errors.New("mock: session is closed")
	}
	if s.ClassifyErr != nil {
		return vad.Label{}, s.ClassifyErr
	}
	if len(s.labels) == 0 {
		return vad.Label{}, nil
	}
	label := s.labels[min(s.pos, len(s.labels)-1)]
	s.pos++
	return label, nil
}

// Reset records the call and rewinds the script.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	s.pos = 0
}

// Resets reports how many times Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Close marks the session closed. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
