// Package mock provides a scripted transcription provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/otoscribe/livesub/pkg/provider/asr"
)

var _ asr.Provider = (*Provider)(nil)

// Call records one Transcribe invocation.
type Call struct {
	PCMBytes   int
	SampleRate int
	Language   string
}

// Provider replays scripted results in order. When the script runs out, the
// last entry repeats. All calls are recorded for assertions.
type Provider struct {
	// Results are returned in order; Err entries make the call fail.
	Results []Result

	// Delay, when set, makes each call wait for the duration or ctx, which
	// lets tests exercise timeout paths.
	Delay func(ctx context.Context) error

	mu    sync.Mutex
	calls []Call
	pos   int
}

// Result is one scripted outcome.
type Result struct {
	Text string
	Err  error
}

// Transcribe records the call and returns the next scripted result.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (asr.Result, error) {
	if p.Delay != nil {
		if err := p.Delay(ctx); err != nil {
			return asr.Result{}, err
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, Call{
		PCMBytes:   len(req.PCM),
		SampleRate: req.SampleRate,
		Language:   req.Language,
	})
	var r Result
	if len(p.Results) > 0 {
		r = p.Results[min(p.pos, len(p.Results)-1)]
		p.pos++
	}
	p.mu.Unlock()

	if r.Err != nil {
		return asr.Result{}, r.Err
	}
	return asr.Result{Text: r.Text}, nil
}

// Calls returns every recorded invocation.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call{}, p.calls...)
}
