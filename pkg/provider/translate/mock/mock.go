// Package mock provides a scripted translation provider for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/otoscribe/livesub/pkg/provider/translate"
)

var _ translate.Provider = (*Provider)(nil)

// Provider translates by transforming the input with Fn, or returns Err. All
// calls are recorded for assertions.
type Provider struct {
	// Fn produces the translation for a request. When nil, the default
	// uppercases the source text, which keeps assertions readable.
	Fn func(req translate.Request) string

	// Err, when set, makes every call fail.
	Err error

	// Delay, when set, makes each call wait for ctx or the delay, which
	// lets tests exercise timeout paths.
	Delay func(ctx context.Context) error

	mu    sync.Mutex
	calls []translate.Request
}

// Translate records the call and returns the scripted result.
func (p *Provider) Translate(ctx context.Context, req translate.Request) (string, error) {
	if p.Delay != nil {
		if err := p.Delay(ctx); err != nil {
			return "", err
		}
	}

	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	if p.Fn != nil {
		return p.Fn(req), nil
	}
	return strings.ToUpper(req.Text), nil
}

// Calls returns every recorded request.
func (p *Provider) Calls() []translate.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]translate.Request{}, p.calls...)
}
