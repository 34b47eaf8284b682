// Package translate defines the translation contract used to render committed
// subtitle lines in the target language.
//
// Translation is a pure enhancement: the pipeline publishes the source-text
// line first and treats a failed or slow translation as a degradation, never
// as a reason to withhold the line. Providers must be safe for concurrent use
// and must honour ctx cancellation, since every call is bounded by a timeout.
package translate

import "context"

// Request is one translation call.
type Request struct {
	// Text is the committed source line.
	Text string

	// SourceLang and TargetLang are BCP-47 codes ("en", "ja").
	SourceLang string
	TargetLang string
}

// Provider translates one line per call.
type Provider interface {
	Translate(ctx context.Context, req Request) (string, error)
}
