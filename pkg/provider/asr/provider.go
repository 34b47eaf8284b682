// Package asr defines the one-shot transcription contract used by the
// pipeline.
//
// Unlike streaming speech-to-text engines, the pipeline calls Transcribe
// exactly once per finalized utterance with the complete utterance audio.
// Providers therefore do not need session state; a Provider is a stateless
// (and concurrency-safe) client over whatever engine performs the work.
package asr

import (
	"context"
	"errors"
)

// ErrNoSpeech reports that the engine found nothing intelligible in the
// utterance. The pipeline skips the utterance without counting a provider
// failure. Providers return it wrapped, so check with [errors.Is].
var ErrNoSpeech = errors.New("no speech detected")

// Request is the audio handed to one transcription call.
type Request struct {
	// PCM is the complete utterance as 16-bit signed little-endian mono
	// samples.
	PCM []byte

	// SampleRate of PCM in Hz.
	SampleRate int

	// Language is a BCP-47 hint ("en", "ja"). Empty lets the provider pick
	// its default.
	Language string
}

// Result is the outcome of one transcription call.
type Result struct {
	// Text is the transcribed text. Non-empty on success; silent utterances
	// fail with [ErrNoSpeech] instead.
	Text string
}

// Provider transcribes one utterance per call. Implementations must be safe
// for concurrent use and must honour ctx cancellation and deadlines, since
// the pipeline bounds every call with a timeout.
type Provider interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}
