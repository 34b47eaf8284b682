// Package diagnose renders pipeline faults into operator-facing summaries.
//
// Error events carry three pieces: a one-line cause (a length-capped error
// summary), a remediation hint keyed off the error text, and a log reference
// so the full trace can be found. The keyword heuristics are crude on
// purpose; they turn the most common field failures (mic not found, ASR
// server down, bad API key) into an instruction instead of a stack trace.
package diagnose

import (
	"errors"
	"strings"

	"github.com/otoscribe/livesub/pkg/audio"
)

// summaryMaxLen caps the cause line so overlay UIs can render it whole.
const summaryMaxLen = 220

// Summarize renders err as a single line of at most summaryMaxLen runes.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	s := strings.Join(strings.Fields(err.Error()), " ")
	runes := []rune(s)
	if len(runes) > summaryMaxLen {
		s = string(runes[:summaryMaxLen-1]) + "…"
	}
	return s
}

// hintRule pairs matching keywords with a remediation hint. Rules are checked
// in order; the first match wins.
type hintRule struct {
	keywords []string
	hint     string
}

var hintRules = []hintRule{
	{
		keywords: []string{"ffmpeg", "executable file not found"},
		hint:     "ffmpeg was not found or failed to start; install ffmpeg and verify the capture backend and device name in audio config",
	},
	{
		keywords: []string{"no such device", "device", "pulse", "alsa"},
		hint:     "the capture device was not found; list devices with your audio backend and set audio.device accordingly",
	},
	{
		keywords: []string{"connection refused", "no such host", "dial tcp"},
		hint:     "a backing service is unreachable; verify the ASR server is running and asr.base_url points at it",
	},
	{
		keywords: []string{"context deadline exceeded", "timeout", "timed out"},
		hint:     "a call timed out; raise the relevant timeout_ms or switch to a smaller/faster model",
	},
	{
		keywords: []string{"401", "unauthorized", "api key", "invalid_api_key"},
		hint:     "authentication failed; check the translate provider API key",
	},
	{
		keywords: []string{"model", "404"},
		hint:     "the requested model is unavailable; check the model name and that it is downloaded/served",
	},
}

// Hint returns a remediation hint for err, or "" when nothing matches.
func Hint(err error) string {
	if err == nil {
		return ""
	}

	// Device faults get a targeted hint regardless of wording.
	var de *audio.DeviceError
	if errors.As(err, &de) && de.Op == "open" {
		return "the audio source could not be opened; verify audio.source, audio.device, and that the capture backend is available"
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range hintRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.hint
			}
		}
	}
	return ""
}
