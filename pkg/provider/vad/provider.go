// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (smoothing history, counters) so that multiple concurrent audio streams can
// be classified independently.
//
// Classification is synchronous by design: Classify returns immediately with
// a label, making it suitable for the per-frame hot path that gates utterance
// assembly. Implementations must not perform blocking I/O in Classify.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

// Config holds the parameters for a VAD session. Sensitivity always comes
// from configuration; engines must not hard-code thresholds.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to Classify.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// Classify returns an error if the supplied frame does not match this
	// size.
	FrameSizeMs int

	// Threshold is the speech decision level in the engine's native scale.
	// For the energy engine this is an RMS level in 16-bit PCM units
	// (0–32767); a model-based engine would interpret it as a probability.
	Threshold float64

	// Smoothing is an optional exponential smoothing factor in [0.0, 1.0)
	// applied to the raw per-frame score before thresholding. 0 disables
	// smoothing.
	Smoothing float64

	// Channels is the channel count of incoming frames. Multi-channel
	// frames are measured across all channels.
	Channels int
}

// Label is the classification of a single frame.
type Label struct {
	// Speech is true when the frame is classified as speech.
	Speech bool

	// Score is the engine's raw confidence or energy measure for the frame,
	// in the engine's native scale.
	Score float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// Classify analyses a single audio frame and returns its label. The
	// frame must be raw little-endian PCM at the SampleRate and FrameSizeMs
	// configured when the session was created. Returns an error if the
	// frame size is wrong or the engine encounters an internal failure.
	//
	// Classify is called synchronously in the audio pipeline loop; it must
	// not block.
	Classify(frame []byte) (Label, error)

	// Reset clears all accumulated detection state without closing the
	// session. Use this when the audio stream is interrupted or restarted
	// so stale state from the previous segment does not affect subsequent
	// frames.
	Reset()

	// Close releases all resources associated with the session. After
	// Close, Classify must return errors and Reset must be a no-op. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	// The session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid or if the engine
	// cannot allocate resources for the session.
	NewSession(cfg Config) (SessionHandle, error)
}
