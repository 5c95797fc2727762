// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session keeps its own hysteresis state so
// that the two directions of a bridge are gated independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the capture loop that gates
// transcription input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "errors"

// ErrClosed is returned by ProcessFrame after the session was closed.
var ErrClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session. Thresholds are expressed in
// the engine's native scale; for the energy engine that is RMS amplitude of
// 16-bit samples.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Frame durations are derived from it.
	SampleRate int

	// StartThreshold is the level a frame must exceed to count towards speech
	// onset. Typical for the energy engine: 500.
	StartThreshold float64

	// StopThreshold is the level a frame must fall below to count towards the
	// end of speech. Must be <= StartThreshold. Typical: 300.
	StopThreshold float64

	// MinSpeechMs is how long the level must stay above StartThreshold before
	// speech is reported. Typical: 100.
	MinSpeechMs int

	// MinSilenceMs is how long the level must stay below StopThreshold before
	// silence is reported again. Typical: 400.
	MinSilenceMs int
}

// Validate reports whether the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, errors.New("vad: sample rate must be positive"))
	}
	if c.StopThreshold > c.StartThreshold {
		errs = append(errs, errors.New("vad: stop threshold must not exceed start threshold"))
	}
	if c.MinSpeechMs < 0 || c.MinSilenceMs < 0 {
		errs = append(errs, errors.New("vad: minimum durations must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream. It is
// an interface so that test code can supply mock implementations without a live
// engine. Each session maintains its own detection state; Reset clears this state
// without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of little-endian 16-bit mono PCM at
	// the configured SampleRate and returns the detection result. Frames may
	// be any length; an empty frame yields [VADSilence] without touching the
	// session state.
	//
	// This method is designed to be called synchronously in the capture loop;
	// it must not block.
	ProcessFrame(frame []byte) (VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame returns [ErrClosed]. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may call
// NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The session
	// is immediately ready to accept audio frames.
	NewSession(cfg Config) (SessionHandle, error)
}
