// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., Deepgram) and
// exposes a uniform streaming interface. The central abstraction is
// SessionHandle: once opened, a session accepts a continuous stream of raw PCM
// frames and emits a single ordered stream of [Event] values. Vendor messages
// are decoded into events at the provider boundary; consumers never see raw
// payloads.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition options for a new
// STT session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "es").
	// An empty string selects the provider default.
	Language string

	// SmartFormat asks the provider to punctuate and format numbers, dates and
	// similar entities in its transcripts.
	SmartFormat bool

	// InterimResults asks the provider to emit [EventInterim] events while an
	// utterance is still being recognised.
	InterimResults bool

	// EndpointingMs is the silence duration after which the provider finalises
	// an utterance. Zero selects the provider default.
	EndpointingMs int
}

// SessionHandle represents an open STT streaming session. It is an interface so
// that test code can provide mock implementations without requiring a live
// provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to do so
// may leak goroutines and network connections inside the provider implementation.
// All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM audio bytes to the provider. The
	// chunk should match the SampleRate and Channels agreed in StreamConfig.
	// Calling SendAudio after Close returns [ErrSessionClosed]; after the
	// connection failed it returns the connection error.
	SendAudio(chunk []byte) error

	// Events returns the channel of decoded provider messages in receipt
	// order. The channel is closed when the session ends, either through
	// Close or because the connection failed; Err distinguishes the two.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil if the session
	// is still running or was closed by the caller.
	Err() error

	// Close terminates the session, flushes pending audio, and releases all
	// associated resources. After Close returns, the Events channel will be
	// closed. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use. Multiple sessions may be
// open simultaneously (one per bridge direction).
type Provider interface {
	// StartStream opens a new streaming transcription session with the given audio
	// format and recognition configuration. The returned SessionHandle is ready to
	// accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already cancelled).
	// The caller owns the SessionHandle and must call Close when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
