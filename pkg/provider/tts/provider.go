// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a streaming speech synthesis service (e.g., Cartesia or
// ElevenLabs) and presents a uniform, persistent, full-duplex session. Text
// fragments are sent as [Request] values tagged with a context ID; audio and
// status messages for those contexts arrive asynchronously on the session's
// message channel as decoded [Message] values.
//
// One session serves many turns: each turn uses a fresh context ID, and the
// last fragment of a turn is sent with Continuation false so the provider can
// finalise prosody for that context.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("tts: session closed")

// OutputFormat describes the audio encoding the provider must produce.
type OutputFormat struct {
	// Container is the audio container (e.g., "raw").
	Container string

	// Encoding is the sample encoding (e.g., "pcm_s16le").
	Encoding string

	// SampleRate is the output sample rate in Hz.
	SampleRate int
}

// RawPCM returns the raw signed 16-bit little-endian format at the given rate.
func RawPCM(sampleRate int) OutputFormat {
	return OutputFormat{Container: "raw", Encoding: "pcm_s16le", SampleRate: sampleRate}
}

// SessionConfig holds per-session defaults. Providers whose endpoint is bound
// to a voice or format at connect time (ElevenLabs) read them from here.
type SessionConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string

	// Format is the output audio format.
	Format OutputFormat

	// Language is the language of the text to be spoken (e.g., "es").
	// An empty string selects the provider default.
	Language string
}

// Request is one text fragment for synthesis.
type Request struct {
	// Text is the fragment to speak. Never empty.
	Text string

	// VoiceID overrides SessionConfig.VoiceID when non-empty.
	VoiceID string

	// Format overrides SessionConfig.Format when SampleRate is non-zero.
	Format OutputFormat

	// ContextID groups fragments belonging to one turn.
	ContextID string

	// Continuation is true when more fragments for ContextID will follow.
	Continuation bool
}

// SessionHandle is an open synthesis connection.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// Send transmits one request immediately. It returns an error if the
	// connection is broken; the request is then lost.
	Send(ctx context.Context, req Request) error

	// Messages returns the channel of decoded provider messages in receipt
	// order. The channel is closed when the connection ends.
	Messages() <-chan Message

	// Err returns the error that terminated the session, or nil if the session
	// is still open or was closed by the caller.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any streaming TTS backend.
type Provider interface {
	// Connect opens a new persistent synthesis session.
	//
	// Returns an error if the connection cannot be established (e.g., network
	// failure, authentication failure, or ctx already cancelled).
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
