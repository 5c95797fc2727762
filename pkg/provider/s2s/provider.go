// Package s2s defines the Provider interface for speech-to-speech backends.
//
// A speech-to-speech provider wraps a live voice model that accepts raw audio
// and answers with synthesized audio in one stateful session, replacing the
// separate transcription, translation and synthesis stages. Given translation
// instructions, such a model speaks the translation of what it hears.
//
// Sessions are long-lived. The audio and event channels are closed together
// when the session ends; [SessionHandle.Err] then tells a clean end from a
// failure.
package s2s

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by methods called on a closed session.
var ErrClosed = errors.New("s2s: session closed")

// SessionConfig configures a new session.
type SessionConfig struct {
	// Instructions is the system prompt, e.g. the translation instruction of
	// a direction.
	Instructions string

	// Voice names a voice of the provider. Empty selects its default.
	Voice string

	// InputSampleRate is the rate of the 16-bit mono PCM passed to
	// [SessionHandle.SendAudio].
	InputSampleRate int

	// Transcribe requests transcripts of the input and output speech.
	Transcribe bool
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventInputTranscript carries a fragment of the recognised input speech.
	EventInputTranscript EventKind = iota

	// EventOutputTranscript carries a fragment of the text of the spoken
	// response.
	EventOutputTranscript

	// EventTurnComplete marks the end of a model response.
	EventTurnComplete

	// EventInterrupted reports that the model abandoned its response because
	// new speech started.
	EventInterrupted

	// EventError reports a provider error that did not end the session.
	EventError
)

// String returns a short name for k.
func (k EventKind) String() string {
	switch k {
	case EventInputTranscript:
		return "input_transcript"
	case EventOutputTranscript:
		return "output_transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a non-audio message from the session.
type Event struct {
	Kind EventKind

	// Text is set for transcript events.
	Text string

	// Err is set for EventError.
	Err error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// OutputSampleRate is the rate of the 16-bit mono PCM emitted on
	// [SessionHandle.Audio].
	OutputSampleRate int

	// MaxSessionDuration is the provider's limit on session lifetime. Zero
	// means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the selectable voice names.
	Voices []string
}

// SessionHandle is an open session. All methods are safe for concurrent use.
// Audio received before an event is sent on the audio channel before the
// event is sent on the event channel.
type SessionHandle interface {
	// SendAudio streams one chunk of input PCM. It must not block for long;
	// callers feed it from a real-time capture loop.
	SendAudio(chunk []byte) error

	// Audio emits the synthesized response audio in order.
	Audio() <-chan []byte

	// Events emits transcripts and turn boundaries.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close ends the session and closes both channels. Safe to call more
	// than once.
	Close() error
}

// Provider opens speech-to-speech sessions. Implementations must be safe for
// concurrent use; every direction opens its own session.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
	Capabilities() Capabilities
}
