package stt

// EventKind tags the variant carried by an [Event].
type EventKind int

const (
	// EventInterim is a preliminary transcript that may still change.
	EventInterim EventKind = iota

	// EventFinal is an authoritative transcript for a finished segment.
	EventFinal

	// EventMetadata is a provider control message (session metadata,
	// utterance-end markers, speech-started notices). It carries no text.
	EventMetadata

	// EventMalformed is a message that could not be decoded. Err describes
	// why; Raw holds the payload.
	EventMalformed
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventInterim:
		return "interim"
	case EventFinal:
		return "final"
	case EventMetadata:
		return "metadata"
	case EventMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Event is one decoded message from a transcription session. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind EventKind

	// Text is the transcript for EventInterim and EventFinal. May be empty
	// when the provider finalised a segment without recognised speech.
	Text string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Type is the provider's own message type for EventMetadata.
	Type string

	// Raw is the undecodable payload for EventMalformed.
	Raw []byte

	// Err describes the decoding failure for EventMalformed.
	Err error
}
