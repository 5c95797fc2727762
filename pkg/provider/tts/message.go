package tts

// MessageKind tags the variant carried by a [Message].
type MessageKind int

const (
	// MessageAudio carries a chunk of synthesised PCM audio.
	MessageAudio MessageKind = iota

	// MessageDone marks that the provider finished a context.
	MessageDone

	// MessageError is a provider-reported failure for one context. The
	// session itself stays usable.
	MessageError

	// MessageMalformed is a message that could not be decoded.
	MessageMalformed
)

// String returns the human-readable name of the kind.
func (k MessageKind) String() string {
	switch k {
	case MessageAudio:
		return "audio"
	case MessageDone:
		return "done"
	case MessageError:
		return "error"
	case MessageMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Message is one decoded message from a synthesis session. Only the fields
// relevant to Kind are set.
type Message struct {
	Kind MessageKind

	// ContextID is the context the message belongs to, if the provider
	// reported one.
	ContextID string

	// Audio is the decoded PCM payload for MessageAudio.
	Audio []byte

	// Raw is the undecodable payload for MessageMalformed.
	Raw []byte

	// Err describes the failure for MessageError and MessageMalformed.
	Err error
}
