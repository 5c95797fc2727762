package pipeline

import "time"

// Transcript is a finalized, non-empty utterance from the transcription
// service, queued for translation.
type Transcript struct {
	Text       string
	ReceivedAt time.Time
}

// TranslationChunk is a punctuation-delimited piece of one translation turn.
// Every chunk of a turn shares ContextID; Continuation is false only on the
// turn's last chunk.
type TranslationChunk struct {
	Text         string
	ContextID    string
	Continuation bool
}

// AudioChunk is synthesized PCM for one context, in receipt order.
type AudioChunk struct {
	ContextID string
	PCM       []byte
}
