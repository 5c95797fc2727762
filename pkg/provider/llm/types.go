package llm

// Message roles understood by every backend.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text content of the message.
	Content string
}

// ErrorChunk returns the terminal chunk for a failed stream.
func ErrorChunk(err error) Chunk {
	return Chunk{Text: err.Error(), FinishReason: FinishReasonError, Err: err}
}
