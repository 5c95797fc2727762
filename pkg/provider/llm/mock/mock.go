// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the translator sends correct
// CompletionRequests and to feed controlled token streams without a live LLM
// backend. All fields are safe to set before calling any method; mutating them
// during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: mock.Tokens("Hola", ",", " mundo", "."),
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause an empty stream.
// Set StreamErr to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel returned
	// by StreamCompletion. All chunks are sent before the channel is closed.
	StreamChunks []llm.Chunk

	// Respond, if set, is called for every StreamCompletion and overrides
	// StreamChunks and StreamErr. It runs with the mock unlocked, so it may
	// block to simulate a slow model.
	Respond func(ctx context.Context, req llm.CompletionRequest) ([]llm.Chunk, error)

	// StreamErr, if non-nil, is returned as the error from StreamCompletion instead
	// of starting a channel.
	StreamErr error

	// --- Call records (read after test) ---

	// StreamCalls records every invocation of StreamCompletion in order.
	StreamCalls []StreamCall
}

// StreamCompletion records the call and returns a channel pre-filled with
// StreamChunks (or the output of Respond).
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	respond := p.Respond
	chunks, err := p.StreamChunks, p.StreamErr
	p.mu.Unlock()

	if respond != nil {
		chunks, err = respond(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// Calls returns a copy of StreamCalls. Thread-safe.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StreamCall(nil), p.StreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StreamCalls = nil
}

// Tokens builds a chunk sequence with one text delta per token and a final
// "stop" chunk.
func Tokens(tokens ...string) []llm.Chunk {
	out := make([]llm.Chunk, 0, len(tokens)+1)
	for _, t := range tokens {
		out = append(out, llm.Chunk{Text: t})
	}
	return append(out, llm.Chunk{FinishReason: "stop"})
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
