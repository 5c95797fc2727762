package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
	llmmock "github.com/MrWong99/lingobridge/pkg/provider/llm/mock"
)

type wantChunk struct {
	text         string
	continuation bool
}

func newTestTranslator(p llm.Provider, j journal.Recorder) *Translator {
	tr := NewTranslator(testConfig(), p, nil, j)
	tr.newID = func() string { return "ctx-1" }
	return tr
}

func TestTranslator_Chunking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		chunks []llm.Chunk
		want   []wantChunk
	}{
		{
			name:   "comma and period",
			chunks: llmmock.Tokens("Hola", ",", " mundo", "."),
			want:   []wantChunk{{"Hola,", true}, {" mundo.", false}},
		},
		{
			name:   "no punctuation",
			chunks: llmmock.Tokens("Buenos", " días"),
			want:   []wantChunk{{"Buenos días", false}},
		},
		{
			name:   "trailing whitespace is discarded",
			chunks: llmmock.Tokens("Sí", ".", " ", "\n"),
			want:   []wantChunk{{"Sí.", false}},
		},
		{
			name:   "residue without boundary",
			chunks: llmmock.Tokens("A", ".", " B"),
			want:   []wantChunk{{"A.", true}, {" B", false}},
		},
		{
			name:   "whitespace joins the next chunk",
			chunks: llmmock.Tokens("Hola.", " ", "amigo"),
			want:   []wantChunk{{"Hola.", true}, {" amigo", false}},
		},
		{
			name:   "several boundaries in one delta",
			chunks: llmmock.Tokens("Uno. Dos!"),
			want:   []wantChunk{{"Uno. Dos!", false}},
		},
		{
			name:   "every boundary character",
			chunks: llmmock.Tokens("a.", "b?", "c!", "d,", "e;", "f:"),
			want: []wantChunk{
				{"a.", true}, {"b?", true}, {"c!", true},
				{"d,", true}, {"e;", true}, {"f:", false},
			},
		},
		{
			name:   "empty completion",
			chunks: llmmock.Tokens(),
			want:   nil,
		},
		{
			name:   "whitespace only completion",
			chunks: llmmock.Tokens("  ", "\t"),
			want:   nil,
		},
		{
			name: "stream closed without finish reason",
			chunks: []llm.Chunk{
				{Text: "Hola"}, {Text: "."},
			},
			want: []wantChunk{{"Hola.", false}},
		},
		{
			name: "deltas after finish are ignored",
			chunks: []llm.Chunk{
				{Text: "Fin."}, {FinishReason: "stop"}, {Text: " extra"},
			},
			want: []wantChunk{{"Fin.", false}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := &llmmock.Provider{StreamChunks: tc.chunks}
			sink := &recordingSink{}
			turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hello"}, sink)

			got := sink.Chunks()
			if len(got) != len(tc.want) {
				t.Fatalf("got %d chunks %+v, want %d", len(got), got, len(tc.want))
			}
			var joined strings.Builder
			for i, w := range tc.want {
				if got[i].Text != w.text || got[i].Continuation != w.continuation {
					t.Errorf("chunk %d = {%q, %v}, want {%q, %v}", i, got[i].Text, got[i].Continuation, w.text, w.continuation)
				}
				if got[i].ContextID != "ctx-1" {
					t.Errorf("chunk %d context ID = %q, want ctx-1", i, got[i].ContextID)
				}
				if got[i].Text == "" {
					t.Errorf("chunk %d is empty", i)
				}
				joined.WriteString(got[i].Text)
			}
			if turn.Translation != joined.String() {
				t.Errorf("turn translation = %q, want %q", turn.Translation, joined.String())
			}
			if turn.Chunks != len(tc.want) {
				t.Errorf("turn chunks = %d, want %d", turn.Chunks, len(tc.want))
			}
			if turn.Outcome != journal.OutcomeCompleted {
				t.Errorf("outcome = %s, want completed", turn.Outcome)
			}
			if len(sink.Fails()) != 0 {
				t.Errorf("unexpected Fail calls: %v", sink.Fails())
			}
		})
	}
}

func TestTranslator_Request(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("Hola.")}
	newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "Hello."}, &recordingSink{})

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(calls))
	}
	req := calls[0].Req
	cfg := testConfig()
	if req.SystemPrompt != cfg.SystemPrompt {
		t.Errorf("system prompt = %q, want %q", req.SystemPrompt, cfg.SystemPrompt)
	}
	if len(req.Messages) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(req.Messages))
	}
	if req.Messages[0].Role != llm.RoleUser || req.Messages[0].Content != "Hello." {
		t.Errorf("message = %+v, want user %q", req.Messages[0], "Hello.")
	}
	if req.Temperature != cfg.Temperature {
		t.Errorf("temperature = %v, want %v", req.Temperature, cfg.Temperature)
	}
	if req.MaxTokens != cfg.MaxTokens {
		t.Errorf("max tokens = %d, want %d", req.MaxTokens, cfg.MaxTokens)
	}
}

func TestTranslator_Failures(t *testing.T) {
	t.Parallel()

	t.Run("request error abandons the turn", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{StreamErr: errors.New("rate limited")}
		sink := &recordingSink{}
		turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", turn.Outcome)
		}
		if !strings.Contains(turn.Error, "rate limited") {
			t.Errorf("turn error = %q", turn.Error)
		}
		if len(sink.Chunks()) != 0 || len(sink.Fails()) != 0 {
			t.Errorf("expected no chunks and no Fail, got %v / %v", sink.Chunks(), sink.Fails())
		}
	})

	t.Run("connection error recycles synthesis", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hola,"},
			{Text: " mundo"},
			llm.ErrorChunk(io.ErrUnexpectedEOF),
		}}
		sink := &recordingSink{}
		turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", turn.Outcome)
		}
		chunks := sink.Chunks()
		if len(chunks) != 2 {
			t.Fatalf("chunks = %+v, want the released chunk and the closing residue", chunks)
		}
		if chunks[0].Text != "Hola," || !chunks[0].Continuation {
			t.Errorf("chunk 0 = %+v, want \"Hola,\" continuation=true", chunks[0])
		}
		if chunks[1].Text != " mundo" || chunks[1].Continuation {
			t.Errorf("chunk 1 = %+v, want \" mundo\" continuation=false", chunks[1])
		}
		fails := sink.Fails()
		if len(fails) != 1 {
			t.Fatalf("expected 1 Fail call, got %d", len(fails))
		}
		if !errors.Is(fails[0], ErrConnectionLost) || !errors.Is(fails[0], io.ErrUnexpectedEOF) {
			t.Errorf("Fail error = %v, want connection lost wrapping unexpected EOF", fails[0])
		}
	})

	t.Run("failure after a held chunk closes the context", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hola"},
			{Text: ","},
			{Text: " mundo"},
			{Text: "."},
			llm.ErrorChunk(errors.New("upstream reset the stream")),
		}}
		sink := &recordingSink{}
		turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", turn.Outcome)
		}
		want := []TranslationChunk{
			{Text: "Hola,", ContextID: "ctx-1", Continuation: true},
			{Text: " mundo.", ContextID: "ctx-1", Continuation: false},
		}
		chunks := sink.Chunks()
		if len(chunks) != len(want) {
			t.Fatalf("chunks = %+v, want %+v", chunks, want)
		}
		for i := range want {
			if chunks[i] != want[i] {
				t.Errorf("chunk %d = %+v, want %+v", i, chunks[i], want[i])
			}
		}
		if turn.Translation != "Hola, mundo." {
			t.Errorf("translation = %q, want %q", turn.Translation, "Hola, mundo.")
		}
	})

	t.Run("finish reason error without error value", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{StreamChunks: []llm.Chunk{
			{Text: "Hola"},
			{FinishReason: llm.FinishReasonError},
		}}
		sink := &recordingSink{}
		turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", turn.Outcome)
		}
		if len(sink.Chunks()) != 0 {
			t.Errorf("unexpected chunks %v", sink.Chunks())
		}
		if len(sink.Fails()) != 0 {
			t.Errorf("request-level failure must not recycle synthesis")
		}
	})

	t.Run("send failure abandons the rest of the turn", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{StreamChunks: llmmock.Tokens("Uno.", " Dos.", " Tres.")}
		sink := &recordingSink{sendErr: ErrConnectionLost, failAt: 2}
		turn := newTestTranslator(p, nil).Translate(context.Background(), Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeAbandoned {
			t.Errorf("outcome = %s, want abandoned", turn.Outcome)
		}
		chunks := sink.Chunks()
		if len(chunks) != 1 || chunks[0].Text != "Uno." {
			t.Errorf("chunks = %+v, want only the first", chunks)
		}
		if turn.Chunks != 1 {
			t.Errorf("turn chunks = %d, want 1", turn.Chunks)
		}
		if len(sink.Fails()) != 0 {
			t.Errorf("send failure must not call Fail, got %v", sink.Fails())
		}
	})

	t.Run("cancellation", func(t *testing.T) {
		t.Parallel()
		p := &llmmock.Provider{Respond: func(ctx context.Context, _ llm.CompletionRequest) ([]llm.Chunk, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		sink := &recordingSink{}
		turn := newTestTranslator(p, nil).Translate(ctx, Transcript{Text: "hi"}, sink)

		if turn.Outcome != journal.OutcomeCancelled {
			t.Errorf("outcome = %s, want cancelled", turn.Outcome)
		}
		if len(sink.Fails()) != 0 {
			t.Errorf("cancellation must not call Fail")
		}
	})
}

func TestTranslator_Journal(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{StreamChunks: llmmock.Tokens("Hola", ",", " mundo", ".")}
	j := &memJournal{}
	newTestTranslator(p, j).Translate(context.Background(), Transcript{Text: "Hello, world."}, &recordingSink{})

	turns := j.Turns()
	if len(turns) != 1 {
		t.Fatalf("expected 1 journaled turn, got %d", len(turns))
	}
	got := turns[0]
	if got.Direction != "en-es" || got.ContextID != "ctx-1" {
		t.Errorf("turn identity = %s/%s", got.Direction, got.ContextID)
	}
	if got.Source != "Hello, world." || got.Translation != "Hola, mundo." {
		t.Errorf("turn text = %q -> %q", got.Source, got.Translation)
	}
	if got.Chunks != 2 || got.Outcome != journal.OutcomeCompleted {
		t.Errorf("turn = %+v", got)
	}
	if got.StartedAt.IsZero() || got.FirstChunk > got.Duration {
		t.Errorf("turn timing = started %v first %v duration %v", got.StartedAt, got.FirstChunk, got.Duration)
	}
}

func TestTranslator_RunInOrder(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Respond: func(_ context.Context, req llm.CompletionRequest) ([]llm.Chunk, error) {
		return llmmock.Tokens(strings.ToUpper(req.Messages[0].Content)), nil
	}}
	tr := NewTranslator(testConfig(), p, nil, nil)
	in := NewQueue[Transcript](4)
	for _, text := range []string{"one.", "two.", "three."} {
		if err := in.Put(context.Background(), Transcript{Text: text}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx, in, sink) }()

	eventually(t, "three chunks", func() bool { return len(sink.Chunks()) == 3 })
	cancel()
	if err := recv(t, done, "Run to return"); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	chunks := sink.Chunks()
	seen := map[string]bool{}
	for i, want := range []string{"ONE.", "TWO.", "THREE."} {
		if chunks[i].Text != want {
			t.Errorf("chunk %d = %q, want %q", i, chunks[i].Text, want)
		}
		if chunks[i].Continuation {
			t.Errorf("chunk %d should end its turn", i)
		}
		if seen[chunks[i].ContextID] {
			t.Errorf("context ID %q reused across turns", chunks[i].ContextID)
		}
		seen[chunks[i].ContextID] = true
	}
}
