package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
)

// chunkBoundaries are the characters that end a translation chunk.
const chunkBoundaries = ".?!,;:"

// ChunkSink receives the chunks of translation turns. [*SynthesisSession]
// is the production implementation.
type ChunkSink interface {
	// Send delivers one chunk, blocking until the sink can accept it.
	Send(ctx context.Context, chunk TranslationChunk) error

	// Fail reports a connection-level failure so the sink can recycle its
	// own connection.
	Fail(err error)
}

// Translator turns transcripts into streamed, punctuation-delimited
// translation chunks. It handles one transcript at a time in arrival order;
// every turn is an independent single-message completion with no history.
type Translator struct {
	dir          string
	provider     llm.Provider
	systemPrompt string
	temperature  float64
	maxTokens    int
	metrics      *observe.Metrics
	recorder     journal.Recorder
	newID        func() string
	log          *slog.Logger
}

// NewTranslator creates a Translator for the direction described by cfg.
// metrics and recorder may be nil.
func NewTranslator(cfg Config, p llm.Provider, metrics *observe.Metrics, recorder journal.Recorder) *Translator {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Translator{
		dir:          cfg.Name,
		provider:     p,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		metrics:      metrics,
		recorder:     recorder,
		newID:        uuid.NewString,
		log:          slog.With("direction", cfg.Name, "stage", string(StageTranslation)),
	}
}

// Run translates transcripts from in until ctx is cancelled. Failures are
// confined to the turn they occur in, so Run only ever returns nil.
func (t *Translator) Run(ctx context.Context, in *Queue[Transcript], sink ChunkSink) error {
	for {
		tr, err := in.Get(ctx)
		if err != nil {
			return nil
		}
		t.Translate(ctx, tr, sink)
	}
}

// Translate runs one turn for tr and returns its journal record. Chunks are
// sent to sink as soon as they are complete; the last one carries
// Continuation false.
func (t *Translator) Translate(ctx context.Context, tr Transcript, sink ChunkSink) journal.Turn {
	turn := journal.Turn{
		Direction: t.dir,
		ContextID: t.newID(),
		Source:    tr.Text,
		StartedAt: time.Now(),
		Outcome:   journal.OutcomeCompleted,
	}

	ctx, span := observe.StartDirectionSpan(ctx, "translation.turn", t.dir,
		attribute.String("context_id", turn.ContextID))

	log := observe.Logger(ctx, t.log).With("context_id", turn.ContextID)
	log.Info("translating", "text", tr.Text)

	var translation strings.Builder
	emit := func(text string, continuation bool) error {
		chunk := TranslationChunk{Text: text, ContextID: turn.ContextID, Continuation: continuation}
		if err := sink.Send(ctx, chunk); err != nil {
			return err
		}
		if turn.Chunks == 0 {
			turn.FirstChunk = time.Since(turn.StartedAt)
			t.metrics.RecordFirstChunk(ctx, t.dir, turn.FirstChunk)
		}
		turn.Chunks++
		translation.WriteString(text)
		t.metrics.RecordChunk(ctx, t.dir)
		log.Debug("chunk sent", "text", text, "continuation", continuation)
		return nil
	}

	err := t.stream(ctx, tr.Text, emit)
	turn.Translation = translation.String()
	turn.Duration = time.Since(turn.StartedAt)

	var spanErr error
	switch {
	case err == nil:
		t.metrics.RecordTurn(ctx, t.dir, turn.Duration)
		log.Info("translation complete", "text", turn.Translation, "chunks", turn.Chunks, "duration", turn.Duration)
	case ctx.Err() != nil:
		turn.Outcome = journal.OutcomeCancelled
		turn.Error = ctx.Err().Error()
	default:
		turn.Outcome = journal.OutcomeAbandoned
		turn.Error = err.Error()
		spanErr = err
		t.handleFailure(ctx, log, sink, err)
	}
	span.SetAttributes(attribute.Int("chunks", turn.Chunks))
	observe.EndSpan(span, spanErr)

	t.record(ctx, log, turn)
	return turn
}

// sendError marks a failure delivering a chunk to the sink.
type sendError struct{ err error }

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

// handleFailure classifies a turn failure. Connection-level translation
// errors recycle the synthesis connection; request-level errors and send
// failures only abandon the turn.
func (t *Translator) handleFailure(ctx context.Context, log *slog.Logger, sink ChunkSink, err error) {
	var se *sendError
	switch {
	case errors.As(err, &se):
		log.Warn("synthesis send failed, abandoning turn", "error", se.err)
	case IsConnectionError(err):
		log.Warn("translation connection failed, recycling synthesis connection", "error", err)
		t.metrics.RecordStageError(ctx, t.dir, string(StageTranslation), ErrConnectionLost.Error())
		sink.Fail(fmt.Errorf("%w: translation: %w", ErrConnectionLost, err))
	default:
		log.Error("translation failed, abandoning turn", "error", fmt.Errorf("%w: %w", ErrUpstream, err))
		t.metrics.RecordStageError(ctx, t.dir, string(StageTranslation), ErrUpstream.Error())
	}
}

// record hands turn to the journal, if one is configured.
func (t *Translator) record(ctx context.Context, log *slog.Logger, turn journal.Turn) {
	if t.recorder == nil {
		return
	}
	if err := t.recorder.RecordTurn(context.WithoutCancel(ctx), turn); err != nil {
		log.Warn("failed to journal turn", "error", err)
	}
}

// stream performs the completion for text and feeds its deltas through the
// chunker. A flushed chunk is held back until the next non-whitespace delta
// proves it is not the last one; whitespace-only residue at the end of the
// stream is discarded. When the stream fails after a chunk of the turn has
// been produced, the text received so far is still sent and the final chunk
// closes the context.
func (t *Translator) stream(ctx context.Context, text string, emit func(string, bool) error) error {
	ch, err := t.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: t.systemPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		Temperature:  t.temperature,
		MaxTokens:    t.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}

	var (
		buf     strings.Builder
		held    string
		hasHeld bool
		open    bool // a chunk with Continuation true has been sent
	)
	send := func(text string, continuation bool) error {
		if err := emit(text, continuation); err != nil {
			return &sendError{err: err}
		}
		open = continuation
		return nil
	}
	finish := func() error {
		residue := buf.String()
		if strings.TrimSpace(residue) != "" {
			if hasHeld {
				if err := send(held, true); err != nil {
					return err
				}
			}
			return send(residue, false)
		}
		if hasHeld {
			return send(held, false)
		}
		return nil
	}
	fail := func(err error) error {
		go drainChunks(ch)
		if hasHeld || open {
			if ferr := finish(); ferr != nil {
				t.log.Debug("closing interrupted turn failed", "error", ferr)
			}
		}
		return err
	}

loop:
	for {
		select {
		case <-ctx.Done():
			go drainChunks(ch)
			return ctx.Err()
		case chunk, ok := <-ch:
			if !ok {
				break loop
			}
			if chunk.Err != nil {
				return fail(chunk.Err)
			}
			if chunk.FinishReason == llm.FinishReasonError {
				return fail(errors.New("stream finished with error"))
			}
			if chunk.Text != "" {
				if hasHeld && strings.TrimSpace(chunk.Text) != "" {
					if err := send(held, true); err != nil {
						go drainChunks(ch)
						return err
					}
					hasHeld = false
				}
				buf.WriteString(chunk.Text)
				if strings.ContainsAny(buf.String(), chunkBoundaries) {
					held, hasHeld = buf.String(), true
					buf.Reset()
				}
			}
			if chunk.FinishReason != "" {
				go drainChunks(ch)
				break loop
			}
		}
	}
	return finish()
}

// drainChunks discards all remaining chunks from ch so the provider's
// goroutine can finish.
func drainChunks(ch <-chan llm.Chunk) {
	for range ch {
	}
}
