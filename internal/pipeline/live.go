package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
)

// LiveSession keeps one speech-to-speech session open for a direction in
// [ModeSpeechToSpeech]. [LiveSession.Run] connects, forwards the model's
// audio to the playback queue and reconnects with a fixed backoff whenever
// the session ends, including when the provider's session time limit
// expires. Captured audio offered while no session is up is dropped.
type LiveSession struct {
	dir      string
	provider s2s.Provider
	cfg      s2s.SessionConfig
	backoff  time.Duration
	out      *Queue[AudioChunk]
	metrics  *observe.Metrics
	recorder journal.Recorder
	newID    func() string
	log      *slog.Logger

	mu   sync.Mutex
	conn *liveConn
}

// liveConn is one open session plus its failure state.
type liveConn struct {
	handle   s2s.SessionHandle
	failed   chan struct{}
	failOnce sync.Once
	err      error
}

func (c *liveConn) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
	})
}

// liveTurn accumulates one model response for the journal.
type liveTurn struct {
	id          string
	started     time.Time
	source      strings.Builder
	translation strings.Builder
	chunks      int
	firstAudio  time.Duration
}

// NewLiveSession creates a session manager for the direction described by
// cfg. metrics and recorder may be nil.
func NewLiveSession(cfg Config, p s2s.Provider, out *Queue[AudioChunk], metrics *observe.Metrics, recorder journal.Recorder) *LiveSession {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := slog.With("direction", cfg.Name, "stage", string(StageSpeech))
	if rate := p.Capabilities().OutputSampleRate; rate != 0 && rate != cfg.SynthesisSampleRate {
		log.Warn("speech-to-speech output rate differs from the configured synthesis rate",
			"provider_rate", rate, "synthesis_rate", cfg.SynthesisSampleRate)
	}
	return &LiveSession{
		dir:      cfg.Name,
		provider: p,
		cfg: s2s.SessionConfig{
			Instructions:    cfg.SystemPrompt,
			Voice:           cfg.VoiceID,
			InputSampleRate: cfg.TranscriptionSampleRate,
			Transcribe:      true,
		},
		backoff:  cfg.ReconnectBackoff,
		out:      out,
		metrics:  metrics,
		recorder: recorder,
		newID:    uuid.NewString,
		log:      log,
	}
}

// Run manages the session until ctx is cancelled and returns nil then.
func (s *LiveSession) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.metrics.RecordReconnect(ctx, s.dir)
		}

		h, err := s.provider.Connect(ctx, s.cfg)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("speech-to-speech connect failed, retrying",
				"error", fmt.Errorf("%w: %w", ErrConnectionLost, err),
				"attempt", attempt+1,
				"backoff", s.backoff,
			)
			s.metrics.RecordStageError(ctx, s.dir, string(StageSpeech), ErrConnectionLost.Error())
			if !sleepCtx(ctx, s.backoff) {
				return nil
			}
			continue
		}

		c := &liveConn{handle: h, failed: make(chan struct{})}
		s.setConn(c)
		s.log.Info("speech-to-speech connected", "attempt", attempt+1)

		s.serve(ctx, c)

		s.setConn(nil)
		_ = h.Close()

		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("speech-to-speech session ended, reconnecting", "error", c.err, "backoff", s.backoff)
		s.metrics.RecordStageError(ctx, s.dir, string(StageSpeech), ErrConnectionLost.Error())
		if !sleepCtx(ctx, s.backoff) {
			return nil
		}
	}
}

// serve forwards audio and events of c until the session ends, c is failed
// by a sender or ctx is cancelled.
func (s *LiveSession) serve(ctx context.Context, c *liveConn) {
	audio, events := c.handle.Audio(), c.handle.Events()
	var turn *liveTurn
	for audio != nil || events != nil {
		select {
		case <-ctx.Done():
			s.finishTurn(ctx, turn, journal.OutcomeCancelled, ctx.Err())
			return
		case <-c.failed:
			s.finishTurn(ctx, turn, journal.OutcomeAbandoned, c.err)
			return
		case pcm, ok := <-audio:
			if !ok {
				audio = nil
				continue
			}
			var err error
			if turn, err = s.forward(ctx, turn, pcm); err != nil {
				s.finishTurn(ctx, turn, journal.OutcomeCancelled, err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Kind == s2s.EventTurnComplete || ev.Kind == s2s.EventInterrupted {
				// Audio sent before the boundary belongs to the ending turn.
				var err error
				if turn, audio, err = s.drain(ctx, turn, audio); err != nil {
					s.finishTurn(ctx, turn, journal.OutcomeCancelled, err)
					return
				}
			}
			turn = s.handleEvent(ctx, turn, ev)
		}
	}

	err := c.handle.Err()
	if err == nil {
		err = errors.New("session closed")
	}
	c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	s.finishTurn(ctx, turn, journal.OutcomeAbandoned, c.err)
}

// forward queues pcm for playback as part of turn, opening a turn if none
// is current.
func (s *LiveSession) forward(ctx context.Context, turn *liveTurn, pcm []byte) (*liveTurn, error) {
	if turn == nil {
		turn = s.startTurn()
	}
	if turn.chunks == 0 {
		turn.firstAudio = time.Since(turn.started)
		s.metrics.RecordFirstAudio(ctx, s.dir, turn.firstAudio)
	}
	turn.chunks++
	return turn, s.out.Put(ctx, AudioChunk{ContextID: turn.id, PCM: pcm})
}

// drain forwards the audio already buffered on audio. It returns a nil
// channel once audio is closed.
func (s *LiveSession) drain(ctx context.Context, turn *liveTurn, audio <-chan []byte) (*liveTurn, <-chan []byte, error) {
	for audio != nil {
		select {
		case pcm, ok := <-audio:
			if !ok {
				return turn, nil, nil
			}
			var err error
			if turn, err = s.forward(ctx, turn, pcm); err != nil {
				return turn, audio, err
			}
		default:
			return turn, audio, nil
		}
	}
	return turn, nil, nil
}

func (s *LiveSession) startTurn() *liveTurn {
	return &liveTurn{id: s.newID(), started: time.Now()}
}

// handleEvent applies ev to the current turn and returns the turn that is
// current afterwards.
func (s *LiveSession) handleEvent(ctx context.Context, turn *liveTurn, ev s2s.Event) *liveTurn {
	switch ev.Kind {
	case s2s.EventInputTranscript:
		if turn == nil {
			turn = s.startTurn()
		}
		turn.source.WriteString(ev.Text)
		s.log.Debug("input transcript", "text", ev.Text)
	case s2s.EventOutputTranscript:
		if turn == nil {
			turn = s.startTurn()
		}
		turn.translation.WriteString(ev.Text)
		s.log.Debug("output transcript", "text", ev.Text)
	case s2s.EventTurnComplete:
		s.finishTurn(ctx, turn, journal.OutcomeCompleted, nil)
		return nil
	case s2s.EventInterrupted:
		s.finishTurn(ctx, turn, journal.OutcomeAbandoned, errors.New("interrupted by new speech"))
		return nil
	case s2s.EventError:
		s.log.Warn("speech-to-speech provider error", "error", fmt.Errorf("%w: %w", ErrUpstream, ev.Err))
		s.metrics.RecordStageError(ctx, s.dir, string(StageSpeech), ErrUpstream.Error())
	}
	return turn
}

// finishTurn logs, measures and journals turn. A nil turn is ignored.
func (s *LiveSession) finishTurn(ctx context.Context, turn *liveTurn, outcome journal.Outcome, err error) {
	if turn == nil {
		return
	}
	rec := journal.Turn{
		Direction:   s.dir,
		ContextID:   turn.id,
		Source:      strings.TrimSpace(turn.source.String()),
		Translation: strings.TrimSpace(turn.translation.String()),
		Chunks:      turn.chunks,
		StartedAt:   turn.started,
		FirstChunk:  turn.firstAudio,
		Duration:    time.Since(turn.started),
		Outcome:     outcome,
	}
	if err != nil {
		rec.Error = err.Error()
	}

	log := s.log.With("context_id", rec.ContextID)
	if outcome == journal.OutcomeCompleted {
		s.metrics.RecordTurn(ctx, s.dir, rec.Duration)
		if rec.Source != "" {
			s.metrics.RecordTranscript(ctx, s.dir)
		}
		log.Info("turn complete", "source", rec.Source, "translation", rec.Translation, "chunks", rec.Chunks, "duration", rec.Duration)
	} else {
		log.Info("turn ended early", "outcome", outcome, "error", rec.Error)
	}

	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordTurn(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to journal turn", "error", err)
	}
}

// SendAudio offers one gated frame to the current session. Frames offered
// while disconnected are dropped; a failed send recycles the session. It
// never returns an error, so capture keeps running across reconnects.
func (s *LiveSession) SendAudio(frame []byte) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.failed:
		return nil
	default:
	}
	if err := c.handle.SendAudio(frame); err != nil {
		c.fail(fmt.Errorf("%w: send: %w", ErrConnectionLost, err))
	}
	return nil
}

// Connected reports whether a healthy session is published.
func (s *LiveSession) Connected() bool {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return false
	}
	select {
	case <-c.failed:
		return false
	default:
		return true
	}
}

func (s *LiveSession) setConn(c *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
}
