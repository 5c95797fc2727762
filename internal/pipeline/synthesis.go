package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/pkg/provider/tts"
)

// SynthesisSession keeps one persistent connection to the speech synthesis
// service for a direction. [SynthesisSession.Run] owns the connection
// lifecycle: it connects, publishes the connection to senders, receives audio
// into the playback queue and reconnects with a fixed backoff whenever the
// connection fails. A chunk whose send fails is lost and the translator
// abandons the rest of that turn. Senders that arrive while the session is
// reconnecting wait in [SynthesisSession.Send], so the remainder of a turn
// interrupted between sends is spoken on the new connection.
type SynthesisSession struct {
	dir         string
	provider    tts.Provider
	sessionCfg  tts.SessionConfig
	voiceID     string
	format      tts.OutputFormat
	backoff     time.Duration
	readTimeout time.Duration
	out         *Queue[AudioChunk]
	metrics     *observe.Metrics
	log         *slog.Logger

	mu      sync.Mutex
	conn    *connection
	changed chan struct{} // closed and replaced whenever conn changes

	firstMu   sync.Mutex
	firstSent map[string]time.Time // context ID -> first send, until first audio
}

var _ ChunkSink = (*SynthesisSession)(nil)

// connectResult is the outcome of one connection attempt.
type connectResult struct {
	handle tts.SessionHandle
	err    error
}

// connection is one live provider session plus its failure and activity
// bookkeeping.
type connection struct {
	handle tts.SessionHandle

	failed   chan struct{}
	failOnce sync.Once
	err      error

	lastSend atomic.Int64 // unix nanos
	lastRecv atomic.Int64 // unix nanos
}

func newConnection(h tts.SessionHandle) *connection {
	return &connection{handle: h, failed: make(chan struct{})}
}

// fail marks the connection broken. Only the first error is kept.
func (c *connection) fail(err error) {
	c.failOnce.Do(func() {
		c.err = err
		close(c.failed)
	})
}

func (c *connection) isFailed() bool {
	select {
	case <-c.failed:
		return true
	default:
		return false
	}
}

// stalled reports whether a send is outstanding with no message received
// since it, for longer than timeout.
func (c *connection) stalled(now time.Time, timeout time.Duration) bool {
	sent, recv := c.lastSend.Load(), c.lastRecv.Load()
	return sent > recv && now.UnixNano()-sent > int64(timeout)
}

// NewSynthesisSession creates a session for the direction described by cfg.
// Received audio is put on out. metrics may be nil.
func NewSynthesisSession(cfg Config, p tts.Provider, out *Queue[AudioChunk], metrics *observe.Metrics) *SynthesisSession {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	format := tts.RawPCM(cfg.SynthesisSampleRate)
	return &SynthesisSession{
		dir:      cfg.Name,
		provider: p,
		sessionCfg: tts.SessionConfig{
			VoiceID:  cfg.VoiceID,
			Format:   format,
			Language: cfg.TargetLanguage,
		},
		voiceID:     cfg.VoiceID,
		format:      format,
		backoff:     cfg.ReconnectBackoff,
		readTimeout: cfg.SynthesisReadTimeout,
		out:         out,
		metrics:     metrics,
		log:         slog.With("direction", cfg.Name, "stage", string(StageSynthesis)),
		changed:     make(chan struct{}),
		firstSent:   make(map[string]time.Time),
	}
}

// connect makes one connection attempt.
func (s *SynthesisSession) connect(ctx context.Context) connectResult {
	h, err := s.provider.Connect(ctx, s.sessionCfg)
	return connectResult{handle: h, err: err}
}

// Run manages the connection until ctx is cancelled. It never gives up on
// the service and returns nil on cancellation.
func (s *SynthesisSession) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			s.metrics.RecordReconnect(ctx, s.dir)
		}

		res := s.connect(ctx)
		if res.err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("synthesis connect failed, retrying",
				"error", fmt.Errorf("%w: %w", ErrConnectionLost, res.err),
				"attempt", attempt+1,
				"backoff", s.backoff,
			)
			s.metrics.RecordStageError(ctx, s.dir, string(StageSynthesis), ErrConnectionLost.Error())
			if !sleepCtx(ctx, s.backoff) {
				return nil
			}
			continue
		}

		c := newConnection(res.handle)
		s.setConn(c)
		s.log.Info("synthesis connected", "attempt", attempt+1)

		s.serve(ctx, c)

		s.setConn(nil)
		_ = c.handle.Close()
		s.resetLatency()

		if ctx.Err() != nil {
			return nil
		}
		s.log.Warn("synthesis connection lost, reconnecting", "error", c.err, "backoff", s.backoff)
		s.metrics.RecordStageError(ctx, s.dir, string(StageSynthesis), ErrConnectionLost.Error())
		if !sleepCtx(ctx, s.backoff) {
			return nil
		}
	}
}

// serve runs the receiver for c and watches it until it fails or ctx ends.
func (s *SynthesisSession) serve(ctx context.Context, c *connection) {
	recvDone := make(chan struct{})
	go func() {
		defer close(recvDone)
		s.receive(ctx, c)
	}()

	var tick <-chan time.Time
	if s.readTimeout > 0 {
		interval := max(s.readTimeout/4, 5*time.Millisecond)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
			_ = c.handle.Close()
			<-recvDone
			return
		case <-c.failed:
			_ = c.handle.Close()
			<-recvDone
			return
		case <-recvDone:
			err := c.handle.Err()
			if err == nil {
				err = errors.New("message stream closed")
			}
			c.fail(fmt.Errorf("%w: %w", ErrConnectionLost, err))
			return
		case now := <-tick:
			if c.stalled(now, s.readTimeout) {
				c.fail(fmt.Errorf("%w: no response for %s", ErrConnectionLost, s.readTimeout))
			}
		}
	}
}

// receive forwards audio from c to the playback queue in receipt order.
func (s *SynthesisSession) receive(ctx context.Context, c *connection) {
	rejected := make(map[string]bool)
	for msg := range c.handle.Messages() {
		c.lastRecv.Store(time.Now().UnixNano())

		switch msg.Kind {
		case tts.MessageAudio:
			if rejected[msg.ContextID] || len(msg.Audio) == 0 {
				continue
			}
			s.observeFirstAudio(ctx, msg.ContextID)
			if err := s.out.Put(ctx, AudioChunk{ContextID: msg.ContextID, PCM: msg.Audio}); err != nil {
				return
			}
		case tts.MessageDone:
			s.log.Debug("synthesis context done", "context_id", msg.ContextID)
			s.forgetContext(msg.ContextID)
		case tts.MessageError:
			rejected[msg.ContextID] = true
			s.forgetContext(msg.ContextID)
			s.log.Warn("synthesis rejected context",
				"context_id", msg.ContextID,
				"error", fmt.Errorf("%w: %w", ErrUpstream, msg.Err),
			)
			s.metrics.RecordStageError(ctx, s.dir, string(StageSynthesis), ErrUpstream.Error())
		case tts.MessageMalformed:
			s.log.Warn("dropping malformed synthesis message",
				"error", fmt.Errorf("%w: %w", ErrMalformedMessage, msg.Err),
			)
			s.metrics.RecordStageError(ctx, s.dir, string(StageSynthesis), ErrMalformedMessage.Error())
		}
	}
}

// Send transmits chunk on the current connection, waiting for one to be
// published first. If the send fails the connection is recycled and the
// chunk is lost.
func (s *SynthesisSession) Send(ctx context.Context, chunk TranslationChunk) error {
	c, err := s.await(ctx)
	if err != nil {
		return err
	}

	req := tts.Request{
		Text:         chunk.Text,
		VoiceID:      s.voiceID,
		Format:       s.format,
		ContextID:    chunk.ContextID,
		Continuation: chunk.Continuation,
	}
	now := time.Now()
	c.lastSend.Store(now.UnixNano())
	if err := c.handle.Send(ctx, req); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fmt.Errorf("%w: %w", ErrConnectionLost, err)
		c.fail(err)
		return fmt.Errorf("synthesis: send: %w", err)
	}

	s.firstMu.Lock()
	if _, ok := s.firstSent[chunk.ContextID]; !ok {
		s.firstSent[chunk.ContextID] = now
	}
	s.firstMu.Unlock()
	return nil
}

// Fail recycles the current connection, if any, because of err.
func (s *SynthesisSession) Fail(err error) {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.fail(err)
	}
}

// Connected reports whether a healthy connection is published.
func (s *SynthesisSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.isFailed()
}

// await blocks until a healthy connection is published or ctx ends.
func (s *SynthesisSession) await(ctx context.Context) (*connection, error) {
	for {
		s.mu.Lock()
		c, changed := s.conn, s.changed
		s.mu.Unlock()
		if c != nil && !c.isFailed() {
			return c, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *SynthesisSession) setConn(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = c
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *SynthesisSession) observeFirstAudio(ctx context.Context, contextID string) {
	s.firstMu.Lock()
	sent, ok := s.firstSent[contextID]
	delete(s.firstSent, contextID)
	s.firstMu.Unlock()
	if ok {
		s.metrics.RecordFirstAudio(ctx, s.dir, time.Since(sent))
	}
}

func (s *SynthesisSession) forgetContext(contextID string) {
	s.firstMu.Lock()
	delete(s.firstSent, contextID)
	s.firstMu.Unlock()
}

func (s *SynthesisSession) resetLatency() {
	s.firstMu.Lock()
	clear(s.firstSent)
	s.firstMu.Unlock()
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
