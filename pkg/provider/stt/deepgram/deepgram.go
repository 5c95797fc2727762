// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingobridge/pkg/provider/stt"
)

const (
	deepgramEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel       = "nova-2"
	defaultLanguage    = "en-US"
	defaultSampleRate  = 16000
	defaultReadTimeout = 30 * time.Second
	closeGrace         = 2 * time.Second
)

var closeStreamMsg = []byte(`{"type":"CloseStream"}`)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code used when the StreamConfig does
// not specify one.
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithBaseURL overrides the streaming endpoint (e.g., for a self-hosted
// Deepgram deployment or a test server).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithReadTimeout sets how long a session may go without receiving any
// message before it is considered stalled and fails. Zero disables the
// timeout.
func WithReadTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.readTimeout = d
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey      string
	endpoint    string
	model       string
	language    string
	sampleRate  int
	readTimeout time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		endpoint:    deepgramEndpoint,
		model:       defaultModel,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		readTimeout: defaultReadTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram. The
// session's network loops run until Close is called or ctx is cancelled.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sess := &session{
		conn:        conn,
		readTimeout: p.readTimeout,
		events:      make(chan stt.Event, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
		failed:      make(chan struct{}),
		readDone:    make(chan struct{}),
	}

	sess.writeWG.Add(1)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", strconv.Itoa(channels))
	q.Set("smart_format", strconv.FormatBool(cfg.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse is the JSON structure of a Deepgram streaming message.
// Only Results messages carry a channel.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	events      chan stt.Event
	audio       chan []byte

	done      chan struct{}
	closeOnce sync.Once
	writeWG   sync.WaitGroup
	readDone  chan struct{}

	failed   chan struct{}
	failOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.failed:
		return s.Err()
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	case <-s.failed:
		return s.Err()
	}
}

// Events returns the channel of decoded messages.
func (s *session) Events() <-chan stt.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records the first terminal error and tears the connection down so the
// other loop unblocks.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.failed)
		_ = s.conn.CloseNow()
	})
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close terminates the session. Queued audio is flushed, Deepgram is asked to
// finalise the stream, and the connection is closed after a short grace period.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeWG.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
		_ = s.conn.Write(ctx, websocket.MessageText, closeStreamMsg)
		cancel()

		select {
		case <-s.readDone:
		case <-time.After(closeGrace):
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

// writeLoop reads from the audio channel and sends binary messages to Deepgram.
func (s *session) writeLoop(ctx context.Context) {
	defer s.writeWG.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				if !s.closing() {
					s.fail(fmt.Errorf("deepgram: write: %w", err))
				}
				return
			}
		case <-s.failed:
			return
		case <-s.done:
			// Drain the audio channel before exiting.
			for {
				select {
				case chunk := <-s.audio:
					if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// readLoop receives JSON messages from Deepgram and forwards them as events.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.events)

	for {
		_, msg, err := s.read(ctx)
		if err != nil {
			if !s.closing() && ctx.Err() == nil {
				s.fail(fmt.Errorf("deepgram: read: %w", err))
			}
			return
		}

		select {
		case s.events <- parseDeepgramResponse(msg):
		case <-s.done:
		case <-ctx.Done():
			return
		}
	}
}

// read performs one websocket read bounded by the configured idle timeout.
func (s *session) read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if s.readTimeout <= 0 {
		return s.conn.Read(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	typ, msg, err := s.conn.Read(rctx)
	if err != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("no message for %s: %w", s.readTimeout, err)
	}
	return typ, msg, err
}

// parseDeepgramResponse decodes a raw Deepgram WebSocket message into an
// event. Undecodable payloads become EventMalformed rather than errors.
func parseDeepgramResponse(data []byte) stt.Event {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Event{Kind: stt.EventMalformed, Raw: data, Err: err}
	}
	if resp.Type != "Results" {
		if resp.Type == "" {
			return stt.Event{Kind: stt.EventMalformed, Raw: data, Err: errors.New("message has no type")}
		}
		return stt.Event{Kind: stt.EventMetadata, Type: resp.Type}
	}
	if resp.Channel == nil || len(resp.Channel.Alternatives) == 0 {
		return stt.Event{Kind: stt.EventMalformed, Raw: data, Err: errors.New("results without alternatives")}
	}

	alt := resp.Channel.Alternatives[0]
	kind := stt.EventInterim
	if resp.IsFinal {
		kind = stt.EventFinal
	}
	return stt.Event{
		Kind:       kind,
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
	}
}
