// Package cartesia provides a Cartesia-backed TTS provider using the Cartesia
// streaming WebSocket API. It implements the tts.Provider interface.
//
// One websocket connection carries any number of synthesis contexts. Each
// request names its context_id and sets continue to tell Cartesia whether more
// text for that context will follow.
package cartesia

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingobridge/pkg/provider/tts"
)

const (
	cartesiaEndpoint = "wss://api.cartesia.ai/tts/websocket"
	apiVersion       = "2025-04-16"
	defaultModel     = "sonic-multilingual"
	defaultLanguage  = "es"

	// DefaultVoiceID is the voice used when neither the session nor the
	// request names one.
	DefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

	// DefaultSampleRate is the output rate used when none is configured.
	DefaultSampleRate = 44100
)

// Option is a functional option for configuring the Cartesia Provider.
type Option func(*Provider)

// WithModel sets the Cartesia model ID (e.g., "sonic-multilingual", "sonic-2").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the websocket endpoint (e.g., for a test server).
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.endpoint = u
	}
}

// WithVersion sets the Cartesia API version sent with every connection.
func WithVersion(v string) Option {
	return func(p *Provider) {
		p.version = v
	}
}

// Provider implements tts.Provider backed by the Cartesia websocket API.
type Provider struct {
	apiKey   string
	endpoint string
	model    string
	version  string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new Cartesia Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("cartesia: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		endpoint: cartesiaEndpoint,
		model:    defaultModel,
		version:  apiVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// generationRequest is the JSON payload sent for each text fragment.
type generationRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
	ContextID    string       `json:"context_id"`
	Continue     bool         `json:"continue"`
}

// response is the JSON message received from Cartesia.
type response struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	ContextID string `json:"context_id"`
	Done      bool   `json:"done"`
	Error     string `json:"error"`
}

// Connect opens a persistent websocket session with Cartesia.
func (p *Provider) Connect(ctx context.Context, cfg tts.SessionConfig) (tts.SessionHandle, error) {
	wsURL, err := p.buildURL()
	if err != nil {
		return nil, fmt.Errorf("cartesia: build URL: %w", err)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("cartesia: dial: %w", err)
	}
	// Audio chunks are base64 in JSON and routinely exceed the 32 KiB default.
	conn.SetReadLimit(4 << 20)

	s := &session{
		conn:     conn,
		model:    p.model,
		cfg:      cfg,
		messages: make(chan tts.Message, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

// buildURL constructs the websocket URL with the API key and version.
func (p *Provider) buildURL() (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("api_key", p.apiKey)
	q.Set("cartesia_version", p.version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

type session struct {
	conn     *websocket.Conn
	model    string
	cfg      tts.SessionConfig
	messages chan tts.Message

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}

	errMu sync.Mutex
	err   error
}

// Send encodes req and writes it to the connection.
func (s *session) Send(ctx context.Context, req tts.Request) error {
	select {
	case <-s.done:
		return tts.ErrSessionClosed
	case <-s.readDone:
		if err := s.Err(); err != nil {
			return err
		}
		return tts.ErrSessionClosed
	default:
	}

	payload, err := json.Marshal(buildRequest(s.model, s.cfg, req))
	if err != nil {
		return fmt.Errorf("cartesia: encode request: %w", err)
	}
	if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		err = fmt.Errorf("cartesia: send: %w", err)
		s.setErr(err)
		_ = s.conn.CloseNow()
		return err
	}
	return nil
}

// Messages returns the channel of decoded messages.
func (s *session) Messages() <-chan tts.Message { return s.messages }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// Close closes the connection and waits for the reader to exit.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		<-s.readDone
	})
	return nil
}

func (s *session) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// readLoop decodes incoming messages until the connection ends.
func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing() && ctx.Err() == nil {
				s.setErr(fmt.Errorf("cartesia: read: %w", err))
			}
			_ = s.conn.CloseNow()
			return
		}
		select {
		case s.messages <- parseResponse(data):
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// buildRequest merges session defaults into a wire request.
func buildRequest(model string, cfg tts.SessionConfig, req tts.Request) generationRequest {
	voice := req.VoiceID
	if voice == "" {
		voice = cfg.VoiceID
	}
	if voice == "" {
		voice = DefaultVoiceID
	}
	format := req.Format
	if format.SampleRate == 0 {
		format = cfg.Format
	}
	if format.SampleRate == 0 {
		format = tts.RawPCM(DefaultSampleRate)
	}
	if format.Container == "" {
		format.Container = "raw"
	}
	if format.Encoding == "" {
		format.Encoding = "pcm_s16le"
	}
	lang := cfg.Language
	if lang == "" {
		lang = defaultLanguage
	}
	return generationRequest{
		ModelID:    model,
		Transcript: req.Text,
		Voice:      voiceSpec{Mode: "id", ID: voice},
		OutputFormat: outputFormat{
			Container:  format.Container,
			Encoding:   format.Encoding,
			SampleRate: format.SampleRate,
		},
		Language:  lang,
		ContextID: req.ContextID,
		Continue:  req.Continuation,
	}
}

// parseResponse decodes one Cartesia message. Undecodable payloads become
// MessageMalformed rather than errors.
func parseResponse(data []byte) tts.Message {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return tts.Message{Kind: tts.MessageMalformed, Raw: data, Err: err}
	}
	switch resp.Type {
	case "chunk":
		pcm, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return tts.Message{Kind: tts.MessageMalformed, ContextID: resp.ContextID, Raw: data, Err: fmt.Errorf("decode audio: %w", err)}
		}
		return tts.Message{Kind: tts.MessageAudio, ContextID: resp.ContextID, Audio: pcm}
	case "done":
		return tts.Message{Kind: tts.MessageDone, ContextID: resp.ContextID}
	case "error":
		msg := resp.Error
		if msg == "" {
			msg = "unspecified error"
		}
		return tts.Message{Kind: tts.MessageError, ContextID: resp.ContextID, Err: errors.New(msg)}
	case "":
		return tts.Message{Kind: tts.MessageMalformed, Raw: data, Err: errors.New("message has no type")}
	default:
		return tts.Message{Kind: tts.MessageMalformed, ContextID: resp.ContextID, Raw: data, Err: fmt.Errorf("unknown message type %q", resp.Type)}
	}
}
