// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs multi-context streaming WebSocket API. It implements the
// tts.Provider interface.
//
// The voice and output format are bound to the connection URL, so they come
// from the tts.SessionConfig passed to Connect; per-request overrides are
// ignored.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingobridge/pkg/provider/tts"
)

const (
	wsEndpointFmt     = "wss://api.elevenlabs.io/v1/text-to-speech/%s/multi-stream-input"
	defaultModel      = "eleven_flash_v2_5"
	defaultSampleRate = 44100
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the endpoint format. The string must contain one %s
// verb for the voice ID.
func WithBaseURL(format string) Option {
	return func(p *Provider) {
		p.endpointFmt = format
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey      string
	model       string
	endpointFmt string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		endpointFmt: wsEndpointFmt,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment
// and context control command.
type textMessage struct {
	Text          *string        `json:"text,omitempty"`
	ContextID     string         `json:"context_id"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	Flush         bool           `json:"flush,omitempty"`
	CloseContext  bool           `json:"close_context,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio     string `json:"audio"` // base64-encoded PCM
	IsFinal   bool   `json:"isFinal"`
	ContextID string `json:"contextId"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Connect opens a multi-context websocket session for cfg.VoiceID.
func (p *Provider) Connect(ctx context.Context, cfg tts.SessionConfig) (tts.SessionHandle, error) {
	if cfg.VoiceID == "" {
		return nil, errors.New("elevenlabs: voice ID must not be empty")
	}
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("xi-api-key", p.apiKey)
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	s := &session{
		conn:     conn,
		contexts: make(map[string]bool),
		messages: make(chan tts.Message, 256),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go s.readLoop(ctx)
	return s, nil
}

// buildURL constructs the multi-context endpoint URL for cfg.
func (p *Provider) buildURL(cfg tts.SessionConfig) (string, error) {
	u, err := url.Parse(fmt.Sprintf(p.endpointFmt, url.PathEscape(cfg.VoiceID)))
	if err != nil {
		return "", err
	}
	rate := cfg.Format.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	q := u.Query()
	q.Set("model_id", p.model)
	q.Set("output_format", "pcm_"+strconv.Itoa(rate))
	if cfg.Language != "" {
		q.Set("language_code", cfg.Language)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

type session struct {
	conn     *websocket.Conn
	messages chan tts.Message

	mu       sync.Mutex
	contexts map[string]bool // contexts opened on this connection

	done      chan struct{}
	closeOnce sync.Once
	readDone  chan struct{}

	errMu sync.Mutex
	err   error
}

// Send writes the fragment for req.ContextID. The first fragment of a context
// carries voice settings; a fragment with Continuation false flushes and
// closes the context.
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

	s.mu.Lock()
	first := !s.contexts[req.ContextID]
	if req.Continuation {
		s.contexts[req.ContextID] = true
	} else {
		delete(s.contexts, req.ContextID)
	}
	s.mu.Unlock()

	for _, msg := range buildMessages(req, first) {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("elevenlabs: encode request: %w", err)
		}
		if err := s.conn.Write(ctx, websocket.MessageText, payload); err != nil {
			err = fmt.Errorf("elevenlabs: send: %w", err)
			s.setErr(err)
			_ = s.conn.CloseNow()
			return err
		}
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

// Close asks ElevenLabs to close the socket and waits for the reader.
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

func (s *session) readLoop(ctx context.Context) {
	defer close(s.readDone)
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if !s.closing() && ctx.Err() == nil {
				s.setErr(fmt.Errorf("elevenlabs: read: %w", err))
			}
			_ = s.conn.CloseNow()
			return
		}
		for _, msg := range parseResponse(data) {
			select {
			case s.messages <- msg:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// buildMessages returns the wire messages for one request. ElevenLabs expects
// every text fragment to end with a space.
func buildMessages(req tts.Request, first bool) []textMessage {
	text := req.Text
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	msg := textMessage{Text: &text, ContextID: req.ContextID}
	if first {
		msg.VoiceSettings = &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	}
	if req.Continuation {
		return []textMessage{msg}
	}
	msg.Flush = true
	return []textMessage{msg, {ContextID: req.ContextID, CloseContext: true}}
}

// parseResponse decodes one ElevenLabs message. A message may carry audio and
// the final marker at once, in which case both are returned in that order.
func parseResponse(data []byte) []tts.Message {
	var resp audioResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return []tts.Message{{Kind: tts.MessageMalformed, Raw: data, Err: err}}
	}
	if resp.Error != "" {
		detail := resp.Error
		if resp.Message != "" {
			detail += ": " + resp.Message
		}
		return []tts.Message{{Kind: tts.MessageError, ContextID: resp.ContextID, Err: errors.New(detail)}}
	}

	var out []tts.Message
	if resp.Audio != "" {
		pcm, err := base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			return []tts.Message{{Kind: tts.MessageMalformed, ContextID: resp.ContextID, Raw: data, Err: fmt.Errorf("decode audio: %w", err)}}
		}
		out = append(out, tts.Message{Kind: tts.MessageAudio, ContextID: resp.ContextID, Audio: pcm})
	}
	if resp.IsFinal {
		out = append(out, tts.Message{Kind: tts.MessageDone, ContextID: resp.ContextID})
	}
	if len(out) == 0 {
		return []tts.Message{{Kind: tts.MessageMalformed, ContextID: resp.ContextID, Raw: data, Err: errors.New("message has neither audio nor final marker")}}
	}
	return out
}
