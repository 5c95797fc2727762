// Package gemini implements the s2s.Provider interface on top of the Gemini
// Live API.
//
// A session is one websocket carrying BidiGenerateContent JSON messages: a
// setup message, then base64 PCM input as realtimeInput, answered by
// serverContent messages with inline PCM audio, transcripts and turn
// boundaries.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
)

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*session)(nil)
)

const (
	// DefaultModel is a native-audio Live model.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// OutputSampleRate is the rate of the PCM Gemini Live answers with.
	OutputSampleRate = 24000

	defaultBaseURL    = "wss://generativelanguage.googleapis.com/ws"
	defaultAPIVersion = "v1beta"
	defaultVoice      = "Puck"

	setupTimeout      = 15 * time.Second
	writeTimeout      = 5 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the Live model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the websocket base URL, e.g. for a test server.
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimSuffix(u, "/") }
}

// WithAPIVersion selects the API version segment of the endpoint
// ("v1beta" by default; preview models may need "v1alpha").
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// Provider opens Gemini Live sessions.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:     apiKey,
		model:      DefaultModel,
		baseURL:    defaultBaseURL,
		apiVersion: defaultAPIVersion,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Capabilities implements [s2s.Provider].
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		OutputSampleRate:   OutputSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

func (p *Provider) endpoint() string {
	q := url.Values{"key": {p.apiKey}}
	return fmt.Sprintf("%s/google.ai.generativelanguage.%s.GenerativeService.BidiGenerateContent?%s",
		p.baseURL, p.apiVersion, q.Encode())
}

// Connect dials the Live endpoint, sends the setup message and waits for the
// server to acknowledge it.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if cfg.InputSampleRate <= 0 {
		return nil, fmt.Errorf("gemini: input sample rate must be positive, got %d", cfg.InputSampleRate)
	}
	conn, _, err := websocket.Dial(ctx, p.endpoint(), nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:     conn,
		mimeType: fmt.Sprintf("audio/pcm;rate=%d", cfg.InputSampleRate),
		audio:    make(chan []byte, 64),
		events:   make(chan s2s.Event, 32),
		ctx:      sessCtx,
		cancel:   cancel,
	}

	if err := s.writeJSON(ctx, setupMessage(p.model, cfg)); err != nil {
		s.abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := s.awaitSetup(ctx); err != nil {
		s.abort("setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	return s, nil
}

// ── wire types ────────────────────────────────────────────────────────────────

type clientSetup struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string     `json:"responseModalities"`
	SpeechConfig       speechConfig `json:"speechConfig"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type clientRealtimeInput struct {
	RealtimeInput struct {
		Audio blob `json:"audio"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

func setupMessage(model string, cfg s2s.SessionConfig) clientSetup {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	msg := clientSetup{Setup: setup{
		Model: model,
		GenerationConfig: generationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
	}}
	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

// ── session ───────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	mimeType string

	audio  chan []byte
	events chan s2s.Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *session) abort(reason string) {
	s.cancel()
	_ = s.conn.Close(websocket.StatusInternalError, reason)
}

// awaitSetup reads until setupComplete arrives.
func (s *session) awaitSetup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("code %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// receiveLoop owns both output channels and closes them when it exits.
func (s *session) receiveLoop() {
	defer s.closeChannels()
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: malformed message: %w", err)})
			continue
		}
		if !s.handle(&msg) {
			return
		}
	}
}

// handle dispatches one message. It returns false once the session context
// is done.
func (s *session) handle(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: code %d: %s", msg.Error.Code, msg.Error.Message)}) {
			return false
		}
	}
	if msg.GoAway != nil {
		if !s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: server closing session in %s", msg.GoAway.TimeLeft)}) {
			return false
		}
	}
	sc := msg.ServerContent
	if sc == nil {
		return true
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventInputTranscript, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil {
				if !s.emit(s2s.Event{Kind: s2s.EventError, Err: fmt.Errorf("gemini: decode audio: %w", err)}) {
					return false
				}
				continue
			}
			if len(pcm) == 0 {
				continue
			}
			select {
			case s.audio <- pcm:
			case <-s.ctx.Done():
				return false
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(s2s.Event{Kind: s2s.EventOutputTranscript, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}
	if sc.Interrupted {
		if !s.emit(s2s.Event{Kind: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		return s.emit(s2s.Event{Kind: s2s.EventTurnComplete})
	}
	return true
}

func (s *session) emit(ev s2s.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(ctx)
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) closeChannels() {
	s.closeOnce.Do(func() {
		close(s.audio)
		close(s.events)
	})
}

// SendAudio implements [s2s.SessionHandle].
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrClosed
	}

	var msg clientRealtimeInput
	msg.RealtimeInput.Audio = blob{
		MIMEType: s.mimeType,
		Data:     base64.StdEncoding.EncodeToString(chunk),
	}
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Audio implements [s2s.SessionHandle].
func (s *session) Audio() <-chan []byte { return s.audio }

// Events implements [s2s.SessionHandle].
func (s *session) Events() <-chan s2s.Event { return s.events }

// Err implements [s2s.SessionHandle].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [s2s.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
