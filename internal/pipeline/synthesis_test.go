package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/lingobridge/pkg/provider/tts"
	ttsmock "github.com/MrWong99/lingobridge/pkg/provider/tts/mock"
)

// startSynthesis runs a session in the background and returns it together
// with its playback queue. Cleanup cancels it and checks that Run returned
// nil.
func startSynthesis(t *testing.T, cfg Config, p *ttsmock.Provider) (*SynthesisSession, *Queue[AudioChunk]) {
	t.Helper()
	out := NewQueue[AudioChunk](16)
	s := NewSynthesisSession(cfg, p, out, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run returned %v, want nil", err)
			}
		case <-time.After(waitTimeout):
			t.Error("Run did not return after cancellation")
		}
	})
	return s, out
}

func sendChunk(t *testing.T, s *SynthesisSession, text, contextID string, continuation bool) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return s.Send(ctx, TranslationChunk{Text: text, ContextID: contextID, Continuation: continuation})
}

func TestSynthesisSession_OrderedAudio(t *testing.T) {
	t.Parallel()

	sess := ttsmock.NewSession(16)
	sess.Echo = true
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{sess}}
	cfg := testConfig()
	s, out := startSynthesis(t, cfg, p)

	for i, text := range []string{"A", "B", "C"} {
		if err := sendChunk(t, s, text, "turn-1", i < 2); err != nil {
			t.Fatalf("send %s: %v", text, err)
		}
	}
	for _, want := range []string{"A", "B", "C"} {
		got := getItem(t, out)
		if string(got.PCM) != want || got.ContextID != "turn-1" {
			t.Errorf("got %q/%s, want %q/turn-1", got.PCM, got.ContextID, want)
		}
	}

	reqs := sess.Requests()
	if len(reqs) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(reqs))
	}
	for i, req := range reqs {
		if req.VoiceID != cfg.VoiceID {
			t.Errorf("request %d voice = %q", i, req.VoiceID)
		}
		if req.Format != tts.RawPCM(cfg.SynthesisSampleRate) {
			t.Errorf("request %d format = %+v", i, req.Format)
		}
		if wantCont := i < 2; req.Continuation != wantCont {
			t.Errorf("request %d continuation = %v, want %v", i, req.Continuation, wantCont)
		}
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 connect, got %d", len(calls))
	}
	if calls[0].Cfg.Language != "es" || calls[0].Cfg.VoiceID != cfg.VoiceID {
		t.Errorf("session config = %+v", calls[0].Cfg)
	}
}

func TestSynthesisSession_ReconnectAfterSendFailure(t *testing.T) {
	t.Parallel()

	first := ttsmock.NewSession(16)
	first.Echo = true
	first.FailOnSend = 2
	second := ttsmock.NewSession(16)
	second.Echo = true
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{first, second}}
	s, out := startSynthesis(t, testConfig(), p)

	if err := sendChunk(t, s, "one", "turn-1", true); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := sendChunk(t, s, "two", "turn-1", false)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("second send error = %v, want ErrConnectionLost", err)
	}

	// The next turn waits for the replacement connection.
	if err := sendChunk(t, s, "three", "turn-2", false); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}

	for _, want := range []string{"one", "three"} {
		got := getItem(t, out)
		if string(got.PCM) != want {
			t.Errorf("got %q, want %q", got.PCM, want)
		}
	}
	if n := len(p.Calls()); n != 2 {
		t.Errorf("expected 2 connects, got %d", n)
	}
	if !first.Closed() {
		t.Error("failed session was not closed")
	}
}

func TestSynthesisSession_RetriesConnect(t *testing.T) {
	t.Parallel()

	sess := ttsmock.NewSession(16)
	sess.Echo = true
	p := &ttsmock.Provider{
		Sessions:    []*ttsmock.Session{sess},
		ConnectErrs: []error{errors.New("dial refused"), errors.New("dial refused")},
	}
	connected := p.Connected()
	s, out := startSynthesis(t, testConfig(), p)

	recv(t, connected, "connection after retries")
	if err := sendChunk(t, s, "hola", "turn-1", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := getItem(t, out); string(got.PCM) != "hola" {
		t.Errorf("got %q, want hola", got.PCM)
	}
	if n := len(p.Calls()); n != 3 {
		t.Errorf("expected 3 connect attempts, got %d", n)
	}
}

func TestSynthesisSession_StallWatchdog(t *testing.T) {
	t.Parallel()

	silent := ttsmock.NewSession(16)
	healthy := ttsmock.NewSession(16)
	healthy.Echo = true
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{silent, healthy}}
	connected := p.Connected()

	cfg := testConfig()
	cfg.SynthesisReadTimeout = 20 * time.Millisecond
	s, out := startSynthesis(t, cfg, p)

	recv(t, connected, "first connection")
	if err := sendChunk(t, s, "lost", "turn-1", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	recv(t, connected, "reconnect after stall")

	if err := sendChunk(t, s, "heard", "turn-2", false); err != nil {
		t.Fatalf("send after reconnect: %v", err)
	}
	if got := getItem(t, out); string(got.PCM) != "heard" {
		t.Errorf("got %q, want heard", got.PCM)
	}
	if !silent.Closed() {
		t.Error("stalled session was not closed")
	}
}

func TestSynthesisSession_IdleConnectionIsNotStalled(t *testing.T) {
	t.Parallel()

	sess := ttsmock.NewSession(16)
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{sess}}
	connected := p.Connected()

	cfg := testConfig()
	cfg.SynthesisReadTimeout = 10 * time.Millisecond
	s, _ := startSynthesis(t, cfg, p)

	recv(t, connected, "connection")
	time.Sleep(60 * time.Millisecond)
	if !s.Connected() {
		t.Error("idle connection was recycled")
	}
	if n := len(p.Calls()); n != 1 {
		t.Errorf("expected 1 connect, got %d", n)
	}
}

func TestSynthesisSession_RejectedContextIsDropped(t *testing.T) {
	t.Parallel()

	sess := ttsmock.NewSession(16)
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{sess}}
	connected := p.Connected()
	_, out := startSynthesis(t, testConfig(), p)
	recv(t, connected, "connection")

	sess.Emit(tts.Message{Kind: tts.MessageError, ContextID: "bad", Err: errors.New("invalid voice")})
	sess.Emit(tts.Message{Kind: tts.MessageAudio, ContextID: "bad", Audio: []byte("x")})
	sess.Emit(tts.Message{Kind: tts.MessageMalformed, Raw: []byte("{"), Err: errors.New("bad json")})
	sess.Emit(tts.Message{Kind: tts.MessageAudio, ContextID: "good", Audio: []byte("y")})

	got := getItem(t, out)
	if got.ContextID != "good" || string(got.PCM) != "y" {
		t.Errorf("got %s/%q, want good/y", got.ContextID, got.PCM)
	}
	if out.Len() != 0 {
		t.Errorf("unexpected extra audio in queue: %d", out.Len())
	}
}

func TestSynthesisSession_Fail(t *testing.T) {
	t.Parallel()

	first := ttsmock.NewSession(16)
	second := ttsmock.NewSession(16)
	p := &ttsmock.Provider{Sessions: []*ttsmock.Session{first, second}}
	connected := p.Connected()
	s, _ := startSynthesis(t, testConfig(), p)

	recv(t, connected, "first connection")
	eventually(t, "connected state", s.Connected)

	s.Fail(ErrConnectionLost)
	recv(t, connected, "replacement connection")
	eventually(t, "connected state after recycle", s.Connected)
	if !first.Closed() {
		t.Error("recycled session was not closed")
	}
}

func TestSynthesisSession_SendWithoutConnection(t *testing.T) {
	t.Parallel()

	s := NewSynthesisSession(testConfig(), &ttsmock.Provider{}, NewQueue[AudioChunk](1), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Send(ctx, TranslationChunk{Text: "hola", ContextID: "c"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send error = %v, want deadline exceeded", err)
	}
	if s.Connected() {
		t.Error("session without Run reports connected")
	}
}

func TestConnection_Stalled(t *testing.T) {
	t.Parallel()

	base := time.Unix(1000, 0)
	tests := []struct {
		name     string
		lastSend time.Time
		lastRecv time.Time
		now      time.Time
		want     bool
	}{
		{"never sent", time.Time{}, time.Time{}, base, false},
		{"answered", base, base.Add(time.Millisecond), base.Add(time.Minute), false},
		{"outstanding within timeout", base, time.Time{}, base.Add(5 * time.Second), false},
		{"outstanding past timeout", base, time.Time{}, base.Add(11 * time.Second), true},
		{"reply older than send", base, base.Add(-time.Second), base.Add(11 * time.Second), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newConnection(nil)
			if !tc.lastSend.IsZero() {
				c.lastSend.Store(tc.lastSend.UnixNano())
			}
			if !tc.lastRecv.IsZero() {
				c.lastRecv.Store(tc.lastRecv.UnixNano())
			}
			if got := c.stalled(tc.now, 10*time.Second); got != tc.want {
				t.Errorf("stalled = %v, want %v", got, tc.want)
			}
		})
	}
}
