// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Event values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Event{Kind: stt.EventFinal, Text: "hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new default Session.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(16), nil
}

// Calls returns a copy of StartStreamCalls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Tests push events
// with Emit and end the session with Fail or Close.
type Session struct {
	mu sync.Mutex

	events    chan stt.Event
	endOnce   sync.Once
	err       error
	audioSeen chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// --- Call records ---

	sendAudioCalls [][]byte
	closeCallCount int
}

// NewSession returns a Session whose event buffer holds buffer events.
func NewSession(buffer int) *Session {
	return &Session{
		events:    make(chan stt.Event, buffer),
		audioSeen: make(chan struct{}, 1),
	}
}

// Emit delivers ev to the consumer. It blocks while the buffer is full.
func (s *Session) Emit(ev stt.Event) {
	s.events <- ev
}

// Fail ends the session with err, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.end(err)
}

func (s *Session) end(err error) {
	s.endOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.events)
	})
}

// SendAudio records a copy of chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.sendAudioCalls = append(s.sendAudioCalls, cp)
	select {
	case s.audioSeen <- struct{}{}:
	default:
	}
	return s.SendAudioErr
}

// Events implements stt.SessionHandle.
func (s *Session) Events() <-chan stt.Event { return s.events }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close records the call and ends the session without error.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCallCount++
	s.mu.Unlock()
	s.end(nil)
	return nil
}

// AudioSent returns copies of every chunk passed to SendAudio, in order.
func (s *Session) AudioSent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sendAudioCalls...)
}

// AudioSeen returns a channel that receives after SendAudio is called.
func (s *Session) AudioSeen() <-chan struct{} { return s.audioSeen }

// CloseCallCount returns the number of times Close was called. Thread-safe.
func (s *Session) CloseCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCallCount
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
