// Package mock provides a test double for the s2s.Provider interface.
//
// Provider hands out scripted Session values, one per Connect call. A Session
// records the audio it is sent and lets the test push audio and events or
// end the session at any point.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
)

// ErrNoSession is returned by Connect when the script is exhausted.
var ErrNoSession = errors.New("mock: no session scripted")

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Sessions are returned by successive Connect calls. Once exhausted,
	// Connect returns ErrNoSession unless NewSession is set.
	Sessions []*Session

	// NewSession, if set, builds a session when Sessions is exhausted.
	NewSession func() *Session

	// ConnectErrs are returned by the first len(ConnectErrs) Connect calls
	// (nil entries fall through to Sessions).
	ConnectErrs []error

	// Caps is returned by Capabilities.
	Caps s2s.Capabilities

	configs   []s2s.SessionConfig
	next      int
	connected chan struct{}
}

var _ s2s.Provider = (*Provider)(nil)

// Connect returns the next scripted session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := len(p.configs)
	p.configs = append(p.configs, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call < len(p.ConnectErrs) && p.ConnectErrs[call] != nil {
		return nil, p.ConnectErrs[call]
	}

	var s *Session
	switch {
	case p.next < len(p.Sessions):
		s = p.Sessions[p.next]
	case p.NewSession != nil:
		s = p.NewSession()
		p.Sessions = append(p.Sessions, s)
	default:
		return nil, ErrNoSession
	}
	p.next++
	if p.connected != nil {
		select {
		case p.connected <- struct{}{}:
		default:
		}
	}
	return s, nil
}

// Capabilities returns Caps.
func (p *Provider) Capabilities() s2s.Capabilities { return p.Caps }

// Configs returns the config of every Connect call in order.
func (p *Provider) Configs() []s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]s2s.SessionConfig(nil), p.configs...)
}

// Connected returns a channel that receives a value after each successful
// Connect.
func (p *Provider) Connected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		p.connected = make(chan struct{}, 16)
	}
	return p.connected
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by every SendAudio.
	SendErr error

	frames [][]byte
	audio  chan []byte
	events chan s2s.Event
	done   chan struct{}
	closed bool
	err    error
}

var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session whose channels have the given buffer.
func NewSession(buffer int) *Session {
	return &Session{
		audio:  make(chan []byte, buffer),
		events: make(chan s2s.Event, buffer),
		done:   make(chan struct{}),
	}
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.frames = append(s.frames, append([]byte(nil), chunk...))
	return nil
}

// EmitAudio pushes pcm to the audio channel. It returns false if the session
// is closed.
func (s *Session) EmitAudio(pcm []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.audio <- pcm:
	case <-s.done:
	}
	return true
}

// EmitEvent pushes ev to the event channel. It returns false if the session
// is closed.
func (s *Session) EmitEvent(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
	return true
}

// Fail ends the session with err.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closeLocked()
}

func (s *Session) closeLocked() {
	s.closed = true
	close(s.done)
	close(s.audio)
	close(s.events)
}

// Audio implements s2s.SessionHandle.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the error passed to Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closeLocked()
	}
	return nil
}

// Frames returns a copy of every chunk passed to SendAudio.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Closed reports whether Close or Fail has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
