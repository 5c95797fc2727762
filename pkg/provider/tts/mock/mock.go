// Package mock provides a test double for the tts.Provider interface.
//
// Provider hands out scripted Session values, one per Connect call, so tests
// can break a connection mid-turn and observe the reconnect. A Session records
// every Request it receives and lets the test push messages or fail the
// connection at any point.
//
// Example:
//
//	sess := mock.NewSession(16)
//	sess.Echo = true // answer every request with its text as audio
//	p := &mock.Provider{Sessions: []*mock.Session{sess}}
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/provider/tts"
)

// ErrNoSession is returned by Connect when the script is exhausted.
var ErrNoSession = errors.New("mock: no session scripted")

// ConnectCall records a single invocation of Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg tts.SessionConfig
}

// Provider is a mock implementation of tts.Provider.
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

	// ConnectCalls records every invocation of Connect in order.
	ConnectCalls []ConnectCall

	next int

	// connected is signalled after every successful Connect.
	connected chan struct{}
}

// Connect returns the next scripted session.
func (p *Provider) Connect(ctx context.Context, cfg tts.SessionConfig) (tts.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	call := len(p.ConnectCalls)
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
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
		p.next++
	case p.NewSession != nil:
		s = p.NewSession()
		p.Sessions = append(p.Sessions, s)
		p.next++
	default:
		return nil, ErrNoSession
	}
	if p.connected != nil {
		select {
		case p.connected <- struct{}{}:
		default:
		}
	}
	return s, nil
}

// Connected returns a channel that receives a value after each successful
// Connect. Buffered values beyond the channel's capacity are dropped.
func (p *Provider) Connected() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		p.connected = make(chan struct{}, 16)
	}
	return p.connected
}

// Calls returns a copy of ConnectCalls. Thread-safe.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

var _ tts.Provider = (*Provider)(nil)

// Session is a mock implementation of tts.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Echo makes every successful Send emit a MessageAudio carrying the
	// request text, followed by MessageDone when Continuation is false.
	Echo bool

	// SendErr, if non-nil, is returned by every Send and fails the session.
	SendErr error

	// FailOnSend, if > 0, fails the session on the n-th Send call (1-based)
	// and returns an error for it.
	FailOnSend int

	requests []tts.Request
	sends    int
	messages chan tts.Message
	done     chan struct{}
	closed   bool
	err      error
	sent     chan struct{}
}

// NewSession returns a Session whose message channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{
		messages: make(chan tts.Message, buffer),
		done:     make(chan struct{}),
		sent:     make(chan struct{}, 64),
	}
}

// Send records req, or fails according to SendErr and FailOnSend.
func (s *Session) Send(_ context.Context, req tts.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if s.err != nil {
			return s.err
		}
		return tts.ErrSessionClosed
	}
	s.sends++
	if s.SendErr != nil || (s.FailOnSend > 0 && s.sends == s.FailOnSend) {
		err := s.SendErr
		if err == nil {
			err = errors.New("mock: connection dropped")
		}
		s.failLocked(err)
		return err
	}

	s.requests = append(s.requests, req)
	select {
	case s.sent <- struct{}{}:
	default:
	}
	if s.Echo {
		s.emitLocked(tts.Message{Kind: tts.MessageAudio, ContextID: req.ContextID, Audio: []byte(req.Text)})
		if !req.Continuation {
			s.emitLocked(tts.Message{Kind: tts.MessageDone, ContextID: req.ContextID})
		}
	}
	return nil
}

// Emit pushes msg to the message channel. It returns false if the session
// is closed.
func (s *Session) Emit(msg tts.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.emitLocked(msg)
	return true
}

func (s *Session) emitLocked(msg tts.Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

// Fail terminates the session with err, closing the message channel.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

func (s *Session) failLocked(err error) {
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.done)
	close(s.messages)
}

// Messages returns the message channel.
func (s *Session) Messages() <-chan tts.Message { return s.messages }

// Err returns the failure recorded by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the session. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
		close(s.messages)
	}
	return nil
}

// Requests returns a copy of every successfully sent request.
func (s *Session) Requests() []tts.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tts.Request(nil), s.requests...)
}

// Sent returns a channel signalled after each successful Send.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Closed reports whether Close or Fail has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ tts.SessionHandle = (*Session)(nil)
