// Package mock provides scriptable [vad.Engine] and [vad.SessionHandle]
// doubles for pipeline tests.
package mock

import (
	"sync"

	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

var (
	_ vad.Engine        = (*Engine)(nil)
	_ vad.SessionHandle = (*Session)(nil)
)

// Engine hands out Session, or a fresh default session when Session is nil.
type Engine struct {
	Session vad.SessionHandle
	Err     error

	mu      sync.Mutex
	configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = append(e.configs, cfg)
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Session == nil {
		return &Session{}, nil
	}
	return e.Session, nil
}

// Configs returns the configs of every NewSession call so far.
func (e *Engine) Configs() []vad.Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]vad.Config(nil), e.configs...)
}

// Session answers ProcessFrame from Script, repeating its last entry, or
// from EventResult when Script is empty. Set both before use.
type Session struct {
	EventResult vad.VADEvent
	Script      []vad.VADEvent
	Err         error

	mu     sync.Mutex
	frames [][]byte
	resets int
	closed int
}

func (s *Session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	if s.Err != nil {
		return vad.VADEvent{}, s.Err
	}
	if n := len(s.Script); n > 0 {
		return s.Script[min(len(s.frames), n)-1], nil
	}
	return s.EventResult, nil
}

func (s *Session) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

// Frames returns copies of every frame passed to ProcessFrame.
func (s *Session) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}

// Resets returns how often Reset was called.
func (s *Session) Resets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// Closed returns how often Close was called.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
