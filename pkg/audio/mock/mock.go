// Package mock provides in-memory implementations of [audio.Platform],
// [audio.InputStream] and [audio.OutputStream] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInputStream(8)
//	out := &mock.OutputStream{}
//	platform := &mock.Platform{Input: in, Output: out}
//	in.Push(frame)
//	// ... run the pipeline, then inspect out.Writes().
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/lingobridge/pkg/audio"
)

// ─── Platform ─────────────────────────────────────────────────────────────────

// Platform is a mock implementation of [audio.Platform].
type Platform struct {
	mu sync.Mutex

	// Input is returned by OpenInput. If nil, a new InputStream is created.
	Input audio.InputStream

	// Output is returned by OpenOutput. If nil, a new OutputStream is created.
	Output audio.OutputStream

	// OpenInputErr, if non-nil, is returned by OpenInput.
	OpenInputErr error

	// OpenOutputErr, if non-nil, is returned by OpenOutput.
	OpenOutputErr error

	// OpenInputCalls records the config of every OpenInput call.
	OpenInputCalls []audio.StreamConfig

	// OpenOutputCalls records the config of every OpenOutput call.
	OpenOutputCalls []audio.StreamConfig
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(cfg audio.StreamConfig) (audio.InputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenInputCalls = append(p.OpenInputCalls, cfg)
	if p.OpenInputErr != nil {
		return nil, p.OpenInputErr
	}
	if p.Input == nil {
		p.Input = NewInputStream(0)
	}
	return p.Input, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(cfg audio.StreamConfig) (audio.OutputStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.OpenOutputCalls = append(p.OpenOutputCalls, cfg)
	if p.OpenOutputErr != nil {
		return nil, p.OpenOutputErr
	}
	if p.Output == nil {
		p.Output = &OutputStream{}
	}
	return p.Output, nil
}

var _ audio.Platform = (*Platform)(nil)

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock [audio.InputStream] fed by the test. Read blocks until
// a frame or error is pushed, or the stream is closed.
type InputStream struct {
	frames    chan readResult
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	closeCalls int
}

type readResult struct {
	data []byte
	err  error
}

// NewInputStream returns an InputStream whose internal buffer holds up to
// buffer pending frames.
func NewInputStream(buffer int) *InputStream {
	return &InputStream{
		frames: make(chan readResult, buffer),
		closed: make(chan struct{}),
	}
}

// Push queues a frame to be returned by Read. It blocks while the buffer is
// full and returns false once the stream has been closed.
func (s *InputStream) Push(frame []byte) bool {
	select {
	case s.frames <- readResult{data: frame}:
		return true
	case <-s.closed:
		return false
	}
}

// Fail makes the next Read return err.
func (s *InputStream) Fail(err error) {
	select {
	case s.frames <- readResult{err: err}:
	case <-s.closed:
	}
}

// Read implements [audio.InputStream].
func (s *InputStream) Read() ([]byte, error) {
	select {
	case r := <-s.frames:
		return r.data, r.err
	case <-s.closed:
		return nil, audio.ErrStreamClosed
	}
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	s.closeCalls++
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *InputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ audio.InputStream = (*InputStream)(nil)

// ─── OutputStream ─────────────────────────────────────────────────────────────

// OutputStream is a mock [audio.OutputStream] that records every write.
type OutputStream struct {
	mu sync.Mutex

	// WriteErr, if non-nil, is returned by Write. The failing write is still
	// recorded in FailedWrites.
	WriteErr error

	// FailFirst makes the first N writes return WriteErr (or a generic error
	// if WriteErr is nil). Later writes succeed.
	FailFirst int

	writes       [][]byte
	failedWrites [][]byte
	closeCalls   int
	notify       chan struct{}
}

// Write implements [audio.OutputStream].
func (s *OutputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCalls > 0 {
		return audio.ErrStreamClosed
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	if s.FailFirst > 0 || s.WriteErr != nil {
		if s.FailFirst > 0 {
			s.FailFirst--
		}
		s.failedWrites = append(s.failedWrites, cp)
		s.signal()
		if s.WriteErr != nil {
			return s.WriteErr
		}
		return errors.New("mock: write failed")
	}
	s.writes = append(s.writes, cp)
	s.signal()
	return nil
}

// signal wakes a waiter in WaitWrites. Caller holds s.mu.
func (s *OutputStream) signal() {
	if s.notify != nil {
		close(s.notify)
		s.notify = nil
	}
}

// Writes returns a copy of the successfully written buffers in order.
func (s *OutputStream) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

// FailedWrites returns the buffers whose write returned an error.
func (s *OutputStream) FailedWrites() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.failedWrites...)
}

// Changed returns a channel that is closed on the next Write attempt.
func (s *OutputStream) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{})
	}
	return s.notify
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// CloseCalls returns how many times Close was called.
func (s *OutputStream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

var _ audio.OutputStream = (*OutputStream)(nil)
