package pipeline

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Error kinds. A [StageError] wraps exactly one of these so callers can
// classify failures with errors.Is.
var (
	// ErrDeviceUnavailable means an audio device could not be opened or
	// stopped delivering frames.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrConnectionLost means a remote streaming connection failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrMalformedMessage means a provider message could not be decoded.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrUpstream means a provider reported an error for one request.
	ErrUpstream = errors.New("upstream error")

	// ErrPlaybackWrite means a write to the output device failed.
	ErrPlaybackWrite = errors.New("playback write failed")
)

// Stage names the part of a direction an error originated in.
type Stage string

// Pipeline stages.
const (
	StageStartup       Stage = "startup"
	StageCapture       Stage = "capture"
	StageTranscription Stage = "transcription"
	StageTranslation   Stage = "translation"
	StageSynthesis     Stage = "synthesis"
	StageSpeech        Stage = "speech_to_speech"
	StagePlayback      Stage = "playback"
)

// StageError is the error type returned by a failed direction. It names the
// direction and stage and carries one of the package's error kinds alongside
// the underlying cause.
type StageError struct {
	Direction string
	Stage     Stage
	Kind      error
	Err       error
}

// Error implements error.
func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("pipeline %s: %s: %v", e.Direction, e.Stage, e.Kind)
	}
	return fmt.Sprintf("pipeline %s: %s: %v: %v", e.Direction, e.Stage, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newStageError(dir string, stage Stage, kind, err error) *StageError {
	return &StageError{Direction: dir, Stage: stage, Kind: kind, Err: err}
}

// IsConnectionError reports whether err indicates a broken transport rather
// than a request-level failure: network errors, unexpected EOF, connection
// reset or refused, broken pipe and TLS failures. Context cancellation is not
// a connection error.
func IsConnectionError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var alertErr tls.AlertError
	return errors.As(err, &alertErr)
}
