// Package audio defines the device abstraction and PCM helpers used by the
// translation pipeline.
//
// The two primary abstractions are:
//
//   - [Platform]: opens capture and playback streams on local audio devices.
//   - [InputStream] / [OutputStream]: blocking, frame-sized reads and writes
//     of 16-bit little-endian PCM.
//
// Implementations are provided by backend packages (e.g., audio/portaudio).
// An in-memory implementation for tests lives in audio/mock.
//
// This package lives under pkg/ because external code (alternative device
// backends) is expected to implement [Platform].
package audio

import "errors"

// ErrStreamClosed is returned by Read or Write after the stream was closed.
var ErrStreamClosed = errors.New("audio: stream closed")

// Direction identifies whether a stream captures or plays audio.
type Direction int

const (
	// DirectionInput is a capture stream.
	DirectionInput Direction = iota

	// DirectionOutput is a playback stream.
	DirectionOutput
)

// String returns the human-readable name of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// StreamConfig describes the stream to open on a device.
type StreamConfig struct {
	// Device identifies the device. Its interpretation is backend specific;
	// an empty string selects the system default.
	Device string

	// SampleRate in Hz.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// FrameSize is the number of sample frames per Read (input) or the
	// preferred buffer size (output).
	FrameSize int
}

// Format returns the sample format described by the config.
func (c StreamConfig) Format() Format {
	return Format{SampleRate: c.SampleRate, Channels: c.Channels}
}

// InputStream is an open capture stream.
//
// Read and Close may be called from different goroutines; Close unblocks a
// pending Read, which then returns [ErrStreamClosed] or a backend error.
type InputStream interface {
	// Read blocks until one frame of FrameSize sample frames is available and
	// returns it as little-endian int16 PCM. The returned slice is owned by
	// the caller.
	Read() ([]byte, error)

	// Close stops the stream and releases the device. Safe to call more than
	// once.
	Close() error
}

// OutputStream is an open playback stream.
type OutputStream interface {
	// Write blocks until pcm has been handed to the device.
	Write(pcm []byte) error

	// Close stops the stream and releases the device. Safe to call more than
	// once.
	Close() error
}

// Flusher is implemented by output streams that hold back a partial device
// buffer between writes. Flush pads the pending samples with silence and
// hands them to the device. Callers flush when no more audio is coming soon.
type Flusher interface {
	Flush() error
}

// Platform opens streams on local audio devices.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// OpenInput opens a capture stream. Returns an error if the device does
	// not exist or cannot be opened with the requested format.
	OpenInput(cfg StreamConfig) (InputStream, error)

	// OpenOutput opens a playback stream.
	OpenOutput(cfg StreamConfig) (OutputStream, error)
}
