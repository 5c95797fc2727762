package audio

import "time"

// AudioFrame is a single buffer of 16-bit little-endian PCM flowing through a
// pipeline direction. Frames are produced by an [InputStream], converted to
// the pipeline format, gated for voice activity and forwarded to transcription.
// A frame is not modified after it has been handed to the next stage.
type AudioFrame struct {
	// PCM audio data. Sample rate and channel count are described below.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for transcription input, 44100 for playback).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Speech is set by the voice-activity gate. Frames with Speech == false
	// carry zeroed samples by the time they leave the gate.
	Speech bool
}

// Duration returns the playback length of the frame derived from its byte
// length, sample rate and channel count. It returns 0 when the format is
// unknown.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
