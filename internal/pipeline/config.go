package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// Default values applied by [Config.WithDefaults].
const (
	DefaultInputSampleRate         = 16000
	DefaultTranscriptionSampleRate = 16000
	DefaultSynthesisSampleRate     = 44100
	DefaultSpeechToSpeechRate      = 24000
	DefaultOutputSampleRate        = 44100
	DefaultFrameSize               = 2048
	DefaultTemperature             = 0.3
	DefaultMaxTokens               = 1024
	DefaultEndpointingMs           = 300
	DefaultReconnectBackoff        = 2 * time.Second
	DefaultSynthesisReadTimeout    = 15 * time.Second
	DefaultTranscriptQueueSize     = 32
	DefaultPlaybackQueueSize       = 256
)

// Mode selects how a direction turns speech into translated speech.
type Mode string

const (
	// ModeCascade chains transcription, translation and synthesis.
	ModeCascade Mode = "cascade"

	// ModeSpeechToSpeech streams gated audio to a live speech-to-speech
	// model and plays its spoken answer.
	ModeSpeechToSpeech Mode = "s2s"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeCascade || m == ModeSpeechToSpeech
}

// Config is the immutable configuration of one bridge direction. It is
// built once by the caller and copied into the supervisor; nothing in the
// pipeline mutates it.
type Config struct {
	// Name identifies the direction in logs, metrics and errors (e.g., "en-es").
	Name string

	// Mode defaults to ModeCascade.
	Mode Mode

	// InputDevice and OutputDevice identify the audio devices. Their meaning
	// is defined by the audio.Platform in use.
	InputDevice  string
	OutputDevice string

	// InputSampleRate and InputChannels describe the capture stream.
	InputSampleRate int
	InputChannels   int

	// FrameSize is the number of sample frames per capture read.
	FrameSize int

	// TranscriptionSampleRate is the mono rate sent to speech-to-text.
	// Captured audio is resampled and downmixed to it.
	TranscriptionSampleRate int

	// Language is the spoken source language for speech-to-text.
	Language string

	// SmartFormat and InterimResults are forwarded to speech-to-text.
	SmartFormat    bool
	InterimResults bool

	// EndpointingMs is the silence after which speech-to-text finalises an
	// utterance.
	EndpointingMs int

	// SystemPrompt instructs the language model how to translate. In
	// ModeSpeechToSpeech it is the live model's instruction.
	SystemPrompt string

	// Temperature and MaxTokens tune the translation request.
	Temperature float64
	MaxTokens   int

	// TargetLanguage is the language synthesis speaks.
	TargetLanguage string

	// VoiceID selects the synthesis voice, or the live model's voice in
	// ModeSpeechToSpeech.
	VoiceID string

	// SynthesisSampleRate is the rate requested from speech synthesis. In
	// ModeSpeechToSpeech it is the rate the live model answers with.
	SynthesisSampleRate int

	// OutputSampleRate and OutputChannels describe the playback stream.
	OutputSampleRate int
	OutputChannels   int

	// VAD configures the voice-activity gate. SampleRate is filled from
	// TranscriptionSampleRate.
	VAD vad.Config

	// ReconnectBackoff is the fixed delay between synthesis connection
	// attempts.
	ReconnectBackoff time.Duration

	// SynthesisReadTimeout is how long the synthesis connection may stay
	// silent while a sent chunk is outstanding before it is considered dead.
	SynthesisReadTimeout time.Duration

	// TranscriptQueueSize and PlaybackQueueSize bound the staging queues.
	TranscriptQueueSize int
	PlaybackQueueSize   int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeCascade
	}
	if c.InputSampleRate == 0 {
		c.InputSampleRate = DefaultInputSampleRate
	}
	if c.InputChannels == 0 {
		c.InputChannels = 1
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.TranscriptionSampleRate == 0 {
		c.TranscriptionSampleRate = DefaultTranscriptionSampleRate
	}
	if c.EndpointingMs == 0 {
		c.EndpointingMs = DefaultEndpointingMs
	}
	if c.Temperature == 0 {
		c.Temperature = DefaultTemperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.SynthesisSampleRate == 0 {
		c.SynthesisSampleRate = DefaultSynthesisSampleRate
		if c.Mode == ModeSpeechToSpeech {
			c.SynthesisSampleRate = DefaultSpeechToSpeechRate
		}
	}
	if c.OutputSampleRate == 0 {
		c.OutputSampleRate = DefaultOutputSampleRate
	}
	if c.OutputChannels == 0 {
		c.OutputChannels = 1
	}
	if c.VAD.SampleRate == 0 {
		c.VAD.SampleRate = c.TranscriptionSampleRate
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.SynthesisReadTimeout == 0 {
		c.SynthesisReadTimeout = DefaultSynthesisReadTimeout
	}
	if c.TranscriptQueueSize == 0 {
		c.TranscriptQueueSize = DefaultTranscriptQueueSize
	}
	if c.PlaybackQueueSize == 0 {
		c.PlaybackQueueSize = DefaultPlaybackQueueSize
	}
	return c
}

// Validate reports every problem with c. Call it after WithDefaults.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode must be %q or %q, got %q", ModeCascade, ModeSpeechToSpeech, c.Mode))
	}
	if c.InputChannels != 1 && c.InputChannels != 2 {
		errs = append(errs, fmt.Errorf("input channels must be 1 or 2, got %d", c.InputChannels))
	}
	if c.OutputChannels != 1 && c.OutputChannels != 2 {
		errs = append(errs, fmt.Errorf("output channels must be 1 or 2, got %d", c.OutputChannels))
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"input sample rate", c.InputSampleRate},
		{"transcription sample rate", c.TranscriptionSampleRate},
		{"synthesis sample rate", c.SynthesisSampleRate},
		{"output sample rate", c.OutputSampleRate},
		{"frame size", c.FrameSize},
		{"max tokens", c.MaxTokens},
	} {
		if f.v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", f.name, f.v))
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature must be in [0, 2], got %g", c.Temperature))
	}
	if c.SystemPrompt == "" {
		errs = append(errs, errors.New("system prompt is required"))
	}
	if c.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("reconnect backoff must not be negative, got %s", c.ReconnectBackoff))
	}
	if err := c.VAD.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pipeline %s: invalid config: %w", c.Name, err)
	}
	return nil
}
