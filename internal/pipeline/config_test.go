package pipeline

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{Name: "en-es", SystemPrompt: "p"}.WithDefaults()

	checks := []struct {
		name      string
		got, want any
	}{
		{"input rate", cfg.InputSampleRate, DefaultInputSampleRate},
		{"input channels", cfg.InputChannels, 1},
		{"frame size", cfg.FrameSize, DefaultFrameSize},
		{"transcription rate", cfg.TranscriptionSampleRate, DefaultTranscriptionSampleRate},
		{"endpointing", cfg.EndpointingMs, DefaultEndpointingMs},
		{"temperature", cfg.Temperature, DefaultTemperature},
		{"max tokens", cfg.MaxTokens, DefaultMaxTokens},
		{"synthesis rate", cfg.SynthesisSampleRate, DefaultSynthesisSampleRate},
		{"output rate", cfg.OutputSampleRate, DefaultOutputSampleRate},
		{"output channels", cfg.OutputChannels, 1},
		{"vad rate", cfg.VAD.SampleRate, DefaultTranscriptionSampleRate},
		{"backoff", cfg.ReconnectBackoff, DefaultReconnectBackoff},
		{"read timeout", cfg.SynthesisReadTimeout, DefaultSynthesisReadTimeout},
		{"transcript queue", cfg.TranscriptQueueSize, DefaultTranscriptQueueSize},
		{"playback queue", cfg.PlaybackQueueSize, DefaultPlaybackQueueSize},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestConfig_WithDefaultsKeepsValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Name:                    "es-en",
		SystemPrompt:            "p",
		TranscriptionSampleRate: 8000,
		OutputChannels:          2,
		ReconnectBackoff:        time.Second,
	}.WithDefaults()

	if cfg.TranscriptionSampleRate != 8000 || cfg.VAD.SampleRate != 8000 {
		t.Errorf("rates = %d/%d, want 8000", cfg.TranscriptionSampleRate, cfg.VAD.SampleRate)
	}
	if cfg.OutputChannels != 2 {
		t.Errorf("output channels = %d, want 2", cfg.OutputChannels)
	}
	if cfg.ReconnectBackoff != time.Second {
		t.Errorf("backoff = %s, want 1s", cfg.ReconnectBackoff)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing name", func(c *Config) { c.Name = "" }, "name is required"},
		{"missing prompt", func(c *Config) { c.SystemPrompt = "" }, "system prompt is required"},
		{"bad input channels", func(c *Config) { c.InputChannels = 3 }, "input channels must be 1 or 2"},
		{"bad output channels", func(c *Config) { c.OutputChannels = 6 }, "output channels must be 1 or 2"},
		{"negative rate", func(c *Config) { c.OutputSampleRate = -1 }, "output sample rate must be positive"},
		{"temperature", func(c *Config) { c.Temperature = 2.5 }, "temperature must be in [0, 2]"},
		{"negative backoff", func(c *Config) { c.ReconnectBackoff = -time.Second }, "reconnect backoff"},
		{"vad thresholds", func(c *Config) { c.VAD.StopThreshold = 900 }, "stop threshold must not exceed start threshold"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
			if !strings.Contains(err.Error(), "invalid config") {
				t.Errorf("error %q lacks prefix", err)
			}
		})
	}

	if err := testConfig().Validate(); err != nil {
		t.Errorf("test config invalid: %v", err)
	}
}
