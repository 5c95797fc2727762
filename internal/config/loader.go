package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/lingobridge/internal/pipeline"
)

// Default values applied by [ApplyDefaults].
const (
	DefaultInputSampleRate     = 16000
	DefaultFrameSize           = 2048
	DefaultSynthesisSampleRate = 44100
	DefaultS2SSampleRate       = 24000
	DefaultOutputSampleRate    = 44100
	DefaultTemperature         = 0.3
	DefaultMaxTokens           = 1024
	DefaultEndpointingMs       = 300
	DefaultJournalBuffer       = 64
	DefaultReconnectBackoff    = 2 * time.Second
	DefaultSynthesisTimeout    = 15 * time.Second
	DefaultTranscriptionIdle   = 30 * time.Second
	DefaultGroqModel           = "llama-3.1-8b-instant"

	DefaultVADStartThreshold = 500
	DefaultVADStopThreshold  = 300
	DefaultVADMinSpeechMs    = 100
	DefaultVADMinSilenceMs   = 400
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":   {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt":   {"deepgram"},
	"tts":   {"cartesia", "elevenlabs"},
	"vad":   {"energy"},
	"audio": {"portaudio"},
	"s2s":   {"gemini"},
}

// Load reads the YAML configuration file at path, expands ${VAR} references
// from the environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	return parse(path, data)
}

func parse(path string, data []byte) (*Config, error) {
	cfg, err := LoadFromReader(bytes.NewReader([]byte(os.ExpandEnv(string(data)))))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.LLM.Name == "" {
		cfg.Providers.LLM.Name = "groq"
	}
	if cfg.Providers.LLM.Name == "groq" && cfg.Providers.LLM.Model == "" {
		cfg.Providers.LLM.Model = DefaultGroqModel
	}
	if cfg.Providers.STT.Name == "" {
		cfg.Providers.STT.Name = "deepgram"
	}
	if cfg.Providers.TTS.Name == "" {
		cfg.Providers.TTS.Name = "cartesia"
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}
	if cfg.Providers.Audio.Name == "" {
		cfg.Providers.Audio.Name = "portaudio"
	}
	if cfg.Providers.S2S.Name == "" && cfg.UsesMode(pipeline.ModeSpeechToSpeech) {
		cfg.Providers.S2S.Name = "gemini"
	}
	if cfg.Journal.Buffer == 0 {
		cfg.Journal.Buffer = DefaultJournalBuffer
	}
	if cfg.Synthesis.ReconnectBackoff == 0 {
		cfg.Synthesis.ReconnectBackoff = DefaultReconnectBackoff
	}
	if cfg.Synthesis.ReadTimeout == 0 {
		cfg.Synthesis.ReadTimeout = DefaultSynthesisTimeout
	}
	if cfg.Transcription.ReadTimeout == 0 {
		cfg.Transcription.ReadTimeout = DefaultTranscriptionIdle
	}
	if cfg.Transcription.EndpointingMs == 0 {
		cfg.Transcription.EndpointingMs = DefaultEndpointingMs
	}
	if cfg.Transcription.SmartFormat == nil {
		on := true
		cfg.Transcription.SmartFormat = &on
	}

	for i := range cfg.Directions {
		d := &cfg.Directions[i]
		if d.Mode == "" {
			d.Mode = pipeline.ModeCascade
		}
		if d.InputChannels == 0 {
			d.InputChannels = 1
		}
		if d.InputSampleRate == 0 {
			d.InputSampleRate = DefaultInputSampleRate
		}
		if d.OutputChannels == 0 {
			d.OutputChannels = 1
		}
		if d.OutputSampleRate == 0 {
			d.OutputSampleRate = DefaultOutputSampleRate
		}
		if d.SynthesisSampleRate == 0 {
			d.SynthesisSampleRate = DefaultSynthesisSampleRate
			if d.Mode == pipeline.ModeSpeechToSpeech {
				d.SynthesisSampleRate = DefaultS2SSampleRate
			}
		}
		if d.FrameSize == 0 {
			d.FrameSize = DefaultFrameSize
		}
		if d.Temperature == 0 {
			d.Temperature = DefaultTemperature
		}
		if d.MaxTokens == 0 {
			d.MaxTokens = DefaultMaxTokens
		}
		if d.Name == "" && d.Language != "" && d.TargetLanguage != "" {
			d.Name = d.Language + "-" + d.TargetLanguage
		}
		if d.SystemPrompt == "" && d.Language != "" && d.TargetLanguage != "" {
			if d.Mode == pipeline.ModeSpeechToSpeech {
				d.SystemPrompt = DefaultInterpreterPrompt(d.Language, d.TargetLanguage)
			} else {
				d.SystemPrompt = DefaultSystemPrompt(d.Language, d.TargetLanguage)
			}
		}
		if d.VAD == (VADConfig{}) {
			d.VAD = VADConfig{
				StartThreshold: DefaultVADStartThreshold,
				StopThreshold:  DefaultVADStopThreshold,
				MinSpeechMs:    DefaultVADMinSpeechMs,
				MinSilenceMs:   DefaultVADMinSilenceMs,
			}
		}
	}
}

// DefaultSystemPrompt returns the translation instruction used when a
// direction sets no system prompt.
func DefaultSystemPrompt(from, to string) string {
	src, dst := languageName(from), languageName(to)
	return fmt.Sprintf("Translate the user input from %s to %s immediately. Output ONLY the %s translation.", src, dst, dst)
}

// DefaultInterpreterPrompt returns the instruction given to a live
// speech-to-speech model when a direction sets no system prompt.
func DefaultInterpreterPrompt(from, to string) string {
	src, dst := languageName(from), languageName(to)
	return fmt.Sprintf("You are a live interpreter. Translate everything the user says from %s to %s and speak ONLY the %s translation. Never answer questions or add commentary.", src, dst, dst)
}

// UsesMode reports whether any direction of cfg runs in mode m. Directions
// without a mode count as cascade.
func (cfg *Config) UsesMode(m pipeline.Mode) bool {
	for _, d := range cfg.Directions {
		mode := d.Mode
		if mode == "" {
			mode = pipeline.ModeCascade
		}
		if mode == m {
			return true
		}
	}
	return false
}

// languageName returns the English name of a BCP-47 tag, or the tag itself
// if it cannot be parsed.
func languageName(code string) string {
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	if name := display.English.Tags().Name(tag); name != "" {
		return name
	}
	return code
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Unknown provider names only warn; third-party registrations are allowed.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)
	validateProviderName("s2s", cfg.Providers.S2S.Name)
	for i, fb := range cfg.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", fb.Name)
	}

	if cfg.Journal.Buffer < 0 {
		errs = append(errs, fmt.Errorf("journal.buffer %d must not be negative", cfg.Journal.Buffer))
	}
	if cfg.Synthesis.ReconnectBackoff < 0 {
		errs = append(errs, fmt.Errorf("synthesis.reconnect_backoff %s must not be negative", cfg.Synthesis.ReconnectBackoff))
	}
	if cfg.Synthesis.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("synthesis.read_timeout %s must not be negative", cfg.Synthesis.ReadTimeout))
	}
	if cfg.Transcription.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("transcription.read_timeout %s must not be negative", cfg.Transcription.ReadTimeout))
	}

	// Directions
	switch n := len(cfg.Directions); {
	case n == 0:
		errs = append(errs, errors.New("directions: at least one direction is required"))
	case n > 2:
		errs = append(errs, fmt.Errorf("directions: at most two directions are supported, got %d", n))
	}

	namesSeen := make(map[string]int, len(cfg.Directions))
	inputsSeen := make(map[string]int, len(cfg.Directions))
	outputsSeen := make(map[string]int, len(cfg.Directions))
	for i, d := range cfg.Directions {
		prefix := fmt.Sprintf("directions[%d]", i)
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[d.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of directions[%d]", prefix, d.Name, prev))
			}
			namesSeen[d.Name] = i
		}
		if !d.Mode.IsValid() {
			errs = append(errs, fmt.Errorf("%s.mode %q is invalid; valid values: %s, %s", prefix, d.Mode, pipeline.ModeCascade, pipeline.ModeSpeechToSpeech))
		}
		if d.Mode == pipeline.ModeSpeechToSpeech && cfg.Providers.S2S.Name == "" {
			errs = append(errs, fmt.Errorf("%s.mode s2s requires providers.s2s.name", prefix))
		}
		if d.Language == "" {
			errs = append(errs, fmt.Errorf("%s.language is required", prefix))
		}
		if d.TargetLanguage == "" {
			errs = append(errs, fmt.Errorf("%s.target_language is required", prefix))
		}
		if d.SystemPrompt == "" {
			errs = append(errs, fmt.Errorf("%s.system_prompt is required", prefix))
		}
		if d.InputChannels != 1 && d.InputChannels != 2 {
			errs = append(errs, fmt.Errorf("%s.input_channels %d must be 1 or 2", prefix, d.InputChannels))
		}
		if d.OutputChannels != 1 && d.OutputChannels != 2 {
			errs = append(errs, fmt.Errorf("%s.output_channels %d must be 1 or 2", prefix, d.OutputChannels))
		}
		for _, f := range []struct {
			name string
			v    int
		}{
			{"input_sample_rate", d.InputSampleRate},
			{"output_sample_rate", d.OutputSampleRate},
			{"synthesis_sample_rate", d.SynthesisSampleRate},
			{"frame_size", d.FrameSize},
			{"max_tokens", d.MaxTokens},
		} {
			if f.v <= 0 {
				errs = append(errs, fmt.Errorf("%s.%s %d must be positive", prefix, f.name, f.v))
			}
		}
		if d.Temperature < 0 || d.Temperature > 2 {
			errs = append(errs, fmt.Errorf("%s.temperature %.2f is out of range [0, 2]", prefix, d.Temperature))
		}
		if d.VAD.StopThreshold > d.VAD.StartThreshold {
			errs = append(errs, fmt.Errorf("%s.vad.stop_threshold %.0f exceeds start_threshold %.0f", prefix, d.VAD.StopThreshold, d.VAD.StartThreshold))
		}
		if d.VAD.MinSpeechMs < 0 || d.VAD.MinSilenceMs < 0 {
			errs = append(errs, fmt.Errorf("%s.vad durations must not be negative", prefix))
		}
		if d.Mode != pipeline.ModeSpeechToSpeech && cfg.Providers.TTS.Name == "elevenlabs" && d.VoiceID == "" {
			errs = append(errs, fmt.Errorf("%s.voice_id is required for the elevenlabs provider", prefix))
		}

		// Device bindings must be disjoint across directions.
		if prev, ok := inputsSeen[d.InputDevice]; ok {
			errs = append(errs, fmt.Errorf("%s.input_device %q is already used by directions[%d]", prefix, deviceLabel(d.InputDevice), prev))
		}
		inputsSeen[d.InputDevice] = i
		if prev, ok := outputsSeen[d.OutputDevice]; ok {
			errs = append(errs, fmt.Errorf("%s.output_device %q is already used by directions[%d]", prefix, deviceLabel(d.OutputDevice), prev))
		}
		outputsSeen[d.OutputDevice] = i
	}

	return errors.Join(errs...)
}

func deviceLabel(id string) string {
	if id == "" {
		return "default"
	}
	return id
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
