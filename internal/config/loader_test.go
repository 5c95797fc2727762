package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/lingobridge/internal/config"
	"github.com/MrWong99/lingobridge/internal/pipeline"
)

const minimalYAML = `
directions:
  - language: en
    target_language: es
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	providers := map[string]string{
		"llm":   cfg.Providers.LLM.Name,
		"stt":   cfg.Providers.STT.Name,
		"tts":   cfg.Providers.TTS.Name,
		"vad":   cfg.Providers.VAD.Name,
		"audio": cfg.Providers.Audio.Name,
	}
	for kind, want := range map[string]string{
		"llm": "groq", "stt": "deepgram", "tts": "cartesia", "vad": "energy", "audio": "portaudio",
	} {
		if providers[kind] != want {
			t.Errorf("%s provider = %q, want %q", kind, providers[kind], want)
		}
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Synthesis.ReconnectBackoff != config.DefaultReconnectBackoff {
		t.Errorf("backoff = %s", cfg.Synthesis.ReconnectBackoff)
	}
	if cfg.Transcription.ReadTimeout != config.DefaultTranscriptionIdle {
		t.Errorf("transcription timeout = %s", cfg.Transcription.ReadTimeout)
	}
	if cfg.Transcription.SmartFormat == nil || !*cfg.Transcription.SmartFormat {
		t.Error("smart format should default to on")
	}

	d := cfg.Directions[0]
	if d.Name != "en-es" {
		t.Errorf("name = %q, want en-es", d.Name)
	}
	if d.InputSampleRate != 16000 || d.FrameSize != 2048 || d.InputChannels != 1 {
		t.Errorf("capture defaults = %d/%d/%d", d.InputSampleRate, d.FrameSize, d.InputChannels)
	}
	if d.SynthesisSampleRate != 44100 || d.OutputSampleRate != 44100 || d.OutputChannels != 1 {
		t.Errorf("output defaults = %d/%d/%d", d.SynthesisSampleRate, d.OutputSampleRate, d.OutputChannels)
	}
	if d.Temperature != 0.3 || d.MaxTokens != 1024 {
		t.Errorf("translation defaults = %v/%d", d.Temperature, d.MaxTokens)
	}
	want := config.VADConfig{StartThreshold: 500, StopThreshold: 300, MinSpeechMs: 100, MinSilenceMs: 400}
	if d.VAD != want {
		t.Errorf("vad = %+v, want %+v", d.VAD, want)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "no directions",
			yaml: "server:\n  log_level: info\n",
			want: []string{"at least one direction"},
		},
		{
			name: "three directions",
			yaml: `
directions:
  - {language: en, target_language: es, input_device: a, output_device: a}
  - {language: es, target_language: en, input_device: b, output_device: b}
  - {language: en, target_language: fr, name: en-fr, input_device: c, output_device: c}
`,
			want: []string{"at most two directions"},
		},
		{
			name: "shared devices",
			yaml: `
directions:
  - {name: one, language: en, target_language: es, input_device: mic, output_device: spk}
  - {name: two, language: es, target_language: en, input_device: mic, output_device: spk}
`,
			want: []string{`input_device "mic" is already used`, `output_device "spk" is already used`},
		},
		{
			name: "both directions on default devices",
			yaml: `
directions:
  - {language: en, target_language: es}
  - {language: es, target_language: en}
`,
			want: []string{`input_device "default"`},
		},
		{
			name: "duplicate names",
			yaml: `
directions:
  - {name: x, language: en, target_language: es, input_device: a, output_device: a}
  - {name: x, language: es, target_language: en, input_device: b, output_device: b}
`,
			want: []string{"duplicate"},
		},
		{
			name: "missing languages",
			yaml: `
directions:
  - {name: x}
`,
			want: []string{"language is required", "target_language is required", "system_prompt is required"},
		},
		{
			name: "bad values",
			yaml: `
server:
  log_level: bananas
directions:
  - language: en
    target_language: es
    input_channels: 3
    output_channels: 5
    temperature: 2.5
    max_tokens: -1
    vad: {start_threshold: 100, stop_threshold: 200}
`,
			want: []string{
				"log_level", "input_channels 3", "output_channels 5",
				"temperature", "max_tokens -1", "stop_threshold",
			},
		},
		{
			name: "elevenlabs needs a voice",
			yaml: `
providers:
  tts: {name: elevenlabs}
directions:
  - {language: en, target_language: es}
`,
			want: []string{"voice_id is required"},
		},
		{
			name: "unknown mode",
			yaml: `
directions:
  - {language: en, target_language: es, mode: relay}
`,
			want: []string{`mode "relay" is invalid`},
		},
		{
			name: "fallback without name",
			yaml: `
llm_fallbacks:
  - {model: gpt-4o-mini}
directions:
  - {language: en, target_language: es}
`,
			want: []string{"llm_fallbacks[0].name"},
		},
		{
			name: "unknown field",
			yaml: `
directions:
  - {language: en, target_language: es, colour: blue}
`,
			want: []string{"colour"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tc.yaml))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, w := range tc.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestLoadFromReader_SpeechToSpeech(t *testing.T) {
	t.Parallel()

	const yaml = `
providers:
  tts: {name: elevenlabs}
directions:
  - {language: en, target_language: es, mode: s2s, input_device: a, output_device: a}
  - {language: es, target_language: en, voice_id: v1, input_device: b, output_device: b}
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.S2S.Name != "gemini" {
		t.Errorf("s2s provider = %q, want gemini", cfg.Providers.S2S.Name)
	}
	if !cfg.UsesMode(pipeline.ModeSpeechToSpeech) || !cfg.UsesMode(pipeline.ModeCascade) {
		t.Error("UsesMode should report both modes")
	}

	live, cascade := cfg.Directions[0], cfg.Directions[1]
	if live.Mode != pipeline.ModeSpeechToSpeech || cascade.Mode != pipeline.ModeCascade {
		t.Errorf("modes = %q/%q", live.Mode, cascade.Mode)
	}
	if live.SynthesisSampleRate != config.DefaultS2SSampleRate || cascade.SynthesisSampleRate != config.DefaultSynthesisSampleRate {
		t.Errorf("synthesis rates = %d/%d", live.SynthesisSampleRate, cascade.SynthesisSampleRate)
	}
	if live.SystemPrompt != config.DefaultInterpreterPrompt("en", "es") {
		t.Errorf("live prompt = %q", live.SystemPrompt)
	}

	pcs := cfg.PipelineConfigs()
	if pcs[0].Mode != pipeline.ModeSpeechToSpeech || pcs[0].SynthesisSampleRate != 24000 {
		t.Errorf("pipeline config = %s/%d", pcs[0].Mode, pcs[0].SynthesisSampleRate)
	}
	if err := pcs[0].Validate(); err != nil {
		t.Errorf("pipeline config invalid: %v", err)
	}
}

func TestLoadFromReader_CascadeLeavesS2SUnset(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.S2S.Name != "" {
		t.Errorf("s2s provider = %q, want none for a cascade-only config", cfg.Providers.S2S.Name)
	}
	if cfg.UsesMode(pipeline.ModeSpeechToSpeech) {
		t.Error("UsesMode(s2s) = true for a cascade-only config")
	}
}

func TestValidate_OneWayBridge(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("single direction should be valid: %v", err)
	}
	if len(cfg.Directions) != 1 {
		t.Errorf("directions = %d, want 1", len(cfg.Directions))
	}
}

func TestLoad_ExpandsEnvironment(t *testing.T) {
	t.Setenv("LINGOBRIDGE_TEST_DG_KEY", "secret-dg")
	t.Setenv("LINGOBRIDGE_TEST_TARGET", "es")

	path := filepath.Join(t.TempDir(), "lingobridge.yaml")
	writeFile(t, path, `
providers:
  stt:
    name: deepgram
    api_key: ${LINGOBRIDGE_TEST_DG_KEY}
directions:
  - language: en
    target_language: $LINGOBRIDGE_TEST_TARGET
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Providers.STT.APIKey != "secret-dg" {
		t.Errorf("api key = %q, want secret-dg", cfg.Providers.STT.APIKey)
	}
	if cfg.Directions[0].TargetLanguage != "es" {
		t.Errorf("target language = %q, want es", cfg.Directions[0].TargetLanguage)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want os.ErrNotExist", err)
	}
}
