package config

import (
	"github.com/MrWong99/lingobridge/internal/pipeline"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// PipelineConfigs converts every direction of cfg, together with the shared
// synthesis and transcription settings, into pipeline configurations. Call
// it on a config returned by [Load] or [LoadFromReader].
func (cfg *Config) PipelineConfigs() []pipeline.Config {
	out := make([]pipeline.Config, 0, len(cfg.Directions))
	for _, d := range cfg.Directions {
		out = append(out, cfg.pipelineConfig(d))
	}
	return out
}

func (cfg *Config) pipelineConfig(d DirectionConfig) pipeline.Config {
	smart := cfg.Transcription.SmartFormat == nil || *cfg.Transcription.SmartFormat
	return pipeline.Config{
		Name:                    d.Name,
		Mode:                    d.Mode,
		InputDevice:             d.InputDevice,
		OutputDevice:            d.OutputDevice,
		InputSampleRate:         d.InputSampleRate,
		InputChannels:           d.InputChannels,
		FrameSize:               d.FrameSize,
		TranscriptionSampleRate: pipeline.DefaultTranscriptionSampleRate,
		Language:                d.Language,
		SmartFormat:             smart,
		InterimResults:          cfg.Transcription.InterimResults,
		EndpointingMs:           cfg.Transcription.EndpointingMs,
		SystemPrompt:            d.SystemPrompt,
		Temperature:             d.Temperature,
		MaxTokens:               d.MaxTokens,
		TargetLanguage:          d.TargetLanguage,
		VoiceID:                 d.VoiceID,
		SynthesisSampleRate:     d.SynthesisSampleRate,
		OutputSampleRate:        d.OutputSampleRate,
		OutputChannels:          d.OutputChannels,
		VAD: vad.Config{
			StartThreshold: d.VAD.StartThreshold,
			StopThreshold:  d.VAD.StopThreshold,
			MinSpeechMs:    d.VAD.MinSpeechMs,
			MinSilenceMs:   d.VAD.MinSilenceMs,
		},
		ReconnectBackoff:     cfg.Synthesis.ReconnectBackoff,
		SynthesisReadTimeout: cfg.Synthesis.ReadTimeout,
	}.WithDefaults()
}
