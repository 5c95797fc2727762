// Package pipeline implements one direction of the speech-to-speech bridge:
// capture, voice-activity gating, transcription, incremental translation,
// persistent speech synthesis and playback.
//
// A [Supervisor] owns every resource of its direction and runs five
// activities under one cancellable context:
//
//  1. the frame reader, which converts, gates and forwards captured audio;
//  2. the transcription receiver, which queues finalized transcripts;
//  3. the [Translator], which streams translations chunk by chunk;
//  4. the [SynthesisSession], which keeps the synthesis connection alive;
//  5. the [PlaybackWriter], which plays synthesized audio in order.
//
// Activities hand work to each other through bounded [Queue] values. Device
// and transcription failures end the direction; synthesis failures are
// retried forever; everything else is confined to the item it concerns.
//
// A direction in [ModeSpeechToSpeech] keeps the frame reader and the playback
// writer but replaces activities 2 to 4 with a single [LiveSession] that
// streams gated audio to a live speech-to-speech model. Its session is
// reconnected like the synthesis connection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/pkg/audio"
	"github.com/MrWong99/lingobridge/pkg/provider/llm"
	"github.com/MrWong99/lingobridge/pkg/provider/s2s"
	"github.com/MrWong99/lingobridge/pkg/provider/stt"
	"github.com/MrWong99/lingobridge/pkg/provider/tts"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// State is a supervisor lifecycle state.
type State int32

// Supervisor states, in the only order they are entered.
const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Deps are the collaborators of one direction.
type Deps struct {
	// Capture opens the input device.
	Capture audio.Platform

	// Playback opens the output device. When nil, Capture is used.
	Playback audio.Platform

	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine

	// S2S replaces STT, LLM and TTS in ModeSpeechToSpeech.
	S2S s2s.Provider

	// Metrics may be nil, in which case observe.DefaultMetrics is used.
	Metrics *observe.Metrics

	// Journal may be nil.
	Journal journal.Recorder
}

// Supervisor runs one bridge direction.
type Supervisor struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu    sync.Mutex
	state State
	err   error
	synth *SynthesisSession
	live  *LiveSession
	done  chan struct{}
}

// NewSupervisor validates cfg (after applying defaults) and deps.
func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var missing []string
	if deps.Capture == nil {
		missing = append(missing, "capture platform")
	}
	if cfg.Mode == ModeSpeechToSpeech {
		if deps.S2S == nil {
			missing = append(missing, "s2s provider")
		}
	} else {
		if deps.STT == nil {
			missing = append(missing, "stt provider")
		}
		if deps.LLM == nil {
			missing = append(missing, "llm provider")
		}
		if deps.TTS == nil {
			missing = append(missing, "tts provider")
		}
	}
	if deps.VAD == nil {
		missing = append(missing, "vad engine")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("pipeline %s: missing dependencies: %s", cfg.Name, strings.Join(missing, ", "))
	}
	if deps.Playback == nil {
		deps.Playback = deps.Capture
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   slog.With("direction", cfg.Name),
		state: StateCreated,
		done:  make(chan struct{}),
	}, nil
}

// Name returns the direction name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Config returns the effective configuration, defaults included.
func (s *Supervisor) Config() Config { return s.cfg }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the supervisor reaches [StateStopped].
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err returns the fatal error the direction stopped with, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SynthesisConnected reports whether the connection producing translated
// speech is up. In ModeSpeechToSpeech that is the live session.
func (s *Supervisor) SynthesisConnected() bool {
	s.mu.Lock()
	synth, live := s.synth, s.live
	s.mu.Unlock()
	if live != nil {
		return live.Connected()
	}
	return synth != nil && synth.Connected()
}

// Ready returns nil while the direction is running with a live synthesis
// connection.
func (s *Supervisor) Ready() error {
	if st := s.State(); st != StateRunning {
		return fmt.Errorf("pipeline %s: %s", s.cfg.Name, st)
	}
	if !s.SynthesisConnected() {
		return fmt.Errorf("pipeline %s: synthesis disconnected", s.cfg.Name)
	}
	return nil
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Debug("state change", "from", prev.String(), "to", st.String())
}

// Run starts the direction and blocks until it stops. It returns nil when
// ctx is cancelled and a [*StageError] when the direction failed. Run may be
// called only once.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateCreated {
		s.mu.Unlock()
		return fmt.Errorf("pipeline %s: already started", s.cfg.Name)
	}
	s.state = StateStarting
	s.mu.Unlock()

	err := s.run(ctx)
	if ctx.Err() != nil {
		err = nil
	}

	s.mu.Lock()
	s.state = StateStopped
	s.err = err
	s.mu.Unlock()
	close(s.done)

	if err != nil {
		s.log.Error("direction stopped", "error", err)
	} else {
		s.log.Info("direction stopped")
	}
	return err
}

// resources are the per-run handles opened during startup.
type resources struct {
	input  audio.InputStream
	output audio.OutputStream
	gate   vad.SessionHandle
	stt    stt.SessionHandle
	once   sync.Once
}

func (r *resources) close() {
	r.once.Do(func() {
		if r.stt != nil {
			_ = r.stt.Close()
		}
		if r.gate != nil {
			_ = r.gate.Close()
		}
		if r.input != nil {
			_ = r.input.Close()
		}
		if r.output != nil {
			_ = r.output.Close()
		}
	})
}

func (s *Supervisor) run(ctx context.Context) error {
	res, startErr := s.start(ctx)
	if startErr != nil {
		s.deps.Metrics.RecordStageError(ctx, s.cfg.Name, string(startErr.Stage), startErr.Kind.Error())
		return startErr
	}
	defer res.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	playback := NewQueue[AudioChunk](s.cfg.PlaybackQueueSize)
	writer := NewPlaybackWriter(s.cfg, res.output, s.deps.Metrics)

	var (
		synth      *SynthesisSession
		live       *LiveSession
		translator *Translator
	)
	if s.cfg.Mode == ModeSpeechToSpeech {
		live = NewLiveSession(s.cfg, s.deps.S2S, playback, s.deps.Metrics, s.deps.Journal)
	} else {
		synth = NewSynthesisSession(s.cfg, s.deps.TTS, playback, s.deps.Metrics)
		translator = NewTranslator(s.cfg, s.deps.LLM, s.deps.Metrics, s.deps.Journal)
	}

	s.mu.Lock()
	s.synth, s.live = synth, live
	s.mu.Unlock()

	s.setState(StateRunning)
	defer s.deps.Metrics.DirectionRunning(ctx, s.cfg.Name)()
	s.log.Info("direction running",
		"mode", string(s.cfg.Mode),
		"input_device", s.cfg.InputDevice,
		"output_device", s.cfg.OutputDevice,
		"language", s.cfg.Language,
		"target_language", s.cfg.TargetLanguage,
	)

	if live != nil {
		s.spawn(gctx, g, StageCapture, func(ctx context.Context) error {
			return s.capture(ctx, res.input, res.gate, StageSpeech, live.SendAudio)
		})
		s.spawn(gctx, g, StageSpeech, live.Run)
	} else {
		transcripts := NewQueue[Transcript](s.cfg.TranscriptQueueSize)
		s.spawn(gctx, g, StageCapture, func(ctx context.Context) error {
			return s.capture(ctx, res.input, res.gate, StageTranscription, res.stt.SendAudio)
		})
		s.spawn(gctx, g, StageTranscription, func(ctx context.Context) error {
			return s.receiveTranscripts(ctx, res.stt, transcripts)
		})
		s.spawn(gctx, g, StageTranslation, func(ctx context.Context) error {
			return translator.Run(ctx, transcripts, synth)
		})
		s.spawn(gctx, g, StageSynthesis, synth.Run)
	}
	s.spawn(gctx, g, StagePlayback, func(ctx context.Context) error {
		return writer.Run(ctx, playback)
	})

	go func() {
		<-gctx.Done()
		s.mu.Lock()
		if s.state == StateRunning {
			s.state = StateStopping
		}
		s.mu.Unlock()
	}()

	err := g.Wait()
	res.close()

	var stageErr *StageError
	if errors.As(err, &stageErr) {
		s.deps.Metrics.RecordStageError(ctx, s.cfg.Name, string(stageErr.Stage), stageErr.Kind.Error())
	}
	return err
}

// spawn runs fn as an errgroup activity inside its own trace span.
func (s *Supervisor) spawn(ctx context.Context, g *errgroup.Group, stage Stage, fn func(context.Context) error) {
	g.Go(func() error {
		ctx, span := observe.StartDirectionSpan(ctx, "pipeline."+string(stage), s.cfg.Name,
			attribute.String("stage", string(stage)))
		s.log.Debug("activity started", "stage", string(stage))
		err := fn(ctx)
		s.log.Debug("activity stopped", "stage", string(stage), "error", err)
		observe.EndSpan(span, err)
		return err
	})
}

// start opens the devices, the gate and, in cascade mode, the transcription
// stream. On error everything opened so far is closed again.
func (s *Supervisor) start(ctx context.Context) (*resources, *StageError) {
	res := &resources{}
	fail := func(stage Stage, kind, err error) (*resources, *StageError) {
		res.close()
		return nil, newStageError(s.cfg.Name, stage, kind, err)
	}

	in, err := s.deps.Capture.OpenInput(audio.StreamConfig{
		Device:     s.cfg.InputDevice,
		SampleRate: s.cfg.InputSampleRate,
		Channels:   s.cfg.InputChannels,
		FrameSize:  s.cfg.FrameSize,
	})
	if err != nil {
		return fail(StageCapture, ErrDeviceUnavailable, err)
	}
	res.input = in

	out, err := s.deps.Playback.OpenOutput(audio.StreamConfig{
		Device:     s.cfg.OutputDevice,
		SampleRate: s.cfg.OutputSampleRate,
		Channels:   s.cfg.OutputChannels,
		FrameSize:  s.cfg.FrameSize,
	})
	if err != nil {
		return fail(StagePlayback, ErrDeviceUnavailable, err)
	}
	res.output = out

	gate, err := s.deps.VAD.NewSession(s.cfg.VAD)
	if err != nil {
		return fail(StageStartup, ErrUpstream, fmt.Errorf("vad: %w", err))
	}
	res.gate = gate

	if s.cfg.Mode == ModeSpeechToSpeech {
		return res, nil
	}

	sess, err := s.deps.STT.StartStream(ctx, stt.StreamConfig{
		SampleRate:     s.cfg.TranscriptionSampleRate,
		Channels:       1,
		Language:       s.cfg.Language,
		SmartFormat:    s.cfg.SmartFormat,
		InterimResults: s.cfg.InterimResults,
		EndpointingMs:  s.cfg.EndpointingMs,
	})
	if err != nil {
		return fail(StageTranscription, ErrConnectionLost, err)
	}
	res.stt = sess
	return res, nil
}

// capture is the frame reader activity. Gated frames go to send; a send
// error is reported against sendStage. Blocking device reads happen in a
// pump goroutine so cancellation never waits on the device.
func (s *Supervisor) capture(ctx context.Context, in audio.InputStream, gate vad.SessionHandle, sendStage Stage, send func([]byte) error) error {
	frames := make(chan []byte, 4)
	readErr := make(chan error, 1)
	go func() {
		for {
			data, err := in.Read()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	conv := &audio.FormatConverter{
		Target: audio.Format{SampleRate: s.cfg.TranscriptionSampleRate, Channels: 1},
	}
	var ts time.Duration
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if ctx.Err() != nil {
				return nil
			}
			return newStageError(s.cfg.Name, StageCapture, ErrDeviceUnavailable, err)
		case data := <-frames:
			frame := conv.Convert(audio.AudioFrame{
				Data:       data,
				SampleRate: s.cfg.InputSampleRate,
				Channels:   s.cfg.InputChannels,
				Timestamp:  ts,
			})
			ts += frame.Duration()
			if len(frame.Data) == 0 {
				continue
			}

			frame, err := s.gateFrame(ctx, gate, frame)
			if err != nil {
				return newStageError(s.cfg.Name, StageCapture, ErrUpstream, err)
			}
			if err := send(frame.Data); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return newStageError(s.cfg.Name, sendStage, ErrConnectionLost, err)
			}
		}
	}
}

// gateFrame classifies frame and replaces silent frames with zeroed samples
// of the same length, so the transcription stream never has gaps.
func (s *Supervisor) gateFrame(ctx context.Context, gate vad.SessionHandle, frame audio.AudioFrame) (audio.AudioFrame, error) {
	ev, err := gate.ProcessFrame(frame.Data)
	if err != nil {
		return frame, fmt.Errorf("vad: %w", err)
	}
	switch ev.Type {
	case vad.VADSpeechStart:
		s.log.Debug("speech started", "energy", ev.Energy)
	case vad.VADSpeechEnd:
		s.log.Debug("speech ended", "energy", ev.Energy)
	}
	frame.Speech = ev.IsSpeech()
	if !frame.Speech {
		frame.Data = audio.Silence(len(frame.Data))
	}
	s.deps.Metrics.RecordGatedFrame(ctx, s.cfg.Name, frame.Speech)
	return frame, nil
}

// receiveTranscripts is the transcription receiver activity.
func (s *Supervisor) receiveTranscripts(ctx context.Context, sess stt.SessionHandle, out *Queue[Transcript]) error {
	events := sess.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				err := sess.Err()
				if err == nil {
					err = errors.New("transcription stream closed")
				}
				return newStageError(s.cfg.Name, StageTranscription, ErrConnectionLost, err)
			}
			switch ev.Kind {
			case stt.EventFinal:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				s.log.Info("transcript", "text", text, "confidence", ev.Confidence)
				s.deps.Metrics.RecordTranscript(ctx, s.cfg.Name)
				if err := out.Put(ctx, Transcript{Text: text, ReceivedAt: time.Now()}); err != nil {
					return nil
				}
			case stt.EventInterim:
				s.log.Debug("interim transcript", "text", ev.Text)
			case stt.EventMetadata:
				s.log.Debug("transcription metadata", "type", ev.Type)
			case stt.EventMalformed:
				s.log.Warn("dropping malformed transcription message",
					"error", fmt.Errorf("%w: %w", ErrMalformedMessage, ev.Err),
				)
				s.deps.Metrics.RecordStageError(ctx, s.cfg.Name, string(StageTranscription), ErrMalformedMessage.Error())
			}
		}
	}
}
