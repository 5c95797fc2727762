// Package energy implements an RMS-energy voice activity detector with
// hysteresis.
//
// The detector has two states. While silent, frames louder than the start
// threshold accumulate towards onset and speech is reported once the
// accumulated time reaches the minimum speech duration; a single quieter frame
// resets the accumulator. While speaking, frames quieter than the stop
// threshold accumulate towards release in the same way. The gap between the
// two thresholds keeps the gate from flapping on levels near a single cut-off.
package energy

import (
	"sync"

	"github.com/MrWong99/lingobridge/pkg/audio"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

// Defaults tuned for 16-bit speech captured close to the microphone.
const (
	DefaultStartThreshold = 500
	DefaultStopThreshold  = 300
	DefaultMinSpeechMs    = 100
	DefaultMinSilenceMs   = 400
)

// Gate is the hysteresis state machine for one audio stream. The zero value
// is not usable; create gates with [NewGate]. A Gate is not safe for
// concurrent use.
type Gate struct {
	startThreshold float64
	stopThreshold  float64
	minSpeechMs    int
	minSilenceMs   int

	speechActive         bool
	consecutiveSpeechMs  int
	consecutiveSilenceMs int
}

// NewGate creates a Gate. Zero values in cfg select the package defaults;
// SampleRate is not used by the Gate itself.
func NewGate(cfg vad.Config) *Gate {
	g := &Gate{
		startThreshold: cfg.StartThreshold,
		stopThreshold:  cfg.StopThreshold,
		minSpeechMs:    cfg.MinSpeechMs,
		minSilenceMs:   cfg.MinSilenceMs,
	}
	if g.startThreshold == 0 {
		g.startThreshold = DefaultStartThreshold
	}
	if g.stopThreshold == 0 {
		g.stopThreshold = DefaultStopThreshold
	}
	if g.minSpeechMs == 0 {
		g.minSpeechMs = DefaultMinSpeechMs
	}
	if g.minSilenceMs == 0 {
		g.minSilenceMs = DefaultMinSilenceMs
	}
	return g
}

// Classify updates the gate with one frame of 16-bit PCM lasting frameMs
// milliseconds and returns whether speech is active after the update. A
// transition is visible on the frame that causes it. An empty frame returns
// false and leaves the state untouched.
func (g *Gate) Classify(frame []byte, frameMs int) bool {
	if len(frame) < 2 {
		return false
	}
	g.update(audio.RMS(frame), frameMs)
	return g.speechActive
}

func (g *Gate) update(rms float64, frameMs int) {
	if !g.speechActive {
		if rms > g.startThreshold {
			g.consecutiveSpeechMs += frameMs
			if g.consecutiveSpeechMs >= g.minSpeechMs {
				g.speechActive = true
				g.consecutiveSpeechMs = 0
				g.consecutiveSilenceMs = 0
			}
		} else {
			g.consecutiveSpeechMs = 0
		}
		return
	}

	if rms < g.stopThreshold {
		g.consecutiveSilenceMs += frameMs
		if g.consecutiveSilenceMs >= g.minSilenceMs {
			g.speechActive = false
			g.consecutiveSpeechMs = 0
			g.consecutiveSilenceMs = 0
		}
	} else {
		g.consecutiveSilenceMs = 0
	}
}

// SpeechActive returns the current state without processing a frame.
func (g *Gate) SpeechActive() bool { return g.speechActive }

// Counters returns the onset and release accumulators in milliseconds.
func (g *Gate) Counters() (speechMs, silenceMs int) {
	return g.consecutiveSpeechMs, g.consecutiveSilenceMs
}

// Reset returns the gate to silence and clears both accumulators.
func (g *Gate) Reset() {
	g.speechActive = false
	g.consecutiveSpeechMs = 0
	g.consecutiveSilenceMs = 0
}

// ─── vad.Engine adapter ───────────────────────────────────────────────────────

// Engine creates energy-gate sessions. It is stateless and safe for
// concurrent use.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an energy VAD engine.
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	g := NewGate(cfg)
	cfg.StartThreshold, cfg.StopThreshold = g.startThreshold, g.stopThreshold
	cfg.MinSpeechMs, cfg.MinSilenceMs = g.minSpeechMs, g.minSilenceMs
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &session{gate: g, sampleRate: cfg.SampleRate}, nil
}

type session struct {
	mu         sync.Mutex
	gate       *Gate
	sampleRate int
	closed     bool

	// carry is the sub-millisecond remainder of previous frames, in units of
	// 1/sampleRate ms.
	carry int
}

// frameMs returns the whole milliseconds covered by a frame of byteLen bytes
// and keeps the fraction for the next frame, so frames whose length is not a
// whole number of milliseconds do not drift against the gate's durations.
func (s *session) frameMs(byteLen int) int {
	if s.sampleRate <= 0 {
		return 0
	}
	total := (byteLen/2)*1000 + s.carry
	s.carry = total % s.sampleRate
	return total / s.sampleRate
}

// ProcessFrame implements [vad.SessionHandle].
func (s *session) ProcessFrame(frame []byte) (vad.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.VADEvent{}, vad.ErrClosed
	}
	if len(frame) < 2 {
		return vad.VADEvent{Type: vad.VADSilence}, nil
	}

	was := s.gate.speechActive
	rms := audio.RMS(frame)
	s.gate.update(rms, s.frameMs(len(frame)))
	now := s.gate.speechActive

	ev := vad.VADEvent{Energy: rms}
	switch {
	case !was && now:
		ev.Type = vad.VADSpeechStart
	case was && now:
		ev.Type = vad.VADSpeechContinue
	case was && !now:
		ev.Type = vad.VADSpeechEnd
	default:
		ev.Type = vad.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.Reset()
	s.carry = 0
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
