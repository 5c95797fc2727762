package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/lingobridge/internal/journal"
	"github.com/MrWong99/lingobridge/pkg/provider/vad"
)

const waitTimeout = 2 * time.Second

// testConfig returns a valid direction config with fast timings.
func testConfig() Config {
	return Config{
		Name:                    "en-es",
		InputSampleRate:         16000,
		InputChannels:           1,
		TranscriptionSampleRate: 16000,
		Language:                "en",
		SystemPrompt:            "Translate English to Spanish.",
		TargetLanguage:          "es",
		VoiceID:                 "voice-1",
		SynthesisSampleRate:     44100,
		OutputSampleRate:        44100,
		OutputChannels:          1,
		VAD: vad.Config{
			StartThreshold: 500,
			StopThreshold:  300,
			MinSpeechMs:    100,
			MinSilenceMs:   400,
		},
		ReconnectBackoff:     5 * time.Millisecond,
		SynthesisReadTimeout: time.Second,
	}.WithDefaults()
}

// eventually polls cond until it holds or the wait timeout expires.
func eventually(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// recv waits for one value from ch.
func recv[T any](t *testing.T, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", msg)
		var zero T
		return zero
	}
}

// getItem takes the next item from q within the wait timeout.
func getItem[T any](t *testing.T, q *Queue[T]) T {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	v, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("queue get: %v", err)
	}
	return v
}

// recordingSink is a ChunkSink that records what it receives.
type recordingSink struct {
	mu      sync.Mutex
	chunks  []TranslationChunk
	fails   []error
	sendErr error
	failAt  int // 1-based send that returns sendErr; 0 means every send
}

func (s *recordingSink) Send(_ context.Context, chunk TranslationChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chunks) + 1
	if s.sendErr != nil && (s.failAt == 0 || s.failAt == n) {
		return s.sendErr
	}
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails = append(s.fails, err)
}

func (s *recordingSink) Chunks() []TranslationChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranslationChunk(nil), s.chunks...)
}

func (s *recordingSink) Fails() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.fails...)
}

// memJournal collects turns in memory.
type memJournal struct {
	mu    sync.Mutex
	turns []journal.Turn
}

func (j *memJournal) RecordTurn(_ context.Context, turn journal.Turn) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.turns = append(j.turns, turn)
	return nil
}

func (j *memJournal) Turns() []journal.Turn {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Turn(nil), j.turns...)
}
