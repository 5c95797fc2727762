package pipeline

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	audiomock "github.com/MrWong99/lingobridge/pkg/audio/mock"
)

func TestPlaybackWriter_WritesInOrder(t *testing.T) {
	t.Parallel()

	out := &audiomock.OutputStream{}
	w := NewPlaybackWriter(testConfig(), out, nil)
	in := NewQueue[AudioChunk](4)
	chunks := [][]byte{{1, 0, 2, 0}, {3, 0}, {4, 0, 5, 0, 6, 0}}
	for _, pcm := range chunks {
		if err := in.Put(context.Background(), AudioChunk{ContextID: "c", PCM: pcm}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, in) }()

	eventually(t, "three writes", func() bool { return len(out.Writes()) == 3 })
	cancel()
	if err := recv(t, done, "Run to return"); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}

	for i, got := range out.Writes() {
		if !bytes.Equal(got, chunks[i]) {
			t.Errorf("write %d = %v, want %v", i, got, chunks[i])
		}
	}
}

func TestPlaybackWriter_DropsFailedWrite(t *testing.T) {
	t.Parallel()

	out := &audiomock.OutputStream{FailFirst: 1}
	w := NewPlaybackWriter(testConfig(), out, nil)

	w.write(context.Background(), AudioChunk{ContextID: "c", PCM: []byte{1, 0}})
	w.write(context.Background(), AudioChunk{ContextID: "c", PCM: []byte{2, 0}})

	failed := out.FailedWrites()
	if len(failed) != 1 || !bytes.Equal(failed[0], []byte{1, 0}) {
		t.Errorf("failed writes = %v, want the first chunk", failed)
	}
	writes := out.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{2, 0}) {
		t.Errorf("writes = %v, want the second chunk", writes)
	}
}

func TestPlaybackWriter_CarriesOddByte(t *testing.T) {
	t.Parallel()

	out := &audiomock.OutputStream{}
	w := NewPlaybackWriter(testConfig(), out, nil)

	w.write(context.Background(), AudioChunk{PCM: []byte{1, 2, 3}})
	w.write(context.Background(), AudioChunk{PCM: []byte{4, 5}})
	w.write(context.Background(), AudioChunk{PCM: []byte{6}})

	writes := out.Writes()
	want := [][]byte{{1, 2}, {3, 4}, {5, 6}}
	if len(writes) != len(want) {
		t.Fatalf("got %d writes %v, want %d", len(writes), writes, len(want))
	}
	for i := range want {
		if !bytes.Equal(writes[i], want[i]) {
			t.Errorf("write %d = %v, want %v", i, writes[i], want[i])
		}
	}
}

func TestPlaybackWriter_ConvertsToDeviceFormat(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.OutputChannels = 2
	out := &audiomock.OutputStream{}
	w := NewPlaybackWriter(cfg, out, nil)

	w.write(context.Background(), AudioChunk{PCM: []byte{1, 0, 2, 0}})

	writes := out.Writes()
	if len(writes) != 1 {
		t.Fatalf("expected 1 write, got %d", len(writes))
	}
	want := []byte{1, 0, 1, 0, 2, 0, 2, 0}
	if !bytes.Equal(writes[0], want) {
		t.Errorf("stereo write = %v, want %v", writes[0], want)
	}
}

// flushingOutput is an output stream that buffers partial device periods.
type flushingOutput struct {
	audiomock.OutputStream
	flushes atomic.Int32
}

func (o *flushingOutput) Flush() error {
	o.flushes.Add(1)
	return nil
}

func TestPlaybackWriter_FlushesWhenIdle(t *testing.T) {
	t.Parallel()

	out := &flushingOutput{}
	w := NewPlaybackWriter(testConfig(), out, nil)
	w.flushAfter = 20 * time.Millisecond
	in := NewQueue[AudioChunk](4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Back-to-back chunks are written without a flush between them.
	for _, pcm := range [][]byte{{1, 0}, {2, 0}} {
		if err := in.Put(ctx, AudioChunk{ContextID: "c", PCM: pcm}); err != nil {
			t.Fatal(err)
		}
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, in) }()

	eventually(t, "two writes", func() bool { return len(out.Writes()) == 2 })
	eventually(t, "flush after idle", func() bool { return out.flushes.Load() == 1 })

	// An idle queue with nothing pending does not flush again.
	time.Sleep(5 * w.flushAfter)
	if n := out.flushes.Load(); n != 1 {
		t.Errorf("flushes = %d, want 1", n)
	}

	cancel()
	if err := recv(t, done, "Run to return"); err != nil {
		t.Errorf("Run returned %v, want nil", err)
	}
}
