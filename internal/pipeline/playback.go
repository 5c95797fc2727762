package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/lingobridge/internal/observe"
	"github.com/MrWong99/lingobridge/pkg/audio"
)

// playbackFlushDelay is how long the writer waits for more audio before it
// flushes a partially filled device buffer.
const playbackFlushDelay = 150 * time.Millisecond

// PlaybackWriter drains the playback queue onto the output device in order.
// It is the only goroutine that writes to the device.
type PlaybackWriter struct {
	dir     string
	out     audio.OutputStream
	source  audio.Format
	conv    *audio.FormatConverter
	metrics *observe.Metrics
	log     *slog.Logger

	// carry holds a trailing odd byte split from its sample by a chunk
	// boundary.
	carry []byte

	// pending is set after a write to an [audio.Flusher] output until the
	// output is flushed.
	pending    bool
	flushAfter time.Duration
}

// NewPlaybackWriter creates a writer that converts synthesized audio from
// cfg.SynthesisSampleRate mono to the output device format. metrics may be
// nil.
func NewPlaybackWriter(cfg Config, out audio.OutputStream, metrics *observe.Metrics) *PlaybackWriter {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &PlaybackWriter{
		dir:    cfg.Name,
		out:    out,
		source: audio.Format{SampleRate: cfg.SynthesisSampleRate, Channels: 1},
		conv: &audio.FormatConverter{
			Target: audio.Format{SampleRate: cfg.OutputSampleRate, Channels: cfg.OutputChannels},
		},
		metrics:    metrics,
		log:        slog.With("direction", cfg.Name, "stage", string(StagePlayback)),
		flushAfter: playbackFlushDelay,
	}
}

// Run writes queued chunks until ctx is cancelled. A failed write drops that
// chunk and playback continues with the next one. When the output buffers
// partial device periods, it is flushed once the queue has stayed empty for
// the flush delay. Run only returns nil.
func (w *PlaybackWriter) Run(ctx context.Context, in *Queue[AudioChunk]) error {
	for {
		chunk, err := w.next(ctx, in)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			w.flush()
			continue
		}
		w.write(ctx, chunk)
	}
}

// next dequeues the next chunk. While output is pending it gives up after
// the flush delay.
func (w *PlaybackWriter) next(ctx context.Context, in *Queue[AudioChunk]) (AudioChunk, error) {
	if !w.pending {
		return in.Get(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, w.flushAfter)
	defer cancel()
	return in.Get(ctx)
}

func (w *PlaybackWriter) flush() {
	w.pending = false
	f, ok := w.out.(audio.Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		w.log.Warn("flushing playback failed", "error", err)
	}
}

func (w *PlaybackWriter) write(ctx context.Context, chunk AudioChunk) {
	pcm := chunk.PCM
	if len(w.carry) > 0 {
		pcm = append(w.carry, pcm...)
		w.carry = nil
	}
	if len(pcm)%2 != 0 {
		w.carry = []byte{pcm[len(pcm)-1]}
		pcm = pcm[:len(pcm)-1]
	}
	if len(pcm) == 0 {
		return
	}

	frame := w.conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: w.source.SampleRate,
		Channels:   w.source.Channels,
	})
	if len(frame.Data) == 0 {
		return
	}
	if err := w.out.Write(frame.Data); err != nil {
		w.log.Warn("dropping audio chunk",
			"context_id", chunk.ContextID,
			"bytes", len(frame.Data),
			"error", fmt.Errorf("%w: %w", ErrPlaybackWrite, err),
		)
		w.metrics.RecordPlaybackDrop(ctx, w.dir)
		w.metrics.RecordStageError(ctx, w.dir, string(StagePlayback), ErrPlaybackWrite.Error())
		return
	}
	if _, ok := w.out.(audio.Flusher); ok {
		w.pending = true
	}
}
