package audio_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/lingobridge/pkg/audio"
)

func frame(rate, channels int, samples ...int16) audio.AudioFrame {
	return audio.AudioFrame{Data: audio.EncodePCM16(samples), SampleRate: rate, Channels: channels}
}

func TestFormatConverter_Convert(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target audio.Format
		in     audio.AudioFrame
		want   []int16
	}{
		{
			name:   "matching format passes through",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(16000, 1, 1, 2, 3),
			want:   []int16{1, 2, 3},
		},
		{
			name:   "mono to stereo duplicates",
			target: audio.Format{SampleRate: 48000, Channels: 2},
			in:     frame(48000, 1, 100, 200),
			want:   []int16{100, 100, 200, 200},
		},
		{
			name:   "stereo to mono averages",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(16000, 2, 100, 200, -100, -200),
			want:   []int16{150, -150},
		},
		{
			name:   "downmix does not overflow",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(16000, 2, 32767, 32767, -32768, -32768),
			want:   []int16{32767, -32768},
		},
		{
			name:   "surround to stereo keeps front pair",
			target: audio.Format{SampleRate: 48000, Channels: 2},
			in:     frame(48000, 6, 10, 20, 30, 40, 50, 60),
			want:   []int16{10, 20},
		},
		{
			name:   "upsample interpolates",
			target: audio.Format{SampleRate: 48000, Channels: 1},
			in:     frame(16000, 1, 0, 300),
			want:   []int16{0, 100, 200, 300},
		},
		{
			name:   "downsample picks every third sample",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(48000, 1, 0, 100, 200, 300, 400, 500),
			want:   []int16{0, 300},
		},
		{
			name:   "stereo capture to mono transcription",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(32000, 2, 100, 300, 100, 300, -200, -400, -200, -400),
			want:   []int16{200, -300},
		},
		{
			name:   "mono synthesis to stereo device",
			target: audio.Format{SampleRate: 48000, Channels: 2},
			in:     frame(24000, 1, 0, 200),
			want:   []int16{0, 0, 100, 100, 200, 200},
		},
		{
			name:   "incomplete sample frame is trimmed",
			target: audio.Format{SampleRate: 16000, Channels: 1},
			in:     frame(16000, 2, 100, 300, 7),
			want:   []int16{200},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := &audio.FormatConverter{Target: tt.target}
			out := conv.Convert(tt.in)

			if out.SampleRate != tt.target.SampleRate || out.Channels != tt.target.Channels {
				t.Errorf("format = %dHz/%dch, want %v", out.SampleRate, out.Channels, tt.target)
			}
			if got := audio.DecodePCM16(out.Data); !slices.Equal(got, tt.want) {
				t.Errorf("samples = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormatConverter_ContinuousAcrossFrames(t *testing.T) {
	t.Parallel()

	target := audio.Format{SampleRate: 48000, Channels: 1}
	whole := (&audio.FormatConverter{Target: target}).Convert(frame(16000, 1, 0, 300, 600, 900))

	conv := &audio.FormatConverter{Target: target}
	var split []int16
	split = append(split, audio.DecodePCM16(conv.Convert(frame(16000, 1, 0, 300)).Data)...)
	split = append(split, audio.DecodePCM16(conv.Convert(frame(16000, 1, 600, 900)).Data)...)

	want := []int16{0, 100, 200, 300, 400, 500, 600, 700, 800, 900}
	if got := audio.DecodePCM16(whole.Data); !slices.Equal(got, want) {
		t.Errorf("whole = %v, want %v", got, want)
	}
	if !slices.Equal(split, want) {
		t.Errorf("split = %v, want %v", split, want)
	}
}

func TestFormatConverter_SourceChangeResets(t *testing.T) {
	t.Parallel()

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 1}}
	conv.Convert(frame(16000, 1, 0, 300))

	// A new source rate must not interpolate against the previous stream.
	out := conv.Convert(frame(24000, 1, 1000, 2000))
	want := []int16{1000, 1500, 2000}
	if got := audio.DecodePCM16(out.Data); !slices.Equal(got, want) {
		t.Errorf("samples = %v, want %v", got, want)
	}
}

func TestFormatConverter_CarriesMetadata(t *testing.T) {
	t.Parallel()

	conv := &audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	in := frame(48000, 2, 1, 1, 2, 2, 3, 3)
	in.Timestamp = 40 * time.Millisecond
	in.Speech = true

	out := conv.Convert(in)
	if out.Timestamp != in.Timestamp {
		t.Errorf("Timestamp = %v, want %v", out.Timestamp, in.Timestamp)
	}
	if !out.Speech {
		t.Error("Speech flag was not carried through conversion")
	}
}

func TestFormatConverter_DropsMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target audio.Format
		in     audio.AudioFrame
	}{
		{
			name:   "odd byte count",
			target: audio.Format{SampleRate: 48000, Channels: 1},
			in:     audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1},
		},
		{
			name:   "odd byte count in matching format",
			target: audio.Format{SampleRate: 48000, Channels: 1},
			in:     audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1},
		},
		{
			name:   "zero source rate",
			target: audio.Format{SampleRate: 48000, Channels: 1},
			in:     frame(0, 1, 1, 2),
		},
		{
			name:   "zero target channels",
			target: audio.Format{SampleRate: 48000},
			in:     frame(48000, 1, 1, 2),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := &audio.FormatConverter{Target: tt.target}
			if out := conv.Convert(tt.in); len(out.Data) != 0 {
				t.Errorf("Data = %v, want empty", out.Data)
			}
		})
	}
}
