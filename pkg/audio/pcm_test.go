package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lingobridge/pkg/audio"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		samples []int16
		want    float64
	}{
		{name: "empty", samples: nil, want: 0},
		{name: "constant", samples: []int16{600, -600, 600, -600}, want: 600},
		{name: "zeros", samples: []int16{0, 0, 0}, want: 0},
		{name: "full scale does not overflow", samples: []int16{-32768, -32768}, want: 32768},
		{name: "mixed", samples: []int16{3, 4}, want: math.Sqrt(12.5)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := audio.RMS(audio.EncodePCM16(tc.samples))
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("RMS = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestRMS_IgnoresTrailingByte(t *testing.T) {
	t.Parallel()
	pcm := append(audio.EncodePCM16([]int16{500, 500}), 0x7f)
	if got := audio.RMS(pcm); got != 500 {
		t.Errorf("RMS = %v, want 500", got)
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()
	f := audio.AudioFrame{Data: make([]byte, 44100*2*2), SampleRate: 44100, Channels: 2}
	if got := f.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	if got := (audio.AudioFrame{Data: make([]byte, 10)}).Duration(); got != 0 {
		t.Errorf("Duration with unknown format = %v, want 0", got)
	}
}

func TestSilence(t *testing.T) {
	t.Parallel()
	s := audio.Silence(8)
	if len(s) != 8 {
		t.Fatalf("len = %d, want 8", len(s))
	}
	for i, b := range s {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0", i, b)
		}
	}
}

func TestDecodePCM16(t *testing.T) {
	t.Parallel()

	// Little-endian 1, -1 and a dangling byte.
	got := audio.DecodePCM16([]byte{0x01, 0x00, 0xff, 0xff, 0x7f})
	if len(got) != 2 || got[0] != 1 || got[1] != -1 {
		t.Errorf("DecodePCM16 = %v, want [1 -1]", got)
	}
	if enc := audio.EncodePCM16(got); len(enc) != 4 || enc[2] != 0xff {
		t.Errorf("EncodePCM16 = %v", enc)
	}
}
