package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

func (f Format) valid() bool { return f.SampleRate > 0 && f.Channels > 0 }

// FormatConverter brings a stream of frames to Target. Capture uses it to
// reach the transcription format and playback to reach the device format.
//
// The converter is stateful: linear interpolation continues across frame
// boundaries, so splitting a signal into frames does not introduce clicks.
// A change of source format resets that state. Use one converter per stream
// from a single goroutine.
type FormatConverter struct {
	Target Format

	src  Format
	pos  float64 // read position relative to the first sample of the next frame
	prev []int16 // last input sample per channel, at position -1
	have bool

	warnMismatch sync.Once
	warnCorrupt  sync.Once
}

// Convert returns frame in the target format. A frame already in the target
// format is returned as is. Frames whose byte length is not a whole number of
// sample frames lose the incomplete tail; a frame with an odd byte count is
// dropped entirely and logged once.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels}
	out := AudioFrame{
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
		Speech:     frame.Speech,
	}

	if len(frame.Data)%2 != 0 || !src.valid() || !c.Target.valid() {
		c.warnCorrupt.Do(func() {
			slog.Warn("audio converter: dropping malformed frame",
				"bytes", len(frame.Data), "from", src, "to", c.Target)
		})
		return out
	}
	if src == c.Target {
		return frame
	}
	c.warnMismatch.Do(func() {
		slog.Info("audio converter: converting stream", "from", src, "to", c.Target)
	})

	if src != c.src {
		c.src = src
		c.reset()
	}

	samples := DecodePCM16(frame.Data)
	samples = samples[:len(samples)-len(samples)%src.Channels]

	// Mix channels down before resampling and up after it, so interpolation
	// always runs on the narrower signal.
	ch := src.Channels
	if c.Target.Channels < ch {
		samples = remix(samples, ch, c.Target.Channels)
		ch = c.Target.Channels
	}
	if src.SampleRate != c.Target.SampleRate {
		samples = c.resample(samples, ch, src.SampleRate)
	}
	if c.Target.Channels != ch {
		samples = remix(samples, ch, c.Target.Channels)
	}

	out.Data = EncodePCM16(samples)
	return out
}

func (c *FormatConverter) reset() {
	c.pos = 0
	c.prev = nil
	c.have = false
}

// resample converts interleaved samples with ch channels from srcRate to the
// target rate by linear interpolation, carrying phase into the next call.
func (c *FormatConverter) resample(samples []int16, ch, srcRate int) []int16 {
	n := len(samples) / ch
	if n == 0 {
		return nil
	}
	if len(c.prev) != ch {
		c.prev = make([]int16, ch)
		c.have = false
	}
	step := float64(srcRate) / float64(c.Target.SampleRate)

	at := func(i, k int) float64 {
		if i < 0 {
			return float64(c.prev[k])
		}
		return float64(samples[i*ch+k])
	}

	pos := c.pos
	if !c.have && pos < 0 {
		pos = 0
	}
	out := make([]int16, 0, (int(float64(n)/step)+1)*ch)
	for pos <= float64(n-1) {
		i := int(pos)
		if pos < 0 {
			i = -1
		}
		frac := pos - float64(i)
		for k := range ch {
			a := at(i, k)
			v := a
			if frac > 0 {
				v = a + (at(i+1, k)-a)*frac
			}
			out = append(out, clamp16(v))
		}
		pos += step
	}

	copy(c.prev, samples[(n-1)*ch:])
	c.have = true
	c.pos = pos - float64(n)
	return out
}

// remix maps interleaved samples from one channel count to another. Mixing
// down to mono averages all channels; mixing up from mono duplicates it.
// Otherwise channels present in both layouts pass through and extra output
// channels carry the average of the input.
func remix(samples []int16, from, to int) []int16 {
	n := len(samples) / from
	out := make([]int16, n*to)
	for f := range n {
		in := samples[f*from : (f+1)*from]
		var sum int
		for _, s := range in {
			sum += int(s)
		}
		avg := int16(sum / from)
		for k := range to {
			switch {
			case to == 1:
				out[f*to+k] = avg
			case from == 1:
				out[f*to+k] = in[0]
			case k < from:
				out[f*to+k] = in[k]
			default:
				out[f*to+k] = avg
			}
		}
	}
	return out
}

func clamp16(v float64) int16 {
	switch {
	case v >= 32767:
		return 32767
	case v <= -32768:
		return -32768
	case v >= 0:
		return int16(v + 0.5)
	default:
		return int16(v - 0.5)
	}
}
