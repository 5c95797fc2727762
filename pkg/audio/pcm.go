package audio

import (
	"encoding/binary"
	"math"
)

// RMS returns the root-mean-square amplitude of 16-bit little-endian PCM.
// Samples are widened to float64 before squaring so full-scale input cannot
// overflow. A trailing odd byte is ignored. Empty input returns 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Silence returns n zero bytes. Zeroed 16-bit PCM decodes to digital silence.
func Silence(n int) []byte {
	return make([]byte, n)
}

// DecodePCM16 splits 16-bit little-endian PCM into samples. A trailing odd
// byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// EncodePCM16 is the inverse of [DecodePCM16].
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}
