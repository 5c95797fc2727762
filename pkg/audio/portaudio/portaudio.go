// Package portaudio implements [audio.Platform] on top of the PortAudio
// library using blocking read/write streams.
//
// Device identifiers in [audio.StreamConfig] are resolved as follows:
//
//   - "" selects the system default device for the direction.
//   - A decimal string selects the device with that PortAudio index.
//   - Anything else selects the first device whose name contains the string,
//     compared case-insensitively (e.g. "blackhole" matches "BlackHole 2ch").
//
// Requires the PortAudio C library (pkg-config: portaudio-2.0).
package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lingobridge/pkg/audio"
)

// ErrDeviceNotFound is returned when a device identifier matches no device.
var ErrDeviceNotFound = errors.New("portaudio: device not found")

// Device describes one PortAudio device.
type Device struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Platform is a PortAudio-backed [audio.Platform]. Create it with [New] and
// call [Platform.Close] when all streams are closed.
type Platform struct {
	closeOnce sync.Once
}

var _ audio.Platform = (*Platform)(nil)

// New initialises PortAudio.
func New() (*Platform, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Platform{}, nil
}

// Close terminates PortAudio. Safe to call more than once.
func (p *Platform) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = pa.Terminate()
	})
	return err
}

// ListDevices returns every device PortAudio knows about.
func (p *Platform) ListDevices() ([]Device, error) {
	infos, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for _, d := range infos {
		dev := Device{
			Index:             d.Index,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

// OpenInput implements [audio.Platform].
func (p *Platform) OpenInput(cfg audio.StreamConfig) (audio.InputStream, error) {
	dev, err := resolve(cfg.Device, audio.DirectionInput)
	if err != nil {
		return nil, err
	}
	if cfg.Channels > dev.MaxInputChannels {
		return nil, fmt.Errorf("portaudio: device %q supports %d input channels, want %d",
			dev.Name, dev.MaxInputChannels, cfg.Channels)
	}

	buf := make([]int16, cfg.FrameSize*cfg.Channels)
	params := pa.StreamParameters{
		Input: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: cfg.FrameSize,
	}
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input %q: %w", dev.Name, err)
	}
	slog.Info("audio input opened", "device", dev.Name, "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return &inputStream{stream: stream, buf: buf, name: dev.Name}, nil
}

// OpenOutput implements [audio.Platform].
func (p *Platform) OpenOutput(cfg audio.StreamConfig) (audio.OutputStream, error) {
	dev, err := resolve(cfg.Device, audio.DirectionOutput)
	if err != nil {
		return nil, err
	}
	if cfg.Channels > dev.MaxOutputChannels {
		return nil, fmt.Errorf("portaudio: device %q supports %d output channels, want %d",
			dev.Name, dev.MaxOutputChannels, cfg.Channels)
	}

	frames := cfg.FrameSize
	if frames <= 0 {
		frames = 1024
	}
	buf := make([]int16, frames*cfg.Channels)
	params := pa.StreamParameters{
		Output: pa.StreamDeviceParameters{
			Device:   dev,
			Channels: cfg.Channels,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(cfg.SampleRate),
		FramesPerBuffer: frames,
	}
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output %q: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output %q: %w", dev.Name, err)
	}
	slog.Info("audio output opened", "device", dev.Name, "sample_rate", cfg.SampleRate, "channels", cfg.Channels)
	return &outputStream{stream: stream, buf: buf, name: dev.Name}, nil
}

// resolve maps a device identifier to a PortAudio device.
func resolve(id string, dir audio.Direction) (*pa.DeviceInfo, error) {
	if id == "" {
		var (
			dev *pa.DeviceInfo
			err error
		)
		if dir == audio.DirectionInput {
			dev, err = pa.DefaultInputDevice()
		} else {
			dev, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("portaudio: default %s device: %w", dir, err)
		}
		return dev, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	if idx, err := strconv.Atoi(id); err == nil {
		for _, d := range devices {
			if d.Index == idx && hasChannels(d, dir) {
				return d, nil
			}
		}
		return nil, fmt.Errorf("%w: %s index %d", ErrDeviceNotFound, dir, idx)
	}
	needle := strings.ToLower(id)
	for _, d := range devices {
		if hasChannels(d, dir) && strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %q", ErrDeviceNotFound, dir, id)
}

func hasChannels(d *pa.DeviceInfo, dir audio.Direction) bool {
	if dir == audio.DirectionInput {
		return d.MaxInputChannels > 0
	}
	return d.MaxOutputChannels > 0
}

// ─── streams ──────────────────────────────────────────────────────────────────

// blockingStream is the part of [pa.Stream] the stream wrappers use. Read and
// Write transfer one buffer of FramesPerBuffer frames through the slice bound
// at open time.
type blockingStream interface {
	Read() error
	Write() error
	Abort() error
	Stop() error
	Close() error
}

var _ blockingStream = (*pa.Stream)(nil)

type inputStream struct {
	stream blockingStream
	buf    []int16
	name   string

	// reading is held for the duration of a stream read so Close can wait
	// for it before the stream is freed.
	reading sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (s *inputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Read implements [audio.InputStream]. Input overflow is not an error: the
// frame is returned as captured and the overrun samples are lost.
func (s *inputStream) Read() ([]byte, error) {
	s.reading.Lock()
	defer s.reading.Unlock()
	if s.isClosed() {
		return nil, audio.ErrStreamClosed
	}

	if err := s.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
		if s.isClosed() {
			return nil, audio.ErrStreamClosed
		}
		return nil, fmt.Errorf("portaudio: read %q: %w", s.name, err)
	}
	return audio.EncodePCM16(s.buf), nil
}

// Close implements [audio.InputStream]. Aborting the stream unblocks a
// pending Read; the stream is closed only once that Read has returned.
func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	_ = s.stream.Abort()
	s.reading.Lock()
	defer s.reading.Unlock()
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close input %q: %w", s.name, err)
	}
	return nil
}

type outputStream struct {
	stream blockingStream
	buf    []int16
	fill   int // samples of buf not yet written
	name   string

	mu     sync.Mutex
	closed bool
}

var _ audio.Flusher = (*outputStream)(nil)

// Write implements [audio.OutputStream]. Samples are copied into the device
// buffer, which is written whenever it is full. A partial buffer stays
// pending until the next Write completes it or [outputStream.Flush] pads it,
// so consecutive writes play back to back.
func (s *outputStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}

	for _, v := range audio.DecodePCM16(pcm) {
		s.buf[s.fill] = v
		s.fill++
		if s.fill == len(s.buf) {
			s.fill = 0
			if err := s.write(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush implements [audio.Flusher]: a pending partial buffer is padded with
// silence and written.
func (s *outputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrStreamClosed
	}
	return s.flush()
}

func (s *outputStream) flush() error {
	if s.fill == 0 {
		return nil
	}
	clear(s.buf[s.fill:])
	s.fill = 0
	return s.write()
}

func (s *outputStream) write() error {
	if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
		return fmt.Errorf("portaudio: write %q: %w", s.name, err)
	}
	return nil
}

// Close implements [audio.OutputStream]. It waits for an in-progress Write,
// plays any pending samples and stops the stream.
func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	flushErr := s.flush()
	_ = s.stream.Stop()
	if err := s.stream.Close(); err != nil {
		return fmt.Errorf("portaudio: close output %q: %w", s.name, err)
	}
	return flushErr
}
