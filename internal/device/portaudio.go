//go:build portaudio

package device

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gordonklaus/portaudio"

	"tonearm/internal/logging"
	"tonearm/internal/pcm"
)

// PortAudio plays through a blocking PortAudio output stream.
type PortAudio struct {
	logger    *slog.Logger
	maxFrames int
}

var paInit struct {
	once sync.Once
	err  error
}

func newPortAudio(maxFrames int, logger *slog.Logger) (Backend, error) {
	paInit.once.Do(func() { paInit.err = portaudio.Initialize() })
	if paInit.err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", paInit.err)
	}
	if maxFrames <= 0 {
		maxFrames = 1024
	}
	return &PortAudio{logger: logging.NewComponentLogger(logger, "portaudio"), maxFrames: maxFrames}, nil
}

func (p *PortAudio) Name() string { return "portaudio" }

func (p *PortAudio) Devices(context.Context) ([]Info, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultOutputDevice()
	out := []Info{{ID: DefaultID, Name: "system default", Backend: p.Name(), Default: true}}
	for i, d := range devices {
		if d.MaxOutputChannels == 0 {
			continue
		}
		name := d.Name
		if d.HostApi != nil {
			name = d.HostApi.Name + ": " + name
		}
		out = append(out, Info{
			ID:      "pa:" + strconv.Itoa(i),
			Name:    name,
			Backend: p.Name(),
			Default: def != nil && def.Name == d.Name && def.HostApi == d.HostApi,
		})
	}
	return out, nil
}

func (p *PortAudio) lookup(id string) (*portaudio.DeviceInfo, error) {
	if id == "" || id == DefaultID {
		return portaudio.DefaultOutputDevice()
	}
	idx, err := strconv.Atoi(strings.TrimPrefix(id, "pa:"))
	if err != nil {
		return nil, fmt.Errorf("invalid portaudio device id %q", id)
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	if idx < 0 || idx >= len(devices) {
		return nil, fmt.Errorf("portaudio device %q not present", id)
	}
	return devices[idx], nil
}

func (p *PortAudio) Capabilities(_ context.Context, id string) (pcm.Capabilities, error) {
	dev, err := p.lookup(id)
	if err != nil {
		return pcm.Capabilities{}, err
	}
	caps := pcm.Capabilities{MaxChannels: min(dev.MaxOutputChannels, pcm.MaxChannels)}
	probe := func(f pcm.Format) bool {
		params := p.params(dev, f)
		return portaudio.IsFormatSupported(params, newPABuffer(f, 1).arg()) == nil
	}
	for _, rate := range commonRates {
		if probe(pcm.Format{SampleRate: rate, BitDepth: 16, Channels: 2}) {
			caps.Rates = append(caps.Rates, rate)
		}
	}
	base := int(dev.DefaultSampleRate)
	for _, bits := range []int{16, 24, 32} {
		if probe(pcm.Format{SampleRate: base, BitDepth: bits, Channels: 2}) {
			caps.Depths = append(caps.Depths, bits)
		}
	}
	caps.Float = probe(pcm.Format{SampleRate: base, BitDepth: 32, Channels: 2, Float: true})
	caps.Native = pcm.Format{SampleRate: base, BitDepth: 16, Channels: min(2, caps.MaxChannels)}
	return caps, nil
}

func (p *PortAudio) params(dev *portaudio.DeviceInfo, f pcm.Format) portaudio.StreamParameters {
	return portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: f.Channels,
			Latency:  dev.DefaultHighOutputLatency,
		},
		SampleRate:      float64(f.SampleRate),
		FramesPerBuffer: p.maxFrames,
		Flags:           portaudio.ClipOff | portaudio.DitherOff,
	}
}

// Open opens the device at the stream format. PortAudio has no per-stream
// converting mode, so convert routes to the default device, where the host
// sound server resamples.
func (p *PortAudio) Open(_ context.Context, id string, format pcm.Format, convert bool) (Sink, error) {
	if convert {
		id = DefaultID
	}
	dev, err := p.lookup(id)
	if err != nil {
		return nil, err
	}
	buf := newPABuffer(format, p.maxFrames)
	stream, err := portaudio.OpenStream(p.params(dev, format), buf.arg())
	if err != nil {
		return nil, fmt.Errorf("open stream on %s: %w", dev.Name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start stream on %s: %w", dev.Name, err)
	}
	p.logger.Debug("portaudio stream started",
		logging.String(logging.FieldDevice, dev.Name),
		logging.String(logging.FieldFormat, format.String()),
	)
	return &paSink{stream: stream, buf: buf, format: format, ints: make([]int, p.maxFrames*format.Channels)}, nil
}

// paBuffer holds the typed sample slice PortAudio reads on Write. Only one of
// the slices is in use; its length is adjusted per write.
type paBuffer struct {
	format pcm.Format
	i16    []int16
	i24    []portaudio.Int24
	i32    []int32
	f32    []float32
}

func newPABuffer(f pcm.Format, frames int) *paBuffer {
	n := frames * f.Channels
	b := &paBuffer{format: f}
	switch {
	case f.Float:
		b.f32 = make([]float32, n)
	case f.BitDepth == 16:
		b.i16 = make([]int16, n)
	case f.BitDepth == 24:
		b.i24 = make([]portaudio.Int24, n)
	default:
		b.i32 = make([]int32, n)
	}
	return b
}

func (b *paBuffer) arg() any {
	switch {
	case b.f32 != nil:
		return &b.f32
	case b.i16 != nil:
		return &b.i16
	case b.i24 != nil:
		return &b.i24
	default:
		return &b.i32
	}
}

type paSink struct {
	stream *portaudio.Stream
	buf    *paBuffer
	format pcm.Format
	ints   []int
}

func (s *paSink) Format() pcm.Format { return s.format }

// Write fills the typed buffer in chunks of at most its capacity.
func (s *paSink) Write(fr *pcm.Frame) error {
	samples := fr.Samples
	ch := s.format.Channels
	for len(samples) > 0 {
		n := min(len(samples), s.capacity()/ch*ch)
		s.fill(samples[:n])
		if err := s.stream.Write(); err != nil {
			return fmt.Errorf("portaudio write: %w", err)
		}
		samples = samples[n:]
	}
	return nil
}

func (s *paSink) capacity() int {
	b := s.buf
	switch {
	case b.f32 != nil:
		return cap(b.f32)
	case b.i16 != nil:
		return cap(b.i16)
	case b.i24 != nil:
		return cap(b.i24)
	default:
		return cap(b.i32)
	}
}

func (s *paSink) fill(samples []float64) {
	b := s.buf
	if b.f32 != nil {
		b.f32 = b.f32[:len(samples)]
		for i, v := range samples {
			b.f32[i] = float32(v)
		}
		return
	}
	ints := pcm.ToInts(s.ints, samples, s.format.BitDepth)
	switch {
	case b.i16 != nil:
		b.i16 = b.i16[:len(ints)]
		for i, v := range ints {
			b.i16[i] = int16(v)
		}
	case b.i24 != nil:
		b.i24 = b.i24[:len(ints)]
		for i, v := range ints {
			b.i24[i].PutInt32(int32(v) << 8)
		}
	default:
		b.i32 = b.i32[:len(ints)]
		for i, v := range ints {
			b.i32[i] = int32(v)
		}
	}
}

func (s *paSink) Drain() error {
	return s.stream.Stop()
}

func (s *paSink) Close() error {
	_ = s.stream.Abort()
	return s.stream.Close()
}
