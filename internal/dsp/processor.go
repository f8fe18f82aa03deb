package dsp

import (
	"time"

	"tonearm/internal/pcm"
)

// DefaultInterpolation is the click-suppression window for parameter changes.
const DefaultInterpolation = 20 * time.Millisecond

// Processor is the per-frame signal chain owned by the audio path:
// EQ bank (or structural bypass), optional headroom and limiter on the EQ
// path, then the gain and balance stage.
//
// Toggling the EQ crossfades between the bypass and EQ signals over the
// interpolation window; once the crossfade settles on bypass the bank is no
// longer invoked and samples reach the gain stage untouched.
type Processor struct {
	bank     *Bank
	gain     *GainStage
	interval time.Duration

	format pcm.Format
	window int
	gen    uint64
	primed bool

	enabled  bool
	limiter  bool
	mix      ramp
	headroom ramp

	dry []float64
}

// NewProcessor preallocates scratch space for frames of up to maxFrames.
func NewProcessor(maxFrames int, interpolation time.Duration) *Processor {
	if interpolation < 0 {
		interpolation = 0
	}
	return &Processor{
		bank:     NewBank(),
		gain:     NewGainStage(),
		interval: interpolation,
		mix:      newRamp(0),
		headroom: newRamp(1),
		dry:      make([]float64, maxFrames*pcm.MaxChannels),
	}
}

// Format returns the format the chain is configured for.
func (p *Processor) Format() pcm.Format {
	return p.format
}

// Bank exposes the filter bank for inspection.
func (p *Processor) Bank() *Bank {
	return p.bank
}

// Bypassed reports whether the EQ is structurally out of the signal path.
func (p *Processor) Bypassed() bool {
	return !p.enabled && p.mix.settledAt(0)
}

// Configure prepares the chain for format. A change of sample rate or
// channel count redesigns every band and clears filter history; pending
// ramps jump to their targets because their lengths were in old-rate frames.
func (p *Processor) Configure(format pcm.Format) {
	if p.format.SampleRate == format.SampleRate && p.format.Channels == format.Channels {
		p.format = format
		return
	}
	p.format = format
	p.window = int(float64(format.SampleRate) * p.interval.Seconds())
	p.bank.Configure(format.SampleRate, format.Channels, p.window, p.bank.Gains())
	p.mix.snap()
	p.headroom.snap()
	p.gain.Snap()
}

// Apply installs a parameter snapshot. Repeated snapshots are ignored by
// generation, so the audio path can call it once per frame. It reports
// whether the new snapshot is being interpolated rather than installed
// outright.
func (p *Processor) Apply(params *Params) bool {
	if params == nil || (p.primed && params.Generation == p.gen) {
		return false
	}
	frames := p.window
	if !p.primed {
		frames = 0
	}
	p.gen = params.Generation

	if params.Enabled && !p.enabled && p.mix.settledAt(0) {
		p.bank.Reset()
	}
	p.enabled = params.Enabled
	p.limiter = params.Limiter

	if frames == 0 {
		p.bank.Configure(p.format.SampleRate, p.format.Channels, p.window, params.Gains)
	} else {
		p.bank.SetGains(params.Gains)
	}

	mix := 0.0
	if params.Enabled {
		mix = 1
	}
	p.mix.set(mix, frames)

	head := 1.0
	if params.Headroom {
		head = DBToLinear(-params.Gains.MaxBoost())
	}
	p.headroom.set(head, frames)

	p.gain.SetTarget(params.PreampDB, params.Balance, frames)
	p.primed = true
	return frames > 1
}

// Process runs the chain over fr in place.
func (p *Processor) Process(fr *pcm.Frame) {
	ch := fr.Format.Channels
	samples := fr.Samples
	switch {
	case p.Bypassed():
	case p.mix.settledAt(1):
		p.wet(samples, ch)
	default:
		p.crossfade(samples, ch)
	}
	p.gain.Process(samples, ch)
}

func (p *Processor) wet(samples []float64, ch int) {
	p.bank.Process(samples)
	if !p.headroom.settledAt(1) {
		for off := 0; off+ch <= len(samples); off += ch {
			h := p.headroom.next()
			for c := 0; c < ch; c++ {
				samples[off+c] *= h
			}
		}
	}
	if p.limiter {
		limitAll(samples)
	}
}

func (p *Processor) crossfade(samples []float64, ch int) {
	dry := p.dry[:len(samples)]
	copy(dry, samples)
	p.wet(samples, ch)
	for off := 0; off+ch <= len(samples); off += ch {
		m := p.mix.next()
		for c := 0; c < ch; c++ {
			i := off + c
			samples[i] = dry[i] + (samples[i]-dry[i])*m
		}
	}
}
