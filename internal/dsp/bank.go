package dsp

import (
	"tonearm/internal/eq"
	"tonearm/internal/pcm"
)

// Bank runs the ten peaking sections in series, band 0 first, with
// independent history per band and channel.
//
// Coefficients are designed in Configure and SetGains, never per sample.
// A gain change moves the active coefficients linearly toward the new
// design over the interpolation window; history is kept. A sample rate or
// channel layout change clears history and jumps straight to the new
// design.
type Bank struct {
	sampleRate int
	channels   int
	window     int

	gains  eq.Gains
	active [eq.NumBands]Coefficients
	target [eq.NumBands]Coefficients
	step   [eq.NumBands]Coefficients
	ramp   int

	history [eq.NumBands][pcm.MaxChannels]section
}

// NewBank returns a bank with all bands at 0 dB.
func NewBank() *Bank {
	b := &Bank{}
	for i := range b.active {
		b.active[i] = Identity
		b.target[i] = Identity
	}
	return b
}

// Configure sets the sample rate and layout. History is cleared and the
// coefficients for gains are installed without interpolation.
func (b *Bank) Configure(sampleRate, channels, windowFrames int, gains eq.Gains) {
	b.sampleRate = sampleRate
	b.channels = channels
	b.window = windowFrames
	b.gains = gains
	b.design(&b.target, gains)
	b.active = b.target
	b.ramp = 0
	b.Reset()
}

// SetGains installs new band gains, interpolating from the coefficients in
// use. It is a no-op when the gains are unchanged.
func (b *Bank) SetGains(gains eq.Gains) {
	if gains == b.gains {
		return
	}
	b.gains = gains
	b.design(&b.target, gains)
	if b.window <= 1 {
		b.active = b.target
		b.ramp = 0
		return
	}
	inv := 1 / float64(b.window)
	for i := range b.target {
		b.step[i] = b.target[i].sub(b.active[i]).scale(inv)
	}
	b.ramp = b.window
}

// Reset clears all filter history.
func (b *Bank) Reset() {
	b.history = [eq.NumBands][pcm.MaxChannels]section{}
}

// Gains returns the gains the bank is designed for.
func (b *Bank) Gains() eq.Gains {
	return b.gains
}

// SampleRate returns the rate the coefficients were designed for.
func (b *Bank) SampleRate() int {
	return b.sampleRate
}

// Coefficients returns the target design for band i.
func (b *Bank) Coefficients(i int) Coefficients {
	return b.target[i]
}

// Interpolating reports whether a coefficient ramp is in progress.
func (b *Bank) Interpolating() bool {
	return b.ramp > 0
}

// Process filters interleaved samples in place.
func (b *Bank) Process(samples []float64) {
	ch := b.channels
	if ch <= 0 {
		return
	}
	for off := 0; off+ch <= len(samples); off += ch {
		if b.ramp > 0 {
			b.ramp--
			if b.ramp == 0 {
				b.active = b.target
			} else {
				for i := range b.active {
					b.active[i] = b.active[i].add(b.step[i])
				}
			}
		}
		for c := 0; c < ch; c++ {
			x := samples[off+c]
			for i := range b.active {
				x = b.history[i][c].process(&b.active[i], x)
			}
			samples[off+c] = x
		}
	}
}

func (b *Bank) design(dst *[eq.NumBands]Coefficients, gains eq.Gains) {
	rate := float64(b.sampleRate)
	for i := range dst {
		dst[i] = Peaking(rate, eq.Frequencies[i], eq.DefaultQ, gains[i])
	}
}
