package dsp

import "math"

// DBToLinear converts decibels to a linear amplitude factor.
func DBToLinear(db float64) float64 {
	if db == 0 {
		return 1
	}
	return math.Pow(10, db/20)
}

// BalanceGains maps a balance in [-1, 1] to left and right factors.
// Center is unity on both sides; +1 silences the left channel and -1 the
// right.
func BalanceGains(balance float64) (left, right float64) {
	balance = ClampBalance(balance)
	left, right = 1, 1
	if balance > 0 {
		left = 1 - balance
	}
	if balance < 0 {
		right = 1 + balance
	}
	return left, right
}

// ClampBalance limits balance to [-1, 1]; NaN maps to center.
func ClampBalance(balance float64) float64 {
	if math.IsNaN(balance) {
		return 0
	}
	return math.Max(-1, math.Min(1, balance))
}

// ramp moves a scalar linearly toward a target, one step per frame.
type ramp struct {
	value     float64
	target    float64
	step      float64
	remaining int
}

func newRamp(v float64) ramp {
	return ramp{value: v, target: v}
}

func (r *ramp) set(target float64, frames int) {
	r.target = target
	if frames <= 1 || r.value == target {
		r.value = target
		r.remaining = 0
		return
	}
	r.step = (target - r.value) / float64(frames)
	r.remaining = frames
}

func (r *ramp) snap() {
	r.value = r.target
	r.remaining = 0
}

func (r *ramp) next() float64 {
	if r.remaining > 0 {
		r.remaining--
		if r.remaining == 0 {
			r.value = r.target
		} else {
			r.value += r.step
		}
	}
	return r.value
}

func (r *ramp) settledAt(v float64) bool {
	return r.remaining == 0 && r.value == v
}

// GainStage applies preamp to every channel and balance to channels 0 and 1.
// At unity with no pending ramp the stage does not touch the samples.
type GainStage struct {
	preamp ramp
	left   ramp
	right  ramp
}

// NewGainStage returns a unity stage.
func NewGainStage() *GainStage {
	return &GainStage{preamp: newRamp(1), left: newRamp(1), right: newRamp(1)}
}

// SetTarget schedules new preamp and balance values over frames frames.
func (g *GainStage) SetTarget(preampDB, balance float64, frames int) {
	l, r := BalanceGains(balance)
	g.preamp.set(DBToLinear(preampDB), frames)
	g.left.set(l, frames)
	g.right.set(r, frames)
}

// Snap jumps to the scheduled targets.
func (g *GainStage) Snap() {
	g.preamp.snap()
	g.left.snap()
	g.right.snap()
}

// Unity reports whether the stage is an exact pass-through.
func (g *GainStage) Unity() bool {
	return g.preamp.settledAt(1) && g.left.settledAt(1) && g.right.settledAt(1)
}

// Process scales interleaved samples in place.
func (g *GainStage) Process(samples []float64, channels int) {
	if channels <= 0 || g.Unity() {
		return
	}
	for off := 0; off+channels <= len(samples); off += channels {
		pre := g.preamp.next()
		l := g.left.next()
		r := g.right.next()
		if channels == 1 {
			samples[off] *= pre
			continue
		}
		samples[off] *= pre * l
		samples[off+1] *= pre * r
		for c := 2; c < channels; c++ {
			samples[off+c] *= pre
		}
	}
}
