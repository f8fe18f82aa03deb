package dsp

import (
	"math"
	"math/cmplx"
)

// Coefficients are normalized biquad coefficients (a0 == 1).
type Coefficients struct {
	B0, B1, B2 float64
	A1, A2     float64
}

// Identity passes samples through unchanged.
var Identity = Coefficients{B0: 1}

// nyquistGuard keeps band centers safely below Nyquist; bands above it are
// disabled for the sample rate instead of producing an unstable filter.
const nyquistGuard = 0.45

// Peaking designs an RBJ peaking-EQ section.
func Peaking(sampleRate, frequency, q, gainDB float64) Coefficients {
	if sampleRate <= 0 || frequency <= 0 || q <= 0 || gainDB == 0 {
		return Identity
	}
	if frequency >= sampleRate*nyquistGuard {
		return Identity
	}
	omega := 2 * math.Pi * frequency / sampleRate
	sinOmega, cosOmega := math.Sincos(omega)
	a := math.Pow(10, gainDB/40)
	alpha := sinOmega / (2 * q)

	a0 := 1 + alpha/a
	inv := 1 / a0
	return Coefficients{
		B0: (1 + alpha*a) * inv,
		B1: (-2 * cosOmega) * inv,
		B2: (1 - alpha*a) * inv,
		A1: (-2 * cosOmega) * inv,
		A2: (1 - alpha/a) * inv,
	}
}

// Magnitude evaluates |H(e^jw)| at frequency for the given sample rate.
func (c Coefficients) Magnitude(frequency, sampleRate float64) float64 {
	w := 2 * math.Pi * frequency / sampleRate
	z1 := cmplx.Exp(complex(0, -w))
	z2 := z1 * z1
	num := complex(c.B0, 0) + complex(c.B1, 0)*z1 + complex(c.B2, 0)*z2
	den := 1 + complex(c.A1, 0)*z1 + complex(c.A2, 0)*z2
	return cmplx.Abs(num / den)
}

// Stable reports whether both poles lie inside the unit circle.
func (c Coefficients) Stable() bool {
	return math.Abs(c.A2) < 1 && math.Abs(c.A1) < 1+c.A2
}

func (c Coefficients) sub(o Coefficients) Coefficients {
	return Coefficients{c.B0 - o.B0, c.B1 - o.B1, c.B2 - o.B2, c.A1 - o.A1, c.A2 - o.A2}
}

func (c Coefficients) add(o Coefficients) Coefficients {
	return Coefficients{c.B0 + o.B0, c.B1 + o.B1, c.B2 + o.B2, c.A1 + o.A1, c.A2 + o.A2}
}

func (c Coefficients) scale(k float64) Coefficients {
	return Coefficients{c.B0 * k, c.B1 * k, c.B2 * k, c.A1 * k, c.A2 * k}
}

const denormalFloor = 1e-30

// section holds Direct Form I history for one band on one channel.
type section struct {
	x1, x2, y1, y2 float64
}

func (s *section) process(c *Coefficients, x float64) float64 {
	y := c.B0*x + c.B1*s.x1 + c.B2*s.x2 - c.A1*s.y1 - c.A2*s.y2
	if y > -denormalFloor && y < denormalFloor {
		y = 0
	}
	s.x2, s.x1 = s.x1, x
	s.y2, s.y1 = s.y1, y
	return y
}
