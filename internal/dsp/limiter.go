package dsp

import "math"

const (
	limiterThreshold = 0.85
	limiterCeiling   = 0.98
)

// SoftLimit is linear up to the threshold and then saturates exponentially
// toward the ceiling.
func SoftLimit(x float64) float64 {
	ax := math.Abs(x)
	if ax <= limiterThreshold {
		return x
	}
	knee := limiterCeiling - limiterThreshold
	y := limiterCeiling - knee*math.Exp(-(ax-limiterThreshold)/knee)
	if x < 0 {
		return -y
	}
	return y
}

func limitAll(samples []float64) {
	for i, s := range samples {
		if s > limiterThreshold || s < -limiterThreshold {
			samples[i] = SoftLimit(s)
		}
	}
}
