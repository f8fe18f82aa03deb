package eq

import (
	"fmt"
	"math"
)

// NumBands is the fixed number of equalizer bands.
const NumBands = 10

const (
	// MinGainDB and MaxGainDB bound a band's gain.
	MinGainDB = -15.0
	MaxGainDB = 15.0
	// DefaultQ gives roughly one octave of bandwidth, matching the
	// one-octave band spacing so neighbouring bands overlap at about -3 dB.
	DefaultQ = 1.41
)

// Frequencies holds the fixed center frequency of each band index.
var Frequencies = [NumBands]float64{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384}

// Gains is one gain value in dB per band index.
type Gains [NumBands]float64

// Band describes one equalizer band.
type Band struct {
	Index     int     `json:"index"`
	Frequency float64 `json:"frequency"`
	GainDB    float64 `json:"gain_db"`
	Q         float64 `json:"q"`
}

// Bands expands gains into band descriptions.
func Bands(g Gains) []Band {
	out := make([]Band, NumBands)
	for i := range out {
		out[i] = Band{Index: i, Frequency: Frequencies[i], GainDB: g[i], Q: DefaultQ}
	}
	return out
}

// ClampGain limits a gain to the valid range; NaN maps to 0 dB.
func ClampGain(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	return math.Max(MinGainDB, math.Min(MaxGainDB, db))
}

// Clamped returns a copy of g with every band clamped.
func (g Gains) Clamped() Gains {
	for i := range g {
		g[i] = ClampGain(g[i])
	}
	return g
}

// Flat reports whether every band sits at 0 dB.
func (g Gains) Flat() bool {
	for _, v := range g {
		if v != 0 {
			return false
		}
	}
	return true
}

// MaxBoost returns the largest positive band gain, or 0.
func (g Gains) MaxBoost() float64 {
	max := 0.0
	for _, v := range g {
		if v > max {
			max = v
		}
	}
	return max
}

// ValidIndex reports whether index addresses a band.
func ValidIndex(index int) error {
	if index < 0 || index >= NumBands {
		return fmt.Errorf("band index %d out of range 0..%d", index, NumBands-1)
	}
	return nil
}

// FrequencyLabel renders a band frequency for display ("512", "2k", "16k").
func FrequencyLabel(index int) string {
	f := Frequencies[index]
	if f >= 1000 {
		return fmt.Sprintf("%.0fk", math.Floor(f/1000))
	}
	return fmt.Sprintf("%.0f", f)
}
