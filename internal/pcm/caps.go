package pcm

import (
	"slices"
)

// Capabilities lists what an output device can play natively.
type Capabilities struct {
	Rates       []int
	Depths      []int
	MaxChannels int
	Float       bool
	Native      Format
}

// Supports reports whether f plays without conversion.
func (c Capabilities) Supports(f Format) bool {
	if f.Float && !c.Float {
		return false
	}
	if c.MaxChannels > 0 && f.Channels > c.MaxChannels {
		return false
	}
	return (len(c.Rates) == 0 || slices.Contains(c.Rates, f.SampleRate)) &&
		(len(c.Depths) == 0 || slices.Contains(c.Depths, f.BitDepth))
}

// Nearest picks the closest supported format to want: the same rate with the
// nearest bit depth, else the nearest rate of the same family (multiples of
// 44.1k or 48k), else the native format. The second result is false when
// want itself is supported.
func (c Capabilities) Nearest(want Format) (Format, bool) {
	if c.Supports(want) {
		return want, false
	}
	out := want
	if out.Float && !c.Float {
		out.Float = false
	}
	if c.MaxChannels > 0 && out.Channels > c.MaxChannels {
		out.Channels = c.MaxChannels
	}
	if len(c.Depths) > 0 && !slices.Contains(c.Depths, out.BitDepth) {
		out.BitDepth = nearestInt(c.Depths, out.BitDepth, nil)
	}
	if out.Float && out.BitDepth != 32 {
		out.Float = false
	}
	if len(c.Rates) > 0 && !slices.Contains(c.Rates, out.SampleRate) {
		family := rateFamily(want.SampleRate)
		sameFamily := func(r int) bool { return rateFamily(r) == family }
		if !slices.ContainsFunc(c.Rates, sameFamily) {
			if !c.Native.IsZero() {
				return c.Native, true
			}
			sameFamily = nil
		}
		out.SampleRate = nearestInt(c.Rates, out.SampleRate, sameFamily)
	}
	return out, true
}

func rateFamily(rate int) int {
	switch {
	case rate%11025 == 0:
		return 44100
	case rate%8000 == 0:
		return 48000
	default:
		return 0
	}
}

// nearestInt prefers the smallest candidate at or above want, then the largest
// below it.
func nearestInt(candidates []int, want int, keep func(int) bool) int {
	best, found := 0, false
	below, foundBelow := 0, false
	for _, v := range candidates {
		if keep != nil && !keep(v) {
			continue
		}
		if v >= want && (!found || v < best) {
			best, found = v, true
		}
		if v < want && (!foundBelow || v > below) {
			below, foundBelow = v, true
		}
	}
	if found {
		return best
	}
	return below
}
