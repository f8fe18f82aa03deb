package pcm

import (
	"encoding/binary"
	"math"

	"github.com/go-audio/audio"
)

// fullScale returns the power-of-two scale for a signed integer depth.
// Dividing by it on decode and multiplying on encode round-trips exactly.
func fullScale(bits int) float64 {
	return float64(int64(1) << (bits - 1))
}

// Decode converts packed little-endian PCM bytes into normalized samples.
// It decodes as many whole samples as fit in both dst and src and returns
// the count. Trailing partial samples are left for the caller.
func Decode(dst []float64, src []byte, f Format) int {
	width := f.BytesPerSample()
	if width == 0 {
		return 0
	}
	n := len(src) / width
	if n > len(dst) {
		n = len(dst)
	}
	switch {
	case f.Float:
		for i := 0; i < n; i++ {
			bits := binary.LittleEndian.Uint32(src[i*4:])
			dst[i] = float64(math.Float32frombits(bits))
		}
	case f.BitDepth == 16:
		scale := fullScale(16)
		for i := 0; i < n; i++ {
			dst[i] = float64(int16(binary.LittleEndian.Uint16(src[i*2:]))) / scale
		}
	case f.BitDepth == 24:
		scale := fullScale(24)
		for i := 0; i < n; i++ {
			dst[i] = float64(audio.Int24LETo32(src[i*3:i*3+3])) / scale
		}
	case f.BitDepth == 32:
		scale := fullScale(32)
		for i := 0; i < n; i++ {
			dst[i] = float64(int32(binary.LittleEndian.Uint32(src[i*4:]))) / scale
		}
	default:
		return 0
	}
	return n
}

// Encode packs normalized samples into little-endian PCM bytes, clamping to
// the representable range. It returns the number of bytes written.
func Encode(dst []byte, src []float64, f Format) int {
	width := f.BytesPerSample()
	if width == 0 {
		return 0
	}
	n := len(src)
	if max := len(dst) / width; n > max {
		n = max
	}
	switch {
	case f.Float:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(float32(src[i])))
		}
	case f.BitDepth == 16:
		for i := 0; i < n; i++ {
			v := quantize(src[i], 16)
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(int16(v)))
		}
	case f.BitDepth == 24:
		for i := 0; i < n; i++ {
			v := quantize(src[i], 24)
			o := i * 3
			dst[o] = byte(v)
			dst[o+1] = byte(v >> 8)
			dst[o+2] = byte(v >> 16)
		}
	case f.BitDepth == 32:
		for i := 0; i < n; i++ {
			v := quantize(src[i], 32)
			binary.LittleEndian.PutUint32(dst[i*4:], uint32(int32(v)))
		}
	default:
		return 0
	}
	return n * width
}

// ToInts converts normalized samples to integers at the given depth, reusing
// dst's backing array when it is large enough.
func ToInts(dst []int, src []float64, bits int) []int {
	if cap(dst) < len(src) {
		dst = make([]int, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = int(quantize(s, bits))
	}
	return dst
}

func quantize(s float64, bits int) int64 {
	scale := fullScale(bits)
	v := math.Round(s * scale)
	hi := scale - 1
	if v > hi {
		v = hi
	} else if v < -scale {
		v = -scale
	}
	return int64(v)
}
