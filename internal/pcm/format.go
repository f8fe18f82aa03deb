package pcm

import (
	"errors"
	"fmt"

	"github.com/go-audio/audio"
)

// MaxChannels bounds the interleaved channel count the engine accepts.
const MaxChannels = 8

// Format describes the playback format of a PCM stream.
type Format struct {
	SampleRate int  `json:"sample_rate"`
	BitDepth   int  `json:"bit_depth"`
	Channels   int  `json:"channels"`
	Float      bool `json:"float,omitempty"`
}

// Default is the format assumed before anything better is known.
var Default = Format{SampleRate: 44100, BitDepth: 16, Channels: 2}

// Validate reports whether the format can be decoded and written.
func (f Format) Validate() error {
	if f.SampleRate < 8000 || f.SampleRate > 768000 {
		return fmt.Errorf("sample rate %d out of range", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > MaxChannels {
		return fmt.Errorf("channel count %d out of range", f.Channels)
	}
	if f.Float {
		if f.BitDepth != 32 {
			return fmt.Errorf("float samples must be 32-bit, got %d", f.BitDepth)
		}
		return nil
	}
	switch f.BitDepth {
	case 16, 24, 32:
		return nil
	default:
		return errors.New("bit depth must be 16, 24, or 32")
	}
}

// IsZero reports whether the format is unset.
func (f Format) IsZero() bool {
	return f == Format{}
}

// BytesPerSample returns the packed width of one sample.
func (f Format) BytesPerSample() int {
	return f.BitDepth / 8
}

// FrameSize returns the byte width of one interleaved frame (all channels).
func (f Format) FrameSize() int {
	return f.BytesPerSample() * f.Channels
}

// SameRate reports whether two formats share a sample rate. Filter state is
// only valid across formats for which this holds.
func (f Format) SameRate(other Format) bool {
	return f.SampleRate == other.SampleRate
}

// AudioFormat converts to the go-audio representation used by encoders.
func (f Format) AudioFormat() *audio.Format {
	return &audio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate}
}

func (f Format) String() string {
	if f.IsZero() {
		return "unknown"
	}
	kind := "bit"
	if f.Float {
		kind = "bit-float"
	}
	return fmt.Sprintf("%dHz/%d%s/%dch", f.SampleRate, f.BitDepth, kind, f.Channels)
}
