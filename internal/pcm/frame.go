package pcm

// Frame is a block of interleaved samples normalized to [-1, 1).
//
// Frames are allocated once by the pipeline and refilled in place; the audio
// path never allocates a new one. Samples holds Frames()*Format.Channels
// values.
type Frame struct {
	Format  Format
	Samples []float64
	Seq     uint64
}

// NewFrame preallocates a frame able to hold maxFrames frames at MaxChannels.
func NewFrame(maxFrames int) *Frame {
	if maxFrames <= 0 {
		maxFrames = 1
	}
	return &Frame{Samples: make([]float64, 0, maxFrames*MaxChannels)}
}

// Capacity returns how many frames of format fit without reallocating.
func (f *Frame) Capacity(format Format) int {
	if format.Channels <= 0 {
		return 0
	}
	return cap(f.Samples) / format.Channels
}

// Resize sets the frame to hold frames frames of format. It returns false
// when the backing array is too small.
func (f *Frame) Resize(format Format, frames int) bool {
	n := frames * format.Channels
	if n < 0 || n > cap(f.Samples) {
		return false
	}
	f.Format = format
	f.Samples = f.Samples[:n]
	return true
}

// Frames returns the number of interleaved frames held.
func (f *Frame) Frames() int {
	if f.Format.Channels <= 0 {
		return 0
	}
	return len(f.Samples) / f.Format.Channels
}

// CopyFrom makes f an exact copy of src without allocating when capacity allows.
func (f *Frame) CopyFrom(src *Frame) bool {
	if len(src.Samples) > cap(f.Samples) {
		return false
	}
	f.Format = src.Format
	f.Seq = src.Seq
	f.Samples = f.Samples[:len(src.Samples)]
	copy(f.Samples, src.Samples)
	return true
}
