package testsupport

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync/atomic"

	"tonearm/internal/pcm"
)

// Silence returns frames of zeroed PCM in f.
func Silence(f pcm.Format, frames int) []byte {
	return make([]byte, frames*f.FrameSize())
}

// WAVStream prefixes frames of silence with a canonical 44-byte RIFF/WAVE
// header describing f.
func WAVStream(f pcm.Format, frames int) []byte {
	payload := Silence(f, frames)
	var buf bytes.Buffer
	write := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	formatTag := uint16(1)
	if f.Float {
		formatTag = 3
	}
	buf.WriteString("RIFF")
	write(uint32(36 + len(payload)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	write(uint32(16))
	write(formatTag)
	write(uint16(f.Channels))
	write(uint32(f.SampleRate))
	write(uint32(f.SampleRate * f.FrameSize()))
	write(uint16(f.FrameSize()))
	write(uint16(f.BitDepth))
	buf.WriteString("data")
	write(uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes()
}

// BytesOpener replays Data as a fresh stream on every Open.
type BytesOpener struct {
	Data  []byte
	opens atomic.Int64
}

func (o *BytesOpener) Open(context.Context) (io.ReadCloser, error) {
	o.opens.Add(1)
	return io.NopCloser(bytes.NewReader(o.Data)), nil
}

func (o *BytesOpener) Describe() string { return "memory" }

// Opens reports how many streams were opened.
func (o *BytesOpener) Opens() int64 { return o.opens.Load() }
