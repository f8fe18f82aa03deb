package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-audio/riff"

	"tonearm/internal/pcm"
)

// HeaderStatus is the outcome of header sniffing for one stream open.
type HeaderStatus int

const (
	HeaderAbsent HeaderStatus = iota
	HeaderFound
	HeaderMalformed
)

func (s HeaderStatus) String() string {
	switch s {
	case HeaderFound:
		return "found"
	case HeaderMalformed:
		return "malformed"
	default:
		return "absent"
	}
}

// Header describes what sniffing found at the start of a stream.
type Header struct {
	Status   HeaderStatus
	Format   pcm.Format
	Consumed int
	Reason   string
}

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE

	maxFmtChunk = 256
)

// DefaultHeaderBudget bounds how many bytes sniffing may consume.
const DefaultHeaderBudget = 4096

var errHeaderBudget = errors.New("header exceeds byte budget")

type budgetReader struct {
	r         io.Reader
	remaining int
	consumed  int
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		return 0, errHeaderBudget
	}
	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= n
	b.consumed += n
	return n, err
}

// sniffHeader inspects the start of br for a RIFF/WAVE header. Nothing is
// consumed when the stream does not start with "RIFF"; otherwise the header
// is consumed up to the first byte of the data chunk payload, or up to the
// point where parsing gave up.
func sniffHeader(br *bufio.Reader, budget int) (Header, error) {
	tag, err := br.Peek(4)
	if err != nil {
		if len(tag) > 0 && !bytes.HasPrefix(riff.RiffID[:], tag) {
			return Header{Status: HeaderAbsent}, nil
		}
		return Header{}, err
	}
	if !bytes.Equal(tag, riff.RiffID[:]) {
		return Header{Status: HeaderAbsent}, nil
	}

	limited := &budgetReader{r: br, remaining: budget}
	h, parseErr := parseWAV(limited)
	h.Consumed = limited.consumed
	if parseErr != nil {
		if errors.Is(parseErr, io.EOF) || errors.Is(parseErr, io.ErrUnexpectedEOF) {
			return h, parseErr
		}
		h.Status = HeaderMalformed
		h.Reason = parseErr.Error()
		h.Format = pcm.Format{}
		return h, nil
	}
	return h, nil
}

func parseWAV(r io.Reader) (Header, error) {
	p := riff.New(r)
	if err := p.ParseHeaders(); err != nil {
		return Header{}, err
	}
	if p.Format != riff.WavFormatID {
		return Header{}, fmt.Errorf("riff form %q is not WAVE", p.Format[:])
	}

	haveFmt := false
	for {
		chunk, err := p.NextChunk()
		if err != nil {
			if errors.Is(err, errHeaderBudget) {
				return Header{}, errHeaderBudget
			}
			return Header{}, err
		}
		switch chunk.ID {
		case riff.FmtID:
			if chunk.Size < 16 || chunk.Size > maxFmtChunk {
				return Header{}, fmt.Errorf("fmt chunk size %d out of range", chunk.Size)
			}
			if err := chunk.DecodeWavHeader(p); err != nil {
				return Header{}, fmt.Errorf("decode fmt chunk: %w", err)
			}
			haveFmt = true
		case riff.DataFormatID:
			if !haveFmt {
				return Header{}, errors.New("data chunk before fmt chunk")
			}
			format, err := wavFormat(p)
			if err != nil {
				return Header{}, err
			}
			return Header{Status: HeaderFound, Format: format}, nil
		default:
			chunk.Drain()
		}
	}
}

func wavFormat(p *riff.Parser) (pcm.Format, error) {
	f := pcm.Format{
		SampleRate: int(p.SampleRate),
		BitDepth:   int(p.BitsPerSample),
		Channels:   int(p.NumChannels),
	}
	switch p.WavAudioFormat {
	case wavFormatPCM, wavFormatExtensible:
	case wavFormatFloat:
		f.Float = true
	default:
		return pcm.Format{}, fmt.Errorf("unsupported wav format tag %#x", p.WavAudioFormat)
	}
	if err := f.Validate(); err != nil {
		return pcm.Format{}, err
	}
	if int(p.BlockAlign) != 0 && int(p.BlockAlign) != f.FrameSize() {
		return pcm.Format{}, fmt.Errorf("block align %d does not match %s", p.BlockAlign, f)
	}
	return f, nil
}
