package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"tonearm/internal/faults"
	"tonearm/internal/pcm"
)

const readBufferSize = 64 * 1024

// Options tune a Reader.
type Options struct {
	// MaxFrames bounds how many frames one ReadFrame may decode.
	MaxFrames int
	// HeaderBudget bounds how many bytes header sniffing may consume.
	HeaderBudget int
}

// Reader turns a byte stream into PCM frames. It is owned by the audio
// goroutine; only SetFormat may be called from elsewhere.
type Reader struct {
	opener    Opener
	maxFrames int
	budget    int

	rc     io.ReadCloser
	br     *bufio.Reader
	header Header

	format  pcm.Format
	pending atomic.Pointer[pcm.Format]
	locked  bool

	raw   []byte
	carry int
	seq   uint64
}

// NewReader builds a reader. All buffers are allocated here.
func NewReader(opener Opener, opts Options) *Reader {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = 1024
	}
	if opts.HeaderBudget <= 0 {
		opts.HeaderBudget = DefaultHeaderBudget
	}
	return &Reader{
		opener:    opener,
		maxFrames: opts.MaxFrames,
		budget:    opts.HeaderBudget,
		br:        bufio.NewReaderSize(nil, readBufferSize),
		raw:       make([]byte, opts.MaxFrames*pcm.MaxChannels*4),
	}
}

// Describe names the underlying stream.
func (r *Reader) Describe() string {
	return r.opener.Describe()
}

// Open starts a new logical stream and sniffs its header. fallback is the
// format used when the stream carries no usable header. The returned Header
// reports what sniffing found; a malformed header is not an error.
func (r *Reader) Open(ctx context.Context, fallback pcm.Format) (Header, error) {
	r.Close()
	rc, err := r.opener.Open(ctx)
	if err != nil {
		return Header{}, faults.Wrap(faults.ErrSourceUnavailable, "source", "open", r.opener.Describe(), err)
	}
	r.rc = rc
	r.br.Reset(rc)
	r.carry = 0
	r.pending.Store(nil)

	h, err := sniffHeader(r.br, r.budget)
	if err != nil {
		r.Close()
		return Header{}, faults.Wrap(faults.ErrSourceUnavailable, "source", "sniff header", r.opener.Describe(), err)
	}
	r.header = h
	if h.Status == HeaderFound {
		r.format = h.Format
		r.locked = true
	} else {
		r.format = fallback
		r.locked = false
	}
	return h, nil
}

// Header returns the sniffing outcome of the current stream.
func (r *Reader) Header() Header {
	return r.header
}

// Format returns the format frames are currently decoded with.
func (r *Reader) Format() pcm.Format {
	return r.format
}

// HeaderLocked reports whether the stream's own header fixed its format.
func (r *Reader) HeaderLocked() bool {
	return r.locked
}

// SetFormat schedules a decode format change for a headerless stream. It is
// applied before the next frame is read; a partial frame buffered under the
// old format is dropped.
func (r *Reader) SetFormat(f pcm.Format) {
	r.pending.Store(&f)
}

// ReadFrame blocks until at least one whole frame is available and decodes
// up to MaxFrames frames into fr. Any read failure, including end of stream,
// is reported as ErrSourceUnavailable and the stream must be reopened.
func (r *Reader) ReadFrame(fr *pcm.Frame) error {
	if r.rc == nil {
		return faults.Wrap(faults.ErrSourceUnavailable, "source", "read", "stream not open", nil)
	}
	if next := r.pending.Swap(nil); next != nil && !r.locked && *next != r.format {
		r.format = *next
		r.carry = 0
	}
	format := r.format
	frameSize := format.FrameSize()
	if frameSize <= 0 {
		return faults.Wrap(faults.ErrSourceUnavailable, "source", "read", fmt.Sprintf("invalid decode format %s", format), nil)
	}
	limit := r.maxFrames * frameSize
	if limit > len(r.raw) {
		limit = len(r.raw) / frameSize * frameSize
	}
	if fr.Capacity(format) < limit/frameSize {
		limit = fr.Capacity(format) * frameSize
	}
	if limit < frameSize {
		return faults.Wrap(faults.ErrSourceUnavailable, "source", "read", "frame buffer too small", nil)
	}

	filled := r.carry
	for filled < frameSize {
		n, err := r.br.Read(r.raw[filled:limit])
		filled += n
		if err != nil && filled < frameSize {
			r.carry = 0
			return faults.Wrap(faults.ErrSourceUnavailable, "source", "read", r.opener.Describe(), err)
		}
		if err != nil {
			break
		}
	}
	// Drain whatever else is already buffered without blocking.
	if buffered := r.br.Buffered(); buffered > 0 && filled < limit {
		n, _ := r.br.Read(r.raw[filled:min(limit, filled+buffered)])
		filled += n
	}

	frames := filled / frameSize
	used := frames * frameSize
	fr.Resize(format, frames)
	pcm.Decode(fr.Samples, r.raw[:used], format)
	r.carry = copy(r.raw, r.raw[used:filled])
	r.seq++
	fr.Seq = r.seq
	return nil
}

// Close ends the current stream. It is safe to call repeatedly.
func (r *Reader) Close() error {
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	r.br.Reset(nil)
	r.carry = 0
	return err
}
