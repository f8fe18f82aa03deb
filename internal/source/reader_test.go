package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"tonearm/internal/faults"
	"tonearm/internal/pcm"
)

type bytesOpener struct {
	data  []byte
	opens int
	err   error
}

func (o *bytesOpener) Open(context.Context) (io.ReadCloser, error) {
	o.opens++
	if o.err != nil {
		return nil, o.err
	}
	return io.NopCloser(bytes.NewReader(o.data)), nil
}

func (o *bytesOpener) Describe() string { return "memory" }

type chunkSpec struct {
	id   string
	body []byte
}

func wavHeader(formatTag uint16, f pcm.Format, extra ...chunkSpec) []byte {
	var fmtBody bytes.Buffer
	binary.Write(&fmtBody, binary.LittleEndian, formatTag)
	binary.Write(&fmtBody, binary.LittleEndian, uint16(f.Channels))
	binary.Write(&fmtBody, binary.LittleEndian, uint32(f.SampleRate))
	binary.Write(&fmtBody, binary.LittleEndian, uint32(f.SampleRate*f.FrameSize()))
	binary.Write(&fmtBody, binary.LittleEndian, uint16(f.FrameSize()))
	binary.Write(&fmtBody, binary.LittleEndian, uint16(f.BitDepth))

	chunks := append(extra, chunkSpec{id: "fmt ", body: fmtBody.Bytes()})
	var out bytes.Buffer
	out.WriteString("RIFF")
	binary.Write(&out, binary.LittleEndian, uint32(0xFFFFFFFF))
	out.WriteString("WAVE")
	for _, c := range chunks {
		out.WriteString(c.id)
		binary.Write(&out, binary.LittleEndian, uint32(len(c.body)))
		out.Write(c.body)
	}
	out.WriteString("data")
	binary.Write(&out, binary.LittleEndian, uint32(0xFFFFFFFE))
	return out.Bytes()
}

func encodeSamples(t *testing.T, f pcm.Format, samples []float64) []byte {
	t.Helper()
	out := make([]byte, len(samples)*f.BytesPerSample())
	if n := pcm.Encode(out, samples, f); n != len(out) {
		t.Fatalf("encoded %d bytes, want %d", n, len(out))
	}
	return out
}

func TestReaderUsesHeaderFormat(t *testing.T) {
	stream := pcm.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}
	samples := []float64{0.5, -0.5, 0.25, -0.25}
	payload := encodeSamples(t, stream, samples)
	data := append(wavHeader(wavFormatPCM, stream, chunkSpec{id: "LIST", body: []byte("INFOtest")}), payload...)

	r := NewReader(&bytesOpener{data: data}, Options{MaxFrames: 64})
	h, err := r.Open(context.Background(), pcm.Default)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Status != HeaderFound || h.Format != stream {
		t.Fatalf("unexpected header %+v", h)
	}
	if !r.HeaderLocked() {
		t.Fatal("expected header to lock the format")
	}
	r.SetFormat(pcm.Default)

	fr := pcm.NewFrame(64)
	if err := r.ReadFrame(fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Format != stream || fr.Frames() != 2 {
		t.Fatalf("frame %s with %d frames", fr.Format, fr.Frames())
	}
	for i, want := range samples {
		if fr.Samples[i] != want {
			t.Fatalf("sample %d = %v, want %v", i, fr.Samples[i], want)
		}
	}
}

func TestReaderFloatHeader(t *testing.T) {
	stream := pcm.Format{SampleRate: 48000, BitDepth: 32, Channels: 2, Float: true}
	data := wavHeader(wavFormatFloat, stream)
	r := NewReader(&bytesOpener{data: data}, Options{})
	h, err := r.Open(context.Background(), pcm.Default)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Status != HeaderFound || !h.Format.Float {
		t.Fatalf("unexpected header %+v", h)
	}
}

func TestReaderWithoutHeaderUsesFallback(t *testing.T) {
	fallback := pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	payload := encodeSamples(t, fallback, []float64{0.5, -0.5})
	r := NewReader(&bytesOpener{data: payload}, Options{})
	h, err := r.Open(context.Background(), fallback)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Status != HeaderAbsent || h.Consumed != 0 {
		t.Fatalf("unexpected header %+v", h)
	}
	fr := pcm.NewFrame(16)
	if err := r.ReadFrame(fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Frames() != 1 || fr.Samples[0] != 0.5 || fr.Samples[1] != -0.5 {
		t.Fatalf("unexpected frame %+v", fr)
	}
}

func TestReaderMalformedHeaderFallsBack(t *testing.T) {
	fallback := pcm.Default
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "unsupported bit depth",
			data: wavHeader(wavFormatPCM, pcm.Format{SampleRate: 44100, BitDepth: 8, Channels: 2}),
		},
		{
			name: "unknown format tag",
			data: wavHeader(0x55, pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}),
		},
		{
			name: "not wave",
			data: append([]byte("RIFF\x10\x00\x00\x00AVI "), make([]byte, 32)...),
		},
		{
			name: "over budget",
			data: wavHeader(wavFormatPCM, pcm.Default, chunkSpec{id: "junk", body: make([]byte, 8192)}),
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data := append(tc.data, make([]byte, 64)...)
			r := NewReader(&bytesOpener{data: data}, Options{})
			h, err := r.Open(context.Background(), fallback)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			if h.Status != HeaderMalformed || h.Reason == "" {
				t.Fatalf("expected malformed header, got %+v", h)
			}
			if h.Consumed > DefaultHeaderBudget {
				t.Fatalf("sniffing consumed %d bytes", h.Consumed)
			}
			if r.Format() != fallback || r.HeaderLocked() {
				t.Fatalf("expected fallback format, got %s", r.Format())
			}
		})
	}
}

func TestReaderMalformedHeaderDecodesFromHeaderEnd(t *testing.T) {
	fallback := pcm.Format{SampleRate: 48000, BitDepth: 24, Channels: 2}
	header := wavHeader(0x55, pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2})
	samples := []float64{0.5, -0.5, 0.25, -0.25}
	data := append(header, encodeSamples(t, fallback, samples)...)

	r := NewReader(&bytesOpener{data: data}, Options{MaxFrames: 64})
	h, err := r.Open(context.Background(), fallback)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if h.Status != HeaderMalformed || h.Consumed != len(header) {
		t.Fatalf("header %+v, want malformed after %d bytes", h, len(header))
	}
	fr := pcm.NewFrame(64)
	if err := r.ReadFrame(fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Format != fallback || fr.Frames() != 2 {
		t.Fatalf("frame %s with %d frames", fr.Format, fr.Frames())
	}
	for i, want := range samples {
		if fr.Samples[i] != want {
			t.Fatalf("sample %d = %v, want %v", i, fr.Samples[i], want)
		}
	}
}

func TestReaderIgnoresRIFFInsideAudio(t *testing.T) {
	fallback := pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	payload := append(encodeSamples(t, fallback, []float64{0.1, 0.1}), []byte("RIFF\x00\x00\x00\x00WAVE")...)
	r := NewReader(&bytesOpener{data: payload}, Options{})
	if _, err := r.Open(context.Background(), fallback); err != nil {
		t.Fatalf("open: %v", err)
	}
	fr := pcm.NewFrame(64)
	if err := r.ReadFrame(fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Frames() != 4 {
		t.Fatalf("expected mid-stream RIFF bytes decoded as 4 frames, got %d", fr.Frames())
	}
	if r.HeaderLocked() || r.Format() != fallback {
		t.Fatal("mid-stream bytes changed the stream format")
	}
}

func TestReaderCarriesPartialFrames(t *testing.T) {
	f := pcm.Format{SampleRate: 48000, BitDepth: 24, Channels: 2}
	payload := encodeSamples(t, f, []float64{0.5, -0.5, 0.25, -0.25, 0.125, -0.125})
	pr, pw := io.Pipe()
	opener := &pipeOpener{r: pr}
	r := NewReader(opener, Options{MaxFrames: 8})

	go func() {
		pw.Write(payload[:4])
		pw.Write(payload[4:9])
		pw.Write(payload[9:])
		pw.Close()
	}()
	if _, err := r.Open(context.Background(), f); err != nil {
		t.Fatalf("open: %v", err)
	}
	fr := pcm.NewFrame(8)
	var got []float64
	for {
		err := r.ReadFrame(fr)
		if err != nil {
			if !errors.Is(err, faults.ErrSourceUnavailable) {
				t.Fatalf("unexpected error %v", err)
			}
			break
		}
		got = append(got, fr.Samples...)
	}
	want := []float64{0.5, -0.5, 0.25, -0.25, 0.125, -0.125}
	if len(got) != len(want) {
		t.Fatalf("got %d samples, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}

type pipeOpener struct{ r io.ReadCloser }

func (p *pipeOpener) Open(context.Context) (io.ReadCloser, error) { return p.r, nil }
func (p *pipeOpener) Describe() string                             { return "pipe" }

func TestReaderSetFormatAppliesBeforeNextFrame(t *testing.T) {
	first := pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	second := pcm.Format{SampleRate: 96000, BitDepth: 32, Channels: 2}
	payload := encodeSamples(t, second, []float64{0.5, 0.5})
	r := NewReader(&bytesOpener{data: payload}, Options{})
	if _, err := r.Open(context.Background(), first); err != nil {
		t.Fatalf("open: %v", err)
	}
	r.SetFormat(second)
	fr := pcm.NewFrame(16)
	if err := r.ReadFrame(fr); err != nil {
		t.Fatalf("read: %v", err)
	}
	if fr.Format != second || fr.Frames() != 1 || fr.Samples[0] != 0.5 {
		t.Fatalf("frame decoded as %s: %v", fr.Format, fr.Samples)
	}
}

func TestReaderEndOfStreamIsUnavailable(t *testing.T) {
	r := NewReader(&bytesOpener{}, Options{})
	_, err := r.Open(context.Background(), pcm.Default)
	if !errors.Is(err, faults.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}

	failing := &bytesOpener{err: errors.New("connection refused")}
	r = NewReader(failing, Options{})
	if _, err := r.Open(context.Background(), pcm.Default); !errors.Is(err, faults.ErrSourceUnavailable) {
		t.Fatalf("expected source unavailable, got %v", err)
	}
	if err := r.ReadFrame(pcm.NewFrame(4)); !errors.Is(err, faults.ErrSourceUnavailable) {
		t.Fatalf("read on closed reader: %v", err)
	}
}

func TestFIFOOpenerCreatesPipeAndReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.fifo")
	opener := &FIFOOpener{Path: path, Create: true}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc, err := opener.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	info, err := os.Stat(path)
	if err != nil || info.Mode()&os.ModeNamedPipe == 0 {
		t.Fatalf("expected named pipe at %s (err=%v)", path, err)
	}

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	if _, err := w.Write([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.Close()

	buf, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf, []byte{1, 2, 3, 4}) {
		t.Fatalf("read %v", buf)
	}
}

func TestNewOpenerSelectsTransport(t *testing.T) {
	if _, ok := NewOpener("http://127.0.0.1:8000/stream.wav", false).(*HTTPOpener); !ok {
		t.Fatal("expected http opener")
	}
	if _, ok := NewOpener("/tmp/tonearm.fifo", true).(*FIFOOpener); !ok {
		t.Fatal("expected fifo opener")
	}
}

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second}
	want := []time.Duration{100, 200, 400, 800, 1000, 1000}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Fatalf("attempt %d: got %v want %v", i, got, w*time.Millisecond)
		}
	}
	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("after reset: %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}
