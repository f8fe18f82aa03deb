package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"tonearm/internal/pcm"
)

// WAV records each format epoch to its own capture file. It is meant for
// verification and offline listening; float streams are captured as 32-bit
// integer PCM.
type WAV struct {
	dir string
	now func() time.Time
}

func NewWAV(dir string) *WAV {
	return &WAV{dir: dir, now: time.Now}
}

func (w *WAV) Name() string { return "wav" }

func (w *WAV) Devices(context.Context) ([]Info, error) {
	return []Info{{ID: DefaultID, Name: "capture to " + w.dir, Backend: w.Name(), Default: true}}, nil
}

func (w *WAV) Capabilities(context.Context, string) (pcm.Capabilities, error) {
	return pcm.Capabilities{
		Depths:      []int{16, 24, 32},
		MaxChannels: pcm.MaxChannels,
		Native:      pcm.Default,
	}, nil
}

func (w *WAV) Open(_ context.Context, _ string, format pcm.Format, convert bool) (Sink, error) {
	if format.Float && !convert {
		return nil, fmt.Errorf("wav capture does not store float samples")
	}
	if w.dir == "" {
		return nil, errors.New("wav capture directory not configured")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture directory: %w", err)
	}
	name := fmt.Sprintf("capture-%s-%dHz-%dbit-%dch.wav",
		w.now().UTC().Format("20060102T150405.000"), format.SampleRate, format.BitDepth, format.Channels)
	path := filepath.Join(w.dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &wavSink{
		path:   path,
		file:   file,
		format: format,
		enc:    wav.NewEncoder(file, format.SampleRate, format.BitDepth, format.Channels, 1),
		buf: &audio.IntBuffer{
			Format:         format.AudioFormat(),
			SourceBitDepth: format.BitDepth,
		},
	}, nil
}

type wavSink struct {
	path   string
	file   *os.File
	format pcm.Format
	enc    *wav.Encoder
	buf    *audio.IntBuffer
	ints   []int
}

func (s *wavSink) Format() pcm.Format { return s.format }

// Path returns the capture file being written.
func (s *wavSink) Path() string { return s.path }

func (s *wavSink) Write(fr *pcm.Frame) error {
	s.ints = pcm.ToInts(s.ints, fr.Samples, s.format.BitDepth)
	s.buf.Data = s.ints
	return s.enc.Write(s.buf)
}

func (s *wavSink) Drain() error { return nil }

func (s *wavSink) Close() error {
	encErr := s.enc.Close()
	fileErr := s.file.Close()
	return errors.Join(encErr, fileErr)
}
