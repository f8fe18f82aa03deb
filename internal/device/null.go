package device

import (
	"context"
	"sync/atomic"

	"tonearm/internal/pcm"
)

// Null accepts every format and discards audio while counting frames.
type Null struct {
	frames atomic.Uint64
	opens  atomic.Uint64
}

func NewNull() *Null { return &Null{} }

func (n *Null) Name() string { return "null" }

func (n *Null) Devices(context.Context) ([]Info, error) {
	return []Info{{ID: DefaultID, Name: "discard", Backend: n.Name(), Default: true}}, nil
}

func (n *Null) Capabilities(context.Context, string) (pcm.Capabilities, error) {
	return pcm.Capabilities{Float: true, MaxChannels: pcm.MaxChannels, Native: pcm.Default}, nil
}

func (n *Null) Open(_ context.Context, _ string, format pcm.Format, _ bool) (Sink, error) {
	n.opens.Add(1)
	return &nullSink{backend: n, format: format}, nil
}

// Frames returns the number of frames written across all sinks.
func (n *Null) Frames() uint64 { return n.frames.Load() }

// Opens returns how many sinks were opened.
func (n *Null) Opens() uint64 { return n.opens.Load() }

type nullSink struct {
	backend *Null
	format  pcm.Format
}

func (s *nullSink) Format() pcm.Format { return s.format }

func (s *nullSink) Write(fr *pcm.Frame) error {
	s.backend.frames.Add(uint64(fr.Frames()))
	return nil
}

func (s *nullSink) Drain() error { return nil }
func (s *nullSink) Close() error { return nil }
