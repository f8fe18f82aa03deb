// Package device owns the audio output: backend selection, sink lifecycle,
// inter-process ownership and hotplug refresh.
package device

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"tonearm/internal/pcm"
)

// DefaultID selects the backend's default output.
const DefaultID = "default"

// Info describes one output device.
type Info struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Backend  string `json:"backend"`
	Default  bool   `json:"default,omitempty"`
	Selected bool   `json:"selected,omitempty"`
}

// Label returns a display name for tables.
func (i Info) Label() string {
	name := strings.TrimSpace(i.Name)
	if name == "" {
		name = i.ID
	}
	return cases.Title(language.English, cases.NoLower).String(name)
}

// Backend is an output implementation selected at runtime.
type Backend interface {
	Name() string
	Devices(ctx context.Context) ([]Info, error)
	Capabilities(ctx context.Context, id string) (pcm.Capabilities, error)
	// Open starts a sink for id. With convert set the backend may route
	// through a converting layer so that any stream format plays.
	Open(ctx context.Context, id string, format pcm.Format, convert bool) (Sink, error)
}

// Sink is an open output stream. Write is called from the audio goroutine
// only and must not allocate.
type Sink interface {
	Format() pcm.Format
	Write(fr *pcm.Frame) error
	// Drain blocks until buffered audio has been played.
	Drain() error
	Close() error
}

// Options configure backend construction.
type Options struct {
	Backend    string
	CaptureDir string
	MaxFrames  int
}

// NewBackend returns the backend named in opts.
func NewBackend(opts Options, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "alsa":
		return NewALSA(logger), nil
	case "portaudio":
		return newPortAudio(opts.MaxFrames, logger)
	case "wav":
		return NewWAV(opts.CaptureDir), nil
	case "null":
		return NewNull(), nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", opts.Backend)
	}
}
