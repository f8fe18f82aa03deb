package dsp

import (
	"sync/atomic"

	"tonearm/internal/eq"
)

// Params is an immutable parameter snapshot handed from the control path to
// the audio path.
type Params struct {
	Generation uint64
	Enabled    bool
	Gains      eq.Gains
	PreampDB   float64
	Balance    float64
	Headroom   bool
	Limiter    bool
}

// Mailbox is a single-writer, single-reader handoff for Params. The writer
// never blocks the reader and the reader always sees a whole snapshot.
type Mailbox struct {
	current atomic.Pointer[Params]
	gen     atomic.Uint64
}

// Publish stores a copy of p under a fresh generation and returns it.
func (m *Mailbox) Publish(p Params) uint64 {
	p.Gains = p.Gains.Clamped()
	p.Balance = ClampBalance(p.Balance)
	p.Generation = m.gen.Add(1)
	m.current.Store(&p)
	return p.Generation
}

// Load returns the latest snapshot, or nil before the first Publish.
func (m *Mailbox) Load() *Params {
	return m.current.Load()
}
