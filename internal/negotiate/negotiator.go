package negotiate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tonearm/internal/logging"
	"tonearm/internal/pcm"
)

// DefaultPollInterval is the fallback query cadence when idle events are
// unavailable or missed.
const DefaultPollInterval = 2 * time.Second

// Querier reports the format the upstream player is currently producing.
type Querier interface {
	CurrentFormat(ctx context.Context) (pcm.Format, bool, error)
}

// Subscriber is implemented by queriers that can push change notifications.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

// CapabilityFunc returns the capabilities of the currently selected device.
type CapabilityFunc func() pcm.Capabilities

// Decision is a published reconfiguration request. The audio path applies a
// decision before flushing the first frame decoded with Source.
type Decision struct {
	Generation uint64
	// Source is the format of the incoming stream.
	Source pcm.Format
	// Device is the hardware format the device will run at. It equals Source
	// unless Degraded.
	Device   pcm.Format
	Degraded bool
	Reason   string
}

// Options tune a Negotiator.
type Options struct {
	PollInterval time.Duration
	Fallback     pcm.Format
}

// Negotiator tracks the upstream format and publishes device decisions.
// Queries happen on player events and on a slow poll, never per frame.
type Negotiator struct {
	querier  Querier
	caps     CapabilityFunc
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	source   pcm.Format
	pinned   bool
	degraded bool

	current atomic.Pointer[Decision]
	gen     atomic.Uint64
	changes chan Decision
}

// New builds a negotiator that starts from opts.Fallback.
func New(querier Querier, caps CapabilityFunc, opts Options, logger *slog.Logger) *Negotiator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Fallback.IsZero() {
		opts.Fallback = pcm.Default
	}
	if caps == nil {
		caps = func() pcm.Capabilities { return pcm.Capabilities{} }
	}
	n := &Negotiator{
		querier:  querier,
		caps:     caps,
		logger:   logging.NewComponentLogger(logger, "negotiator"),
		interval: opts.PollInterval,
		changes:  make(chan Decision, 1),
	}
	n.Reconcile(opts.Fallback)
	return n
}

// Current returns the most recently negotiated source format.
func (n *Negotiator) Current() pcm.Format {
	return n.current.Load().Source
}

// Decision returns the latest published decision. The audio path compares
// generations to detect a pending reconfiguration.
func (n *Negotiator) Decision() *Decision {
	return n.current.Load()
}

// Changes delivers published decisions to the control path. Only the latest
// undelivered decision is kept.
func (n *Negotiator) Changes() <-chan Decision {
	return n.changes
}

// Pin fixes the source format while a stream header is authoritative;
// upstream query results are ignored until Unpin.
func (n *Negotiator) Pin(f pcm.Format) Decision {
	n.mu.Lock()
	n.pinned = true
	n.mu.Unlock()
	return n.reconcile(f)
}

// Unpin resumes tracking the upstream player.
func (n *Negotiator) Unpin() {
	n.mu.Lock()
	n.pinned = false
	n.mu.Unlock()
}

// Reconcile compares source with the configured device format and publishes
// a new decision when they differ. The second result reports whether a
// decision was published.
func (n *Negotiator) Reconcile(source pcm.Format) (Decision, bool) {
	n.mu.Lock()
	pinned := n.pinned
	n.mu.Unlock()
	if pinned {
		return *n.current.Load(), false
	}
	before := n.gen.Load()
	d := n.reconcile(source)
	return d, d.Generation != before
}

// Recheck re-evaluates the current source against the device capabilities,
// for example after a different device was selected.
func (n *Negotiator) Recheck() Decision {
	n.mu.Lock()
	source := n.source
	n.degraded = false
	n.mu.Unlock()
	return n.reconcile(source)
}

// Degrade records that the device refused the exact format and republishes
// the nearest supported configuration for the current source.
func (n *Negotiator) Degrade(reason string) Decision {
	n.mu.Lock()
	source := n.source
	n.degraded = true
	n.mu.Unlock()

	device, _ := n.caps().Nearest(source)
	d := n.publish(Decision{Source: source, Device: device, Degraded: true, Reason: reason})
	logging.WarnWithContext(n.logger, "output not bit-perfect", "format_degraded",
		logging.Alert("bit_perfect_lost"),
		logging.String("source_format", source.String()),
		logging.String("device_format", device.String()),
		logging.String("reason", reason),
		logging.String(logging.FieldErrorHint, "select a device that supports the source format"),
		logging.String(logging.FieldImpact, "playback continues with conversion"),
	)
	return d
}

func (n *Negotiator) reconcile(source pcm.Format) Decision {
	if err := source.Validate(); err != nil {
		n.logger.Debug("ignoring invalid source format", logging.String(logging.FieldFormat, source.String()), logging.Error(err))
		if cur := n.current.Load(); cur != nil {
			return *cur
		}
		source = pcm.Default
	}

	n.mu.Lock()
	if source != n.source {
		n.degraded = false
	}
	n.source = source
	sticky := n.degraded
	n.mu.Unlock()

	device, degraded := n.caps().Nearest(source)
	cur := n.current.Load()
	if cur != nil && cur.Source == source && (sticky || (cur.Device == device && cur.Degraded == degraded)) {
		return *cur
	}
	d := Decision{Source: source, Device: device, Degraded: degraded}
	if degraded {
		d.Reason = "device does not support source format"
	}
	return n.publish(d)
}

func (n *Negotiator) publish(d Decision) Decision {
	d.Generation = n.gen.Add(1)
	n.current.Store(&d)
	select {
	case <-n.changes:
	default:
	}
	select {
	case n.changes <- d:
	default:
	}
	n.logger.Info("format negotiated",
		logging.String(logging.FieldEventType, "format_negotiated"),
		logging.String(logging.FieldFormat, d.Source.String()),
		logging.String("device_format", d.Device.String()),
		logging.Bool("degraded", d.Degraded),
		logging.Uint64(logging.FieldGeneration, d.Generation),
	)
	return d
}

// Refresh queries upstream once and reconciles the result.
func (n *Negotiator) Refresh(ctx context.Context) error {
	if n.querier == nil {
		return nil
	}
	f, ok, err := n.querier.CurrentFormat(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	n.Reconcile(f)
	return nil
}

// Run queries upstream on player events and on the poll interval until ctx
// ends.
func (n *Negotiator) Run(ctx context.Context) error {
	if n.querier == nil {
		<-ctx.Done()
		return nil
	}
	var events <-chan struct{}
	subscribe := func() {
		sub, ok := n.querier.(Subscriber)
		if !ok {
			return
		}
		ch, err := sub.Subscribe(ctx)
		if err != nil {
			n.logger.Debug("player events unavailable; polling only", logging.Error(err))
			return
		}
		events = ch
	}
	subscribe()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	failing := false
	refresh := func() {
		err := n.Refresh(ctx)
		switch {
		case err != nil && ctx.Err() == nil && !failing:
			failing = true
			logging.WarnWithContext(n.logger, "format query failed", "format_query_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check mpd.address and that MPD is running"),
				logging.String(logging.FieldImpact, "format changes detected from stream headers only"),
			)
		case err == nil && failing:
			failing = false
			n.logger.Info("format query recovered", logging.String(logging.FieldEventType, "format_query_recovered"))
		}
	}
	refresh()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			refresh()
		case <-ticker.C:
			if events == nil {
				subscribe()
			}
			refresh()
		}
	}
}
