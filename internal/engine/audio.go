package engine

import (
	"context"
	"errors"
	"time"

	"tonearm/internal/device"
	"tonearm/internal/faults"
	"tonearm/internal/logging"
	"tonearm/internal/negotiate"
	"tonearm/internal/pcm"
	"tonearm/internal/source"
)

type noteKind int

const (
	noteConnected noteKind = iota
	noteLost
	noteDegraded
	noteDeviceFailed
	noteDeviceRecovered
	noteOwnerLost
)

// note is how the audio goroutine reports events; the control goroutine
// does the logging.
type note struct {
	kind   noteKind
	header source.Header
	err    error
}

func (e *Engine) post(n note) {
	select {
	case e.notes <- n:
	default:
	}
}

// runAudio keeps a stream open until ctx ends or device ownership is lost.
// The device is drained and closed on the way out.
func (e *Engine) runAudio(ctx context.Context) {
	defer func() { _ = e.dev.Close() }()
	backoff := source.Backoff{Initial: e.cfg.BackoffInitial, Max: e.cfg.BackoffMax}

	for ctx.Err() == nil {
		header, err := e.reader.Open(ctx, e.neg.Current())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.post(note{kind: noteLost, err: err})
			e.reconnects.Add(1)
			if backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		pinned := header.Status == source.HeaderFound
		if pinned {
			e.neg.Pin(header.Format)
		}
		e.post(note{kind: noteConnected, header: header})

		played, err := e.play(ctx)
		_ = e.reader.Close()
		if pinned {
			e.neg.Unpin()
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, faults.ErrNotDeviceOwner) {
			e.post(note{kind: noteOwnerLost, err: err})
			return
		}
		if played {
			backoff.Reset()
		}
		e.post(note{kind: noteLost, err: err})
		e.reconnects.Add(1)
		if backoff.Wait(ctx) != nil {
			return
		}
	}
}

// play moves frames until the stream fails. A pending decision or device
// switch is applied before the next frame is read, so no frame of a new
// format reaches a device configured for the old one. While the device is
// failing, frames are read and dropped so the player is not stalled.
func (e *Engine) play(ctx context.Context) (bool, error) {
	var (
		applied uint64
		ready   bool
		fresh   bool
		failing bool
		retryAt time.Time
		played  bool
	)
	devBackoff := source.Backoff{Initial: e.cfg.BackoffInitial, Max: e.cfg.BackoffMax}
	fr := e.frame

	fail := func(err error) {
		ready = false
		if !failing {
			failing = true
			e.post(note{kind: noteDeviceFailed, err: err})
		}
		retryAt = time.Now().Add(devBackoff.Next())
	}

	for ctx.Err() == nil {
		d := e.neg.Decision()
		if (!ready || d.Generation != applied || e.dev.NeedsReopen()) && !time.Now().Before(retryAt) {
			gen, err := e.reconfigure(ctx, d)
			switch {
			case err == nil:
				applied, ready, fresh = gen, true, true
			case errors.Is(err, faults.ErrNotDeviceOwner):
				return played, err
			default:
				fail(err)
			}
		}

		if err := e.reader.ReadFrame(fr); err != nil {
			return played, err
		}
		played = true
		if !ready || fr.Format != e.proc.Format() {
			e.dropped.Add(uint64(fr.Frames()))
			continue
		}

		if e.proc.Apply(e.mailbox.Load()) {
			e.ramps.Add(1)
		}
		e.proc.Process(fr)
		if err := e.dev.Write(fr); err != nil {
			if errors.Is(err, faults.ErrNotDeviceOwner) {
				return played, err
			}
			e.dropped.Add(uint64(fr.Frames()))
			// A sink that fails its first write never accepted the format.
			if fresh && !d.Degraded {
				fresh = false
				if e.degrade(ctx, d, err) == nil {
					continue
				}
			}
			fail(err)
			continue
		}
		fresh = false
		if failing {
			failing = false
			devBackoff.Reset()
			e.post(note{kind: noteDeviceRecovered})
		}
	}
	return played, nil
}

// reconfigure applies d to the device, the signal chain and the reader. When
// the device refuses the exact format it is reopened with conversion and the
// control goroutine is told to mark the decision degraded.
func (e *Engine) reconfigure(ctx context.Context, d *negotiate.Decision) (uint64, error) {
	req := device.Request{Format: d.Source, Hardware: d.Device, Convert: d.Degraded}
	err := e.dev.Configure(ctx, req)
	if err != nil && !d.Degraded && !errors.Is(err, faults.ErrNotDeviceOwner) {
		err = e.degrade(ctx, d, err)
	}
	if err != nil {
		return 0, err
	}
	e.proc.Configure(d.Source)
	e.reader.SetFormat(d.Source)
	return d.Generation, nil
}

// degrade reopens the device with conversion at the nearest supported
// hardware format after it refused d exactly.
func (e *Engine) degrade(ctx context.Context, d *negotiate.Decision, refusal error) error {
	hw, _ := e.dev.Capabilities().Nearest(d.Source)
	req := device.Request{Format: d.Source, Hardware: hw, Convert: true}
	if err := e.dev.Configure(ctx, req); err != nil {
		return errors.Join(refusal, err)
	}
	e.post(note{kind: noteDegraded, err: refusal})
	return nil
}

// streamFormat is the format the current stream decodes with.
func (e *Engine) streamFormat() pcm.Format {
	if e.header.Status == source.HeaderFound {
		return e.header.Format
	}
	return e.neg.Current()
}

// handleNote runs on the control goroutine.
func (e *Engine) handleNote(n note) {
	switch n.kind {
	case noteConnected:
		e.connected = true
		e.header = n.header
		e.sourceErr = false
		if n.header.Status == source.HeaderMalformed {
			logging.WarnWithContext(e.logger, "stream header malformed", "header_malformed",
				logging.String(logging.FieldStream, e.opener.Describe()),
				logging.String("reason", n.header.Reason),
				logging.String(logging.FieldErrorHint, "check the player's output encoder settings"),
				logging.String(logging.FieldImpact, "decoding with the negotiated format"),
			)
		}
		e.logger.Info("source connected",
			logging.String(logging.FieldEventType, "source_connected"),
			logging.String(logging.FieldStream, e.opener.Describe()),
			logging.String("header", n.header.Status.String()),
			logging.String(logging.FieldFormat, e.streamFormat().String()),
		)
	case noteLost:
		e.connected = false
		e.lastErr = describeError("source", n.err)
		if e.sourceErr {
			e.logger.Debug("source still unavailable", logging.Error(n.err))
			return
		}
		e.sourceErr = true
		logging.WarnWithContext(e.logger, "source unavailable; reconnecting", "source_unavailable",
			logging.Error(n.err),
			logging.String(logging.FieldStream, e.opener.Describe()),
			logging.String(logging.FieldErrorHint, "check that the player is running and writing to the stream"),
			logging.String(logging.FieldImpact, "silence until the stream returns"),
		)
	case noteDegraded:
		e.lastErr = describeError("device", n.err)
		e.neg.Degrade(n.err.Error())
	case noteDeviceFailed:
		e.lastErr = describeError("device", n.err)
		logging.WarnWithContext(e.logger, "output device failed", "device_failed",
			logging.Error(n.err),
			logging.String(logging.FieldDevice, e.dev.Selected()),
			logging.String(logging.FieldErrorHint, "check the device connection or select another output"),
			logging.String(logging.FieldImpact, "audio is dropped until the device reopens"),
		)
	case noteDeviceRecovered:
		e.logger.Info("output device recovered",
			logging.String(logging.FieldEventType, "device_recovered"),
			logging.String(logging.FieldDevice, e.dev.Selected()),
		)
	case noteOwnerLost:
		e.lastErr = describeError("device", n.err)
	}
}
