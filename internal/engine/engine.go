// Package engine runs the playback pipeline. One control goroutine owns the
// listener settings, the persisted state, device selection and status
// publishing; one audio goroutine moves frames from the source through the
// signal chain to the device and never blocks on anything but I/O.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tonearm/internal/device"
	"tonearm/internal/dsp"
	"tonearm/internal/eq"
	"tonearm/internal/faults"
	"tonearm/internal/logging"
	"tonearm/internal/negotiate"
	"tonearm/internal/pcm"
	"tonearm/internal/source"
	"tonearm/internal/state"
	"tonearm/internal/statusdb"
)

const (
	ModeOwner  = "owner"
	ModeUIOnly = "ui-only"

	DefaultStatusInterval = time.Second
	crossfadeTimeout      = 2 * time.Second
)

var errStopped = errors.New("engine stopped")

// Crossfader pushes the crossfade setting to the upstream player.
type Crossfader interface {
	SetCrossfade(ctx context.Context, seconds int) error
}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	MaxFrames      int
	HeaderBudget   int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Interpolation  time.Duration
	Headroom       bool
	Limiter        bool
	PollInterval   time.Duration
	StatusInterval time.Duration
	Fallback       pcm.Format
}

// Deps are the collaborators the engine drives. Querier, Crossfader and
// Status may be nil.
type Deps struct {
	Opener     source.Opener
	Device     *device.Manager
	Querier    negotiate.Querier
	Crossfader Crossfader
	State      *state.Store
	Status     *statusdb.Store
	Logger     *slog.Logger
}

// Report is the answer to a status request.
type Report struct {
	Mode            string          `json:"mode"`
	PID             int             `json:"pid"`
	HolderPID       int             `json:"holder_pid,omitempty"`
	Engine          statusdb.Status `json:"engine"`
	EngineKnown     bool            `json:"engine_known"`
	Settings        state.Config    `json:"settings"`
	StateFile       string          `json:"state_file"`
	StateSuppressed bool            `json:"state_suppressed"`
	// Ramps counts parameter changes the audio path interpolated.
	Ramps uint64 `json:"param_ramps,omitempty"`
}

type command struct {
	fn   func(ctx context.Context) error
	done chan error
}

// Engine ties the pipeline modules together.
type Engine struct {
	cfg    Config
	opener source.Opener
	dev    *device.Manager
	neg    *negotiate.Negotiator
	mixer  Crossfader
	store  *state.Store
	status *statusdb.Store
	logger *slog.Logger

	mailbox dsp.Mailbox
	reader  *source.Reader
	proc    *dsp.Processor
	frame   *pcm.Frame
	hotplug *device.HotplugMonitor

	cmds    chan command
	notes   chan note
	stopped chan struct{}
	running atomic.Bool

	dropped    atomic.Uint64
	reconnects atomic.Uint64
	ramps      atomic.Uint64

	// Owned by the control goroutine.
	settings  state.Config
	owner     bool
	connected bool
	header    source.Header
	sourceErr bool
	lastErr   string
	started   time.Time
}

// New validates deps and preallocates the audio path.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Opener == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "engine", "new", "source opener is required", nil)
	}
	if deps.Device == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "engine", "new", "device manager is required", nil)
	}
	if deps.State == nil {
		return nil, faults.Wrap(faults.ErrConfiguration, "engine", "new", "state store is required", nil)
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 1024
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.Interpolation <= 0 {
		cfg.Interpolation = dsp.DefaultInterpolation
	}
	if cfg.Fallback.IsZero() {
		cfg.Fallback = pcm.Default
	}

	e := &Engine{
		cfg:     cfg,
		opener:  deps.Opener,
		dev:     deps.Device,
		mixer:   deps.Crossfader,
		store:   deps.State,
		status:  deps.Status,
		logger:  logging.NewComponentLogger(deps.Logger, "engine"),
		reader:  source.NewReader(deps.Opener, source.Options{MaxFrames: cfg.MaxFrames, HeaderBudget: cfg.HeaderBudget}),
		proc:    dsp.NewProcessor(cfg.MaxFrames, cfg.Interpolation),
		frame:   pcm.NewFrame(cfg.MaxFrames),
		cmds:    make(chan command),
		notes:   make(chan note, 16),
		stopped: make(chan struct{}),
	}
	e.neg = negotiate.New(deps.Querier, deps.Device.Capabilities,
		negotiate.Options{PollInterval: cfg.PollInterval, Fallback: cfg.Fallback}, deps.Logger)
	e.hotplug = device.NewHotplugMonitor(deps.Logger, e.onHotplug)
	return e, nil
}

// Negotiator exposes the format negotiator.
func (e *Engine) Negotiator() *negotiate.Negotiator { return e.neg }

// Running reports whether Run is serving commands.
func (e *Engine) Running() bool { return e.running.Load() }

// Run loads state, claims the device when it can and serves commands until
// ctx ends. Losing the device lock, or never getting it, leaves the engine
// serving commands in UI-only mode. Run returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)
	e.started = time.Now()

	settings, err := e.store.Load()
	if err != nil && !errors.Is(err, faults.ErrPersistenceCorrupt) {
		return err
	}
	e.settings = settings
	e.publishParams()

	var (
		wg          sync.WaitGroup
		audioDone   chan struct{}
		audioCancel context.CancelFunc = func() {}
		negCancel   context.CancelFunc = func() {}
	)

	if err := e.dev.AcquireLock(ctx); err != nil {
		e.enterUIOnly(err)
	} else {
		e.owner = true
		e.logger.Info("device lock acquired",
			logging.String(logging.FieldEventType, "device_lock_acquired"),
			logging.String(logging.FieldDevice, e.dev.Selected()),
		)
		e.restoreDevice(ctx)

		var negCtx context.Context
		negCtx, negCancel = context.WithCancel(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.neg.Run(negCtx)
		}()

		var audioCtx context.Context
		audioCtx, audioCancel = context.WithCancel(ctx)
		audioDone = make(chan struct{})
		go func() {
			defer close(audioDone)
			e.runAudio(audioCtx)
		}()

		if err := e.hotplug.Start(ctx); err != nil {
			e.logger.Debug("hotplug monitoring unavailable", logging.Error(err))
		}
	}

	var events <-chan state.Changed
	if ch, err := e.store.Watch(ctx); err != nil {
		logging.WarnWithContext(e.logger, "state watcher unavailable", "state_watch_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check that the state directory exists and is readable"),
			logging.String(logging.FieldImpact, "changes made by other instances are not picked up"),
		)
	} else {
		events = ch
	}

	ticker := time.NewTicker(e.cfg.StatusInterval)
	defer ticker.Stop()
	e.publishStatus(ctx)
	e.running.Store(true)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case cmd := <-e.cmds:
			cmd.done <- cmd.fn(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.applyExternal(ctx, ev.Config)
		case d := <-e.neg.Changes():
			e.logger.Debug("decision published",
				logging.Uint64(logging.FieldGeneration, d.Generation),
				logging.String(logging.FieldFormat, d.Source.String()),
			)
		case n := <-e.notes:
			e.handleNote(n)
		case <-audioDone:
			audioDone = nil
			if e.owner {
				e.loseOwnership()
			}
		case <-ticker.C:
			e.publishStatus(ctx)
		}
	}

	e.running.Store(false)
	e.shutdown(audioCancel, audioDone, negCancel, &wg)
	return nil
}

// shutdown drains in order: stop reading, flush and close the device,
// release the lock, save state.
func (e *Engine) shutdown(audioCancel context.CancelFunc, audioDone <-chan struct{}, negCancel context.CancelFunc, wg *sync.WaitGroup) {
	audioCancel()
	if audioDone != nil {
		<-audioDone
	}
	e.hotplug.Stop()
	negCancel()
	wg.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if e.owner && e.status != nil {
		if err := e.status.MarkStopped(stopCtx, os.Getpid()); err != nil {
			e.logger.Debug("status stop not recorded", logging.Error(err))
		}
	}
	if err := e.dev.ReleaseLock(); err != nil {
		e.logger.Warn("device release failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "device_release_failed"),
			logging.String(logging.FieldErrorHint, "a stale lock record is reclaimed by the next instance"),
			logging.String(logging.FieldImpact, "none"),
		)
	}
	if err := e.store.Checkpoint(e.settings); err != nil {
		logging.WarnWithContext(e.logger, "state not saved on shutdown", "state_save_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on the state directory"),
			logging.String(logging.FieldImpact, "the last changes may be lost"),
		)
	}
	e.logger.Info("engine stopped", logging.String(logging.FieldEventType, "engine_stopped"))
}

// restoreDevice selects the persisted device, falling back to the default
// when it is gone.
func (e *Engine) restoreDevice(ctx context.Context) {
	if id := e.settings.Device; id != "" && id != e.dev.Selected() {
		if err := e.dev.SelectDevice(ctx, id); err != nil {
			logging.WarnWithContext(e.logger, "saved device unavailable", "device_restore_failed",
				logging.Error(err),
				logging.String(logging.FieldDevice, id),
				logging.String(logging.FieldErrorHint, "connect the device or select another with tonearm devices select"),
				logging.String(logging.FieldImpact, "playback uses the default device"),
			)
		}
	}
	if _, err := e.dev.Refresh(ctx); err != nil {
		e.logger.Debug("device enumeration failed", logging.Error(err))
	}
	e.neg.Recheck()
}

func (e *Engine) enterUIOnly(err error) {
	e.owner = false
	if errors.Is(err, faults.ErrDeviceBusy) {
		e.logger.Info("device owned by another instance; running UI-only",
			logging.String(logging.FieldEventType, "ui_only"),
			logging.Int("holder_pid", e.dev.State().HolderPID),
		)
		return
	}
	logging.WarnWithContext(e.logger, "device unavailable; running UI-only", "ui_only",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check the lock path and device configuration"),
		logging.String(logging.FieldImpact, "this instance controls settings only"),
	)
}

func (e *Engine) loseOwnership() {
	e.owner = false
	e.hotplug.Stop()
	if err := e.dev.ReleaseLock(); err != nil {
		e.logger.Debug("lock release after ownership loss", logging.Error(err))
	}
	logging.WarnWithContext(e.logger, "device ownership lost", "device_ownership_lost",
		logging.String(logging.FieldErrorHint, "another instance took the device lock"),
		logging.String(logging.FieldImpact, "playback stopped in this instance; settings remain editable"),
	)
}

func (e *Engine) onHotplug(ctx context.Context) {
	_ = e.do(ctx, func(ctx context.Context) error {
		if !e.owner {
			return nil
		}
		changed, err := e.dev.Refresh(ctx)
		if err != nil {
			return err
		}
		if changed {
			e.neg.Recheck()
		}
		return nil
	})
}

// do runs fn on the control goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, done: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return errStopped
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) publishParams() {
	e.mailbox.Publish(e.settings.Params(e.cfg.Headroom, e.cfg.Limiter))
}

// mutate applies an explicit user change: the new settings reach the audio
// path and are saved. A failed save is reported but does not undo the change.
func (e *Engine) mutate(ctx context.Context, fn func(c *state.Config) error) (state.Config, error) {
	var result state.Config
	err := e.do(ctx, func(ctx context.Context) error {
		next := e.settings
		next.CustomPresets = append([]eq.Preset(nil), e.settings.CustomPresets...)
		if err := fn(&next); err != nil {
			return err
		}
		next = next.Normalized()
		prev := e.settings
		e.settings = next
		e.publishParams()
		if err := e.store.Save(next); err != nil {
			e.lastErr = err.Error()
			logging.WarnWithContext(e.logger, "state save failed", "state_save_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check permissions on the state directory"),
				logging.String(logging.FieldImpact, "the change applies now but is not persisted"),
			)
		}
		if next.CrossfadeSeconds != prev.CrossfadeSeconds {
			e.pushCrossfade(ctx, next.CrossfadeSeconds)
		}
		result = next
		return nil
	})
	return result, err
}

// applyExternal installs settings edited by another instance without saving
// them back.
func (e *Engine) applyExternal(ctx context.Context, next state.Config) {
	prev := e.settings
	e.settings = next
	e.publishParams()
	e.logger.Info("settings updated by another instance",
		logging.String(logging.FieldEventType, "settings_external_change"),
		logging.Bool("eq_enabled", next.EQEnabled),
		logging.String("preset", next.LastPreset),
	)
	if !e.owner {
		return
	}
	if next.Device != "" && next.Device != e.dev.Selected() {
		if err := e.dev.SelectDevice(ctx, next.Device); err != nil {
			logging.WarnWithContext(e.logger, "device change from another instance failed", "device_select_failed",
				logging.Error(err),
				logging.String(logging.FieldDevice, next.Device),
				logging.String(logging.FieldErrorHint, "list devices with tonearm devices list"),
				logging.String(logging.FieldImpact, "playback stays on the current device"),
			)
		} else {
			e.neg.Recheck()
		}
	}
	if next.CrossfadeSeconds != prev.CrossfadeSeconds {
		e.pushCrossfade(ctx, next.CrossfadeSeconds)
	}
}

func (e *Engine) pushCrossfade(ctx context.Context, seconds int) {
	if e.mixer == nil || !e.owner {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, crossfadeTimeout)
	defer cancel()
	if err := e.mixer.SetCrossfade(pushCtx, seconds); err != nil {
		logging.WarnWithContext(e.logger, "crossfade not applied to player", "crossfade_push_failed",
			logging.Error(err),
			logging.Int("crossfade_seconds", seconds),
			logging.String(logging.FieldErrorHint, "check mpd.address and that MPD is running"),
			logging.String(logging.FieldImpact, "the setting is saved and applied on the next change"),
		)
		return
	}
	e.logger.Info("crossfade applied",
		logging.String(logging.FieldEventType, "crossfade_applied"),
		logging.Int("crossfade_seconds", seconds),
	)
}

func (e *Engine) publishStatus(ctx context.Context) {
	if !e.owner || e.status == nil {
		return
	}
	if err := e.status.Publish(ctx, e.snapshot()); err != nil && ctx.Err() == nil {
		e.logger.Debug("status publish failed", logging.Error(err))
	}
}

// snapshot describes the running engine. Control goroutine only.
func (e *Engine) snapshot() statusdb.Status {
	ds := e.dev.State()
	d := e.neg.Decision()
	st := statusdb.Status{
		PID:             os.Getpid(),
		Running:         true,
		Owner:           e.owner,
		Backend:         ds.Backend,
		DeviceID:        ds.DeviceID,
		Source:          e.opener.Describe(),
		SourceConnected: e.connected,
		SourceFormat:    d.Source.String(),
		DeviceFormat:    d.Device.String(),
		Degraded:        d.Degraded,
		DegradedReason:  d.Reason,
		EQEnabled:       e.settings.EQEnabled,
		Preset:          e.settings.LastPreset,
		PreampDB:        e.settings.PreampDB,
		Balance:         e.settings.Balance,
		Crossfade:       e.settings.CrossfadeSeconds,
		Frames:          ds.Frames,
		Dropped:         e.dropped.Load(),
		WriteErrors:     ds.WriteErrors,
		Reconnects:      e.reconnects.Load(),
		LastError:       e.lastErr,
		StartedAt:       e.started,
		UpdatedAt:       time.Now(),
	}
	if e.connected {
		st.HeaderStatus = e.header.Status.String()
	}
	if ds.Open {
		st.DeviceFormat = ds.Hardware.String()
	}
	return st
}

// Status reports the engine as this instance sees it. A UI-only instance
// reads the owner's published status.
func (e *Engine) Status(ctx context.Context) (Report, error) {
	var r Report
	err := e.do(ctx, func(ctx context.Context) error {
		r = Report{
			Mode:            ModeUIOnly,
			PID:             os.Getpid(),
			HolderPID:       e.dev.State().HolderPID,
			Settings:        e.settings,
			StateFile:       e.store.Path(),
			StateSuppressed: e.store.Suppressed(),
		}
		if e.owner {
			r.Mode = ModeOwner
			r.Ramps = e.ramps.Load()
			r.Engine = e.snapshot()
			r.EngineKnown = true
			return nil
		}
		if e.status == nil {
			return nil
		}
		st, ok, err := e.status.Read(ctx)
		if err != nil {
			e.logger.Debug("owner status unavailable", logging.Error(err))
			return nil
		}
		r.Engine = st
		r.EngineKnown = ok && !st.Stale(time.Now(), 3*e.cfg.StatusInterval+time.Second)
		return nil
	})
	return r, err
}

// Settings returns the current listener settings.
func (e *Engine) Settings(ctx context.Context) (state.Config, error) {
	var c state.Config
	err := e.do(ctx, func(context.Context) error {
		c = e.settings
		return nil
	})
	return c, err
}

// SetEQEnabled switches the equalizer in or out of the signal path.
func (e *Engine) SetEQEnabled(ctx context.Context, enabled bool) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		c.EQEnabled = enabled
		return nil
	})
}

// SetBand changes one band gain.
func (e *Engine) SetBand(ctx context.Context, index int, gainDB float64) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		return c.SetBand(index, gainDB)
	})
}

// ResetEQ flattens the bands and recentres preamp and balance.
func (e *Engine) ResetEQ(ctx context.Context) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		c.Reset()
		return nil
	})
}

// ApplyPreset loads a factory or user preset.
func (e *Engine) ApplyPreset(ctx context.Context, name string) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		_, err := c.ApplyPreset(name)
		return err
	})
}

// SavePreset stores the current bands as a user preset.
func (e *Engine) SavePreset(ctx context.Context, name string) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		_, err := c.SavePreset(name)
		return err
	})
}

// DeletePreset removes a user preset.
func (e *Engine) DeletePreset(ctx context.Context, name string) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		return c.DeletePreset(name)
	})
}

// Presets lists factory presets followed by user presets.
func (e *Engine) Presets(ctx context.Context) ([]eq.Preset, error) {
	var presets []eq.Preset
	err := e.do(ctx, func(context.Context) error {
		presets = e.settings.Catalog().All()
		return nil
	})
	return presets, err
}

// SetPreamp sets the preamp gain, clamped to its range.
func (e *Engine) SetPreamp(ctx context.Context, db float64) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		c.PreampDB = state.ClampPreamp(db)
		return nil
	})
}

// SetBalance sets the left/right balance in [-1, 1].
func (e *Engine) SetBalance(ctx context.Context, balance float64) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		c.Balance = dsp.ClampBalance(balance)
		return nil
	})
}

// SetCrossfade sets the crossfade length pushed to the player.
func (e *Engine) SetCrossfade(ctx context.Context, seconds int) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		if err := state.ValidateCrossfade(seconds); err != nil {
			return err
		}
		c.CrossfadeSeconds = seconds
		return nil
	})
}

// CycleCrossfade advances the crossfade through 0, 2, 4 and 6 seconds.
func (e *Engine) CycleCrossfade(ctx context.Context) (state.Config, error) {
	return e.mutate(ctx, func(c *state.Config) error {
		c.CrossfadeSeconds = state.NextCrossfade(c.CrossfadeSeconds)
		return nil
	})
}

// ListDevices enumerates outputs of the active backend.
func (e *Engine) ListDevices(ctx context.Context) ([]device.Info, error) {
	var devices []device.Info
	err := e.do(ctx, func(ctx context.Context) error {
		var err error
		devices, err = e.dev.ListDevices(ctx)
		return err
	})
	return devices, err
}

// SelectDevice switches output to id and remembers the choice. Only the
// device owner may switch.
func (e *Engine) SelectDevice(ctx context.Context, id string) (state.Config, error) {
	var result state.Config
	err := e.do(ctx, func(ctx context.Context) error {
		if err := e.dev.SelectDevice(ctx, id); err != nil {
			return err
		}
		e.neg.Recheck()
		return nil
	})
	if err != nil {
		return result, err
	}
	return e.mutate(ctx, func(c *state.Config) error {
		c.Device = e.dev.Selected()
		return nil
	})
}

// describeError renders err for status output.
func describeError(op string, err error) string {
	if code := faults.Code(err); code != "internal" {
		return fmt.Sprintf("%s: %s: %v", op, code, err)
	}
	return fmt.Sprintf("%s: %v", op, err)
}
