package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tonearm/internal/device"
	"tonearm/internal/eq"
	"tonearm/internal/faults"
	"tonearm/internal/pcm"
	"tonearm/internal/source"
	"tonearm/internal/state"
	"tonearm/internal/statusdb"
	"tonearm/internal/testsupport"
)

// pickyBackend refuses to open without conversion.
type pickyBackend struct {
	*device.Null
}

func (p *pickyBackend) Open(ctx context.Context, id string, format pcm.Format, convert bool) (device.Sink, error) {
	if !convert {
		return nil, errors.New("format not supported")
	}
	return p.Null.Open(ctx, id, format, convert)
}

type fakeMixer struct {
	mu     sync.Mutex
	pushed []int
}

func (m *fakeMixer) SetCrossfade(_ context.Context, seconds int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushed = append(m.pushed, seconds)
	return nil
}

func (m *fakeMixer) values() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.pushed...)
}

type rig struct {
	engine *Engine
	dev    *device.Manager
	dir    string
}

func newRig(t *testing.T, dir string, backend device.Backend, opener source.Opener, mixer Crossfader) *rig {
	t.Helper()
	status, err := statusdb.Open(filepath.Join(dir, "status.db"))
	if err != nil {
		t.Fatalf("open status: %v", err)
	}
	t.Cleanup(func() { _ = status.Close() })

	lock := device.NewLock(filepath.Join(dir, "engine.lock"), 50*time.Millisecond, nil)
	dev := device.NewManager(backend, lock, "", nil)
	deps := Deps{
		Opener: opener,
		Device: dev,
		State:  state.NewStore(filepath.Join(dir, "state.toml"), nil),
		Status: status,
	}
	if mixer != nil {
		deps.Crossfader = mixer
	}
	e, err := New(Config{
		MaxFrames:      256,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
		StatusInterval: 20 * time.Millisecond,
	}, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &rig{engine: e, dev: dev, dir: dir}
}

// start runs the engine until the test ends.
func (r *rig) start(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.engine.Run(ctx) }()
	waitFor(t, "engine running", r.engine.Running)

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("run: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Error("engine did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOwnerPlaysAndPersistsChanges(t *testing.T) {
	ctx := context.Background()
	null := device.NewNull()
	mixer := &fakeMixer{}
	r := newRig(t, t.TempDir(), null, &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 2048)}, mixer)
	r.start(t)

	waitFor(t, "frames written", func() bool { return null.Frames() > 0 })

	if _, err := r.engine.SetEQEnabled(ctx, true); err != nil {
		t.Fatalf("enable eq: %v", err)
	}
	cfg, err := r.engine.ApplyPreset(ctx, "rock")
	if err != nil {
		t.Fatalf("apply preset: %v", err)
	}
	if cfg.LastPreset != "Rock" || cfg.Bands.Flat() {
		t.Fatalf("preset not applied: %+v", cfg)
	}
	if cfg, err = r.engine.CycleCrossfade(ctx); err != nil || cfg.CrossfadeSeconds != 2 {
		t.Fatalf("cycle crossfade: %+v err=%v", cfg, err)
	}
	if got := mixer.values(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("crossfade pushes = %v", got)
	}

	saved, err := state.NewStore(filepath.Join(r.dir, "state.toml"), nil).Load()
	if err != nil {
		t.Fatalf("load saved state: %v", err)
	}
	if !saved.EQEnabled || saved.LastPreset != "Rock" || saved.CrossfadeSeconds != 2 {
		t.Fatalf("saved state %+v", saved)
	}

	report, err := r.engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.Mode != ModeOwner || !report.EngineKnown || report.HolderPID != os.Getpid() {
		t.Fatalf("report %+v", report)
	}
	if report.Engine.Backend != "null" || report.Engine.SourceFormat != pcm.Default.String() || report.Engine.Degraded {
		t.Fatalf("engine status %+v", report.Engine)
	}
}

func TestSecondInstanceRunsUIOnly(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opener := &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 2048)}

	ownerNull := device.NewNull()
	owner := newRig(t, dir, ownerNull, opener, nil)
	owner.start(t)
	waitFor(t, "owner frames", func() bool { return ownerNull.Frames() > 0 })

	otherNull := device.NewNull()
	other := newRig(t, dir, otherNull, opener, nil)
	other.start(t)

	report, err := other.engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if report.Mode != ModeUIOnly {
		t.Fatalf("second instance mode = %q", report.Mode)
	}
	if _, err := other.engine.SelectDevice(ctx, device.DefaultID); !errors.Is(err, faults.ErrNotDeviceOwner) {
		t.Fatalf("select on non-owner: %v", err)
	}

	if _, err := other.engine.SetPreamp(ctx, -4); err != nil {
		t.Fatalf("set preamp: %v", err)
	}
	waitFor(t, "owner picks up preamp", func() bool {
		cfg, err := owner.engine.Settings(ctx)
		return err == nil && cfg.PreampDB == -4
	})

	waitFor(t, "owner status visible", func() bool {
		r, err := other.engine.Status(ctx)
		return err == nil && r.EngineKnown && r.Engine.Owner && r.Engine.Frames > 0
	})

	if otherNull.Opens() != 0 || otherNull.Frames() != 0 {
		t.Fatalf("non-owner reached its backend: opens=%d frames=%d", otherNull.Opens(), otherNull.Frames())
	}
}

func TestHeaderFormatReachesDevice(t *testing.T) {
	want := pcm.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}
	null := device.NewNull()
	r := newRig(t, t.TempDir(), null, &testsupport.BytesOpener{Data: testsupport.WAVStream(want, 1024)}, nil)
	r.start(t)

	waitFor(t, "device at header format", func() bool {
		st := r.dev.State()
		return st.Open && st.Format == want && null.Frames() > 0
	})
	if d := r.engine.Negotiator().Decision(); d.Source != want {
		t.Fatalf("decision source = %s, want %s", d.Source, want)
	}
}

func TestRefusedFormatDegrades(t *testing.T) {
	picky := &pickyBackend{Null: device.NewNull()}
	r := newRig(t, t.TempDir(), picky, &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 2048)}, nil)
	r.start(t)

	waitFor(t, "degraded playback", func() bool {
		d := r.engine.Negotiator().Decision()
		return d.Degraded && r.dev.State().Degraded && picky.Frames() > 0
	})
	report, err := r.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !report.Engine.Degraded || report.Engine.DegradedReason == "" {
		t.Fatalf("status does not report degradation: %+v", report.Engine)
	}
}

// lateRefusalBackend opens every sink, but an exact-format sink dies on its
// first write, as aplay does when it exits just after starting.
type lateRefusalBackend struct {
	*device.Null
}

func (b *lateRefusalBackend) Open(ctx context.Context, id string, format pcm.Format, convert bool) (device.Sink, error) {
	sink, err := b.Null.Open(ctx, id, format, convert)
	if err != nil || convert {
		return sink, err
	}
	return brokenSink{Sink: sink}, nil
}

type brokenSink struct {
	device.Sink
}

func (brokenSink) Write(*pcm.Frame) error {
	return errors.New("write to aplay: write |1: broken pipe")
}

func TestFirstWriteFailureDegrades(t *testing.T) {
	late := &lateRefusalBackend{Null: device.NewNull()}
	r := newRig(t, t.TempDir(), late, &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 2048)}, nil)
	r.start(t)

	waitFor(t, "degraded playback after refused write", func() bool {
		d := r.engine.Negotiator().Decision()
		return d.Degraded && r.dev.State().Degraded && late.Frames() > 0
	})
	report, err := r.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !report.Engine.Degraded || report.Engine.DegradedReason == "" {
		t.Fatalf("status does not report degradation: %+v", report.Engine)
	}
}

func TestExternalEditRampsIntoProcessor(t *testing.T) {
	ctx := context.Background()
	null := device.NewNull()
	r := newRig(t, t.TempDir(), null, &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 2048)}, nil)
	stop := r.start(t)
	waitFor(t, "frames written", func() bool { return null.Frames() > 0 })

	report, err := r.engine.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	before := report.Ramps

	edited := state.Defaults()
	edited.EQEnabled = true
	edited.Bands = eq.Gains{6, 4, 2, 0, -2, -4, -6, 0, 3, 5}
	data, err := state.Encode(edited)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, "state.toml"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "edited bands interpolated by the audio path", func() bool {
		rep, err := r.engine.Status(ctx)
		return err == nil && rep.Settings.Bands == edited.Bands && rep.Ramps > before
	})
	stop()

	bank := r.engine.proc.Bank()
	if bank.Gains() != edited.Bands {
		t.Fatalf("bank gains = %v, want %v", bank.Gains(), edited.Bands)
	}
	if bank.SampleRate() != pcm.Default.SampleRate {
		t.Fatalf("bank sample rate = %d", bank.SampleRate())
	}
}

func TestCommandValidation(t *testing.T) {
	ctx := context.Background()
	r := newRig(t, t.TempDir(), device.NewNull(), &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 256)}, nil)
	r.start(t)

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"band index", func() error { _, err := r.engine.SetBand(ctx, eq.NumBands, 1); return err }, faults.ErrValidation},
		{"crossfade range", func() error { _, err := r.engine.SetCrossfade(ctx, state.MaxCrossfadeSeconds+1); return err }, faults.ErrValidation},
		{"delete factory", func() error { _, err := r.engine.DeletePreset(ctx, "Rock"); return err }, faults.ErrValidation},
		{"unknown preset", func() error { _, err := r.engine.ApplyPreset(ctx, "nope"); return err }, faults.ErrNotFound},
		{"unknown device", func() error { _, err := r.engine.SelectDevice(ctx, "hw:9,9"); return err }, faults.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}

	cfg, err := r.engine.SetBalance(ctx, 3)
	if err != nil || cfg.Balance != 1 {
		t.Fatalf("balance not clamped: %v err=%v", cfg.Balance, err)
	}
	cfg, err = r.engine.SetPreamp(ctx, -40)
	if err != nil || cfg.PreampDB != state.MinPreampDB {
		t.Fatalf("preamp not clamped: %v err=%v", cfg.PreampDB, err)
	}
	presets, err := r.engine.Presets(ctx)
	if err != nil || len(presets) != len(eq.Factory()) {
		t.Fatalf("presets: %d err=%v", len(presets), err)
	}
}

func TestCorruptStateRunsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.toml")
	garbage := []byte("bands = [1, 2,\n")
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatal(err)
	}
	r := newRig(t, dir, device.NewNull(), &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 256)}, nil)
	stop := r.start(t)

	report, err := r.engine.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !report.StateSuppressed || report.Settings.LastPreset != eq.FlatPreset {
		t.Fatalf("report %+v", report)
	}
	stop()

	data, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(data, garbage) {
		t.Fatalf("corrupt file changed on shutdown: %q err=%v", data, err)
	}
}

func TestShutdownReleasesLockAndRejectsCommands(t *testing.T) {
	dir := t.TempDir()
	r := newRig(t, dir, device.NewNull(), &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 256)}, nil)
	stop := r.start(t)
	if _, err := r.engine.SetEQEnabled(context.Background(), true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	stop()

	if _, err := os.Stat(filepath.Join(dir, "engine.lock.pid")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("holder record left behind: %v", err)
	}
	if _, err := r.engine.Settings(context.Background()); !errors.Is(err, errStopped) {
		t.Fatalf("command after stop: %v", err)
	}

	st, ok, err := func() (statusdb.Status, bool, error) {
		store, err := statusdb.Open(filepath.Join(dir, "status.db"))
		if err != nil {
			return statusdb.Status{}, false, err
		}
		defer store.Close()
		return store.Read(context.Background())
	}()
	if err != nil || !ok || st.Running {
		t.Fatalf("status after stop: %+v ok=%v err=%v", st, ok, err)
	}
}
