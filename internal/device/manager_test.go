package device

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tonearm/internal/faults"
	"tonearm/internal/pcm"
)

// listBackend is a Null backend with a mutable device list.
type listBackend struct {
	*Null
	mu      sync.Mutex
	devices []Info
	openIDs []string
}

func newListBackend(ids ...string) *listBackend {
	b := &listBackend{Null: NewNull()}
	b.setDevices(ids...)
	return b
}

func (b *listBackend) setDevices(ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = []Info{{ID: DefaultID, Name: "default", Backend: "null", Default: true}}
	for _, id := range ids {
		b.devices = append(b.devices, Info{ID: id, Name: id, Backend: "null"})
	}
}

func (b *listBackend) Devices(context.Context) ([]Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Info(nil), b.devices...), nil
}

func (b *listBackend) Open(ctx context.Context, id string, format pcm.Format, convert bool) (Sink, error) {
	b.mu.Lock()
	b.openIDs = append(b.openIDs, id)
	b.mu.Unlock()
	return b.Null.Open(ctx, id, format, convert)
}

func newTestManager(t *testing.T, backend Backend, lockPath string) *Manager {
	t.Helper()
	m := NewManager(backend, NewLock(lockPath, 20*time.Millisecond, nil), "", nil)
	t.Cleanup(func() { _ = m.ReleaseLock() })
	return m
}

func testFrame(format pcm.Format, frames int) *pcm.Frame {
	fr := pcm.NewFrame(frames)
	fr.Resize(format, frames)
	return fr
}

func TestNonOwnerNeverWrites(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "engine.lock")
	ownerBackend := NewNull()
	otherBackend := NewNull()
	owner := newTestManager(t, ownerBackend, lockPath)
	other := newTestManager(t, otherBackend, lockPath)
	ctx := context.Background()

	if err := owner.AcquireLock(ctx); err != nil {
		t.Fatalf("owner acquire: %v", err)
	}
	if err := other.AcquireLock(ctx); !errors.Is(err, faults.ErrDeviceBusy) {
		t.Fatalf("expected device busy, got %v", err)
	}

	req := Request{Format: pcm.Default, Hardware: pcm.Default}
	if err := other.Configure(ctx, req); !errors.Is(err, faults.ErrNotDeviceOwner) {
		t.Fatalf("configure by non-owner: %v", err)
	}
	if err := other.Write(testFrame(pcm.Default, 64)); !errors.Is(err, faults.ErrNotDeviceOwner) {
		t.Fatalf("write by non-owner: %v", err)
	}
	if err := other.SelectDevice(ctx, DefaultID); !errors.Is(err, faults.ErrNotDeviceOwner) {
		t.Fatalf("select by non-owner: %v", err)
	}
	if otherBackend.Frames() != 0 || otherBackend.Opens() != 0 {
		t.Fatalf("non-owner reached backend: frames=%d opens=%d", otherBackend.Frames(), otherBackend.Opens())
	}

	st := other.State()
	if st.Owner {
		t.Fatal("non-owner state reports ownership")
	}

	if err := owner.Configure(ctx, req); err != nil {
		t.Fatalf("owner configure: %v", err)
	}
	if err := owner.Write(testFrame(pcm.Default, 64)); err != nil {
		t.Fatalf("owner write: %v", err)
	}
	if ownerBackend.Frames() != 64 {
		t.Fatalf("owner frames = %d, want 64", ownerBackend.Frames())
	}
	if got := owner.State(); !got.Owner || !got.Open || got.Frames != 64 {
		t.Fatalf("unexpected owner state %+v", got)
	}
}

func TestConfigureReusesSinkUntilChange(t *testing.T) {
	backend := newListBackend("usb")
	m := newTestManager(t, backend, filepath.Join(t.TempDir(), "engine.lock"))
	ctx := context.Background()
	if err := m.AcquireLock(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	req := Request{Format: pcm.Default, Hardware: pcm.Default}
	for i := 0; i < 3; i++ {
		if err := m.Configure(ctx, req); err != nil {
			t.Fatalf("configure: %v", err)
		}
	}
	if backend.Opens() != 1 {
		t.Fatalf("opens = %d, want 1", backend.Opens())
	}

	hires := pcm.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}
	if err := m.Configure(ctx, Request{Format: hires, Hardware: hires}); err != nil {
		t.Fatalf("configure hires: %v", err)
	}
	if backend.Opens() != 2 {
		t.Fatalf("opens after format change = %d, want 2", backend.Opens())
	}
	if err := m.Write(testFrame(pcm.Default, 8)); err == nil {
		t.Fatal("expected mismatch error for stale-format frame")
	}

	if err := m.SelectDevice(ctx, "usb"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if !m.NeedsReopen() {
		t.Fatal("expected reopen after select")
	}
	if err := m.Configure(ctx, Request{Format: hires, Hardware: hires}); err != nil {
		t.Fatalf("configure after select: %v", err)
	}
	if m.NeedsReopen() {
		t.Fatal("reopen flag not cleared")
	}
	if backend.Opens() != 3 || backend.openIDs[2] != "usb" {
		t.Fatalf("expected reopen on usb, got %v", backend.openIDs)
	}

	if err := m.SelectDevice(ctx, "missing"); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if m.Selected() != "usb" {
		t.Fatalf("selection changed to %q", m.Selected())
	}
}

func TestRefreshFallsBackWhenSelectionVanishes(t *testing.T) {
	backend := newListBackend("usb")
	m := newTestManager(t, backend, filepath.Join(t.TempDir(), "engine.lock"))
	ctx := context.Background()
	if err := m.AcquireLock(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.SelectDevice(ctx, "usb"); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := m.Configure(ctx, Request{Format: pcm.Default, Hardware: pcm.Default}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	changed, err := m.Refresh(ctx)
	if err != nil || changed {
		t.Fatalf("refresh with device present: changed=%v err=%v", changed, err)
	}

	backend.setDevices()
	changed, err = m.Refresh(ctx)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !changed || m.Selected() != DefaultID || !m.NeedsReopen() {
		t.Fatalf("expected fallback to default: changed=%v selected=%q reopen=%v", changed, m.Selected(), m.NeedsReopen())
	}

	devices, err := m.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 1 || !devices[0].Selected {
		t.Fatalf("unexpected device list %+v", devices)
	}
}

func TestWriteWithoutSink(t *testing.T) {
	m := newTestManager(t, NewNull(), filepath.Join(t.TempDir(), "engine.lock"))
	if err := m.AcquireLock(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Write(testFrame(pcm.Default, 4)); !errors.Is(err, faults.ErrDeviceInit) {
		t.Fatalf("expected device init error, got %v", err)
	}
}

func TestNewBackendSelection(t *testing.T) {
	tests := []struct {
		name    string
		backend string
		want    string
		wantErr bool
	}{
		{"default is alsa", "", "alsa", false},
		{"null", "null", "null", false},
		{"wav", "WAV", "wav", false},
		{"unknown", "jack", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(Options{Backend: tt.backend, CaptureDir: t.TempDir()}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend: %v", err)
			}
			if b.Name() != tt.want {
				t.Fatalf("backend = %q, want %q", b.Name(), tt.want)
			}
		})
	}
}

func TestInfoLabel(t *testing.T) {
	if got := (Info{ID: "hw:0,0", Name: "usb dac: analog"}).Label(); got != "Usb Dac: Analog" {
		t.Fatalf("Label() = %q", got)
	}
	if got := (Info{ID: "hw:1,0"}).Label(); got != "Hw:1,0" {
		t.Fatalf("Label() fallback = %q", got)
	}
}

// busyCapsBackend fails capability queries once busy is set, the way a hw:
// device answers while a sink already holds it.
type busyCapsBackend struct {
	*Null
	busy atomic.Bool
}

func (b *busyCapsBackend) Capabilities(ctx context.Context, id string) (pcm.Capabilities, error) {
	if b.busy.Load() {
		return pcm.Capabilities{}, errors.New("audio open error: Device or resource busy")
	}
	return pcm.Capabilities{Rates: []int{44100, 48000}, Depths: []int{16}, MaxChannels: 2, Native: pcm.Default}, nil
}

func TestRefreshKeepsCapabilitiesWhileDeviceOpen(t *testing.T) {
	backend := &busyCapsBackend{Null: NewNull()}
	m := newTestManager(t, backend, filepath.Join(t.TempDir(), "engine.lock"))
	ctx := context.Background()
	if err := m.AcquireLock(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	known := m.RefreshCapabilities(ctx)
	if len(known.Rates) != 2 {
		t.Fatalf("capabilities = %+v", known)
	}
	if err := m.Configure(ctx, Request{Format: pcm.Default, Hardware: pcm.Default}); err != nil {
		t.Fatalf("configure: %v", err)
	}

	backend.busy.Store(true)
	if _, err := m.Refresh(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if got := m.Capabilities(); len(got.Rates) != 2 || got.Supports(pcm.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}) {
		t.Fatalf("capabilities lost while open: %+v", got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := m.RefreshCapabilities(ctx); len(got.Rates) != 0 {
		t.Fatalf("closed device should fall back to an open set, got %+v", got)
	}
}
