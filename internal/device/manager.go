package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"tonearm/internal/faults"
	"tonearm/internal/logging"
	"tonearm/internal/pcm"
)

// State is a snapshot of the output side for status reporting.
type State struct {
	Owner       bool       `json:"owner"`
	Backend     string     `json:"backend"`
	DeviceID    string     `json:"device_id"`
	Open        bool       `json:"open"`
	Format      pcm.Format `json:"format"`
	Hardware    pcm.Format `json:"hardware"`
	Degraded    bool       `json:"degraded"`
	HolderPID   int        `json:"holder_pid,omitempty"`
	Frames      uint64     `json:"frames"`
	WriteErrors uint64     `json:"write_errors"`
}

// Request asks the manager to run the sink at Format. Hardware is the format
// the device is expected to settle on; it differs from Format only when
// Convert is set.
type Request struct {
	Format   pcm.Format
	Hardware pcm.Format
	Convert  bool
}

// Manager owns the output device. Configure, Write and Close belong to the
// audio goroutine; the remaining methods are for the control path.
type Manager struct {
	backend Backend
	lock    *Lock
	logger  *slog.Logger

	mu       sync.Mutex
	selected string
	devices  []Info
	caps     atomic.Pointer[pcm.Capabilities]
	reopen   atomic.Bool

	sink    Sink
	request Request
	state   atomic.Pointer[State]

	frames    atomic.Uint64
	writeErrs atomic.Uint64
}

// NewManager wires a backend to a lock. deviceID selects the initial output;
// empty means the backend default.
func NewManager(backend Backend, lock *Lock, deviceID string, logger *slog.Logger) *Manager {
	if deviceID == "" {
		deviceID = DefaultID
	}
	m := &Manager{
		backend:  backend,
		lock:     lock,
		logger:   logging.NewComponentLogger(logger, "device"),
		selected: deviceID,
	}
	m.caps.Store(&pcm.Capabilities{})
	m.publishState()
	return m
}

// Backend returns the active backend name.
func (m *Manager) Backend() string { return m.backend.Name() }

// Selected returns the selected device id.
func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Owner reports whether this instance holds the device lock.
func (m *Manager) Owner() bool { return m.lock.Held() }

// AcquireLock claims exclusive ownership of the output device.
func (m *Manager) AcquireLock(ctx context.Context) error {
	err := m.lock.Acquire(ctx)
	m.publishState()
	return err
}

// ReleaseLock closes the sink and gives up ownership. The audio goroutine
// must have stopped.
func (m *Manager) ReleaseLock() error {
	closeErr := m.Close()
	releaseErr := m.lock.Release()
	m.publishState()
	return errors.Join(closeErr, releaseErr)
}

// ListDevices enumerates outputs and marks the selected one.
func (m *Manager) ListDevices(ctx context.Context) ([]Info, error) {
	devices, err := m.backend.Devices(ctx)
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "device", "list", m.backend.Name(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range devices {
		devices[i].Selected = devices[i].ID == m.selected
	}
	m.devices = devices
	return devices, nil
}

// SelectDevice switches output to id. The sink reopens before the next frame.
func (m *Manager) SelectDevice(ctx context.Context, id string) error {
	if !m.lock.Held() {
		return faults.Wrap(faults.ErrNotDeviceOwner, "device", "select", id, nil)
	}
	if id == "" {
		id = DefaultID
	}
	devices, err := m.ListDevices(ctx)
	if err != nil {
		return err
	}
	if !containsDevice(devices, id) {
		return faults.Wrap(faults.ErrNotFound, "device", "select", fmt.Sprintf("no device %q", id), nil)
	}
	m.mu.Lock()
	m.selected = id
	m.mu.Unlock()
	m.RefreshCapabilities(ctx)
	m.reopen.Store(true)
	m.logger.Info("output device selected",
		logging.String(logging.FieldEventType, "device_selected"),
		logging.String(logging.FieldDevice, id),
	)
	return nil
}

func containsDevice(devices []Info, id string) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Refresh re-enumerates after a hotplug event. A vanished selection falls
// back to the default device at the next reconfiguration. It reports whether
// the selection changed.
func (m *Manager) Refresh(ctx context.Context) (bool, error) {
	devices, err := m.ListDevices(ctx)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	selected := m.selected
	missing := selected != DefaultID && !containsDevice(devices, selected)
	if missing {
		m.selected = DefaultID
	}
	m.mu.Unlock()
	if missing {
		logging.WarnWithContext(m.logger, "selected device disappeared", "device_removed",
			logging.String(logging.FieldDevice, selected),
			logging.String(logging.FieldErrorHint, "reconnect the device or select another with tonearm devices select"),
			logging.String(logging.FieldImpact, "playback moves to the default device"),
		)
		m.reopen.Store(true)
	}
	m.RefreshCapabilities(ctx)
	return missing, nil
}

// RefreshCapabilities queries the selected device. A failed query while our
// own sink holds the device keeps the previous set, since the device is busy
// with us; otherwise the set is left open so negotiation asks for the exact
// source format.
func (m *Manager) RefreshCapabilities(ctx context.Context) pcm.Capabilities {
	caps, err := m.backend.Capabilities(ctx, m.Selected())
	if err != nil {
		m.logger.Debug("capability query failed", logging.Error(err))
		if m.state.Load().Open {
			return *m.caps.Load()
		}
		caps = pcm.Capabilities{}
	}
	m.caps.Store(&caps)
	return caps
}

// Capabilities returns the cached capabilities of the selected device.
func (m *Manager) Capabilities() pcm.Capabilities {
	return *m.caps.Load()
}

// NeedsReopen reports a pending device switch.
func (m *Manager) NeedsReopen() bool {
	return m.reopen.Load()
}

// Configure makes the sink match req, reopening it when the format, mode or
// device changed. Ownership is verified on every call.
func (m *Manager) Configure(ctx context.Context, req Request) error {
	if err := m.lock.Verify(); err != nil {
		m.publishState()
		return err
	}
	if m.sink != nil && m.request == req && !m.reopen.Load() {
		return nil
	}
	if err := m.closeSink(); err != nil {
		m.logger.Debug("previous output closed with error", logging.Error(err))
	}
	m.reopen.Store(false)

	id := m.Selected()
	sink, err := m.backend.Open(ctx, id, req.Format, req.Convert)
	if err != nil {
		m.publishState()
		return faults.Wrap(faults.ErrDeviceInit, "device", "open", fmt.Sprintf("%s %s", id, req.Format), err)
	}
	m.sink = sink
	m.request = req
	m.publishState()
	m.logger.Info("output configured",
		logging.String(logging.FieldEventType, "device_configured"),
		logging.String(logging.FieldDevice, id),
		logging.String(logging.FieldFormat, req.Format.String()),
		logging.Bool("convert", req.Convert),
	)
	return nil
}

// Write plays one frame. Non-owners never reach the backend.
func (m *Manager) Write(fr *pcm.Frame) error {
	if !m.lock.Held() {
		return faults.ErrNotDeviceOwner
	}
	if m.sink == nil {
		return errNoSink
	}
	if fr.Format != m.request.Format {
		return errFormatMismatch
	}
	if err := m.sink.Write(fr); err != nil {
		m.writeErrs.Add(1)
		// A sink that failed once is reopened at the next Configure.
		m.reopen.Store(true)
		return faults.Wrap(faults.ErrTransient, "device", "write", m.backend.Name(), err)
	}
	m.frames.Add(uint64(fr.Frames()))
	return nil
}

var (
	errNoSink         = faults.Wrap(faults.ErrDeviceInit, "device", "write", "no output open", nil)
	errFormatMismatch = faults.Wrap(faults.ErrTransient, "device", "write", "frame format differs from sink", nil)
)

// Close drains and closes the sink.
func (m *Manager) Close() error {
	err := m.closeSink()
	m.publishState()
	return err
}

func (m *Manager) closeSink() error {
	if m.sink == nil {
		return nil
	}
	drainErr := m.sink.Drain()
	closeErr := m.sink.Close()
	m.sink = nil
	m.request = Request{}
	return errors.Join(drainErr, closeErr)
}

// State returns the latest snapshot with live counters.
func (m *Manager) State() State {
	st := *m.state.Load()
	st.Owner = m.lock.Held()
	st.Frames = m.frames.Load()
	st.WriteErrors = m.writeErrs.Load()
	return st
}

func (m *Manager) publishState() {
	st := State{
		Owner:    m.lock.Held(),
		Backend:  m.backend.Name(),
		DeviceID: m.Selected(),
		Open:     m.sink != nil,
		Format:   m.request.Format,
		Hardware: m.request.Hardware,
		Degraded: m.request.Convert,
	}
	if st.Owner {
		st.HolderPID = os.Getpid()
	} else if h, err := m.lock.ReadHolder(); err == nil {
		st.HolderPID = h.PID
	}
	m.state.Store(&st)
}
