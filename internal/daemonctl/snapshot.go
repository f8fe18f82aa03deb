package daemonctl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"tonearm/internal/config"
	"tonearm/internal/device"
	"tonearm/internal/ipc"
	"tonearm/internal/statusdb"
)

// statusMaxAge is how old a published engine status may be before it no
// longer describes a live owner.
const statusMaxAge = 5 * time.Second

// CheckLine is one readiness line in `tonearm status`.
type CheckLine struct {
	Label    string `json:"label"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Snapshot is everything `tonearm status` shows. Daemon is nil when no daemon
// answers; Engine then comes straight from the status database.
type Snapshot struct {
	Daemon      *ipc.StatusResponse `json:"daemon,omitempty"`
	Engine      statusdb.Status     `json:"engine"`
	EngineKnown bool                `json:"engine_known"`
	Holder      *device.Holder      `json:"lock_holder,omitempty"`
	Checks      []CheckLine         `json:"checks"`
}

// BuildStatusSnapshot asks the daemon for status and falls back to the status
// database and lock holder record when it is not running.
func BuildStatusSnapshot(ctx context.Context, socketPath string, cfg *config.Config) (*Snapshot, error) {
	if cfg == nil {
		return nil, errors.New("configuration not available")
	}
	snap := &Snapshot{}

	if client, err := ipc.Dial(socketPath); err == nil {
		resp, statusErr := client.Status()
		_ = client.Close()
		if statusErr == nil {
			snap.Daemon = resp
			snap.Engine = resp.Report.Engine
			snap.EngineKnown = resp.Report.EngineKnown
		}
	}

	if snap.Daemon == nil {
		if _, err := os.Stat(cfg.Paths.StatusDB); err == nil {
			if store, err := statusdb.Open(cfg.Paths.StatusDB); err == nil {
				queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				st, ok, readErr := store.Read(queryCtx)
				cancel()
				_ = store.Close()
				if readErr == nil && ok {
					snap.Engine = st
					snap.EngineKnown = !st.Stale(time.Now(), statusMaxAge)
				}
			}
		}
	}

	lock := device.NewLock(cfg.Paths.LockFile, 0, nil)
	if holder, err := lock.ReadHolder(); err == nil && holder.PID > 0 {
		snap.Holder = &holder
	}

	snap.Checks = BuildChecks(cfg, snap)
	return snap, nil
}

// BuildChecks resolves readiness lines from configuration and runtime state.
func BuildChecks(cfg *config.Config, snap *Snapshot) []CheckLine {
	lines := make([]CheckLine, 0, 5)
	switch {
	case snap.Daemon != nil && snap.Daemon.Report.Mode == "owner":
		lines = append(lines, CheckLine{Label: "Daemon", Severity: "ok", Detail: fmt.Sprintf("Running (pid %d, device owner)", snap.Daemon.PID)})
	case snap.Daemon != nil:
		lines = append(lines, CheckLine{Label: "Daemon", Severity: "warn", Detail: fmt.Sprintf("Running UI-only (pid %d)", snap.Daemon.PID)})
	default:
		lines = append(lines, CheckLine{Label: "Daemon", Severity: "warn", Detail: "Not running (run `tonearm start`)"})
	}

	switch {
	case snap.Holder != nil && snap.Daemon != nil && snap.Holder.PID == snap.Daemon.PID:
		lines = append(lines, CheckLine{Label: "Device Lock", Severity: "ok", Detail: "Held by daemon"})
	case snap.Holder != nil:
		lines = append(lines, CheckLine{Label: "Device Lock", Severity: "info", Detail: fmt.Sprintf("Held by pid %d", snap.Holder.PID)})
	default:
		lines = append(lines, CheckLine{Label: "Device Lock", Severity: "info", Detail: "Free"})
	}

	lines = append(lines, sourceCheck(cfg))
	lines = append(lines, backendCheck(cfg))

	if cfg.MPD.Enabled {
		lines = append(lines, CheckLine{Label: "MPD", Severity: "info", Detail: cfg.MPD.Address})
	} else {
		lines = append(lines, CheckLine{Label: "MPD", Severity: "info", Detail: "Disabled (format from stream header only)"})
	}
	return lines
}

func sourceCheck(cfg *config.Config) CheckLine {
	if cfg.Source.Kind == config.SourceHTTP {
		return CheckLine{Label: "Source", Severity: "info", Detail: cfg.Source.HTTPURL}
	}
	info, err := os.Stat(cfg.Source.FIFOPath)
	switch {
	case err != nil:
		return CheckLine{Label: "Source", Severity: "warn", Detail: cfg.Source.FIFOPath + " missing (created on start)"}
	case info.Mode()&os.ModeNamedPipe == 0:
		return CheckLine{Label: "Source", Severity: "error", Detail: cfg.Source.FIFOPath + " is not a FIFO"}
	default:
		return CheckLine{Label: "Source", Severity: "ok", Detail: cfg.Source.FIFOPath}
	}
}

func backendCheck(cfg *config.Config) CheckLine {
	if cfg.Device.Backend == "alsa" {
		if _, err := exec.LookPath("aplay"); err != nil {
			return CheckLine{Label: "Output", Severity: "error", Detail: "alsa backend needs aplay (alsa-utils)"}
		}
	}
	return CheckLine{Label: "Output", Severity: "ok", Detail: cfg.Device.Backend + " / " + cfg.Device.DeviceID}
}
