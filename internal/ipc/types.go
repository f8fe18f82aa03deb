package ipc

import (
	"tonearm/internal/device"
	"tonearm/internal/engine"
	"tonearm/internal/eq"
	"tonearm/internal/logging"
	"tonearm/internal/state"
)

// StatusRequest queries daemon status.
type StatusRequest struct{}

// StatusResponse describes the daemon and the engine it runs.
type StatusResponse struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid"`
	SocketPath string        `json:"socket_path"`
	LockPath   string        `json:"lock_path"`
	LogPath    string        `json:"log_path,omitempty"`
	Report     engine.Report `json:"report"`
}

// StopRequest asks the daemon to shut down.
type StopRequest struct{}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// SettingsRequest reads the listener settings.
type SettingsRequest struct{}

// SettingsResponse carries the listener settings after a change.
type SettingsResponse struct {
	Settings state.Config `json:"settings"`
}

// EQRequest toggles the equalizer. Reset flattens the bands instead.
type EQRequest struct {
	Enabled bool `json:"enabled"`
	Reset   bool `json:"reset,omitempty"`
}

// BandRequest sets one band gain.
type BandRequest struct {
	Index  int     `json:"index"`
	GainDB float64 `json:"gain_db"`
}

// PresetRequest names a preset to apply, save or delete.
type PresetRequest struct {
	Name string `json:"name"`
}

// PresetsRequest lists presets.
type PresetsRequest struct{}

// PresetsResponse lists factory presets first, then user presets.
type PresetsResponse struct {
	Presets []eq.Preset `json:"presets"`
	Current string      `json:"current,omitempty"`
}

// PreampRequest sets the preamp gain.
type PreampRequest struct {
	DB float64 `json:"db"`
}

// BalanceRequest sets the left/right balance.
type BalanceRequest struct {
	Balance float64 `json:"balance"`
}

// CrossfadeRequest sets the crossfade seconds, or advances the 0/2/4/6 cycle
// when Next is set.
type CrossfadeRequest struct {
	Seconds int  `json:"seconds"`
	Next    bool `json:"next,omitempty"`
}

// DevicesRequest lists output devices.
type DevicesRequest struct{}

// DevicesResponse lists output devices of the active backend.
type DevicesResponse struct {
	Backend string        `json:"backend"`
	Devices []device.Info `json:"devices"`
}

// SelectDeviceRequest switches output.
type SelectDeviceRequest struct {
	ID string `json:"id"`
}

// LogsRequest reads the daemon log stream. Since is the last sequence the
// client has seen; Follow waits for new events.
type LogsRequest struct {
	Since  uint64 `json:"since"`
	Limit  int    `json:"limit"`
	Follow bool   `json:"follow,omitempty"`
}

// LogsResponse carries log events and the sequence to resume from.
type LogsResponse struct {
	Events []logging.LogEvent `json:"events"`
	Next   uint64             `json:"next"`
}
