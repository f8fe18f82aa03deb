package config

// Source kinds.
const (
	SourceFIFO = "fifo"
	SourceHTTP = "http"
)

const (
	defaultConfigPath         = "~/.config/tonearm/config.toml"
	defaultStateFile          = "~/.config/tonearm/state.toml"
	defaultRuntimeDir         = "~/.local/state/tonearm"
	defaultLogDir             = "~/.local/state/tonearm/logs"
	defaultLockName           = "tonearm.lock"
	defaultSocketName         = "tonearm.sock"
	defaultStatusName         = "status.db"
	defaultFIFOPath           = "/tmp/tonearm.fifo"
	defaultHTTPURL            = "http://127.0.0.1:8000"
	defaultHeaderBudget       = 4096
	defaultBufferFrames       = 1024
	defaultReconnectInitialMS = 100
	defaultReconnectMaxMS     = 5000
	defaultMPDAddress         = "localhost:6600"
	defaultPollSeconds        = 5
	defaultBackend            = "alsa"
	defaultDeviceID           = "default"
	defaultWAVDir             = "~/.local/state/tonearm/capture"
	defaultLockTimeoutMS      = 500
	defaultInterpolationMS    = 20
	defaultLogFormat          = "console"
	defaultLogLevel           = "info"
	defaultLogRetentionDays   = 14
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateFile:  defaultStateFile,
			RuntimeDir: defaultRuntimeDir,
			LogDir:     defaultLogDir,
		},
		Source: Source{
			Kind:               SourceFIFO,
			FIFOPath:           defaultFIFOPath,
			HTTPURL:            defaultHTTPURL,
			HeaderBudget:       defaultHeaderBudget,
			BufferFrames:       defaultBufferFrames,
			ReconnectInitialMS: defaultReconnectInitialMS,
			ReconnectMaxMS:     defaultReconnectMaxMS,
		},
		MPD: MPD{
			Enabled:             true,
			Address:             defaultMPDAddress,
			PollIntervalSeconds: defaultPollSeconds,
		},
		Device: Device{
			Backend:       defaultBackend,
			DeviceID:      defaultDeviceID,
			WAVDir:        defaultWAVDir,
			LockTimeoutMS: defaultLockTimeoutMS,
		},
		DSP: DSP{
			InterpolationMS: defaultInterpolationMS,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
