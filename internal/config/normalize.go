package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizeSource(); err != nil {
		return err
	}
	c.normalizeMPD()
	if err := c.normalizeDevice(); err != nil {
		return err
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateFile) == "" {
		c.Paths.StateFile = defaultStateFile
	}
	if c.Paths.StateFile, err = expandPath(c.Paths.StateFile); err != nil {
		return fmt.Errorf("paths.state_file: %w", err)
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir
	}
	if c.Paths.RuntimeDir, err = expandPath(c.Paths.RuntimeDir); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.LockFile, err = c.runtimePath(c.Paths.LockFile, defaultLockName); err != nil {
		return fmt.Errorf("paths.lock_file: %w", err)
	}
	if c.Paths.SocketPath, err = c.runtimePath(c.Paths.SocketPath, defaultSocketName); err != nil {
		return fmt.Errorf("paths.socket_path: %w", err)
	}
	if c.Paths.StatusDB, err = c.runtimePath(c.Paths.StatusDB, defaultStatusName); err != nil {
		return fmt.Errorf("paths.status_db: %w", err)
	}
	return nil
}

// runtimePath expands value, defaulting to name inside the runtime dir.
func (c *Config) runtimePath(value, name string) (string, error) {
	if strings.TrimSpace(value) == "" {
		return filepath.Join(c.Paths.RuntimeDir, name), nil
	}
	return expandPath(value)
}

func (c *Config) normalizeSource() error {
	c.Source.Kind = strings.ToLower(strings.TrimSpace(c.Source.Kind))
	if c.Source.Kind == "" {
		c.Source.Kind = SourceFIFO
	}
	if value, ok := os.LookupEnv("TONEARM_FIFO"); ok && strings.TrimSpace(value) != "" {
		c.Source.FIFOPath = value
	}
	if strings.TrimSpace(c.Source.FIFOPath) == "" {
		c.Source.FIFOPath = defaultFIFOPath
	}
	var err error
	if c.Source.FIFOPath, err = expandPath(c.Source.FIFOPath); err != nil {
		return fmt.Errorf("source.fifo_path: %w", err)
	}
	c.Source.HTTPURL = strings.TrimSpace(c.Source.HTTPURL)
	if c.Source.HTTPURL == "" {
		c.Source.HTTPURL = defaultHTTPURL
	}
	if c.Source.HeaderBudget <= 0 {
		c.Source.HeaderBudget = defaultHeaderBudget
	}
	if c.Source.BufferFrames <= 0 {
		c.Source.BufferFrames = defaultBufferFrames
	}
	if c.Source.ReconnectInitialMS <= 0 {
		c.Source.ReconnectInitialMS = defaultReconnectInitialMS
	}
	if c.Source.ReconnectMaxMS <= 0 {
		c.Source.ReconnectMaxMS = defaultReconnectMaxMS
	}
	return nil
}

func (c *Config) normalizeMPD() {
	if value, ok := os.LookupEnv("MPD_HOST"); ok && strings.TrimSpace(value) != "" && strings.TrimSpace(c.MPD.Address) == defaultMPDAddress {
		c.MPD.Address = strings.TrimSpace(value)
	}
	if c.MPD.Password == "" {
		if value, ok := os.LookupEnv("MPD_PASSWORD"); ok {
			c.MPD.Password = value
		}
	}
	c.MPD.Address = strings.TrimSpace(c.MPD.Address)
	if c.MPD.Address == "" {
		c.MPD.Address = defaultMPDAddress
	}
	if c.MPD.PollIntervalSeconds <= 0 {
		c.MPD.PollIntervalSeconds = defaultPollSeconds
	}
}

func (c *Config) normalizeDevice() error {
	c.Device.Backend = strings.ToLower(strings.TrimSpace(c.Device.Backend))
	if c.Device.Backend == "" {
		c.Device.Backend = defaultBackend
	}
	c.Device.DeviceID = strings.TrimSpace(c.Device.DeviceID)
	if c.Device.DeviceID == "" {
		c.Device.DeviceID = defaultDeviceID
	}
	if strings.TrimSpace(c.Device.WAVDir) == "" {
		c.Device.WAVDir = defaultWAVDir
	}
	var err error
	if c.Device.WAVDir, err = expandPath(c.Device.WAVDir); err != nil {
		return fmt.Errorf("device.wav_dir: %w", err)
	}
	if c.Device.LockTimeoutMS <= 0 {
		c.Device.LockTimeoutMS = defaultLockTimeoutMS
	}
	return nil
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch format {
	case "", "console", "text":
		c.Logging.Format = "console"
	default:
		c.Logging.Format = format
	}
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
