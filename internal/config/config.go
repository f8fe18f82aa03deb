package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains file and directory locations.
type Paths struct {
	StateFile  string `toml:"state_file"`
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
	LockFile   string `toml:"lock_file"`
	SocketPath string `toml:"socket_path"`
	StatusDB   string `toml:"status_db"`
}

// Source describes where PCM comes from.
type Source struct {
	Kind               string `toml:"kind"`
	FIFOPath           string `toml:"fifo_path"`
	HTTPURL            string `toml:"http_url"`
	HeaderBudget       int    `toml:"header_budget"`
	BufferFrames       int    `toml:"buffer_frames"`
	ReconnectInitialMS int    `toml:"reconnect_initial_ms"`
	ReconnectMaxMS     int    `toml:"reconnect_max_ms"`
}

// MPD contains the player connection used for format negotiation and
// crossfade.
type MPD struct {
	Enabled             bool   `toml:"enabled"`
	Address             string `toml:"address"`
	Password            string `toml:"password"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

// Device selects the output backend.
type Device struct {
	Backend       string `toml:"backend"`
	DeviceID      string `toml:"device_id"`
	WAVDir        string `toml:"wav_dir"`
	LockTimeoutMS int    `toml:"lock_timeout_ms"`
}

// DSP tunes the processing chain.
type DSP struct {
	InterpolationMS int  `toml:"interpolation_ms"`
	Headroom        bool `toml:"headroom"`
	Limiter         bool `toml:"limiter"`
}

// Logging contains log output configuration.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for tonearm.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Source  Source  `toml:"source"`
	MPD     MPD     `toml:"mpd"`
	Device  Device  `toml:"device"`
	DSP     DSP     `toml:"dsp"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			var strict *toml.StrictMissingError
			if errors.As(err, &strict) {
				keys := make([]string, 0, len(strict.Errors))
				for _, e := range strict.Errors {
					keys = append(keys, strings.Join(e.Key(), "."))
				}
				return nil, "", false, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
			}
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("tonearm.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.RuntimeDir,
		c.Paths.LogDir,
		filepath.Dir(c.Paths.StateFile),
		filepath.Dir(c.Paths.LockFile),
		filepath.Dir(c.Paths.SocketPath),
		filepath.Dir(c.Paths.StatusDB),
	}
	if c.Device.Backend == "wav" {
		dirs = append(dirs, c.Device.WAVDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// SourceLocation returns the FIFO path or stream URL for the configured
// source kind.
func (c *Config) SourceLocation() string {
	if c.Source.Kind == SourceHTTP {
		return c.Source.HTTPURL
	}
	return c.Source.FIFOPath
}

// ReconnectBackoff returns the source reconnect bounds.
func (c *Config) ReconnectBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Source.ReconnectInitialMS) * time.Millisecond,
		time.Duration(c.Source.ReconnectMaxMS) * time.Millisecond
}

// LockTimeout bounds device lock acquisition before falling back to UI-only.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Device.LockTimeoutMS) * time.Millisecond
}

// PollInterval is the slow MPD status poll.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.MPD.PollIntervalSeconds) * time.Second
}

// Interpolation is the coefficient interpolation window.
func (c *Config) Interpolation() time.Duration {
	return time.Duration(c.DSP.InterpolationMS) * time.Millisecond
}

// PIDPath is where the daemon records its process id.
func (c *Config) PIDPath() string {
	return filepath.Join(c.Paths.RuntimeDir, "tonearm.pid")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
