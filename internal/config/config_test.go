package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pelletier/go-toml/v2"

	"tonearm/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MPD_HOST", "")
	t.Setenv("TONEARM_FIFO", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved != filepath.Join(tempHome, ".config", "tonearm", "config.toml") {
		t.Fatalf("unexpected resolved path %q", resolved)
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	runtime := filepath.Join(tempHome, ".local", "state", "tonearm")
	if cfg.Paths.RuntimeDir != runtime {
		t.Fatalf("runtime dir = %q, want %q", cfg.Paths.RuntimeDir, runtime)
	}
	if cfg.Paths.LockFile != filepath.Join(runtime, "tonearm.lock") {
		t.Fatalf("lock file = %q", cfg.Paths.LockFile)
	}
	if cfg.Paths.SocketPath != filepath.Join(runtime, "tonearm.sock") {
		t.Fatalf("socket path = %q", cfg.Paths.SocketPath)
	}
	if cfg.Paths.StatusDB != filepath.Join(runtime, "status.db") {
		t.Fatalf("status db = %q", cfg.Paths.StatusDB)
	}
	if cfg.Paths.StateFile != filepath.Join(tempHome, ".config", "tonearm", "state.toml") {
		t.Fatalf("state file = %q", cfg.Paths.StateFile)
	}
	if cfg.SourceLocation() != "/tmp/tonearm.fifo" {
		t.Fatalf("source location = %q", cfg.SourceLocation())
	}
	if cfg.Source.HeaderBudget != 4096 || cfg.DSP.InterpolationMS != 20 {
		t.Fatalf("unexpected source/dsp defaults: %+v %+v", cfg.Source, cfg.DSP)
	}
	if !cfg.MPD.Enabled || cfg.MPD.Address != "localhost:6600" {
		t.Fatalf("unexpected mpd defaults: %+v", cfg.MPD)
	}
	if cfg.Logging.Format != "console" || cfg.Logging.Level != "info" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MPD_HOST", "")

	configPath := filepath.Join(t.TempDir(), "config.toml")
	payload := map[string]any{
		"paths": map[string]any{
			"runtime_dir": "~/run",
			"lock_file":   "/tmp/custom.lock",
		},
		"source": map[string]any{
			"kind":     "HTTP",
			"http_url": "http://mpd.local:8000/stream.wav",
		},
		"mpd": map[string]any{
			"enabled":               false,
			"poll_interval_seconds": 0,
		},
		"device": map[string]any{
			"backend": "WAV",
			"wav_dir": "~/capture",
		},
		"logging": map[string]any{
			"format": "JSON",
			"level":  "Debug",
		},
	}
	data, err := toml.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists || resolved != configPath {
		t.Fatalf("expected %q to exist, got %q exists=%v", configPath, resolved, exists)
	}
	if cfg.Paths.RuntimeDir != filepath.Join(tempHome, "run") {
		t.Fatalf("runtime dir = %q", cfg.Paths.RuntimeDir)
	}
	if cfg.Paths.LockFile != "/tmp/custom.lock" {
		t.Fatalf("lock file = %q", cfg.Paths.LockFile)
	}
	if cfg.Paths.SocketPath != filepath.Join(tempHome, "run", "tonearm.sock") {
		t.Fatalf("socket path = %q", cfg.Paths.SocketPath)
	}
	if cfg.Source.Kind != config.SourceHTTP || cfg.SourceLocation() != "http://mpd.local:8000/stream.wav" {
		t.Fatalf("unexpected source: %+v", cfg.Source)
	}
	if cfg.MPD.Enabled || cfg.MPD.PollIntervalSeconds != 5 {
		t.Fatalf("unexpected mpd: %+v", cfg.MPD)
	}
	if cfg.Device.Backend != "wav" || cfg.Device.WAVDir != filepath.Join(tempHome, "capture") {
		t.Fatalf("unexpected device: %+v", cfg.Device)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Fatalf("unexpected logging: %+v", cfg.Logging)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("MPD_HOST", "/run/mpd/socket")
	t.Setenv("MPD_PASSWORD", "secret")
	t.Setenv("TONEARM_FIFO", "/tmp/other.fifo")

	cfg, _, _, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MPD.Address != "/run/mpd/socket" || cfg.MPD.Password != "secret" {
		t.Fatalf("mpd env not applied: %+v", cfg.MPD)
	}
	if cfg.Source.FIFOPath != "/tmp/other.fifo" {
		t.Fatalf("fifo env not applied: %q", cfg.Source.FIFOPath)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	configPath := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(configPath, []byte("[device]\nbackend = \"null\"\nbakend = \"alsa\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, _, err := config.Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "bakend") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestCreateSample(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if string(data) != config.SampleConfig() {
		t.Fatal("sample file differs from embedded sample")
	}
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "source kind",
			mutate:  func(c *config.Config) { c.Source.Kind = "tcp" },
			wantErr: "source.kind",
		},
		{
			name: "http url",
			mutate: func(c *config.Config) {
				c.Source.Kind = config.SourceHTTP
				c.Source.HTTPURL = "mpd.local:8000"
			},
			wantErr: "source.http_url",
		},
		{
			name:    "header budget",
			mutate:  func(c *config.Config) { c.Source.HeaderBudget = 12 },
			wantErr: "source.header_budget",
		},
		{
			name: "reconnect bounds",
			mutate: func(c *config.Config) {
				c.Source.ReconnectInitialMS = 500
				c.Source.ReconnectMaxMS = 100
			},
			wantErr: "source.reconnect_max_ms",
		},
		{
			name:    "backend",
			mutate:  func(c *config.Config) { c.Device.Backend = "pulse" },
			wantErr: "device.backend",
		},
		{
			name:    "interpolation",
			mutate:  func(c *config.Config) { c.DSP.InterpolationMS = 5000 },
			wantErr: "dsp.interpolation_ms",
		},
		{
			name:    "log format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name: "lock equals state",
			mutate: func(c *config.Config) {
				c.Paths.LockFile = "/tmp/x"
				c.Paths.StateFile = "/tmp/x"
			},
			wantErr: "paths.lock_file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Paths.LockFile = "/tmp/tonearm.lock"
			cfg.Paths.SocketPath = "/tmp/tonearm.sock"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}

	cfg := config.Default()
	cfg.Paths.LockFile = "/tmp/tonearm.lock"
	cfg.Paths.SocketPath = "/tmp/tonearm.sock"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.RuntimeDir = filepath.Join(base, "run")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.StateFile = filepath.Join(base, "conf", "state.toml")
	cfg.Paths.LockFile = filepath.Join(base, "run", "tonearm.lock")
	cfg.Paths.SocketPath = filepath.Join(base, "run", "tonearm.sock")
	cfg.Paths.StatusDB = filepath.Join(base, "db", "status.db")
	cfg.Device.Backend = "wav"
	cfg.Device.WAVDir = filepath.Join(base, "capture")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{"run", "logs", "conf", "db", "capture"} {
		if info, err := os.Stat(filepath.Join(base, dir)); err != nil || !info.IsDir() {
			t.Fatalf("expected directory %s: %v", dir, err)
		}
	}
}
