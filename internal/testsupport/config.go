package testsupport

import (
	"path/filepath"
	"testing"

	"tonearm/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a per-test temp directory, with its
// directories created. It uses the null backend and no MPD connection unless
// options say otherwise.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateFile = filepath.Join(base, "config", "state.toml")
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.LockFile = filepath.Join(base, "run", "tonearm.lock")
	cfgVal.Paths.SocketPath = filepath.Join(base, "run", "tonearm.sock")
	cfgVal.Paths.StatusDB = filepath.Join(base, "run", "status.db")
	cfgVal.Source.FIFOPath = filepath.Join(base, "tonearm.fifo")
	cfgVal.Source.ReconnectInitialMS = 1
	cfgVal.Source.ReconnectMaxMS = 10
	cfgVal.MPD.Enabled = false
	cfgVal.Device.Backend = "null"
	cfgVal.Device.WAVDir = filepath.Join(base, "capture")
	cfgVal.Device.LockTimeoutMS = 50

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("create test directories: %v", err)
	}
	return builder.cfg
}

// WithBackend selects the output backend.
func WithBackend(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Device.Backend = name
	}
}

// WithMPD enables the MPD client against addr.
func WithMPD(addr string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.MPD.Enabled = true
		b.cfg.MPD.Address = addr
	}
}

// WithHTTPSource reads from url instead of the FIFO.
func WithHTTPSource(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Source.Kind = config.SourceHTTP
		b.cfg.Source.HTTPURL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.RuntimeDir)
}
