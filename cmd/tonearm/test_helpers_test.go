package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"tonearm/internal/config"
	"tonearm/internal/device"
	"tonearm/internal/engine"
	"tonearm/internal/ipc"
	"tonearm/internal/logging"
	"tonearm/internal/pcm"
	"tonearm/internal/state"
	"tonearm/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	engine     *engine.Engine
	hub        *logging.StreamHub
	server     *ipc.Server
	socketPath string
	configPath string
	stopped    chan struct{}
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	configPath := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	writeTestConfig(t, configPath, cfg)

	status := testsupport.MustOpenStatus(t, cfg)
	logger := logging.NewNop()
	e, err := engine.New(engine.Config{
		MaxFrames:      256,
		BackoffInitial: time.Millisecond,
		BackoffMax:     10 * time.Millisecond,
	}, engine.Deps{
		Opener: &testsupport.BytesOpener{Data: testsupport.Silence(pcm.Default, 1024)},
		Device: device.NewManager(device.NewNull(), device.NewLock(cfg.Paths.LockFile, cfg.LockTimeout(), logger), "", logger),
		State:  state.NewStore(cfg.Paths.StateFile, logger),
		Status: status,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		_ = e.Run(ctx)
	}()
	waitFor(t, 5*time.Second, e.Running)

	hub := logging.NewStreamHub(32)
	stopped := make(chan struct{}, 1)
	srv, err := ipc.NewServer(ctx, cfg.Paths.SocketPath, e, ipc.Options{
		LockPath: cfg.Paths.LockFile,
		Logs:     hub,
		Shutdown: func() { stopped <- struct{}{} },
	}, logger)
	if err != nil {
		cancel()
		<-engineDone
		if strings.Contains(err.Error(), "operation not permitted") {
			t.Skipf("skipping CLI test: %v", err)
		}
		t.Fatalf("ipc.NewServer: %v", err)
	}
	srv.Serve()

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-engineDone
	})

	return &cliTestEnv{
		cfg:        cfg,
		engine:     e,
		hub:        hub,
		server:     srv,
		socketPath: cfg.Paths.SocketPath,
		configPath: configPath,
		stopped:    stopped,
	}
}

func runCLI(t *testing.T, args []string, socket, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	flags := []string{"--socket", socket}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
