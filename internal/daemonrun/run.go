package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tonearm/internal/config"
	"tonearm/internal/device"
	"tonearm/internal/engine"
	"tonearm/internal/ipc"
	"tonearm/internal/logging"
	"tonearm/internal/negotiate"
	"tonearm/internal/source"
	"tonearm/internal/state"
	"tonearm/internal/statusdb"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
	Diagnostic  bool
	// Foreground keeps console output on stdout in addition to the log file.
	Foreground bool
}

const logPointerName = "tonearmd.log"

// Run starts the tonearm daemon and blocks until a signal or a stop request.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("tonearmd-%s.log", runID))
	logHub := logging.NewStreamHub(2048)

	var sessionID, debugLogPath string
	if opts.Diagnostic {
		sessionID = uuid.NewString()
		debugDir := filepath.Join(cfg.Paths.LogDir, "debug")
		if err := os.MkdirAll(debugDir, 0o755); err != nil {
			return fmt.Errorf("create debug log directory: %w", err)
		}
		debugLogPath = filepath.Join(debugDir, fmt.Sprintf("tonearmd-%s.log", runID))
	}

	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	outputs := []string{logPath}
	errOutputs := []string{logPath}
	if opts.Foreground {
		outputs = append([]string{"stdout"}, outputs...)
		errOutputs = append([]string{"stderr"}, errOutputs...)
	}
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      outputs,
		ErrorOutputPaths: errOutputs,
		Development:      opts.Development,
		Stream:           logHub,
		SessionID:        sessionID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	if opts.Diagnostic {
		debugLogger, debugErr := logging.New(logging.Options{
			Level:            "debug",
			Format:           "json",
			OutputPaths:      []string{debugLogPath},
			ErrorOutputPaths: []string{debugLogPath},
			Development:      true,
			SessionID:        sessionID,
		})
		if debugErr != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to initialize debug logger: %v\n", debugErr)
		} else {
			logger = logging.TeeLogger(logger, debugLogger.Handler())
			if err := ensureCurrentLogPointer(filepath.Join(cfg.Paths.LogDir, "debug"), debugLogPath); err != nil {
				fmt.Fprintf(os.Stderr, "warn: unable to update debug/%s link: %v\n", logPointerName, err)
			}
		}
		logger.Info("diagnostic mode enabled",
			logging.String(logging.FieldEventType, "diagnostic_mode_enabled"),
			logging.String(logging.FieldSessionID, sessionID),
			logging.String("debug_log_path", debugLogPath),
		)
	}

	logDependencySnapshot(logger, cfg)
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logPointerName, err)
	}
	logging.CleanupOldLogs(logger, cfg.Logging.RetentionDays,
		logging.RetentionTarget{Dir: cfg.Paths.LogDir, Pattern: "tonearmd-*.log", Keep: []string{logPath}},
		logging.RetentionTarget{Dir: filepath.Join(cfg.Paths.LogDir, "debug"), Pattern: "tonearmd-*.log", Keep: []string{debugLogPath}},
	)

	pidPath := cfg.PIDPath()
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	status, err := statusdb.Open(cfg.Paths.StatusDB)
	if err != nil {
		logging.WarnWithContext(logger, "status database unavailable", "status_db_open_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check permissions on "+cfg.Paths.StatusDB),
			logging.String(logging.FieldImpact, "other instances cannot see engine status"),
		)
	} else {
		defer status.Close()
	}

	e, mpdClient, err := buildEngine(cfg, status, logger)
	if err != nil {
		return err
	}
	if mpdClient != nil {
		defer mpdClient.Close()
	}

	engineCtx, stopEngine := context.WithCancel(signalCtx)
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- e.Run(engineCtx)
	}()

	ipcServer, err := ipc.NewServer(signalCtx, cfg.Paths.SocketPath, e, ipc.Options{
		LockPath: cfg.Paths.LockFile,
		LogPath:  logPath,
		Logs:     logHub,
		Shutdown: cancel,
	}, logger)
	if err != nil {
		stopEngine()
		<-engineDone
		return fmt.Errorf("start IPC server: %w", err)
	}
	ipcServer.Serve()

	logger.Info("tonearm daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("socket", cfg.Paths.SocketPath),
		logging.String(logging.FieldStream, cfg.SourceLocation()),
		logging.String("backend", cfg.Device.Backend),
	)

	var runErr error
	select {
	case <-signalCtx.Done():
	case runErr = <-engineDone:
		engineDone = nil
	}

	logger.Info("tonearm daemon shutting down", logging.String(logging.FieldEventType, "daemon_stopping"))
	ipcServer.Close()
	stopEngine()
	if engineDone != nil {
		runErr = <-engineDone
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logging.ErrorWithContext(logger, "engine exited with error", "engine_failed",
			logging.Error(runErr),
			logging.String(logging.FieldErrorHint, "check the state file and device configuration"),
			logging.String(logging.FieldImpact, "the daemon stops"),
		)
		return runErr
	}
	return nil
}

func buildEngine(cfg *config.Config, status *statusdb.Store, logger *slog.Logger) (*engine.Engine, *negotiate.MPDClient, error) {
	backend, err := device.NewBackend(device.Options{
		Backend:    cfg.Device.Backend,
		CaptureDir: cfg.Device.WAVDir,
		MaxFrames:  cfg.Source.BufferFrames,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open output backend: %w", err)
	}
	lock := device.NewLock(cfg.Paths.LockFile, cfg.LockTimeout(), logger)
	manager := device.NewManager(backend, lock, cfg.Device.DeviceID, logger)

	deps := engine.Deps{
		Opener: source.NewOpener(cfg.SourceLocation(), cfg.Source.Kind == config.SourceFIFO),
		Device: manager,
		State:  state.NewStore(cfg.Paths.StateFile, logger),
		Status: status,
		Logger: logger,
	}
	var mpdClient *negotiate.MPDClient
	if cfg.MPD.Enabled {
		mpdClient = negotiate.NewMPDClient(cfg.MPD.Address, cfg.MPD.Password, logger)
		deps.Querier = mpdClient
		deps.Crossfader = mpdClient
	}

	initial, maxBackoff := cfg.ReconnectBackoff()
	e, err := engine.New(engine.Config{
		MaxFrames:      cfg.Source.BufferFrames,
		HeaderBudget:   cfg.Source.HeaderBudget,
		BackoffInitial: initial,
		BackoffMax:     maxBackoff,
		Interpolation:  cfg.Interpolation(),
		Headroom:       cfg.DSP.Headroom,
		Limiter:        cfg.DSP.Limiter,
		PollInterval:   cfg.PollInterval(),
	}, deps)
	if err != nil {
		if mpdClient != nil {
			_ = mpdClient.Close()
		}
		return nil, nil, fmt.Errorf("create engine: %w", err)
	}
	return e, mpdClient, nil
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logPointerName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []any{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.String("backend", cfg.Device.Backend),
		logging.String(logging.FieldDevice, cfg.Device.DeviceID),
		logging.String("source_kind", cfg.Source.Kind),
		logging.Bool("mpd_enabled", cfg.MPD.Enabled),
	}
	if cfg.Device.Backend == "alsa" {
		attrs = append(attrs, logging.Bool("aplay_available", binaryAvailable("aplay")))
	}
	if cfg.MPD.Enabled {
		attrs = append(attrs, logging.String("mpd_address", cfg.MPD.Address))
	}
	logger.Info("dependency snapshot", attrs...)
}

func binaryAvailable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
