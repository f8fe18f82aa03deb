package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tonearm/internal/device"
	"tonearm/internal/engine"
	"tonearm/internal/eq"
	"tonearm/internal/faults"
	"tonearm/internal/logging"
	"tonearm/internal/state"
)

// ServiceName prefixes every RPC method.
const ServiceName = "Tonearm"

const (
	callTimeout = 5 * time.Second
	// drainTimeout bounds how long Close waits for replies in flight.
	drainTimeout = 2 * time.Second
	// followWait bounds one long-poll of the log stream.
	followWait = 10 * time.Second
)

// Controller is the engine surface served over the socket.
type Controller interface {
	Status(ctx context.Context) (engine.Report, error)
	Settings(ctx context.Context) (state.Config, error)
	SetEQEnabled(ctx context.Context, enabled bool) (state.Config, error)
	SetBand(ctx context.Context, index int, gainDB float64) (state.Config, error)
	ResetEQ(ctx context.Context) (state.Config, error)
	ApplyPreset(ctx context.Context, name string) (state.Config, error)
	SavePreset(ctx context.Context, name string) (state.Config, error)
	DeletePreset(ctx context.Context, name string) (state.Config, error)
	Presets(ctx context.Context) ([]eq.Preset, error)
	SetPreamp(ctx context.Context, db float64) (state.Config, error)
	SetBalance(ctx context.Context, balance float64) (state.Config, error)
	SetCrossfade(ctx context.Context, seconds int) (state.Config, error)
	CycleCrossfade(ctx context.Context) (state.Config, error)
	ListDevices(ctx context.Context) ([]device.Info, error)
	SelectDevice(ctx context.Context, id string) (state.Config, error)
}

// Options describe the daemon for status replies. Shutdown is called when a
// client asks the daemon to stop.
type Options struct {
	LockPath string
	LogPath  string
	Logs     *logging.StreamHub
	Shutdown func()
}

// Server exposes engine control via JSON-RPC over a Unix domain socket.
type Server struct {
	path      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	inflight atomic.Int64
}

// NewServer configures the IPC server at the given socket path.
func NewServer(ctx context.Context, path string, ctrl Controller, opts Options, logger *slog.Logger) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("ipc server requires an engine")
	}
	logger = logging.NewComponentLogger(logger, "ipc")

	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	rpcServer := rpc.NewServer()
	srv := &service{ctrl: ctrl, opts: opts, socket: path, logger: logger, ctx: serverCtx}
	if err := rpcServer.RegisterName(ServiceName, srv); err != nil {
		cancel()
		listener.Close()
		return nil, fmt.Errorf("register rpc service: %w", err)
	}

	return &Server{
		path:      path,
		logger:    logger,
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}, nil
}

// Path returns the socket location.
func (s *Server) Path() string { return s.path }

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("socket", s.path))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed",
					logging.Error(err),
					logging.String(logging.FieldEventType, "ipc_accept_failed"),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "Check socket permissions and restart the daemon if needed"))
				continue
			}
			s.track(conn, true)
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				defer s.track(c, false)
				s.rpcServer.ServeCodec(&trackedCodec{ServerCodec: jsonrpc.NewServerCodec(c), inflight: &s.inflight})
			}(conn)
		}
	}()
}

func (s *Server) track(c net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// trackedCodec counts calls between reading a request and writing its reply.
type trackedCodec struct {
	rpc.ServerCodec
	inflight *atomic.Int64
}

func (c *trackedCodec) ReadRequestHeader(r *rpc.Request) error {
	err := c.ServerCodec.ReadRequestHeader(r)
	if err == nil {
		c.inflight.Add(1)
	}
	return err
}

func (c *trackedCodec) WriteResponse(r *rpc.Response, body any) error {
	defer c.inflight.Add(-1)
	return c.ServerCodec.WriteResponse(r, body)
}

// Close stops the server, waits briefly for replies in flight, drops open
// client connections and removes the socket file. A Stop caller therefore
// gets its acknowledgement even though the stop closes the server.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.drain()
	s.mu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	if err := os.RemoveAll(s.path); err != nil {
		s.logger.Warn("failed to remove socket",
			logging.String("socket", s.path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "ipc_socket_cleanup_failed"),
			logging.String(logging.FieldImpact, "stale IPC socket may block future starts"),
			logging.String(logging.FieldErrorHint, "Remove the socket file manually or rerun tonearm stop"))
	}
}

func (s *Server) drain() {
	deadline := time.Now().Add(drainTimeout)
	for s.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}

type service struct {
	ctrl   Controller
	opts   Options
	socket string
	logger *slog.Logger
	ctx    context.Context
}

func (s *service) call(method string) (context.Context, context.CancelFunc) {
	ctx := logging.WithRequestID(s.ctx, uuid.NewString())
	logging.WithContext(ctx, s.logger).Debug("rpc call", logging.String("method", method))
	return context.WithTimeout(ctx, callTimeout)
}

// wireError keeps the fault marker readable after net/rpc flattens the
// error to a string.
func wireError(err error) error {
	if err == nil {
		return nil
	}
	return errors.New(codePrefix(faults.Code(err)) + err.Error())
}

func codePrefix(code string) string {
	return "[" + code + "] "
}

func (s *service) settings(resp *SettingsResponse, cfg state.Config, err error) error {
	if err != nil {
		return wireError(err)
	}
	resp.Settings = cfg
	return nil
}

func (s *service) Status(_ StatusRequest, resp *StatusResponse) error {
	ctx, cancel := s.call("Status")
	defer cancel()
	report, err := s.ctrl.Status(ctx)
	if err != nil {
		return wireError(err)
	}
	resp.Running = true
	resp.PID = os.Getpid()
	resp.SocketPath = s.socket
	resp.LockPath = s.opts.LockPath
	resp.LogPath = s.opts.LogPath
	resp.Report = report
	return nil
}

func (s *service) Stop(_ StopRequest, resp *StopResponse) error {
	s.logger.Info("shutdown requested over IPC", logging.String(logging.FieldEventType, "daemon_stop_requested"))
	if s.opts.Shutdown != nil {
		s.opts.Shutdown()
		resp.Stopped = true
	}
	return nil
}

func (s *service) Settings(_ SettingsRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("Settings")
	defer cancel()
	cfg, err := s.ctrl.Settings(ctx)
	return s.settings(resp, cfg, err)
}

func (s *service) SetEQ(req EQRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SetEQ")
	defer cancel()
	if req.Reset {
		cfg, err := s.ctrl.ResetEQ(ctx)
		return s.settings(resp, cfg, err)
	}
	cfg, err := s.ctrl.SetEQEnabled(ctx, req.Enabled)
	return s.settings(resp, cfg, err)
}

func (s *service) SetBand(req BandRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SetBand")
	defer cancel()
	cfg, err := s.ctrl.SetBand(ctx, req.Index, req.GainDB)
	return s.settings(resp, cfg, err)
}

func (s *service) Presets(_ PresetsRequest, resp *PresetsResponse) error {
	ctx, cancel := s.call("Presets")
	defer cancel()
	presets, err := s.ctrl.Presets(ctx)
	if err != nil {
		return wireError(err)
	}
	cfg, err := s.ctrl.Settings(ctx)
	if err != nil {
		return wireError(err)
	}
	resp.Presets = presets
	resp.Current = cfg.LastPreset
	return nil
}

func (s *service) ApplyPreset(req PresetRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("ApplyPreset")
	defer cancel()
	cfg, err := s.ctrl.ApplyPreset(ctx, req.Name)
	return s.settings(resp, cfg, err)
}

func (s *service) SavePreset(req PresetRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SavePreset")
	defer cancel()
	cfg, err := s.ctrl.SavePreset(ctx, req.Name)
	return s.settings(resp, cfg, err)
}

func (s *service) DeletePreset(req PresetRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("DeletePreset")
	defer cancel()
	cfg, err := s.ctrl.DeletePreset(ctx, req.Name)
	return s.settings(resp, cfg, err)
}

func (s *service) SetPreamp(req PreampRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SetPreamp")
	defer cancel()
	cfg, err := s.ctrl.SetPreamp(ctx, req.DB)
	return s.settings(resp, cfg, err)
}

func (s *service) SetBalance(req BalanceRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SetBalance")
	defer cancel()
	cfg, err := s.ctrl.SetBalance(ctx, req.Balance)
	return s.settings(resp, cfg, err)
}

func (s *service) SetCrossfade(req CrossfadeRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SetCrossfade")
	defer cancel()
	if req.Next {
		cfg, err := s.ctrl.CycleCrossfade(ctx)
		return s.settings(resp, cfg, err)
	}
	cfg, err := s.ctrl.SetCrossfade(ctx, req.Seconds)
	return s.settings(resp, cfg, err)
}

func (s *service) Devices(_ DevicesRequest, resp *DevicesResponse) error {
	ctx, cancel := s.call("Devices")
	defer cancel()
	devices, err := s.ctrl.ListDevices(ctx)
	if err != nil {
		return wireError(err)
	}
	resp.Devices = devices
	if len(devices) > 0 {
		resp.Backend = devices[0].Backend
	}
	return nil
}

func (s *service) SelectDevice(req SelectDeviceRequest, resp *SettingsResponse) error {
	ctx, cancel := s.call("SelectDevice")
	defer cancel()
	cfg, err := s.ctrl.SelectDevice(ctx, req.ID)
	return s.settings(resp, cfg, err)
}

func (s *service) Logs(req LogsRequest, resp *LogsResponse) error {
	if s.opts.Logs == nil {
		return wireError(faults.Wrap(faults.ErrNotFound, "ipc", "logs", "log stream not available", nil))
	}
	if !req.Follow {
		if req.Since == 0 {
			resp.Events, resp.Next = s.opts.Logs.Tail(req.Limit)
			return nil
		}
		events, next, _ := s.opts.Logs.Fetch(s.ctx, req.Since, req.Limit, false)
		resp.Events, resp.Next = events, next
		return nil
	}
	ctx, cancel := context.WithTimeout(s.ctx, followWait)
	defer cancel()
	events, next, err := s.opts.Logs.Fetch(ctx, req.Since, req.Limit, true)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return wireError(err)
	}
	resp.Events = events
	resp.Next = max(next, req.Since)
	return nil
}
