package ipc

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"time"

	"tonearm/internal/faults"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// RemoteError is a daemon-side failure. It matches its fault marker with
// errors.Is.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Is(target error) bool {
	return faults.ForCode(e.Code) == target
}

func decodeError(err error) error {
	var serverErr rpc.ServerError
	if !errors.As(err, &serverErr) {
		return err
	}
	msg := string(serverErr)
	if !strings.HasPrefix(msg, "[") {
		return err
	}
	code, rest, ok := strings.Cut(msg[1:], "] ")
	if !ok {
		return err
	}
	return &RemoteError{Code: code, Message: rest}
}

func (c *Client) call(method string, req, resp any) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return decodeError(err)
	}
	return nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Stop asks the daemon to shut down.
func (c *Client) Stop() (*StopResponse, error) {
	var resp StopResponse
	if err := c.call("Stop", StopRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settings returns the listener settings.
func (c *Client) Settings() (*SettingsResponse, error) {
	return c.settingsCall("Settings", SettingsRequest{})
}

// SetEQ enables, disables or resets the equalizer.
func (c *Client) SetEQ(req EQRequest) (*SettingsResponse, error) {
	return c.settingsCall("SetEQ", req)
}

// SetBand sets one band gain.
func (c *Client) SetBand(index int, gainDB float64) (*SettingsResponse, error) {
	return c.settingsCall("SetBand", BandRequest{Index: index, GainDB: gainDB})
}

// Presets lists factory and user presets.
func (c *Client) Presets() (*PresetsResponse, error) {
	var resp PresetsResponse
	if err := c.call("Presets", PresetsRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApplyPreset loads a preset.
func (c *Client) ApplyPreset(name string) (*SettingsResponse, error) {
	return c.settingsCall("ApplyPreset", PresetRequest{Name: name})
}

// SavePreset stores the current bands under name.
func (c *Client) SavePreset(name string) (*SettingsResponse, error) {
	return c.settingsCall("SavePreset", PresetRequest{Name: name})
}

// DeletePreset removes a user preset.
func (c *Client) DeletePreset(name string) (*SettingsResponse, error) {
	return c.settingsCall("DeletePreset", PresetRequest{Name: name})
}

// SetPreamp sets the preamp gain in dB.
func (c *Client) SetPreamp(db float64) (*SettingsResponse, error) {
	return c.settingsCall("SetPreamp", PreampRequest{DB: db})
}

// SetBalance sets the balance in [-1, 1].
func (c *Client) SetBalance(balance float64) (*SettingsResponse, error) {
	return c.settingsCall("SetBalance", BalanceRequest{Balance: balance})
}

// SetCrossfade sets or cycles the crossfade.
func (c *Client) SetCrossfade(req CrossfadeRequest) (*SettingsResponse, error) {
	return c.settingsCall("SetCrossfade", req)
}

// Devices lists output devices.
func (c *Client) Devices() (*DevicesResponse, error) {
	var resp DevicesResponse
	if err := c.call("Devices", DevicesRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SelectDevice switches output to id.
func (c *Client) SelectDevice(id string) (*SettingsResponse, error) {
	return c.settingsCall("SelectDevice", SelectDeviceRequest{ID: id})
}

// Logs reads daemon log events after req.Since.
func (c *Client) Logs(req LogsRequest) (*LogsResponse, error) {
	var resp LogsResponse
	if err := c.call("Logs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) settingsCall(method string, req any) (*SettingsResponse, error) {
	var resp SettingsResponse
	if err := c.call(method, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
