package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fhs/gompd/v2/mpd"

	"tonearm/internal/faults"
	"tonearm/internal/logging"
	"tonearm/internal/pcm"
)

// MPDClient queries a Music Player Daemon for the format of the playing
// track. The connection is dialed lazily and redialed after failures.
type MPDClient struct {
	network  string
	addr     string
	password string
	logger   *slog.Logger

	mu     sync.Mutex
	client *mpd.Client
	last   pcm.Format
}

// NewMPDClient builds a client for addr, which is host:port or a unix socket
// path.
func NewMPDClient(addr, password string, logger *slog.Logger) *MPDClient {
	network := "tcp"
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "@") {
		network = "unix"
	}
	return &MPDClient{
		network:  network,
		addr:     addr,
		password: password,
		logger:   logging.NewComponentLogger(logger, "mpd"),
	}
}

func (c *MPDClient) connLocked() (*mpd.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	var (
		client *mpd.Client
		err    error
	)
	if c.password != "" {
		client, err = mpd.DialAuthenticated(c.network, c.addr, c.password)
	} else {
		client, err = mpd.Dial(c.network, c.addr)
	}
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "mpd", "dial", c.addr, err)
	}
	c.client = client
	c.logger.Debug("connected to mpd", logging.String("address", c.addr))
	return client, nil
}

func (c *MPDClient) dropLocked() {
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

// CurrentFormat returns the format MPD is sending to its outputs. ok is false
// when MPD reports no audio (stopped, or between tracks).
func (c *MPDClient) CurrentFormat(ctx context.Context) (pcm.Format, bool, error) {
	if err := ctx.Err(); err != nil {
		return pcm.Format{}, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, err := c.connLocked()
	if err != nil {
		return pcm.Format{}, false, err
	}
	attrs, err := client.Status()
	if err != nil {
		c.dropLocked()
		return pcm.Format{}, false, faults.Wrap(faults.ErrTransient, "mpd", "status", c.addr, err)
	}
	audio, ok := attrs["audio"]
	if !ok || attrs["state"] == "stop" {
		return pcm.Format{}, false, nil
	}
	f, err := ParseAudio(audio, c.last)
	if err != nil {
		return pcm.Format{}, false, err
	}
	c.last = f
	return f, true, nil
}

// SetCrossfade pushes the crossfade duration in whole seconds.
func (c *MPDClient) SetCrossfade(ctx context.Context, seconds int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if seconds < 0 {
		seconds = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	client, err := c.connLocked()
	if err != nil {
		return err
	}
	if err := client.Command("crossfade %d", seconds).OK(); err != nil {
		c.dropLocked()
		return faults.Wrap(faults.ErrTransient, "mpd", "crossfade", c.addr, err)
	}
	return nil
}

// Subscribe delivers a notification whenever MPD reports a player or
// options change. The channel closes when ctx ends or the idle connection
// is lost; callers keep polling in either case.
func (c *MPDClient) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	w, err := mpd.NewWatcher(c.network, c.addr, c.password, "player", "options")
	if err != nil {
		return nil, faults.Wrap(faults.ErrTransient, "mpd", "watch", c.addr, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-w.Event:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Error:
				if !ok {
					return
				}
				c.logger.Debug("mpd idle error", logging.Error(err))
			}
		}
	}()
	return out, nil
}

// Close drops the command connection.
func (c *MPDClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
	return nil
}

var errAudioField = errors.New("unrecognized audio format")

// ParseAudio decodes MPD's "rate:bits:channels" audio attribute. A bits value
// of "f" means 32-bit float; "*" in any field keeps the value from prev.
func ParseAudio(value string, prev pcm.Format) (pcm.Format, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 3 {
		return pcm.Format{}, fmt.Errorf("%w: %q", errAudioField, value)
	}
	f := prev
	if parts[0] != "*" {
		rate, err := strconv.Atoi(parts[0])
		if err != nil {
			return pcm.Format{}, fmt.Errorf("%w: rate %q", errAudioField, parts[0])
		}
		f.SampleRate = rate
	}
	switch parts[1] {
	case "*":
	case "f":
		f.BitDepth = 32
		f.Float = true
	default:
		bits, err := strconv.Atoi(parts[1])
		if err != nil {
			return pcm.Format{}, fmt.Errorf("%w: bits %q", errAudioField, parts[1])
		}
		f.BitDepth = bits
		f.Float = false
	}
	if parts[2] != "*" {
		ch, err := strconv.Atoi(parts[2])
		if err != nil {
			return pcm.Format{}, fmt.Errorf("%w: channels %q", errAudioField, parts[2])
		}
		f.Channels = ch
	}
	if err := f.Validate(); err != nil {
		return pcm.Format{}, fmt.Errorf("%w: %v", errAudioField, err)
	}
	return f, nil
}
