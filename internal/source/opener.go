package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Opener opens one logical stream of PCM bytes. Each Open starts a new
// logical stream, so header sniffing happens once per call.
type Opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	Describe() string
}

// NewOpener returns the opener for location: http(s) URLs stream over HTTP,
// anything else is treated as a FIFO or file path.
func NewOpener(location string, create bool) Opener {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return &HTTPOpener{URL: location}
	}
	return &FIFOOpener{Path: location, Create: create}
}

// FIFOOpener reads from a named pipe written by the player. The pipe is
// opened non-blocking so a missing writer surfaces as end of stream instead
// of wedging the caller inside open(2).
type FIFOOpener struct {
	Path   string
	Create bool
}

func (o *FIFOOpener) Describe() string { return o.Path }

func (o *FIFOOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(o.Path)
	switch {
	case errors.Is(err, os.ErrNotExist) && o.Create:
		if mkErr := unix.Mkfifo(o.Path, 0o666); mkErr != nil && !errors.Is(mkErr, unix.EEXIST) {
			return nil, fmt.Errorf("create fifo %s: %w", o.Path, mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat %s: %w", o.Path, err)
	case info.IsDir():
		return nil, fmt.Errorf("%s is a directory", o.Path)
	}

	file, err := os.OpenFile(o.Path, os.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.Path, err)
	}
	return closeOnDone(ctx, file), nil
}

// HTTPOpener streams PCM from an HTTP endpoint such as a player's httpd
// output.
type HTTPOpener struct {
	URL    string
	Client *http.Client
}

func (o *HTTPOpener) Describe() string { return o.URL }

func (o *HTTPOpener) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "audio/wav, audio/x-wav, audio/L16, */*")
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", o.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %s", o.URL, resp.Status)
	}
	return resp.Body, nil
}

type doneCloser struct {
	io.ReadCloser
	stop func() bool
}

// closeOnDone closes rc when ctx ends so a blocked Read returns.
func closeOnDone(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	return &doneCloser{ReadCloser: rc, stop: stop}
}

func (d *doneCloser) Close() error {
	d.stop()
	err := d.ReadCloser.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
