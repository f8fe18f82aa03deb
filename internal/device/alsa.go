package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"tonearm/internal/logging"
	"tonearm/internal/pcm"
)

var commandContext = exec.CommandContext

const aplayBinary = "aplay"

// commonRates are probed against the hardware rate range.
var commonRates = []int{44100, 48000, 88200, 96000, 176400, 192000, 352800, 384000}

// ALSA plays through aplay in raw mode. Exact playback targets hw: devices so
// no plugin converts the stream; converting playback uses plughw:.
//
// aplay reports a busy device or a refused format by exiting right after
// start, so Open waits out Settle before calling the sink live.
type ALSA struct {
	Settle time.Duration
	logger *slog.Logger
}

// DefaultSettle is how long Open watches a fresh aplay for an early exit.
const DefaultSettle = 150 * time.Millisecond

func NewALSA(logger *slog.Logger) *ALSA {
	return &ALSA{Settle: DefaultSettle, logger: logging.NewComponentLogger(logger, "alsa")}
}

func (a *ALSA) Name() string { return "alsa" }

var cardLine = regexp.MustCompile(`^card (\d+): (\S+) \[(.*)\], device (\d+): (.*) \[(.*)\]`)

func (a *ALSA) Devices(ctx context.Context) ([]Info, error) {
	out, err := commandContext(ctx, aplayBinary, "-l").Output() //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("aplay -l: %w", err)
	}
	return parseCardList(out), nil
}

func parseCardList(out []byte) []Info {
	devices := []Info{{ID: DefaultID, Name: "system default", Backend: "alsa", Default: true}}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		m := cardLine.FindStringSubmatch(strings.TrimSpace(scanner.Text()))
		if m == nil {
			continue
		}
		devices = append(devices, Info{
			ID:      fmt.Sprintf("hw:%s,%s", m[1], m[4]),
			Name:    fmt.Sprintf("%s: %s", m[3], m[6]),
			Backend: "alsa",
		})
	}
	return devices
}

func (a *ALSA) Capabilities(ctx context.Context, id string) (pcm.Capabilities, error) {
	if id == "" || id == DefaultID {
		return pcm.Capabilities{MaxChannels: pcm.MaxChannels, Float: true, Native: pcm.Default}, nil
	}
	cmd := commandContext(ctx, aplayBinary, "-D", id, "--dump-hw-params", "-t", "raw", "-d", "1", "/dev/null") //nolint:gosec
	out, _ := cmd.CombinedOutput()
	caps, ok := parseHWParams(out)
	if !ok {
		return pcm.Capabilities{}, fmt.Errorf("no hardware parameters reported for %s", id)
	}
	return caps, nil
}

var alsaFormats = map[string]struct {
	bits  int
	float bool
}{
	"S16_LE":   {bits: 16},
	"S24_3LE":  {bits: 24},
	"S32_LE":   {bits: 32},
	"FLOAT_LE": {bits: 32, float: true},
}

func parseHWParams(out []byte) (pcm.Capabilities, bool) {
	var caps pcm.Capabilities
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "FORMAT":
			found = true
			for _, name := range strings.Fields(value) {
				f, ok := alsaFormats[name]
				if !ok {
					continue
				}
				if f.float {
					caps.Float = true
				}
				if !slices.Contains(caps.Depths, f.bits) {
					caps.Depths = append(caps.Depths, f.bits)
				}
			}
		case "RATE":
			found = true
			lo, hi, list := parseRange(value)
			if list != nil {
				caps.Rates = list
				continue
			}
			for _, r := range commonRates {
				if r >= lo && r <= hi {
					caps.Rates = append(caps.Rates, r)
				}
			}
		case "CHANNELS":
			found = true
			_, hi, list := parseRange(value)
			if list != nil {
				hi = slices.Max(list)
			}
			caps.MaxChannels = min(hi, pcm.MaxChannels)
		}
	}
	slices.Sort(caps.Depths)
	if len(caps.Rates) > 0 && len(caps.Depths) > 0 {
		caps.Native = pcm.Format{SampleRate: caps.Rates[0], BitDepth: caps.Depths[len(caps.Depths)-1], Channels: min(2, max(caps.MaxChannels, 1))}
	}
	return caps, found
}

// parseRange handles "[44100 192000]", "(44099 192001]" and "2".
func parseRange(value string) (lo, hi int, list []int) {
	trimmed := strings.Trim(value, "[]() ")
	fields := strings.Fields(trimmed)
	if len(fields) == 2 && trimmed != value {
		lo, _ = strconv.Atoi(fields[0])
		hi, _ = strconv.Atoi(fields[1])
		if strings.HasPrefix(value, "(") {
			lo++
		}
		if strings.HasSuffix(value, ")") {
			hi--
		}
		return lo, hi, nil
	}
	for _, f := range fields {
		if v, err := strconv.Atoi(f); err == nil {
			list = append(list, v)
		}
	}
	return 0, 0, list
}

func alsaFormatName(f pcm.Format) (string, error) {
	switch {
	case f.Float && f.BitDepth == 32:
		return "FLOAT_LE", nil
	case f.BitDepth == 16:
		return "S16_LE", nil
	case f.BitDepth == 24:
		return "S24_3LE", nil
	case f.BitDepth == 32:
		return "S32_LE", nil
	default:
		return "", fmt.Errorf("unsupported sample format %s", f)
	}
}

// deviceName maps an id to the ALSA PCM name for the requested mode.
func deviceName(id string, convert bool) string {
	if id == "" {
		id = DefaultID
	}
	if convert && strings.HasPrefix(id, "hw:") {
		return "plug" + id
	}
	return id
}

func (a *ALSA) Open(ctx context.Context, id string, format pcm.Format, convert bool) (Sink, error) {
	sampleFormat, err := alsaFormatName(format)
	if err != nil {
		return nil, err
	}
	name := deviceName(id, convert)
	args := []string{
		"-q", "-t", "raw",
		"-D", name,
		"-f", sampleFormat,
		"-r", strconv.Itoa(format.SampleRate),
		"-c", strconv.Itoa(format.Channels),
	}
	cmd := commandContext(context.WithoutCancel(ctx), aplayBinary, args...) //nolint:gosec
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("aplay stdin: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start aplay: %w", err)
	}
	sink := &alsaSink{cmd: cmd, stdin: stdin, stderr: &stderr, format: format, done: make(chan struct{})}
	go sink.reap()

	settle := time.NewTimer(a.Settle)
	defer settle.Stop()
	select {
	case <-sink.done:
		_ = stdin.Close()
		err := sink.waitErr
		if err == nil {
			err = errors.New("exited before playback")
		}
		return nil, fmt.Errorf("aplay refused %s %s: %w", name, format, err)
	case <-settle.C:
	case <-ctx.Done():
		_ = sink.Close()
		return nil, ctx.Err()
	}
	a.logger.Debug("aplay started",
		logging.String(logging.FieldDevice, name),
		logging.String(logging.FieldFormat, format.String()),
		logging.Int("pid", cmd.Process.Pid),
	)
	return sink, nil
}

type alsaSink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	format pcm.Format
	buf    []byte

	done    chan struct{}
	waitErr error
}

func (s *alsaSink) Format() pcm.Format { return s.format }

func (s *alsaSink) Write(fr *pcm.Frame) error {
	need := len(fr.Samples) * s.format.BytesPerSample()
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	n := pcm.Encode(s.buf[:need], fr.Samples, s.format)
	if _, err := s.stdin.Write(s.buf[:n]); err != nil {
		return fmt.Errorf("write to aplay: %w", err)
	}
	return nil
}

// reap waits for aplay and records its exit. stderr is only read once the
// process is gone.
func (s *alsaSink) reap() {
	err := s.cmd.Wait()
	if err != nil && s.stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(s.stderr.String()))
	}
	s.waitErr = err
	close(s.done)
}

func (s *alsaSink) exited() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Drain closes aplay's input and waits for it to finish playing.
func (s *alsaSink) Drain() error {
	_ = s.stdin.Close()
	<-s.done
	return s.waitErr
}

func (s *alsaSink) Close() error {
	_ = s.stdin.Close()
	if !s.exited() {
		_ = s.cmd.Process.Kill()
	}
	<-s.done
	var exitErr *exec.ExitError
	if errors.As(s.waitErr, &exitErr) {
		return nil
	}
	return s.waitErr
}
