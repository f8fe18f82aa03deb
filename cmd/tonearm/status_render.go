package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"tonearm/internal/daemonctl"
	"tonearm/internal/eq"
	"tonearm/internal/state"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const (
	statusLabelWidth = 16
	statusIndent     = "  "
)

func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	statusText := statusKindLabel(kind)
	if message != "" {
		statusText = fmt.Sprintf("[%s] %s", statusText, message)
	} else {
		statusText = fmt.Sprintf("[%s]", statusText)
	}
	base := fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", statusText)
	if colorize {
		if color := statusKindColor(kind); color != "" {
			return color + base + ansiReset
		}
	}
	return base
}

func renderValueLine(label, value string) string {
	return fmt.Sprintf("%s%-*s %s", statusIndent, statusLabelWidth, label+":", value)
}

func statusKindLabel(kind statusKind) string {
	switch kind {
	case statusOK:
		return "OK"
	case statusWarn:
		return "WARN"
	case statusError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func statusKindColor(kind statusKind) string {
	switch kind {
	case statusOK:
		return ansiGreen
	case statusWarn:
		return ansiYellow
	case statusError:
		return ansiRed
	case statusInfo:
		return ansiBlue
	default:
		return ""
	}
}

func statusKindFromSeverity(severity string) statusKind {
	switch strings.ToLower(strings.TrimSpace(severity)) {
	case "ok":
		return statusOK
	case "warn", "warning":
		return statusWarn
	case "error":
		return statusError
	default:
		return statusInfo
	}
}

func renderSectionHeader(title string, colorize bool) []string {
	line := fmt.Sprintf("== %s ==", strings.TrimSpace(title))
	rule := strings.Repeat("-", len(line))
	if colorize {
		line = ansiBlue + line + ansiReset
		rule = ansiBlue + rule + ansiReset
	}
	return []string{line, rule}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// renderSnapshot prints the full `tonearm status` report.
func renderSnapshot(out io.Writer, snap *daemonctl.Snapshot, colorize bool) {
	for _, line := range renderSectionHeader("System", colorize) {
		fmt.Fprintln(out, line)
	}
	for _, line := range snap.Checks {
		fmt.Fprintln(out, renderStatusLine(line.Label, statusKindFromSeverity(line.Severity), line.Detail, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Playback", colorize) {
		fmt.Fprintln(out, line)
	}
	if !snap.EngineKnown {
		fmt.Fprintln(out, renderStatusLine("Engine", statusWarn, "No live engine", colorize))
		return
	}
	st := snap.Engine
	sourceKind, sourceDetail := statusError, "Disconnected"
	if st.SourceConnected {
		sourceKind, sourceDetail = statusOK, "Connected"
	}
	if st.HeaderStatus != "" {
		sourceDetail += " (header " + st.HeaderStatus + ")"
	}
	fmt.Fprintln(out, renderStatusLine("Stream", sourceKind, sourceDetail, colorize))
	fmt.Fprintln(out, renderValueLine("Source format", st.SourceFormat))
	fmt.Fprintln(out, renderValueLine("Device format", st.DeviceFormat))
	if st.Degraded {
		fmt.Fprintln(out, renderStatusLine("Bit-perfect", statusWarn, "No, "+st.DegradedReason, colorize))
	} else {
		fmt.Fprintln(out, renderStatusLine("Bit-perfect", statusOK, "Yes", colorize))
	}
	fmt.Fprintln(out, renderValueLine("Output", st.Backend+" / "+st.DeviceID))
	fmt.Fprintln(out, renderValueLine("Frames", strconv.FormatUint(st.Frames, 10)))
	if st.Dropped > 0 || st.WriteErrors > 0 {
		fmt.Fprintln(out, renderStatusLine("Errors", statusWarn,
			fmt.Sprintf("%d dropped, %d write errors", st.Dropped, st.WriteErrors), colorize))
	}
	if st.Reconnects > 0 {
		fmt.Fprintln(out, renderValueLine("Reconnects", strconv.FormatUint(st.Reconnects, 10)))
	}
	if st.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last error", statusError, st.LastError, colorize))
	}
	fmt.Fprintln(out)

	for _, line := range renderSectionHeader("Sound", colorize) {
		fmt.Fprintln(out, line)
	}
	eqDetail := "Off"
	if st.EQEnabled {
		eqDetail = "On"
	}
	if st.Preset != "" {
		eqDetail += " (" + st.Preset + ")"
	}
	fmt.Fprintln(out, renderValueLine("EQ", eqDetail))
	fmt.Fprintln(out, renderValueLine("Preamp", formatDB(st.PreampDB)))
	fmt.Fprintln(out, renderValueLine("Balance", formatBalance(st.Balance)))
	fmt.Fprintln(out, renderValueLine("Crossfade", formatCrossfade(st.Crossfade)))
}

// renderSettings prints listener settings after a change.
func renderSettings(out io.Writer, cfg state.Config) {
	eqState := "off"
	if cfg.EQEnabled {
		eqState = "on"
	}
	preset := cfg.LastPreset
	if preset == "" {
		preset = "custom"
	}
	fmt.Fprintln(out, renderValueLine("EQ", eqState+" ("+preset+")"))
	fmt.Fprintln(out, renderValueLine("Preamp", formatDB(cfg.PreampDB)))
	fmt.Fprintln(out, renderValueLine("Balance", formatBalance(cfg.Balance)))
	fmt.Fprintln(out, renderValueLine("Crossfade", formatCrossfade(cfg.CrossfadeSeconds)))
	if cfg.Device != "" {
		fmt.Fprintln(out, renderValueLine("Device", cfg.Device))
	}
}

func bandRows(gains eq.Gains) [][]string {
	rows := make([][]string, 0, eq.NumBands)
	for i := range eq.NumBands {
		rows = append(rows, []string{strconv.Itoa(i), eq.FrequencyLabel(i) + " Hz", formatDB(gains[i])})
	}
	return rows
}

func formatDB(db float64) string {
	return fmt.Sprintf("%+.1f dB", db)
}

func formatBalance(balance float64) string {
	switch {
	case balance == 0:
		return "center"
	case balance < 0:
		return fmt.Sprintf("%.0f%% left", -balance*100)
	default:
		return fmt.Sprintf("%.0f%% right", balance*100)
	}
}

func formatCrossfade(seconds int) string {
	if seconds == 0 {
		return "off"
	}
	return fmt.Sprintf("%ds", seconds)
}
