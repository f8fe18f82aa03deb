package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestSessionIDHandlerKeepsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newSessionIDHandler(slog.NewJSONHandler(&buf, nil), "session-abc")).With("extra", "value")
	logger.Info("test message")

	out := buf.String()
	if !strings.Contains(out, `"session_id":"session-abc"`) || !strings.Contains(out, `"extra":"value"`) {
		t.Fatalf("unexpected output: %s", out)
	}
	if _, ok := newSessionIDHandler(nil, "x").(NoopHandler); !ok {
		t.Fatal("expected NoopHandler for nil base")
	}
}

func TestStreamHandlerCarriesWithAttrs(t *testing.T) {
	hub := NewStreamHub(10)
	logger := slog.New(newStreamHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), hub)).
		With(slog.String(FieldComponent, "engine")).
		With(slog.String(FieldDevice, "hw:0,0"))
	logger.Info("reopened", slog.String(FieldFormat, "44100Hz/16bit/2ch"))

	events, _ := hub.Tail(10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Component != "engine" || events[0].Device != "hw:0,0" {
		t.Fatalf("with-attrs lost: %+v", events[0])
	}
}

func TestFanoutSkipsDisabledHandlers(t *testing.T) {
	var info, debug bytes.Buffer
	h := newFanoutHandler(
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		nil,
		slog.NewTextHandler(&debug, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	logger := slog.New(h)
	logger.Debug("detail")
	if info.Len() != 0 || !strings.Contains(debug.String(), "detail") {
		t.Fatalf("info=%q debug=%q", info.String(), debug.String())
	}
	if _, ok := newFanoutHandler().(NoopHandler); !ok {
		t.Fatal("expected NoopHandler without handlers")
	}
}

func TestDisplayLabel(t *testing.T) {
	cases := map[string]string{
		FieldEventType: "Event",
		"holder_pid":   "Holder PID",
		"write_errors": "Write Errors",
	}
	for key, want := range cases {
		if got := displayLabel(key); got != want {
			t.Errorf("displayLabel(%q) = %q, want %q", key, got, want)
		}
	}
}
