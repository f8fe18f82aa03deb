package device

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tonearm/internal/pcm"
)

func TestWAVCaptureWritesPlayableFile(t *testing.T) {
	dir := t.TempDir()
	w := NewWAV(dir)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	format := pcm.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	sink, err := w.Open(context.Background(), DefaultID, format, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fr := testFrame(format, 4)
	copy(fr.Samples, []float64{0, 0.5, -0.5, 0.25, 1, -1, 0, 0})
	if err := sink.Write(fr); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Drain(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "capture-*.wav"))
	if len(matches) != 1 {
		t.Fatalf("expected one capture file, got %v", matches)
	}
	if !strings.Contains(matches[0], "48000Hz-16bit-2ch") {
		t.Errorf("unexpected capture name %s", matches[0])
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("not a wav file: % x", data[:min(len(data), 16)])
	}
	if ch := binary.LittleEndian.Uint16(data[22:]); ch != 2 {
		t.Errorf("channels = %d", ch)
	}
	if rate := binary.LittleEndian.Uint32(data[24:]); rate != 48000 {
		t.Errorf("rate = %d", rate)
	}
	if bits := binary.LittleEndian.Uint16(data[34:]); bits != 16 {
		t.Errorf("bits = %d", bits)
	}
	if string(data[36:40]) != "data" {
		t.Fatalf("data chunk missing at offset 36: %q", data[36:40])
	}
	if size := binary.LittleEndian.Uint32(data[40:]); size != 16 {
		t.Errorf("data size = %d, want 16", size)
	}
	want := []int16{0, 16384, -16384, 8192, 32767, -32768, 0, 0}
	for i, v := range want {
		got := int16(binary.LittleEndian.Uint16(data[44+2*i:]))
		if got != v {
			t.Errorf("sample %d = %d, want %d", i, got, v)
		}
	}
}

func TestWAVRefusesFloatUnlessConverting(t *testing.T) {
	w := NewWAV(t.TempDir())
	float := pcm.Format{SampleRate: 44100, BitDepth: 32, Channels: 2, Float: true}
	if _, err := w.Open(context.Background(), DefaultID, float, false); err == nil {
		t.Fatal("expected float capture to be refused")
	}
	sink, err := w.Open(context.Background(), DefaultID, float, true)
	if err != nil {
		t.Fatalf("convert open: %v", err)
	}
	_ = sink.Close()
}
