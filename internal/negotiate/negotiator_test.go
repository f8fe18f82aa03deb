package negotiate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tonearm/internal/pcm"
)

type fakeQuerier struct {
	mu     sync.Mutex
	format pcm.Format
	ok     bool
	err    error
	calls  int
	events chan struct{}
}

func (f *fakeQuerier) CurrentFormat(context.Context) (pcm.Format, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.format, f.ok, f.err
}

func (f *fakeQuerier) Subscribe(context.Context) (<-chan struct{}, error) {
	if f.events == nil {
		return nil, errors.New("no events")
	}
	return f.events, nil
}

func (f *fakeQuerier) set(format pcm.Format) {
	f.mu.Lock()
	f.format, f.ok = format, true
	f.mu.Unlock()
}

var hiRes = pcm.Format{SampleRate: 96000, BitDepth: 24, Channels: 2}

func TestReconcilePublishesOnlyOnChange(t *testing.T) {
	n := New(nil, nil, Options{}, nil)
	first := n.Decision()
	if first.Source != pcm.Default || first.Degraded {
		t.Fatalf("unexpected initial decision %+v", first)
	}

	d, changed := n.Reconcile(hiRes)
	if !changed || d.Source != hiRes || d.Device != hiRes || d.Generation <= first.Generation {
		t.Fatalf("expected new decision for %s, got %+v changed=%v", hiRes, d, changed)
	}
	select {
	case got := <-n.Changes():
		if got.Generation != d.Generation {
			t.Fatalf("changes delivered generation %d, want %d", got.Generation, d.Generation)
		}
	default:
		t.Fatal("expected decision on changes channel")
	}

	if _, changed := n.Reconcile(hiRes); changed {
		t.Fatal("same format must not republish")
	}
	if n.Current() != hiRes {
		t.Fatalf("current = %s", n.Current())
	}
}

func TestReconcileFallsBackToNearestSupported(t *testing.T) {
	caps := pcm.Capabilities{Rates: []int{44100, 48000}, Depths: []int{16}, MaxChannels: 2}
	n := New(nil, func() pcm.Capabilities { return caps }, Options{}, nil)
	d, changed := n.Reconcile(hiRes)
	if !changed || !d.Degraded {
		t.Fatalf("expected degraded decision, got %+v", d)
	}
	want := pcm.Format{SampleRate: 48000, BitDepth: 16, Channels: 2}
	if d.Device != want || d.Source != hiRes {
		t.Fatalf("device %s source %s", d.Device, d.Source)
	}
}

func TestDegradeIsStickyUntilSourceChanges(t *testing.T) {
	n := New(nil, nil, Options{}, nil)
	n.Reconcile(hiRes)
	d := n.Degrade("device busy")
	if !d.Degraded || d.Reason != "device busy" {
		t.Fatalf("unexpected decision %+v", d)
	}
	if _, changed := n.Reconcile(hiRes); changed {
		t.Fatal("same source must keep the degraded decision")
	}
	next, changed := n.Reconcile(pcm.Default)
	if !changed || next.Degraded {
		t.Fatalf("new source should clear degraded state, got %+v", next)
	}
}

func TestPinIgnoresUpstreamUntilUnpinned(t *testing.T) {
	n := New(nil, nil, Options{}, nil)
	header := pcm.Format{SampleRate: 88200, BitDepth: 24, Channels: 2}
	if d := n.Pin(header); d.Source != header {
		t.Fatalf("pin did not publish header format: %+v", d)
	}
	if _, changed := n.Reconcile(hiRes); changed {
		t.Fatal("pinned negotiator accepted upstream format")
	}
	n.Unpin()
	if _, changed := n.Reconcile(hiRes); !changed {
		t.Fatal("expected upstream format after unpin")
	}
}

func TestInvalidSourceKeepsDecision(t *testing.T) {
	n := New(nil, nil, Options{}, nil)
	before := n.Decision()
	if _, changed := n.Reconcile(pcm.Format{SampleRate: 44100, BitDepth: 12, Channels: 2}); changed {
		t.Fatal("invalid format must not publish")
	}
	if n.Decision().Generation != before.Generation {
		t.Fatal("generation advanced for invalid format")
	}
}

func TestRunQueriesOnEventsAndPoll(t *testing.T) {
	q := &fakeQuerier{events: make(chan struct{}, 1)}
	n := New(q, nil, Options{PollInterval: time.Hour}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	q.set(hiRes)
	q.events <- struct{}{}
	deadline := time.After(5 * time.Second)
	for n.Current() != hiRes {
		select {
		case <-deadline:
			t.Fatal("negotiator did not pick up player event")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRefreshSkipsStoppedPlayer(t *testing.T) {
	q := &fakeQuerier{}
	n := New(q, nil, Options{}, nil)
	if err := n.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if n.Current() != pcm.Default {
		t.Fatalf("stopped player changed format to %s", n.Current())
	}
	q.err = errors.New("connection refused")
	if err := n.Refresh(context.Background()); err == nil {
		t.Fatal("expected query error")
	}
}

func TestParseAudio(t *testing.T) {
	prev := pcm.Format{SampleRate: 44100, BitDepth: 16, Channels: 2}
	tests := []struct {
		in   string
		want pcm.Format
		err  bool
	}{
		{in: "96000:24:2", want: hiRes},
		{in: "48000:f:2", want: pcm.Format{SampleRate: 48000, BitDepth: 32, Channels: 2, Float: true}},
		{in: "*:24:*", want: pcm.Format{SampleRate: 44100, BitDepth: 24, Channels: 2}},
		{in: "dsd64:2", err: true},
		{in: "44100:8:2", err: true},
		{in: "", err: true},
	}
	for _, tc := range tests {
		got, err := ParseAudio(tc.in, prev)
		if (err != nil) != tc.err {
			t.Fatalf("ParseAudio(%q) err = %v", tc.in, err)
		}
		if !tc.err && got != tc.want {
			t.Fatalf("ParseAudio(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
