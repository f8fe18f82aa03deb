package pcm

import "testing"

func TestCapabilitiesNearest(t *testing.T) {
	caps := Capabilities{
		Rates:       []int{44100, 48000, 96000},
		Depths:      []int{16, 24},
		MaxChannels: 2,
		Native:      Format{SampleRate: 48000, BitDepth: 24, Channels: 2},
	}
	tests := []struct {
		name     string
		want     Format
		got      Format
		degraded bool
	}{
		{
			name: "supported",
			want: Format{SampleRate: 96000, BitDepth: 24, Channels: 2},
			got:  Format{SampleRate: 96000, BitDepth: 24, Channels: 2},
		},
		{
			name:     "depth too wide",
			want:     Format{SampleRate: 96000, BitDepth: 32, Channels: 2},
			got:      Format{SampleRate: 96000, BitDepth: 24, Channels: 2},
			degraded: true,
		},
		{
			name:     "rate from 44.1k family",
			want:     Format{SampleRate: 88200, BitDepth: 24, Channels: 2},
			got:      Format{SampleRate: 44100, BitDepth: 24, Channels: 2},
			degraded: true,
		},
		{
			name:     "rate from 48k family",
			want:     Format{SampleRate: 192000, BitDepth: 16, Channels: 2},
			got:      Format{SampleRate: 96000, BitDepth: 16, Channels: 2},
			degraded: true,
		},
		{
			name:     "float to integer",
			want:     Format{SampleRate: 48000, BitDepth: 32, Channels: 2, Float: true},
			got:      Format{SampleRate: 48000, BitDepth: 24, Channels: 2},
			degraded: true,
		},
		{
			name:     "too many channels",
			want:     Format{SampleRate: 48000, BitDepth: 16, Channels: 6},
			got:      Format{SampleRate: 48000, BitDepth: 16, Channels: 2},
			degraded: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, degraded := caps.Nearest(tc.want)
			if got != tc.got || degraded != tc.degraded {
				t.Fatalf("Nearest(%s) = %s,%v want %s,%v", tc.want, got, degraded, tc.got, tc.degraded)
			}
		})
	}
}

func TestCapabilitiesNearestFallsBackToNative(t *testing.T) {
	caps := Capabilities{
		Rates:  []int{44100},
		Depths: []int{16},
		Native: Format{SampleRate: 44100, BitDepth: 16, Channels: 2},
	}
	got, degraded := caps.Nearest(Format{SampleRate: 96000, BitDepth: 24, Channels: 2})
	if !degraded || got != caps.Native {
		t.Fatalf("expected native fallback, got %s (degraded=%v)", got, degraded)
	}
}

func TestEmptyCapabilitiesSupportIntegerFormats(t *testing.T) {
	var caps Capabilities
	if !caps.Supports(Format{SampleRate: 352800, BitDepth: 32, Channels: 2}) {
		t.Fatal("open capabilities should accept integer formats")
	}
	if caps.Supports(Format{SampleRate: 48000, BitDepth: 32, Channels: 2, Float: true}) {
		t.Fatal("float requires explicit support")
	}
}
