package faults

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWrapKeepsMarkerAndCause(t *testing.T) {
	err := Wrap(ErrSourceUnavailable, "source", "read", "fifo closed", io.EOF)
	if !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected marker in chain: %v", err)
	}
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected cause in chain: %v", err)
	}
	if !strings.Contains(err.Error(), "source: read: fifo closed") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestWrapDefaultsMarkerAndDetail(t *testing.T) {
	err := Wrap(nil, " ", "", "", nil)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "engine failure") {
		t.Fatalf("expected default detail, got %q", err.Error())
	}
}

func TestRecoverableAndCode(t *testing.T) {
	tests := []struct {
		err         error
		recoverable bool
		code        string
	}{
		{Wrap(ErrSourceUnavailable, "source", "open", "", nil), true, "source_unavailable"},
		{Wrap(ErrMalformedHeader, "source", "sniff", "", nil), true, "malformed_header"},
		{Wrap(ErrFormatDegraded, "negotiate", "", "", nil), true, "format_degraded"},
		{Wrap(ErrDeviceBusy, "device", "lock", "", nil), true, "device_busy"},
		{Wrap(ErrNotDeviceOwner, "device", "select", "", nil), true, "not_device_owner"},
		{Wrap(ErrPersistenceCorrupt, "state", "load", "", nil), true, "persistence_corrupt"},
		{Wrap(ErrLockHolderDead, "device", "lock", "", nil), true, "lock_holder_dead"},
		{Wrap(ErrDeviceInit, "device", "open", "", nil), false, "device_init"},
		{errors.New("boom"), false, "internal"},
		{nil, true, ""},
	}
	for _, tc := range tests {
		if got := Recoverable(tc.err); got != tc.recoverable {
			t.Errorf("Recoverable(%v) = %v, want %v", tc.err, got, tc.recoverable)
		}
		if got := Code(tc.err); got != tc.code {
			t.Errorf("Code(%v) = %q, want %q", tc.err, got, tc.code)
		}
	}
}

func TestForCodeRoundTrips(t *testing.T) {
	for _, marker := range []error{ErrDeviceBusy, ErrNotDeviceOwner, ErrValidation, ErrNotFound, ErrPersistenceCorrupt} {
		if got := ForCode(Code(marker)); got != marker {
			t.Errorf("ForCode(%q) = %v, want %v", Code(marker), got, marker)
		}
	}
	if got := ForCode("bogus"); got != ErrTransient {
		t.Errorf("unknown code mapped to %v", got)
	}
}
