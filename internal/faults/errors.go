package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrMalformedHeader    = errors.New("malformed header")
	ErrFormatDegraded     = errors.New("format degraded")
	ErrDeviceBusy         = errors.New("device busy")
	ErrNotDeviceOwner     = errors.New("not device owner")
	ErrPersistenceCorrupt = errors.New("persistence corrupt")
	ErrLockHolderDead     = errors.New("lock holder dead")
	ErrDeviceInit         = errors.New("device initialization failed")
	ErrConfiguration      = errors.New("configuration error")
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrTransient          = errors.New("transient failure")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker. The marker should be one of the exported
// sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Recoverable reports whether the engine keeps running after err.
// Only device initialization failures and unclassified errors are not.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	for _, marker := range []error{
		ErrSourceUnavailable,
		ErrMalformedHeader,
		ErrFormatDegraded,
		ErrDeviceBusy,
		ErrNotDeviceOwner,
		ErrPersistenceCorrupt,
		ErrLockHolderDead,
		ErrTransient,
	} {
		if errors.Is(err, marker) {
			return true
		}
	}
	return false
}

// Code returns a stable machine-readable identifier for err's marker.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, ErrFormatDegraded):
		return "format_degraded"
	case errors.Is(err, ErrDeviceBusy):
		return "device_busy"
	case errors.Is(err, ErrNotDeviceOwner):
		return "not_device_owner"
	case errors.Is(err, ErrPersistenceCorrupt):
		return "persistence_corrupt"
	case errors.Is(err, ErrLockHolderDead):
		return "lock_holder_dead"
	case errors.Is(err, ErrDeviceInit):
		return "device_init"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "engine failure"
	}
	return strings.Join(parts, ": ")
}


// ForCode returns the marker for a code produced by Code. Unknown codes map
// to ErrTransient.
func ForCode(code string) error {
	for _, marker := range []error{
		ErrSourceUnavailable,
		ErrMalformedHeader,
		ErrFormatDegraded,
		ErrDeviceBusy,
		ErrNotDeviceOwner,
		ErrPersistenceCorrupt,
		ErrLockHolderDead,
		ErrDeviceInit,
		ErrConfiguration,
		ErrValidation,
		ErrNotFound,
	} {
		if Code(marker) == code {
			return marker
		}
	}
	return ErrTransient
}
