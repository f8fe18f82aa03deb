// Package statusdb keeps the lock owner's engine status in a small SQLite
// table so that UI-only instances and the CLI can observe playback they do
// not control.
package statusdb

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes. The table only holds
// live status, so a mismatch is resolved by recreating it.
const schemaVersion = 1

// Status is one snapshot of the engine as seen by the lock owner.
type Status struct {
	PID             int       `json:"pid"`
	Running         bool      `json:"running"`
	Owner           bool      `json:"owner"`
	Backend         string    `json:"backend"`
	DeviceID        string    `json:"device_id"`
	Source          string    `json:"source"`
	SourceConnected bool      `json:"source_connected"`
	HeaderStatus    string    `json:"header_status,omitempty"`
	SourceFormat    string    `json:"source_format"`
	DeviceFormat    string    `json:"device_format"`
	Degraded        bool      `json:"degraded"`
	DegradedReason  string    `json:"degraded_reason,omitempty"`
	EQEnabled       bool      `json:"eq_enabled"`
	Preset          string    `json:"preset,omitempty"`
	PreampDB        float64   `json:"preamp_db"`
	Balance         float64   `json:"balance"`
	Crossfade       int       `json:"crossfade_seconds"`
	Frames          uint64    `json:"frames"`
	Dropped         uint64    `json:"dropped_frames"`
	WriteErrors     uint64    `json:"write_errors"`
	Reconnects      uint64    `json:"reconnects"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Stale reports whether the snapshot is too old to describe a live engine.
func (s Status) Stale(now time.Time, maxAge time.Duration) bool {
	return !s.Running || now.Sub(s.UpdatedAt) > maxAge
}

// Store wraps the status database.
type Store struct {
	db   *sql.DB
	path string
}

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code()&0xff == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

// Open creates or connects to the status database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create status directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists > 0 {
		var version int
		err = s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
		if err == nil && version == schemaVersion {
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read schema version: %w", err)
		}
	}
	return s.createSchema(ctx)
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DROP TABLE IF EXISTS engine_status", "DROP TABLE IF EXISTS schema_version"} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

const upsertStatus = `
INSERT INTO engine_status (
    id, pid, running, owner, backend, device_id, source, source_connected,
    header_status, source_format, device_format, degraded, degraded_reason,
    eq_enabled, preset, preamp_db, balance, crossfade_seconds,
    frames, dropped_frames, write_errors, reconnects, last_error, started_at, updated_at
) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    pid = excluded.pid,
    running = excluded.running,
    owner = excluded.owner,
    backend = excluded.backend,
    device_id = excluded.device_id,
    source = excluded.source,
    source_connected = excluded.source_connected,
    header_status = excluded.header_status,
    source_format = excluded.source_format,
    device_format = excluded.device_format,
    degraded = excluded.degraded,
    degraded_reason = excluded.degraded_reason,
    eq_enabled = excluded.eq_enabled,
    preset = excluded.preset,
    preamp_db = excluded.preamp_db,
    balance = excluded.balance,
    crossfade_seconds = excluded.crossfade_seconds,
    frames = excluded.frames,
    dropped_frames = excluded.dropped_frames,
    write_errors = excluded.write_errors,
    reconnects = excluded.reconnects,
    last_error = excluded.last_error,
    started_at = excluded.started_at,
    updated_at = excluded.updated_at`

// Publish replaces the stored snapshot. UpdatedAt is set to now when zero.
func (s *Store) Publish(ctx context.Context, st Status) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	if st.StartedAt.IsZero() {
		st.StartedAt = st.UpdatedAt
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, upsertStatus,
			st.PID, st.Running, st.Owner, st.Backend, st.DeviceID, st.Source, st.SourceConnected,
			st.HeaderStatus, st.SourceFormat, st.DeviceFormat, st.Degraded, st.DegradedReason,
			st.EQEnabled, st.Preset, st.PreampDB, st.Balance, st.Crossfade,
			int64(st.Frames), int64(st.Dropped), int64(st.WriteErrors), int64(st.Reconnects), st.LastError,
			st.StartedAt.UTC().Format(time.RFC3339Nano), st.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
}

// MarkStopped flags the snapshot as no longer live when pid still owns it.
func (s *Store) MarkStopped(ctx context.Context, pid int) error {
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			"UPDATE engine_status SET running = 0, owner = 0, updated_at = ? WHERE id = 1 AND pid = ?",
			time.Now().UTC().Format(time.RFC3339Nano), pid,
		)
		return err
	})
}

// Read returns the stored snapshot. ok is false when nothing was published.
func (s *Store) Read(ctx context.Context) (Status, bool, error) {
	var (
		st                                 Status
		frames, dropped, writeErrs, reconn int64
		startedAt, updatedAt               string
	)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
SELECT pid, running, owner, backend, device_id, source, source_connected,
       header_status, source_format, device_format, degraded, degraded_reason,
       eq_enabled, preset, preamp_db, balance, crossfade_seconds,
       frames, dropped_frames, write_errors, reconnects, last_error, started_at, updated_at
FROM engine_status WHERE id = 1`).Scan(
			&st.PID, &st.Running, &st.Owner, &st.Backend, &st.DeviceID, &st.Source, &st.SourceConnected,
			&st.HeaderStatus, &st.SourceFormat, &st.DeviceFormat, &st.Degraded, &st.DegradedReason,
			&st.EQEnabled, &st.Preset, &st.PreampDB, &st.Balance, &st.Crossfade,
			&frames, &dropped, &writeErrs, &reconn, &st.LastError, &startedAt, &updatedAt,
		)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("read engine status: %w", err)
	}
	st.Frames, st.Dropped = uint64(frames), uint64(dropped)
	st.WriteErrors, st.Reconnects = uint64(writeErrs), uint64(reconn)
	st.StartedAt = parseTime(startedAt)
	st.UpdatedAt = parseTime(updatedAt)
	return st, true, nil
}

func parseTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
