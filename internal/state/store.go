package state

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"tonearm/internal/eq"
	"tonearm/internal/faults"
	"tonearm/internal/fileutil"
	"tonearm/internal/logging"
)

// record is the on-disk layout. Slices rather than arrays let short or long
// band lists load instead of failing the whole file.
type record struct {
	EQEnabled        bool           `toml:"eq_enabled"`
	PreampDB         float64        `toml:"preamp_db"`
	Balance          float64        `toml:"balance"`
	CrossfadeSeconds float64        `toml:"crossfade_seconds"`
	Bands            []float64      `toml:"bands"`
	LastPreset       string         `toml:"last_preset"`
	Device           string         `toml:"device"`
	CustomPresets    []presetRecord `toml:"custom_presets"`
}

type presetRecord struct {
	Name  string    `toml:"name"`
	Bands []float64 `toml:"bands"`
}

func toRecord(c Config) record {
	r := record{
		EQEnabled:        c.EQEnabled,
		PreampDB:         c.PreampDB,
		Balance:          c.Balance,
		CrossfadeSeconds: float64(c.CrossfadeSeconds),
		Bands:            c.Bands[:],
		LastPreset:       c.LastPreset,
		Device:           c.Device,
	}
	for _, p := range c.CustomPresets {
		r.CustomPresets = append(r.CustomPresets, presetRecord{Name: p.Name, Bands: p.Gains[:]})
	}
	return r
}

func (r record) config() Config {
	c := Config{
		EQEnabled:        r.EQEnabled,
		PreampDB:         r.PreampDB,
		Balance:          r.Balance,
		CrossfadeSeconds: wholeSeconds(r.CrossfadeSeconds),
		Bands:            gainsFrom(r.Bands),
		LastPreset:       r.LastPreset,
		Device:           r.Device,
	}
	for _, p := range r.CustomPresets {
		c.CustomPresets = append(c.CustomPresets, eq.Preset{Name: p.Name, Gains: gainsFrom(p.Bands)})
	}
	return c.Normalized()
}

// wholeSeconds rounds a crossfade to the whole seconds MPD accepts, clamped
// into range.
func wholeSeconds(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Round(math.Max(0, math.Min(v, MaxCrossfadeSeconds))))
}

func gainsFrom(values []float64) eq.Gains {
	var g eq.Gains
	copy(g[:], values)
	return g
}

// Encode renders c in the persisted TOML layout.
func Encode(c Config) ([]byte, error) {
	return toml.Marshal(toRecord(c.Normalized()))
}

// Decode parses persisted TOML. Missing keys take their defaults and unknown
// keys are ignored.
func Decode(data []byte) (Config, error) {
	r := toRecord(Defaults())
	r.Bands = nil
	if err := toml.Unmarshal(data, &r); err != nil {
		return Defaults(), err
	}
	return r.config(), nil
}

// Store reads and writes the state file.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	suppressed bool
	written    []byte
}

// NewStore returns a store for path. Nothing is read until Load.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logging.NewComponentLogger(logger, "state"),
		now:    time.Now,
	}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Suppressed reports whether automatic saves are held back after a corrupt
// load.
func (s *Store) Suppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// Load reads the state file. A missing file yields defaults. A malformed file
// is left in place, copied aside, and reported as ErrPersistenceCorrupt along
// with defaults; automatic saves stay off until the next explicit change so
// the original is not overwritten.
func (s *Store) Load() (Config, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Defaults(), nil
		}
		return Defaults(), faults.Wrap(faults.ErrPersistenceCorrupt, "state", "read", s.path, err)
	}
	cfg, err := Decode(data)
	if err != nil {
		return Defaults(), s.quarantine(err)
	}
	s.mu.Lock()
	s.written = data
	s.mu.Unlock()
	return cfg, nil
}

func (s *Store) quarantine(parseErr error) error {
	s.mu.Lock()
	s.suppressed = true
	s.mu.Unlock()

	backup := fmt.Sprintf("%s.corrupt-%s", s.path, s.now().UTC().Format("20060102T150405"))
	copyErr := fileutil.CopyFile(s.path, backup)
	err := faults.Wrap(faults.ErrPersistenceCorrupt, "state", "parse", s.path, parseErr)

	attrs := []logging.Attr{
		logging.Error(err),
		logging.String("state_path", s.path),
		logging.String(logging.FieldErrorHint, "fix or remove the file; the next change rewrites it"),
		logging.String(logging.FieldImpact, "defaults in use; automatic saves paused"),
	}
	if copyErr == nil {
		attrs = append(attrs, logging.String("backup_path", backup))
	} else {
		attrs = append(attrs, logging.String("backup_error", copyErr.Error()))
	}
	logging.WarnWithContext(s.logger, "state file corrupt", "state_corrupt", attrs...)
	return err
}

// Save writes c after an explicit user change. It clears save suppression.
func (s *Store) Save(c Config) error {
	s.mu.Lock()
	s.suppressed = false
	s.mu.Unlock()
	return s.write(c)
}

// Checkpoint writes c unless saves are suppressed. It is used on shutdown
// and for changes that did not come from the user.
func (s *Store) Checkpoint(c Config) error {
	if s.Suppressed() {
		s.logger.Debug("state checkpoint skipped; file marked corrupt")
		return nil
	}
	return s.write(c)
}

func (s *Store) write(c Config) error {
	data, err := Encode(c)
	if err != nil {
		return faults.Wrap(faults.ErrPersistenceCorrupt, "state", "encode", s.path, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes.Equal(data, s.written) {
		if _, err := os.Stat(s.path); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return faults.Wrap(faults.ErrTransient, "state", "create directory", filepath.Dir(s.path), err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return faults.Wrap(faults.ErrTransient, "state", "write", s.path, err)
	}
	s.written = data
	return nil
}

// selfWrite reports whether data matches the last content this store wrote or
// loaded.
func (s *Store) selfWrite(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Equal(data, s.written)
}

func (s *Store) remember(data []byte) {
	s.mu.Lock()
	s.written = data
	s.mu.Unlock()
}
