// Package state persists the listener's settings (EQ, preamp, balance,
// crossfade, presets, selected device) in a TOML file and watches it for
// edits made by other instances.
package state

import (
	"errors"
	"fmt"
	"math"

	"tonearm/internal/dsp"
	"tonearm/internal/eq"
	"tonearm/internal/faults"
)

const (
	MinPreampDB = -12.0
	MaxPreampDB = 12.0

	MaxCrossfadeSeconds = 60
)

// crossfadeSteps is the cycle used by NextCrossfade.
var crossfadeSteps = []int{0, 2, 4, 6}

// Config is the persisted listener state.
type Config struct {
	EQEnabled        bool        `json:"eq_enabled"`
	PreampDB         float64     `json:"preamp_db"`
	Balance          float64     `json:"balance"`
	CrossfadeSeconds int         `json:"crossfade_seconds"`
	Bands            eq.Gains    `json:"bands"`
	CustomPresets    []eq.Preset `json:"custom_presets,omitempty"`
	LastPreset       string      `json:"last_preset,omitempty"`
	Device           string      `json:"device,omitempty"`
}

// Defaults returns the state used when no file exists.
func Defaults() Config {
	return Config{LastPreset: eq.FlatPreset}
}

// Normalized clamps every value into range and drops duplicate or
// factory-named user presets.
func (c Config) Normalized() Config {
	c.PreampDB = ClampPreamp(c.PreampDB)
	c.Balance = dsp.ClampBalance(c.Balance)
	c.CrossfadeSeconds = max(0, min(c.CrossfadeSeconds, MaxCrossfadeSeconds))
	c.Bands = c.Bands.Clamped()
	c.CustomPresets = eq.Dedupe(c.CustomPresets)
	return c
}

// ClampPreamp limits a preamp value; NaN maps to 0 dB.
func ClampPreamp(db float64) float64 {
	if math.IsNaN(db) {
		return 0
	}
	return math.Max(MinPreampDB, math.Min(MaxPreampDB, db))
}

// Params converts the state into a DSP parameter snapshot.
func (c Config) Params(headroom, limiter bool) dsp.Params {
	return dsp.Params{
		Enabled:  c.EQEnabled,
		Gains:    c.Bands,
		PreampDB: c.PreampDB,
		Balance:  c.Balance,
		Headroom: headroom,
		Limiter:  limiter,
	}
}

// Catalog returns the presets visible with this state.
func (c Config) Catalog() eq.Catalog {
	return eq.Catalog{User: c.CustomPresets}
}

// SetBand changes one band and clears the preset name, since the gains no
// longer match it.
func (c *Config) SetBand(index int, gainDB float64) error {
	if err := eq.ValidIndex(index); err != nil {
		return faults.Wrap(faults.ErrValidation, "state", "set band", err.Error(), nil)
	}
	c.Bands[index] = eq.ClampGain(gainDB)
	c.LastPreset = ""
	return nil
}

// ApplyPreset loads a preset's gains.
func (c *Config) ApplyPreset(name string) (eq.Preset, error) {
	p, err := c.Catalog().Find(name)
	if err != nil {
		return eq.Preset{}, presetError("apply preset", err)
	}
	c.Bands = p.Gains
	c.LastPreset = p.Name
	return p, nil
}

// SavePreset stores the current gains under name and switches to it.
func (c *Config) SavePreset(name string) (eq.Preset, error) {
	catalog, p, err := c.Catalog().Save(name, c.Bands)
	if err != nil {
		return eq.Preset{}, presetError("save preset", err)
	}
	c.CustomPresets = catalog.User
	c.LastPreset = p.Name
	return p, nil
}

// DeletePreset removes a user preset. The current gains stay as they are.
func (c *Config) DeletePreset(name string) error {
	catalog, err := c.Catalog().Delete(name)
	if err != nil {
		return presetError("delete preset", err)
	}
	c.CustomPresets = catalog.User
	if eq.NameKey(c.LastPreset) == eq.NameKey(name) {
		c.LastPreset = ""
	}
	return nil
}

// Reset flattens the EQ and recentres gain and balance. Presets and the
// device choice are kept.
func (c *Config) Reset() {
	c.Bands = eq.Gains{}
	c.PreampDB = 0
	c.Balance = 0
	c.LastPreset = eq.FlatPreset
}

func presetError(op string, err error) error {
	switch {
	case errors.Is(err, eq.ErrPresetNotFound):
		return faults.Wrap(faults.ErrNotFound, "state", op, "", err)
	default:
		return faults.Wrap(faults.ErrValidation, "state", op, "", err)
	}
}

// NextCrossfade returns the step after seconds in the 0/2/4/6 cycle.
func NextCrossfade(seconds int) int {
	for i, s := range crossfadeSteps {
		if s == seconds {
			return crossfadeSteps[(i+1)%len(crossfadeSteps)]
		}
	}
	return crossfadeSteps[0]
}

// ValidateCrossfade rejects values outside 0..MaxCrossfadeSeconds.
func ValidateCrossfade(seconds int) error {
	if seconds < 0 || seconds > MaxCrossfadeSeconds {
		return faults.Wrap(faults.ErrValidation, "state", "crossfade",
			fmt.Sprintf("%d seconds outside 0..%d", seconds, MaxCrossfadeSeconds), nil)
	}
	return nil
}
