package eq

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// FlatPreset is the name of the neutral factory preset.
const FlatPreset = "Flat"

// Preset is a named set of band gains.
type Preset struct {
	Name    string `json:"name" toml:"name"`
	Gains   Gains  `json:"bands" toml:"bands"`
	Factory bool   `json:"factory" toml:"-"`
}

var (
	ErrPresetNotFound = errors.New("preset not found")
	ErrPresetFactory  = errors.New("factory presets are read-only")
	ErrPresetName     = errors.New("invalid preset name")
)

var factory = []Preset{
	{Name: "Flat", Gains: Gains{}},
	{Name: "Acoustic", Gains: Gains{2, 1, 0, 1, 1, 0, 0, 1, 2, 1}},
	{Name: "Bass Booster", Gains: Gains{4, 5, 4, 2, 0, 0, 0, 0, 0, 0}},
	{Name: "Bass Reducer", Gains: Gains{-4, -5, -4, -2, 0, 0, 0, 0, 0, 0}},
	{Name: "Classical", Gains: Gains{0, 0, 0, 0, 0, -1, -1, -1, 1, 2}},
	{Name: "Dance", Gains: Gains{5, 4, 2, 0, -2, -2, 0, 2, 3, 3}},
	{Name: "Deep", Gains: Gains{5, 4, 2, 0, 0, 0, -1, -2, -3, -4}},
	{Name: "Electronic", Gains: Gains{5, 4, 0, -1, -1, 0, 0, 2, 4, 5}},
	{Name: "Hip-Hop", Gains: Gains{5, 4, 2, 0, 0, 1, 1, 0, 1, 2}},
	{Name: "Jazz", Gains: Gains{2, 1, 0, 1, 2, 2, 0, 1, 2, 1}},
	{Name: "Late Night", Gains: Gains{-1, 0, 1, 2, 2, 2, 1, 0, -1, -1}},
	{Name: "Latin", Gains: Gains{2, 1, 1, 1, 0, 0, 0, 1, 3, 3}},
	{Name: "Loudness", Gains: Gains{4, 2, 0, 0, 0, 0, 0, 0, 2, 4}},
	{Name: "Lounge", Gains: Gains{-2, 0, 1, 2, 2, 1, 0, -1, 0, 0}},
	{Name: "Piano", Gains: Gains{1, 0, 0, 1, 2, 2, 1, 1, 2, 1}},
	{Name: "Pop", Gains: Gains{-2, 0, 1, 3, 4, 3, 1, 0, 1, 1}},
	{Name: "R&B", Gains: Gains{3, 2, 1, 0, 1, 2, 2, 1, 1, 2}},
	{Name: "Rock", Gains: Gains{3, 2, 0, -1, 0, 2, 3, 3, 3, 2}},
	{Name: "Small Speakers", Gains: Gains{5, 4, 3, 1, 0, 0, 1, 3, 4, 5}},
	{Name: "Spoken Word", Gains: Gains{-3, -1, 1, 4, 5, 4, 2, 0, -2, -3}},
	{Name: "Treble Booster", Gains: Gains{0, 0, 0, 0, 0, 0, 1, 3, 4, 4}},
	{Name: "Treble Reducer", Gains: Gains{0, 0, 0, 0, 0, 0, -1, -3, -4, -4}},
	{Name: "Vocal Booster", Gains: Gains{-3, -2, 0, 3, 5, 5, 3, 1, -1, -3}},
}

// NameKey returns the comparison key for preset names: trimmed and
// Unicode case-folded so "ROCK" and "rock" collide.
func NameKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Factory returns the compiled-in presets.
func Factory() []Preset {
	out := make([]Preset, len(factory))
	for i, p := range factory {
		p.Factory = true
		out[i] = p
	}
	return out
}

// IsFactory reports whether name matches a factory preset.
func IsFactory(name string) bool {
	key := NameKey(name)
	for _, p := range factory {
		if NameKey(p.Name) == key {
			return true
		}
	}
	return false
}

// Catalog resolves preset names across factory and user presets.
// It is a value type; mutations return a new Catalog.
type Catalog struct {
	User []Preset
}

// All lists factory presets followed by user presets.
func (c Catalog) All() []Preset {
	out := Factory()
	for _, p := range c.User {
		p.Factory = false
		out = append(out, p)
	}
	return out
}

// Find looks a preset up by name, factory presets first.
func (c Catalog) Find(name string) (Preset, error) {
	key := NameKey(name)
	for _, p := range c.All() {
		if NameKey(p.Name) == key {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
}

// Save adds or replaces a user preset. Factory names are rejected.
func (c Catalog) Save(name string, gains Gains) (Catalog, Preset, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 64 {
		return c, Preset{}, fmt.Errorf("%w: %q", ErrPresetName, name)
	}
	if IsFactory(name) {
		return c, Preset{}, fmt.Errorf("%w: %q", ErrPresetFactory, name)
	}
	preset := Preset{Name: name, Gains: gains.Clamped()}
	key := NameKey(name)
	user := make([]Preset, 0, len(c.User)+1)
	replaced := false
	for _, p := range c.User {
		if NameKey(p.Name) == key {
			user = append(user, preset)
			replaced = true
			continue
		}
		user = append(user, p)
	}
	if !replaced {
		user = append(user, preset)
	}
	return Catalog{User: user}, preset, nil
}

// Delete removes a user preset. Factory presets cannot be deleted.
func (c Catalog) Delete(name string) (Catalog, error) {
	if IsFactory(name) {
		return c, fmt.Errorf("%w: %q", ErrPresetFactory, name)
	}
	key := NameKey(name)
	user := make([]Preset, 0, len(c.User))
	found := false
	for _, p := range c.User {
		if NameKey(p.Name) == key {
			found = true
			continue
		}
		user = append(user, p)
	}
	if !found {
		return c, fmt.Errorf("%w: %q", ErrPresetNotFound, name)
	}
	return Catalog{User: user}, nil
}

// Dedupe drops user presets that collide with factory names or with an
// earlier user preset, keeping the first occurrence.
func Dedupe(user []Preset) []Preset {
	seen := make(map[string]struct{}, len(user))
	out := make([]Preset, 0, len(user))
	for _, p := range user {
		key := NameKey(p.Name)
		if key == "" || IsFactory(p.Name) {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		p.Gains = p.Gains.Clamped()
		p.Factory = false
		out = append(out, p)
	}
	return out
}
