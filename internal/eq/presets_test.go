package eq

import (
	"errors"
	"testing"
)

func TestFactoryPresetsAreWithinRangeAndUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range Factory() {
		if !p.Factory {
			t.Fatalf("%s not flagged factory", p.Name)
		}
		key := NameKey(p.Name)
		if seen[key] {
			t.Fatalf("duplicate factory preset %q", p.Name)
		}
		seen[key] = true
		for i, g := range p.Gains {
			if g < MinGainDB || g > MaxGainDB {
				t.Fatalf("%s band %d gain %v out of range", p.Name, i, g)
			}
		}
	}
	if !seen[NameKey(FlatPreset)] {
		t.Fatal("flat preset missing")
	}
}

func TestCatalogSaveReplacesCaseInsensitively(t *testing.T) {
	var c Catalog
	c, _, err := c.Save("Night Drive", Gains{1})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	c, p, err := c.Save("NIGHT drive", Gains{40})
	if err != nil {
		t.Fatalf("save replace: %v", err)
	}
	if len(c.User) != 1 {
		t.Fatalf("expected 1 user preset, got %d", len(c.User))
	}
	if p.Gains[0] != MaxGainDB {
		t.Fatalf("expected clamped gain, got %v", p.Gains[0])
	}
	found, err := c.Find("night drive")
	if err != nil || found.Name != "NIGHT drive" {
		t.Fatalf("find: %+v %v", found, err)
	}
}

func TestCatalogRejectsFactoryMutation(t *testing.T) {
	var c Catalog
	if _, _, err := c.Save("rock", Gains{}); !errors.Is(err, ErrPresetFactory) {
		t.Fatalf("expected factory error on save, got %v", err)
	}
	if _, err := c.Delete("Bass Booster"); !errors.Is(err, ErrPresetFactory) {
		t.Fatalf("expected factory error on delete, got %v", err)
	}
	if _, err := c.Delete("missing"); !errors.Is(err, ErrPresetNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := c.Save("  ", Gains{}); !errors.Is(err, ErrPresetName) {
		t.Fatalf("expected name error, got %v", err)
	}
}

func TestDedupeDropsCollisions(t *testing.T) {
	got := Dedupe([]Preset{
		{Name: "Mine", Gains: Gains{1}},
		{Name: "mine", Gains: Gains{2}},
		{Name: "Jazz", Gains: Gains{3}},
		{Name: "", Gains: Gains{4}},
		{Name: "Other", Gains: Gains{-99}},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2 presets, got %+v", got)
	}
	if got[0].Gains[0] != 1 || got[1].Gains[0] != MinGainDB {
		t.Fatalf("unexpected dedupe result %+v", got)
	}
}

func TestGainsHelpers(t *testing.T) {
	g := Gains{-3, 6, 2}
	if g.Flat() {
		t.Fatal("expected non-flat")
	}
	if g.MaxBoost() != 6 {
		t.Fatalf("max boost = %v", g.MaxBoost())
	}
	if (Gains{}).MaxBoost() != 0 || !(Gains{}).Flat() {
		t.Fatal("zero gains should be flat with no boost")
	}
	if FrequencyLabel(9) != "16k" || FrequencyLabel(4) != "512" {
		t.Fatalf("labels: %s %s", FrequencyLabel(9), FrequencyLabel(4))
	}
	if err := ValidIndex(10); err == nil {
		t.Fatal("expected index error")
	}
}
