package testsupport

import (
	"testing"

	"tonearm/internal/config"
	"tonearm/internal/statusdb"
)

// MustOpenStatus opens the status database named in cfg and registers cleanup.
func MustOpenStatus(t testing.TB, cfg *config.Config) *statusdb.Store {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store, err := statusdb.Open(cfg.Paths.StatusDB)
	if err != nil {
		t.Fatalf("statusdb.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
