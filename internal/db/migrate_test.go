package db

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestReadMigrations_SortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_alerts.sql",
		"0001_initial.sql",
		"notes.txt",
		"abc_bad_prefix.sql",
		"0003.sql",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}

	got, err := readMigrations(dir, zap.NewNop())
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d migrations, want 2: %+v", len(got), got)
	}
	if got[0].version != 1 || got[1].version != 2 {
		t.Errorf("order = [%d %d], want [1 2]", got[0].version, got[1].version)
	}
	if got[0].filename != "0001_initial.sql" {
		t.Errorf("first file = %s, want 0001_initial.sql", got[0].filename)
	}
}

func TestReadMigrations_MissingDir(t *testing.T) {
	if _, err := readMigrations(filepath.Join(t.TempDir(), "nope"), zap.NewNop()); err == nil {
		t.Error("expected error for missing directory")
	}
}
