package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shelfslot/aoetgtd/internal/config"
)

func TestStateStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := config.NewStateStore(dir)

	if _, err := s.Load(1, 2); err != nil {
		t.Fatalf("load before save: %v", err)
	}

	blob := []byte("opaque-config-blob")
	if err := s.Save(1, 2, blob); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(1, 2)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != string(blob) {
		t.Fatalf("got %q, want %q", got, blob)
	}
}

func TestStateStoreSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := config.NewStateStore(dir)

	if err := s.Save(0, 0, []byte("first")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(0, 0, []byte("second")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file after successful save: %s", e.Name())
		}
	}

	got, err := s.Load(0, 0)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "second" {
		t.Fatalf("got %q, want %q", got, "second")
	}
}
