package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// StateStore reads and writes the opaque per-device config blob, one
// file per export under dir, named by (shelf, slot). Writes are atomic
// (temp file, rename); the blob is never interpreted here.
type StateStore struct {
	dir string
}

// NewStateStore binds a StateStore to dir, which must already exist and
// be writable.
func NewStateStore(dir string) *StateStore {
	return &StateStore{dir: dir}
}

func (s *StateStore) path(shelf uint16, slot byte) string {
	return filepath.Join(s.dir, fmt.Sprintf("%04x.%02x.blob", shelf, slot))
}

// Load returns the persisted blob for (shelf, slot), or (nil, nil) if none
// has been written yet.
func (s *StateStore) Load(shelf uint16, slot byte) ([]byte, error) {
	data, err := os.ReadFile(s.path(shelf, slot))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Bind fixes the store to one (shelf, slot) so a device can persist its
// own config blob without knowing the directory layout.
func (s *StateStore) Bind(shelf uint16, slot byte) *BoundStore {
	return &BoundStore{store: s, shelf: shelf, slot: slot}
}

// BoundStore is a StateStore scoped to a single export.
type BoundStore struct {
	store *StateStore
	shelf uint16
	slot  byte
}

// Save persists blob for the bound export.
func (b *BoundStore) Save(blob []byte) error {
	return b.store.Save(b.shelf, b.slot, blob)
}

// Load returns the bound export's persisted blob, or (nil, nil) if none.
func (b *BoundStore) Load() ([]byte, error) {
	return b.store.Load(b.shelf, b.slot)
}

// Save persists blob for (shelf, slot), replacing any previous contents
// atomically so a crash mid-write never leaves a truncated blob behind.
func (s *StateStore) Save(shelf uint16, slot byte, blob []byte) error {
	final := s.path(shelf, slot)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("config: write state for (%d,%d): %w", shelf, slot, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("config: commit state for (%d,%d): %w", shelf, slot, err)
	}
	return nil
}
