package snapshot

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"

	"relaymon/internal/model"
)

// Store persists snapshots as a single JSON file. Writes go through a
// sibling temp file and an atomic rename so readers never observe a
// partial snapshot; the mutex keeps in-process writers from sharing the
// temp file.
type Store struct {
	path string
	mu   sync.Mutex
}

func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the snapshot file location.
func (s *Store) Path() string { return s.path }

// Load reads the latest snapshot. A missing file is a fresh start and a
// corrupt one is logged and treated the same; only a real I/O failure is
// an error.
func (s *Store) Load() (model.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return model.EmptySnapshot(), nil
		}
		return model.Snapshot{}, err
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Printf("snapshot %s is corrupt, starting fresh: %v", s.path, err)
		return model.EmptySnapshot(), nil
	}
	snap.Normalize()
	return snap, nil
}

// Save atomically replaces the snapshot file. On any failure the previous
// snapshot stays intact and the temp file is removed.
func (s *Store) Save(snap model.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
