package statestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// Store guards a single JSON state file on disk: deserializing it at
// startup, and writing it back atomically (temp file + rename) under an
// advisory file lock that is held for the process lifetime.
type Store struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// Open acquires an exclusive advisory lock on path and loads the state it
// contains, or returns a fresh empty state if the file does not yet exist.
func Open(path string) (*Store, *AggregateState, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("statestore: locking %s: %w", path, err)
	}
	if !locked {
		return nil, nil, fmt.Errorf("statestore: %s is locked by another process", path)
	}

	store := &Store{path: path, lock: lock}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return store, NewAggregateState(), nil
	}
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("statestore: reading %s: %w", path, err)
	}

	state, err := decode(raw)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, err
	}
	return store, state, nil
}

// Save atomically persists state to the store's path via a temp file and
// rename, so a crash mid-write never corrupts the previous snapshot.
func (s *Store) Save(state *AggregateState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := state.encode()
	if err != nil {
		return fmt.Errorf("statestore: encoding state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: renaming into place: %w", err)
	}
	return nil
}

// Close releases the advisory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}
