// Package store provides crash-safe JSON snapshot persistence.
//
// Each named snapshot is stored as its own file. Writes use atomic file
// replacement (write to .tmp, fsync, rename) under an advisory file lock
// so a crash mid-write never corrupts the previous good snapshot, and a
// second process never writes concurrently. Before each write, the
// current file is rotated into a bounded backup history.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// DefaultBackupCount is how many rotated backups are kept per snapshot
// name when the caller doesn't override it.
const DefaultBackupCount = 5

// Store persists named JSON snapshots to a directory. All operations are
// mutex-protected in-process and flock-protected across processes.
type Store struct {
	dir         string
	backupCount int
	mu          sync.Mutex
}

// Open creates a store backed by dir, creating it if necessary.
// backupCount <= 0 uses DefaultBackupCount.
func Open(dir string, backupCount int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	if backupCount <= 0 {
		backupCount = DefaultBackupCount
	}
	return &Store{dir: dir, backupCount: backupCount}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, name+".lock")
}

// Save atomically persists v under name, rotating the previous file into
// a bounded backup history first.
func (s *Store) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl := flock.New(s.lockPath(name))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("lock snapshot %s: %w", name, err)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", name, err)
	}

	path := s.path(name)
	if err := s.rotateBackupsLocked(name); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp snapshot %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp snapshot %s: %w", name, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp snapshot %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp snapshot %s: %w", name, err)
	}
	return os.Rename(tmp, path)
}

// Load restores the named snapshot into v. It returns ok=false if no
// snapshot has been saved yet.
func (s *Store) Load(name string, v any) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fl := flock.New(s.lockPath(name))
	if err := fl.Lock(); err != nil {
		return false, fmt.Errorf("lock snapshot %s: %w", name, err)
	}
	defer fl.Unlock()

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read snapshot %s: %w", name, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal snapshot %s: %w", name, err)
	}
	return true, nil
}

// rotateBackupsLocked shifts name.json.N to name.json.N+1, dropping the
// oldest once backupCount is exceeded, and copies the current file to
// name.json.1. Called with s.mu held and the cross-process lock acquired.
func (s *Store) rotateBackupsLocked(name string) error {
	current := s.path(name)
	if _, err := os.Stat(current); err != nil {
		return nil // nothing to rotate yet
	}

	oldest := fmt.Sprintf("%s.%d", current, s.backupCount)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("remove oldest backup for %s: %w", name, err)
		}
	}

	for i := s.backupCount - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", current, i)
		to := fmt.Sprintf("%s.%d", current, i+1)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rotate backup %s -> %s: %w", from, to, err)
		}
	}

	data, err := os.ReadFile(current)
	if err != nil {
		return fmt.Errorf("read current snapshot %s for rotation: %w", name, err)
	}
	return os.WriteFile(current+".1", data, 0o600)
}
