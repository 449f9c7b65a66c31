// Package runlock serialises update runs with an exclusive lock file.
// SQLite tolerates concurrent readers but the pipeline assumes a single
// writer per database.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrRunConflict means another run holds the lock. The caller should
// surface it without starting any work.
var ErrRunConflict = errors.New("another update run is already in progress")

// Lock is a held run lock. Release it when the run finishes, success or
// not.
type Lock struct {
	path string
}

// Acquire takes the lock or fails fast with ErrRunConflict. The lock
// file records the holder's pid for operators cleaning up after a crash.
func Acquire(path string) (*Lock, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare lock directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrRunConflict
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	f.Close()
	return &Lock{path: path}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
