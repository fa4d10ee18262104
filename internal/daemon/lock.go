package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/vectorsync/internal/errors"
)

// FileLock is an exclusive cross-process lock on the data directory. Only
// one server may own a checkpoint database and archive directory.
type FileLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// NewFileLock creates a lock backed by the file at path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		path:  path,
		flock: flock.New(path),
	}
}

// Acquire takes the lock without blocking. A lock held by another process
// fails with ErrCodeDataDirLocked.
func (l *FileLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		return errors.New(errors.ErrCodeDataDirLocked,
			fmt.Sprintf("data directory is locked by another server (%s)", l.path), nil)
	}
	l.locked = true
	return nil
}

// Release drops the lock. It's safe to call Release multiple times.
func (l *FileLock) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the path to the lock file.
func (l *FileLock) Path() string {
	return l.path
}

// IsLocked returns true if this handle holds the lock.
func (l *FileLock) IsLocked() bool {
	return l.locked
}
