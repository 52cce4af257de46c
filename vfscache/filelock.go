package vfscache

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileLocker hands out per-virtual-path mutexes, backed by
// flock(2) on a lock file named after the path with "/" replaced by "_",
// the same naming scheme the original used for its named POSIX semaphore.
type FileLocker struct {
	dir string
}

// NewFileLocker creates the lock directory under cacheRoot if needed.
func NewFileLocker(cacheRoot string) (*FileLocker, error) {
	dir := filepath.Join(cacheRoot, ".aep-state", "locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "vfscache: create lock dir")
	}
	return &FileLocker{dir: dir}, nil
}

// Lock is a held per-file lock; it must be released on every exit path.
type Lock struct {
	f *os.File
}

// Acquire blocks until the named virtual path's lock is held. Callers
// must never hold two per-file locks at once: acquisition order never
// nests two per-file locks, which eliminates deadlock.
func (l *FileLocker) Acquire(virtualPath string) (*Lock, error) {
	name := lockName(virtualPath)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "vfscache: open lock for %s", virtualPath)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "vfscache: lock %s", virtualPath)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying lock file. Safe to call
// exactly once per Lock returned by Acquire.
func (l *Lock) Release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

func lockName(virtualPath string) string {
	trimmed := strings.TrimPrefix(virtualPath, "/")
	if trimmed == "" {
		trimmed = "root"
	}
	return strings.ReplaceAll(trimmed, "/", "_")
}
