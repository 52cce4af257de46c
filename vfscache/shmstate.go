// Package vfscache implements the cross-process cache state, the
// per-file lock, and the cache engine.
package vfscache

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// byteOrder is host-native for the persisted shared segment.
var byteOrder = binary.NativeEndian

// HashSize is the number of open-reference slots in the shared segment.
// The hash is reduced mod HashSize rather than used as a raw array
// index, which avoids the one-in-65536 out-of-bounds access the
// original C implementation's raw indexing was exposed to.
const HashSize = 65535

// sharedHeaderSize is the size in bytes of the leading C counter.
const sharedHeaderSize = 8

// SharedState is the cross-process segment: an int64 cache-size counter
// C followed by an open-reference byte array R. It plays the role of the
// original's aep_shmem + aep_shmem_sem pair.
//
// Every access is bracketed by both mu and an flock on lockFile. flock
// is granted per open file description, not per goroutine, so two
// goroutines in this process sharing the one lockFile descriptor would
// never actually contend on the flock alone — the second call is
// granted immediately against the same description instead of blocking.
// mu provides the intra-process exclusion flock can't; flock remains
// for exclusion across separate processes sharing the segment.
type SharedState struct {
	mu       sync.Mutex
	data     []byte // mmap'd region: 8 bytes of C, then HashSize bytes of R
	lockFile *os.File
}

// OpenSharedState maps (creating if necessary) the shared segment rooted
// at cacheRoot. Exactly one racing process performs the one-time scan of
// cacheRoot to seed C; the rest just open and map.
func OpenSharedState(cacheRoot string) (*SharedState, error) {
	stateDir := filepath.Join(cacheRoot, ".aep-state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "vfscache: create state dir")
	}

	lockPath := filepath.Join(stateDir, "shmem.lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "vfscache: open lock file")
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, "vfscache: lock shared state")
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	segSize := sharedHeaderSize + HashSize
	shmPath := filepath.Join(stateDir, "shmem")

	winner := true
	fd, err := unix.Open(shmPath, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL, 0o666)
	if err != nil {
		if !errors.Is(err, unix.EEXIST) {
			lockFile.Close()
			return nil, errors.Wrap(err, "vfscache: create shared segment")
		}
		winner = false
		fd, err = unix.Open(shmPath, unix.O_RDWR, 0o666)
		if err != nil {
			lockFile.Close()
			return nil, errors.Wrap(err, "vfscache: open shared segment")
		}
	}
	defer unix.Close(fd)

	if winner {
		if err := unix.Ftruncate(fd, int64(segSize)); err != nil {
			lockFile.Close()
			return nil, errors.Wrap(err, "vfscache: truncate shared segment")
		}
	}

	data, err := unix.Mmap(fd, 0, segSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, "vfscache: mmap shared segment")
	}

	s := &SharedState{data: data, lockFile: lockFile}
	if winner {
		for i := range data {
			data[i] = 0
		}
		size, err := sumCacheRoot(cacheRoot, stateDir)
		if err != nil {
			unix.Munmap(data)
			lockFile.Close()
			return nil, errors.Wrap(err, "vfscache: scan cache root")
		}
		s.setSizeLocked(size)
	}
	return s, nil
}

// Close unmaps the shared segment and releases the lock file handle. It
// does not remove the on-disk segment: it outlives any single process.
func (s *SharedState) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		s.lockFile.Close()
		return err
	}
	return s.lockFile.Close()
}

func (s *SharedState) lock() error {
	s.mu.Lock()
	if err := unix.Flock(int(s.lockFile.Fd()), unix.LOCK_EX); err != nil {
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *SharedState) unlock() {
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.mu.Unlock()
}

func (s *SharedState) sizeLocked() int64 {
	return int64(byteOrder.Uint64(s.data[:sharedHeaderSize]))
}

func (s *SharedState) setSizeLocked(v int64) {
	byteOrder.PutUint64(s.data[:sharedHeaderSize], uint64(v))
}

// Size returns the current cache-size counter C under the shared lock.
func (s *SharedState) Size() (int64, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()
	return s.sizeLocked(), nil
}

// AddSize adds delta (which may be negative) to C under the shared lock.
func (s *SharedState) AddSize(delta int64) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.unlock()
	s.setSizeLocked(s.sizeLocked() + delta)
	return nil
}

// IncRef bumps the open-reference count for path and returns the new
// value. Counts never go negative.
func (s *SharedState) IncRef(path string) (uint8, error) {
	return s.addRef(path, 1)
}

// DecRef decrements the open-reference count for path.
func (s *SharedState) DecRef(path string) (uint8, error) {
	return s.addRef(path, -1)
}

// RefCount returns the current open-reference count for path.
func (s *SharedState) RefCount(path string) (uint8, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()
	return s.refLocked(path), nil
}

func (s *SharedState) addRef(path string, delta int) (uint8, error) {
	if err := s.lock(); err != nil {
		return 0, err
	}
	defer s.unlock()
	idx := refIndex(path)
	v := int(s.data[sharedHeaderSize+idx]) + delta
	if v < 0 {
		v = 0
	}
	s.data[sharedHeaderSize+idx] = byte(v)
	return uint8(v), nil
}

func (s *SharedState) refLocked(path string) uint8 {
	return s.data[sharedHeaderSize+refIndex(path)]
}

func refIndex(path string) int {
	return int(hashPath(path)) % HashSize
}

// hashPath is a 16-bit rolling XOR hash over 16-bit words of the virtual
// path, counter-mixed so that lexically similar names (e.g.
// "/USGS_1_n32w099" vs "/USGS_1_n33w098") diverge.
func hashPath(path string) uint16 {
	b := []byte(path)
	if len(b)%2 == 1 {
		b = append(b, 0)
	}
	hash := uint16(0x5555)
	var cor uint16
	for i := 0; i+1 < len(b); i += 2 {
		word := uint16(b[i]) | uint16(b[i+1])<<8
		hash ^= word + cor
		cor++
	}
	return hash
}

func sumCacheRoot(cacheRoot, excludeDir string) (int64, error) {
	var total int64
	err := filepath.Walk(cacheRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path == excludeDir {
				return filepath.SkipDir
			}
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return 0, err
	}
	return total, nil
}
