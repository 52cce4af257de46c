package vfscache

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/open-afc-project/afc-engine-preload/backend"
)

// Cache is the cache engine: it decides, per read, between the cached
// fast path and the remote slow path, enforcing the cache size bound
// with open-reference-aware eviction.
type Cache struct {
	root        string
	maxFileSize int64
	maxSize     int64

	state  *SharedState
	locker *FileLocker
	driver backend.Driver
	stats  *Stats
	log    *logrus.Entry
}

// New builds a Cache rooted at cacheRoot, bounded by maxFileSize and
// maxSize (the caller is expected to have already clamped maxFileSize to
// at most maxSize, as aep.FromEnv does).
func New(cacheRoot string, maxFileSize, maxSize int64, state *SharedState, locker *FileLocker, driver backend.Driver, log *logrus.Entry) *Cache {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Cache{
		root:        cacheRoot,
		maxFileSize: maxFileSize,
		maxSize:     maxSize,
		state:       state,
		locker:      locker,
		driver:      driver,
		stats:       NewStats(),
		log:         log,
	}
}

// Stats returns the engine's observability counters.
func (c *Cache) Stats() *Stats { return c.stats }

// CachePath returns the on-disk location a virtual path materializes to.
func (c *Cache) CachePath(virtualPath string) string {
	return filepath.Join(c.root, filepath.FromSlash(virtualPath))
}

// EnsurePlaceholder creates the cache file (or directory) and its parent
// directories if missing, as a zero-byte placeholder for a regular file,
// mirroring what the original's fd_add did on first open. It is
// idempotent.
func (c *Cache) EnsurePlaceholder(virtualPath string, isDir bool, size int64) error {
	path := c.CachePath(virtualPath)
	if isDir {
		return os.MkdirAll(path, 0o777)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return err
	}
	return f.Close()
}

// Read serves up to len(buf) bytes of virtualPath starting at offset,
// following the admit-then-serve algorithm below. manifestSize is the
// node's authoritative size from the manifest.
func (c *Cache) Read(ctx context.Context, virtualPath string, manifestSize int64, offset int64, buf []byte) (int, error) {
	cached, err := c.admit(virtualPath, manifestSize)
	if err != nil {
		return 0, err
	}

	if cached {
		start := time.Now()
		n, err := c.readCached(virtualPath, offset, buf)
		if err != nil {
			return 0, err
		}
		c.stats.Record(CategoryCacheHit, n, time.Since(start))
		return n, nil
	}

	start := time.Now()
	n, err := c.driver.ReadRemote(ctx, virtualPath, offset, buf)
	if err != nil {
		return 0, errors.Wrapf(err, "vfscache: remote read %s", virtualPath)
	}
	c.stats.Record(CategoryRemoteDirect, n, time.Since(start))
	return n, nil
}

// admit acquires the per-file lock, checks whether virtualPath is
// already cached at the expected size, and if not makes room and
// downloads it. It reports whether virtualPath is now fully materialized
// in the cache.
func (c *Cache) admit(virtualPath string, manifestSize int64) (bool, error) {
	lock, err := c.locker.Acquire(virtualPath)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	path := c.CachePath(virtualPath)
	info, statErr := os.Stat(path)
	if statErr == nil && info.Size() == manifestSize {
		return true, nil
	}

	if manifestSize > c.maxFileSize {
		// Too big to ever cache: go straight to the slow path, C unchanged.
		return false, nil
	}

	curSize, err := c.state.Size()
	if err != nil {
		return false, err
	}
	if manifestSize+curSize > c.maxSize {
		if err := c.reduce(manifestSize); err != nil {
			c.log.WithError(err).Warn("vfscache: cache reduction failed, continuing")
		}
		curSize, err = c.state.Size()
		if err != nil {
			return false, err
		}
	}

	if manifestSize+curSize > c.maxSize {
		c.log.WithFields(logrus.Fields{"path": virtualPath, "size": manifestSize, "cache_size": curSize}).
			Debug("vfscache: cannot make room, falling back to remote read")
		return false, nil
	}

	start := time.Now()
	if err := c.driver.DownloadFile(context.Background(), virtualPath, path, manifestSize); err != nil {
		c.log.WithError(err).WithField("path", virtualPath).Debug("vfscache: download failed, will retry on next read")
		return false, nil
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != manifestSize {
		return false, errors.Errorf("vfscache: downloaded size mismatch for %s", virtualPath)
	}
	if err := c.state.AddSize(manifestSize); err != nil {
		return false, err
	}
	c.stats.Record(CategoryBackgroundDownload, int(manifestSize), time.Since(start))
	return true, nil
}

func (c *Cache) readCached(virtualPath string, offset int64, buf []byte) (int, error) {
	path := c.CachePath(virtualPath)
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "vfscache: open cache file %s", virtualPath)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return 0, errors.Wrapf(err, "vfscache: read cache file %s", virtualPath)
	}
	return n, nil
}

// errStopWalk is a sentinel used to stop filepath.Walk once reduce has
// freed enough room — the equivalent of the original ftw callback
// returning a non-zero value to abort the walk early.
var errStopWalk = errors.New("vfscache: stop walk")

// reduce evicts unreferenced cache files until there is room for
// required additional bytes, or the cache root is exhausted. The walk
// order is unspecified; files are gated on open-reference count, so
// files currently open are never truncated.
func (c *Cache) reduce(required int64) error {
	stateDir := filepath.Join(c.root, ".aep-state")
	err := filepath.Walk(c.root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			c.log.WithError(walkErr).Warn("vfscache: reduce walk error, continuing")
			return nil
		}
		if info.IsDir() {
			if path == stateDir {
				return filepath.SkipDir
			}
			return nil
		}
		if info.Size() == 0 {
			return nil
		}
		vp := c.virtualPathFor(path)
		if vp == "" {
			return nil
		}
		ref, err := c.state.RefCount(vp)
		if err != nil || ref > 0 {
			return nil
		}

		lock, err := c.locker.Acquire(vp)
		if err != nil {
			c.log.WithError(err).Warn("vfscache: reduce could not lock candidate, continuing")
			return nil
		}
		defer lock.Release()

		fi, err := os.Stat(path)
		if err != nil || fi.Size() == 0 {
			return nil
		}
		if err := os.Truncate(path, 0); err != nil {
			c.log.WithError(err).Warn("vfscache: truncate failed during reduce, continuing")
			return nil
		}
		if err := c.state.AddSize(-fi.Size()); err != nil {
			return err
		}
		cur, err := c.state.Size()
		if err != nil {
			return err
		}
		if cur+required <= c.maxSize {
			return errStopWalk
		}
		return nil
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func (c *Cache) virtualPathFor(path string) string {
	rel, err := filepath.Rel(c.root, path)
	if err != nil {
		return ""
	}
	return "/" + filepath.ToSlash(strings.TrimPrefix(rel, "./"))
}
