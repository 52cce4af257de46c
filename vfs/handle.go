package vfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// fileHandle is one open descriptor on a regular file: it holds no
// buffering of its own, delegating every read to the cache engine and
// releasing its cross-process reference count on close.
type fileHandle struct {
	node *node
}

var (
	_ fs.FileHandle   = (*fileHandle)(nil)
	_ fs.FileReader   = (*fileHandle)(nil)
	_ fs.FileReleaser = (*fileHandle)(nil)
)

// Read serves [off, off+len(dest)) through the cache engine's eight-step
// admission algorithm.
func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.node.fsys.cache.Read(ctx, h.node.virtualPath(), h.node.ref.Size(), off, dest)
	if err != nil {
		h.node.fsys.log.WithError(err).WithField("path", h.node.virtualPath()).Warn("vfs: read failed")
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Release drops the descriptor's cross-process reference count
// (mirroring the original's fd_remove), making the cache file eligible
// for eviction again once no other descriptor references it.
func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if _, err := h.node.fsys.state.DecRef(h.node.virtualPath()); err != nil {
		h.node.fsys.log.WithError(err).Warn("vfs: decref failed")
	}
	return 0
}
