// Package vfs is the FUSE-based syscall interceptor:
// it presents the manifest tree as a read-only mounted filesystem,
// routing every file read through the cache engine. This replaces the
// original's LD_PRELOAD symbol interposition, which has no equivalent
// against an arbitrary, unmodified host process in Go.
package vfs

import (
	"context"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/open-afc-project/afc-engine-preload/manifest"
)

// node is one entry of the mounted tree: either a directory or a
// regular file, backed by its manifest.Ref.
type node struct {
	fs.Inode

	fsys *FS
	ref  manifest.Ref
	path string
}

var (
	_ fs.NodeLookuper  = (*node)(nil)
	_ fs.NodeGetattrer = (*node)(nil)
	_ fs.NodeReaddirer = (*node)(nil)
	_ fs.NodeOpener    = (*node)(nil)
)

func (n *node) attr(out *fuse.AttrOut) {
	out.Mode = n.stableMode()
	out.Size = uint64(n.ref.Size())
	out.SetTimeout(time.Second)
}

func (n *node) stableMode() uint32 {
	if n.ref.IsDir() {
		return fuse.S_IFDIR | 0o555
	}
	return fuse.S_IFREG | 0o444
}

// Getattr reports the manifest-derived size and mode; the tree is
// immutable for the lifetime of the mount so these never change after
// Lookup populates them.
func (n *node) Getattr(ctx context.Context, f fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.attr(out)
	return 0
}

// Lookup finds name among the manifest children of this directory and
// materializes (or reuses) its Inode.
func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	if !n.ref.IsDir() {
		return nil, syscall.ENOTDIR
	}
	for _, child := range n.ref.Children() {
		if child.Name() != name {
			continue
		}
		childNode := &node{fsys: n.fsys, ref: child, path: joinVirtualPath(n.path, name)}
		attr := fs.StableAttr{Mode: childNode.stableMode()}
		inode := n.NewInode(ctx, childNode, attr)
		childNode.attr(&out.Attr)
		out.SetEntryTimeout(time.Second)
		out.SetAttrTimeout(time.Second)
		return inode, 0
	}
	return nil, syscall.ENOENT
}

// Readdir lists the manifest children of this directory.
func (n *node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if !n.ref.IsDir() {
		return nil, syscall.ENOTDIR
	}
	children := n.ref.Children()
	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(fuse.S_IFREG)
		if child.IsDir() {
			mode = fuse.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{Name: child.Name(), Mode: mode})
	}
	return fs.NewListDirStream(entries), 0
}

// Open registers the descriptor against the cross-process reference
// count and returns a fileHandle serving reads
// through the cache engine.
func (n *node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.ref.IsDir() {
		return nil, 0, syscall.EISDIR
	}
	if err := n.fsys.cache.EnsurePlaceholder(n.virtualPath(), false, n.ref.Size()); err != nil {
		n.fsys.log.WithError(err).Warn("vfs: ensure placeholder failed")
		return nil, 0, syscall.EIO
	}
	if _, err := n.fsys.state.IncRef(n.virtualPath()); err != nil {
		n.fsys.log.WithError(err).Warn("vfs: incref failed")
	}
	return &fileHandle{node: n}, fuse.FOPEN_KEEP_CACHE, 0
}

func (n *node) virtualPath() string {
	return n.path
}

func joinVirtualPath(parent, name string) string {
	if parent == "" {
		return "/" + name
	}
	return parent + "/" + name
}
