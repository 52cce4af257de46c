package vfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/open-afc-project/afc-engine-preload/manifest"
	"github.com/open-afc-project/afc-engine-preload/vfscache"
)

// FS bundles the collaborators every node and fileHandle need: the
// immutable manifest tree, the cache engine, and the cross-process
// shared state the descriptor table bumps reference counts in.
type FS struct {
	tree  *manifest.Tree
	cache *vfscache.Cache
	state *vfscache.SharedState
	log   *logrus.Entry
}

// Mount presents tree as a read-only FUSE filesystem at mountPoint,
// serving reads through cache. It returns once the kernel has
// acknowledged the mount; the caller drives the filesystem loop by
// calling Wait on the returned *fuse.Server (replacement
// for the original's constructor-time aep_init).
func Mount(mountPoint string, tree *manifest.Tree, cache *vfscache.Cache, state *vfscache.SharedState, log *logrus.Entry) (*fuse.Server, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	fsys := &FS{tree: tree, cache: cache, state: state, log: log}
	root := &node{fsys: fsys, ref: tree.Root(), path: ""}

	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:     "afc-engine-preload",
			Name:       "aep",
			AllowOther: false,
			Debug:      false,
		},
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "vfs: mount %s", mountPoint)
	}
	return server, nil
}
