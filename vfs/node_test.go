package vfs

import (
	"context"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/open-afc-project/afc-engine-preload/backend/posixmount"
	"github.com/open-afc-project/afc-engine-preload/manifest"
	"github.com/open-afc-project/afc-engine-preload/vfscache"
)

func buildTestManifest(t *testing.T) *manifest.Tree {
	t.Helper()
	buf := []byte{1, 0, 0, 0, 1, 0, 0, 0, 2}
	buf = append(buf, 0) // depth 0; the name "dir" follows
	buf = append(buf, 'd', 'i', 'r', 0)
	buf = append(buf, make([]byte, 8)...) // size 0 (directory)
	buf = append(buf, 1)
	buf = append(buf, 'a', '.', 't', 'x', 't', 0)
	size := make([]byte, 8)
	size[0] = 5
	buf = append(buf, size...)

	tree, err := manifest.Parse(buf)
	require.NoError(t, err)
	return tree
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	root := t.TempDir()
	state, err := vfscache.OpenSharedState(root)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	locker, err := vfscache.NewFileLocker(root)
	require.NoError(t, err)
	driver := posixmount.New(t.TempDir())
	cache := vfscache.New(root, 1<<20, 1<<20, state, locker, driver, nil)
	return &FS{tree: buildTestManifest(t), cache: cache, state: state, log: logrus.NewEntry(logrus.StandardLogger())}
}

func TestLookupFindsChildAndSetsPath(t *testing.T) {
	fsys := newTestFS(t)
	root := &node{fsys: fsys, ref: fsys.tree.Root(), path: ""}

	var out fuse.EntryOut
	inode, errno := root.Lookup(context.Background(), "dir", &out)
	require.Zero(t, errno)
	require.NotNil(t, inode)

	child := inode.Operations().(*node)
	assert.Equal(t, "/dir", child.virtualPath())
	assert.True(t, child.ref.IsDir())
}

func TestLookupMissingReturnsENOENT(t *testing.T) {
	fsys := newTestFS(t)
	root := &node{fsys: fsys, ref: fsys.tree.Root(), path: ""}

	var out fuse.EntryOut
	_, errno := root.Lookup(context.Background(), "missing", &out)
	assert.NotZero(t, errno)
}

func TestReaddirListsChildren(t *testing.T) {
	fsys := newTestFS(t)
	root := &node{fsys: fsys, ref: fsys.tree.Root(), path: ""}

	stream, errno := root.Readdir(context.Background())
	require.Zero(t, errno)

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		require.Zero(t, errno)
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"dir"}, names)
}

func TestStableModeDistinguishesDirAndFile(t *testing.T) {
	fsys := newTestFS(t)
	dirRef, ok := fsys.tree.Lookup("/dir")
	require.True(t, ok)

	n := &node{fsys: fsys, ref: dirRef}
	assert.Equal(t, uint32(fuse.S_IFDIR|0o555), n.stableMode())
}

func TestJoinVirtualPath(t *testing.T) {
	assert.Equal(t, "/a", joinVirtualPath("", "a"))
	assert.Equal(t, "/a/b", joinVirtualPath("/a", "b"))
}
