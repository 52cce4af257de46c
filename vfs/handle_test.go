package vfs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndReadRoundTrips(t *testing.T) {
	fsys := newTestFS(t)
	ref, ok := fsys.tree.Lookup("/dir/a.txt")
	require.True(t, ok)

	n := &node{fsys: fsys, ref: ref, path: "/dir/a.txt"}

	fh, _, errno := n.Open(context.Background(), uint32(os.O_RDONLY))
	require.Zero(t, errno)

	handle := fh.(*fileHandle)
	assert.NotNil(t, handle.node)

	count, err := fsys.state.RefCount("/dir/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	errno = handle.Release(context.Background())
	require.Zero(t, errno)

	count, err = fsys.state.RefCount("/dir/a.txt")
	require.NoError(t, err)
	assert.EqualValues(t, 0, count)
}
