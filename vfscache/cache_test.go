package vfscache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDriver is a backend.Driver double that serves fixed byte blobs and
// counts downloads, so tests can assert on materialization behavior
// without a real network backend.
type fakeDriver struct {
	data      map[string][]byte
	downloads int32
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{data: make(map[string][]byte)}
}

func (f *fakeDriver) DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error {
	atomic.AddInt32(&f.downloads, 1)
	blob := f.data[virtualPath]
	return os.WriteFile(destPath, blob, 0o644)
}

func (f *fakeDriver) ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (int, error) {
	blob := f.data[virtualPath]
	if offset >= int64(len(blob)) {
		return 0, nil
	}
	n := copy(buf, blob[offset:])
	return n, nil
}

func newTestCache(t *testing.T, maxFileSize, maxSize int64, driver *fakeDriver) *Cache {
	t.Helper()
	root := t.TempDir()
	state, err := OpenSharedState(root)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	locker, err := NewFileLocker(root)
	require.NoError(t, err)
	return New(root, maxFileSize, maxSize, state, locker, driver, nil)
}

func TestReadDownloadsOnFirstAccessThenServesFromCache(t *testing.T) {
	driver := newFakeDriver()
	driver.data["/a.txt"] = []byte("hello world")
	c := newTestCache(t, 1<<20, 1<<20, driver)

	buf := make([]byte, 11)
	n, err := c.Read(context.Background(), "/a.txt", 11, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(buf[:n]))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.downloads))

	n, err = c.Read(context.Background(), "/a.txt", 11, 6, buf[:5])
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))
	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.downloads), "second read must hit the cache, not redownload")

	size, err := c.state.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 11, size)
}

func TestReadOversizedFileBypassesCacheAndLeavesSizeUnchanged(t *testing.T) {
	driver := newFakeDriver()
	driver.data["/big.bin"] = []byte("0123456789")
	c := newTestCache(t, 4, 1<<20, driver)

	buf := make([]byte, 10)
	n, err := c.Read(context.Background(), "/big.bin", 10, 0, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf[:n]))
	assert.EqualValues(t, 0, atomic.LoadInt32(&driver.downloads), "oversized file must never be downloaded")

	size, err := c.state.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)
}

func TestReadTwoRacingWorkersDownloadExactlyOnce(t *testing.T) {
	driver := newFakeDriver()
	driver.data["/shared.bin"] = []byte("abcdefgh")
	c := newTestCache(t, 1<<20, 1<<20, driver)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 8)
			_, err := c.Read(context.Background(), "/shared.bin", 8, 0, buf)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&driver.downloads))
}

func TestReduceEvictsUnreferencedFileToMakeRoom(t *testing.T) {
	driver := newFakeDriver()
	driver.data["/old.bin"] = []byte("0123456789")
	driver.data["/new.bin"] = []byte("abcdefghij")
	c := newTestCache(t, 10, 12, driver)

	buf := make([]byte, 10)
	_, err := c.Read(context.Background(), "/old.bin", 10, 0, buf)
	require.NoError(t, err)

	size, err := c.state.Size()
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)

	_, err = c.Read(context.Background(), "/new.bin", 10, 0, buf)
	require.NoError(t, err)

	oldInfo, statErr := os.Stat(c.CachePath("/old.bin"))
	require.NoError(t, statErr)
	assert.Zero(t, oldInfo.Size(), "old.bin should have been truncated to make room")

	newInfo, statErr := os.Stat(c.CachePath("/new.bin"))
	require.NoError(t, statErr)
	assert.EqualValues(t, 10, newInfo.Size())
}

func TestReduceSkipsFilesWithOpenReferences(t *testing.T) {
	driver := newFakeDriver()
	driver.data["/pinned.bin"] = []byte("0123456789")
	driver.data["/new.bin"] = []byte("abcdefghij")
	c := newTestCache(t, 10, 12, driver)

	buf := make([]byte, 10)
	_, err := c.Read(context.Background(), "/pinned.bin", 10, 0, buf)
	require.NoError(t, err)
	_, err = c.state.IncRef("/pinned.bin")
	require.NoError(t, err)

	_, err = c.Read(context.Background(), "/new.bin", 10, 0, buf)
	require.NoError(t, err)

	pinnedInfo, statErr := os.Stat(c.CachePath("/pinned.bin"))
	require.NoError(t, statErr)
	assert.EqualValues(t, 10, pinnedInfo.Size(), "pinned.bin must survive eviction while referenced")
}

func TestEnsurePlaceholderCreatesParentDirsAndZeroByteFile(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<20, newFakeDriver())
	require.NoError(t, c.EnsurePlaceholder("/a/b/c.txt", false, 0))

	info, err := os.Stat(filepath.Join(c.root, "a", "b", "c.txt"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestVirtualPathForRoundTripsCachePath(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<20, newFakeDriver())
	p := c.CachePath("/x/y.bin")
	assert.Equal(t, "/x/y.bin", c.virtualPathFor(p))
}
