// Package posixmount implements the simplest backend driver: the
// manifest tree mirrors an already-mounted POSIX filesystem (an NFS
// export in the original), and "downloading" is a local file copy
// (aep.cpp's download_file_nfs / read_remote_data_nfs).
package posixmount

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Driver serves virtual paths by resolving them under Root, the real
// mountpoint the manifest was built from.
type Driver struct {
	Root string
}

// New returns a Driver rooted at root.
func New(root string) *Driver {
	return &Driver{Root: root}
}

func (d *Driver) realPath(virtualPath string) string {
	return filepath.Join(d.Root, filepath.FromSlash(virtualPath))
}

// DownloadFile copies size bytes from the real mount into destPath,
// the way download_file_nfs used sendfile between two already-open
// descriptors.
func (d *Driver) DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error {
	src, err := os.Open(d.realPath(virtualPath))
	if err != nil {
		return errors.Wrapf(err, "posixmount: open source %s", virtualPath)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "posixmount: create dest %s", destPath)
	}
	defer dst.Close()

	n, err := io.CopyN(dst, src, size)
	if err != nil && err != io.EOF {
		return errors.Wrapf(err, "posixmount: copy %s", virtualPath)
	}
	if n != size {
		return errors.Errorf("posixmount: short copy for %s: got %d want %d", virtualPath, n, size)
	}
	return dst.Sync()
}

// ReadRemote opens the real file, seeks to offset, and reads directly
// into buf, mirroring read_remote_data_nfs's open/lseek/read/close.
func (d *Driver) ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (int, error) {
	f, err := os.Open(d.realPath(virtualPath))
	if err != nil {
		return 0, errors.Wrapf(err, "posixmount: open %s", virtualPath)
	}
	defer f.Close()

	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return 0, errors.Wrapf(err, "posixmount: read %s", virtualPath)
	}
	return n, nil
}
