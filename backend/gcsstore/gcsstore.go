// Package gcsstore implements the Google Cloud Storage backend driver,
// reduced to the two operations the cache engine needs: a full-object
// download and a byte-range read.
package gcsstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"
)

// Driver reads objects out of a single GCS bucket, addressed by the
// virtual path with its leading slash stripped.
type Driver struct {
	bucket string
	svc    *storage.Service
}

// New builds a Driver for bucket, using application-default or
// service-account credentials to resolve oauth2 tokens.
func New(ctx context.Context, bucket string) (*Driver, error) {
	opts := []option.ClientOption{option.WithScopes(storage.DevstorageReadOnlyScope)}
	if saFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); saFile != "" {
		opts = append(opts, option.WithCredentialsFile(saFile))
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "gcsstore: new service")
	}
	return &Driver{bucket: bucket, svc: svc}, nil
}

func (d *Driver) objectName(virtualPath string) string {
	return strings.TrimPrefix(virtualPath, "/")
}

// DownloadFile fetches the whole object into destPath.
func (d *Driver) DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error {
	resp, err := d.svc.Objects.Get(d.bucket, d.objectName(virtualPath)).Context(ctx).Download()
	if err != nil {
		return errors.Wrapf(err, "gcsstore: download %s", virtualPath)
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "gcsstore: create %s", destPath)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return errors.Wrapf(err, "gcsstore: copy body for %s", virtualPath)
	}
	if n != size {
		return errors.Errorf("gcsstore: short download for %s: got %d want %d", virtualPath, n, size)
	}
	return out.Sync()
}

// ReadRemote issues a ranged GET for [offset, offset+len(buf)) by
// setting a Range header before calling Download.
func (d *Driver) ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (int, error) {
	call := d.svc.Objects.Get(d.bucket, d.objectName(virtualPath)).Context(ctx)
	call.Header().Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1))

	resp, err := call.Download()
	if err != nil {
		return 0, errors.Wrapf(err, "gcsstore: ranged read %s", virtualPath)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("gcsstore: unexpected status %d reading %s", resp.StatusCode, virtualPath)
	}

	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errors.Wrapf(err, "gcsstore: read body for %s", virtualPath)
	}
	return n, nil
}
