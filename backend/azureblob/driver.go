package azureblob

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
)

// Driver reads blobs out of a single Azure Blob container, addressed by
// the virtual path with its leading slash stripped. It only needs a
// whole-blob download and a byte-range read, not a general-purpose
// remote filesystem.
type Driver struct {
	container azblob.ContainerURL
}

// NewDriver builds a Driver for the named container on account, using a
// shared-key credential.
func NewDriver(account, accountKey, containerName string) (*Driver, error) {
	credential, err := azblob.NewSharedKeyCredential(account, accountKey)
	if err != nil {
		return nil, errors.Wrap(err, "azureblob: shared key credential")
	}
	p := azblob.NewPipeline(credential, azblob.PipelineOptions{})
	u, err := url.Parse("https://" + account + ".blob.core.windows.net/" + containerName)
	if err != nil {
		return nil, errors.Wrap(err, "azureblob: parse container URL")
	}
	return &Driver{container: azblob.NewContainerURL(*u, p)}, nil
}

func (d *Driver) blobURL(virtualPath string) azblob.BlockBlobURL {
	return d.container.NewBlockBlobURL(strings.TrimPrefix(virtualPath, "/"))
}

// DownloadFile fetches the whole blob into destPath.
func (d *Driver) DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error {
	resp, err := d.blobURL(virtualPath).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false)
	if err != nil {
		return errors.Wrapf(err, "azureblob: download %s", virtualPath)
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "azureblob: create %s", destPath)
	}
	defer out.Close()

	n, err := io.Copy(out, body)
	if err != nil {
		return errors.Wrapf(err, "azureblob: copy body for %s", virtualPath)
	}
	if n != size {
		return errors.Errorf("azureblob: short download for %s: got %d want %d", virtualPath, n, size)
	}
	return out.Sync()
}

// ReadRemote fetches the byte range [offset, offset+len(buf)) from the
// blob via the SDK's offset/count download parameters.
func (d *Driver) ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (int, error) {
	resp, err := d.blobURL(virtualPath).Download(ctx, offset, int64(len(buf)), azblob.BlobAccessConditions{}, false)
	if err != nil {
		return 0, errors.Wrapf(err, "azureblob: ranged read %s", virtualPath)
	}
	body := resp.Body(azblob.RetryReaderOptions{})
	defer body.Close()

	n, err := io.ReadFull(body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errors.Wrapf(err, "azureblob: read body for %s", virtualPath)
	}
	return n, nil
}
