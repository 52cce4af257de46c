// Package s3store implements the S3 object-store backend driver,
// using the aws-sdk-go-v2 client family.
package s3store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// Driver reads objects out of a single S3 bucket, addressed by the
// virtual path with its leading slash stripped.
type Driver struct {
	bucket string
	client *s3.Client
}

// New builds a Driver for bucket in region, using the default AWS
// credential chain (environment, shared config, or instance role).
func New(ctx context.Context, bucket, region string) (*Driver, error) {
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3store: load AWS config")
	}
	return &Driver{bucket: bucket, client: s3.NewFromConfig(cfg)}, nil
}

func (d *Driver) key(virtualPath string) string {
	return strings.TrimPrefix(virtualPath, "/")
}

// DownloadFile fetches the whole object into destPath.
func (d *Driver) DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error {
	key := d.key(virtualPath)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrapf(err, "s3store: get object %s", virtualPath)
	}
	defer out.Body.Close()

	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrapf(err, "s3store: create %s", destPath)
	}
	defer f.Close()

	n, err := io.Copy(f, out.Body)
	if err != nil {
		return errors.Wrapf(err, "s3store: copy body for %s", virtualPath)
	}
	if n != size {
		return errors.Errorf("s3store: short download for %s: got %d want %d", virtualPath, n, size)
	}
	return f.Sync()
}

// ReadRemote fetches the byte range [offset, offset+len(buf)) via an S3
// Range header.
func (d *Driver) ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (int, error) {
	key := d.key(virtualPath)
	rng := fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Range:  aws.String(rng),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "s3store: ranged get %s", virtualPath)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, errors.Wrapf(err, "s3store: read body for %s", virtualPath)
	}
	return n, nil
}
