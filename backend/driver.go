// Package backend defines the interchangeable backend-driver contract
// the cache engine downloads from and reads through.
package backend

import "context"

// Driver is implemented once per concrete backend (POSIX mount, GCS,
// Azure Blob, S3) and selected for the whole process lifetime from the
// AFC_AEP_* environment variables. A Driver must not mutate
// cross-process cache state or acquire the per-file lock; that is the
// cache engine's responsibility.
type Driver interface {
	// DownloadFile produces a complete local copy of virtualPath at
	// destPath. On success the file at destPath has exactly size bytes.
	DownloadFile(ctx context.Context, virtualPath, destPath string, size int64) error

	// ReadRemote fetches the byte range [offset, offset+len(buf)) of
	// virtualPath directly into buf, without touching the local cache.
	// A short read at end-of-object is legal and not an error.
	ReadRemote(ctx context.Context, virtualPath string, offset int64, buf []byte) (n int, err error)
}
