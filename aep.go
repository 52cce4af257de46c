// Package aep is the root package of the engine-preload shim: it builds
// the single opaque Config context the rest of the module is driven by,
// the Go-native replacement for the original's free-floating process
// globals.
package aep

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Backend selects which object-store/mount driver services cache misses.
// Modeled as a sum type
// rather than runtime polymorphism; chosen once at process start and
// fixed for the process lifetime.
type Backend int

const (
	// BackendPosix copies files from a real POSIX mount.
	BackendPosix Backend = iota
	// BackendGCS reads objects from Google Cloud Storage.
	BackendGCS
	// BackendAzure reads blobs from Azure Blob Storage.
	BackendAzure
	// BackendS3 reads objects from Amazon S3 (or an S3-compatible store).
	BackendS3
)

func (b Backend) String() string {
	switch b {
	case BackendGCS:
		return "gcs"
	case BackendAzure:
		return "azure"
	case BackendS3:
		return "s3"
	default:
		return "posix"
	}
}

// DebugMask is the bitmask of debug/observability streams selected by
// AFC_AEP_DEBUG. Modes are not mutually exclusive; each event is logged
// once however many of the bits are set.
type DebugMask uint32

const (
	// DebugLog enables the summary statistics stream.
	DebugLog DebugMask = 1 << iota
	// DebugDbg enables verbose per-op debug messages.
	DebugDbg
	// DebugAny is the bit for per-op tracing of pass-through (host)
	// operations. It is accepted in the mask, but no component of this
	// module consults it and no such trace is emitted.
	DebugAny
	// DebugCached is the bit for per-op tracing of virtual (cached)
	// operations. It is accepted in the mask, but no component of this
	// module consults it and no such trace is emitted.
	DebugCached
)

// Has reports whether all bits of want are set in m.
func (m DebugMask) Has(want DebugMask) bool { return m&want == want }

// Config is the process-wide configuration read once from the
// environment at process start. It is immutable after construction and
// safe to share across goroutines.
type Config struct {
	RealMountpoint   string
	EngineMountpoint string
	FilelistPath     string
	CacheRoot        string
	CacheMaxFileSize int64
	CacheMaxSize     int64

	Backend        Backend
	GCSBucket      string
	S3Bucket       string
	S3Region       string
	AzureContainer string
	AzureAccount   string
	AzureKey       string

	Debug   DebugMask
	LogFile string
}

// FromEnv reads and validates the AFC_AEP_* environment variables. Any
// missing or malformed required variable is a configuration error,
// which is fatal at init.
func FromEnv(getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := &Config{}

	required := func(name string) (string, error) {
		v := getenv(name)
		if v == "" {
			return "", errors.Errorf("%s env var is not defined", name)
		}
		return v, nil
	}

	var err error
	if cfg.RealMountpoint, err = required("AFC_AEP_REAL_MOUNTPOINT"); err != nil {
		return nil, err
	}
	if cfg.EngineMountpoint, err = required("AFC_AEP_ENGINE_MOUNTPOINT"); err != nil {
		return nil, err
	}
	if cfg.FilelistPath, err = required("AFC_AEP_FILELIST"); err != nil {
		return nil, err
	}
	if cfg.CacheRoot, err = required("AFC_AEP_CACHE"); err != nil {
		return nil, err
	}

	maxFile, err := required("AFC_AEP_CACHE_MAX_FILE_SIZE")
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxFileSize, err = parseUint64(maxFile, "AFC_AEP_CACHE_MAX_FILE_SIZE")
	if err != nil {
		return nil, err
	}

	maxSize, err := required("AFC_AEP_CACHE_MAX_SIZE")
	if err != nil {
		return nil, err
	}
	cfg.CacheMaxSize, err = parseUint64(maxSize, "AFC_AEP_CACHE_MAX_SIZE")
	if err != nil {
		return nil, err
	}
	// Effective per-file cap is min(file cap, total cap), same as the
	// original's aep_init clamp.
	if cfg.CacheMaxFileSize > cfg.CacheMaxSize {
		cfg.CacheMaxFileSize = cfg.CacheMaxSize
	}

	backends := 0
	if getenv("AFC_AEP_GS") != "" {
		cfg.Backend = BackendGCS
		backends++
		if cfg.GCSBucket, err = required("AFC_AEP_GS_BUCKET_NAME"); err != nil {
			return nil, err
		}
	}
	if getenv("AFC_AEP_S3") != "" {
		cfg.Backend = BackendS3
		backends++
		if cfg.S3Bucket, err = required("AFC_AEP_S3_BUCKET_NAME"); err != nil {
			return nil, err
		}
		cfg.S3Region = getenv("AFC_AEP_S3_REGION")
	}
	if getenv("AFC_AEP_AZURE") != "" {
		cfg.Backend = BackendAzure
		backends++
		if cfg.AzureContainer, err = required("AFC_AEP_AZURE_CONTAINER"); err != nil {
			return nil, err
		}
		if cfg.AzureAccount, err = required("AFC_AEP_AZURE_ACCOUNT"); err != nil {
			return nil, err
		}
		if cfg.AzureKey, err = required("AFC_AEP_AZURE_KEY"); err != nil {
			return nil, err
		}
	}
	if backends > 1 {
		return nil, errors.New("at most one of AFC_AEP_GS, AFC_AEP_S3, AFC_AEP_AZURE may be set")
	}
	if backends == 0 {
		cfg.Backend = BackendPosix
	}

	if mountRO := getenv("AFC_AEP_MOUNT_RO"); mountRO != "" {
		if ro, perr := strconv.ParseBool(mountRO); perr == nil && !ro {
			return nil, errors.New("AFC_AEP_MOUNT_RO=false is not supported: the virtual tree is always read-only")
		}
	}

	if dbg := getenv("AFC_AEP_DEBUG"); dbg != "" {
		mask, perr := strconv.ParseUint(dbg, 0, 32)
		if perr != nil {
			return nil, errors.Wrap(perr, "AFC_AEP_DEBUG")
		}
		cfg.Debug = DebugMask(mask)
		if cfg.LogFile, err = required("AFC_AEP_LOGFILE"); err != nil {
			return nil, errors.Wrap(err, "AFC_AEP_DEBUG is set")
		}
	}

	return cfg, nil
}

func parseUint64(s, name string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", name)
	}
	if v < 0 {
		return 0, errors.Errorf("%s must not be negative", name)
	}
	return v, nil
}
