// Command aep-mount is the process entry point of the engine-preload
// shim: it reads the AFC_AEP_* environment, mounts the
// manifest tree at the engine mountpoint, and blocks serving reads
// until the mount is unmounted or the process is signaled.
//
// This replaces the original's __attribute__((constructor)) aep_init,
// which ran inside the analysis engine process itself; here the shim is
// its own process, fronting the engine mountpoint for whichever process
// the operator points at it.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/open-afc-project/afc-engine-preload/aep"
	"github.com/open-afc-project/afc-engine-preload/backend"
	"github.com/open-afc-project/afc-engine-preload/backend/azureblob"
	"github.com/open-afc-project/afc-engine-preload/backend/gcsstore"
	"github.com/open-afc-project/afc-engine-preload/backend/posixmount"
	"github.com/open-afc-project/afc-engine-preload/backend/s3store"
	"github.com/open-afc-project/afc-engine-preload/manifest"
	"github.com/open-afc-project/afc-engine-preload/pathresolve"
	"github.com/open-afc-project/afc-engine-preload/vfs"
	"github.com/open-afc-project/afc-engine-preload/vfscache"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("aep-mount: fatal")
	}
}

func run() error {
	cfg, err := aep.FromEnv(os.Getenv)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	log := newLogger(cfg)
	log.WithFields(logrus.Fields{
		"backend":           cfg.Backend,
		"engine_mountpoint": cfg.EngineMountpoint,
		"cache_root":        cfg.CacheRoot,
	}).Info("aep-mount: starting")

	manifestBytes, err := os.ReadFile(cfg.FilelistPath)
	if err != nil {
		return fmt.Errorf("reading manifest %s: %w", cfg.FilelistPath, err)
	}
	tree, err := manifest.Parse(manifestBytes)
	if err != nil {
		return fmt.Errorf("parsing manifest %s: %w", cfg.FilelistPath, err)
	}

	if err := os.MkdirAll(cfg.CacheRoot, 0o755); err != nil {
		return fmt.Errorf("creating cache root %s: %w", cfg.CacheRoot, err)
	}
	state, err := vfscache.OpenSharedState(cfg.CacheRoot)
	if err != nil {
		return fmt.Errorf("opening shared cache state: %w", err)
	}
	defer state.Close()

	locker, err := vfscache.NewFileLocker(cfg.CacheRoot)
	if err != nil {
		return fmt.Errorf("opening per-file lock directory: %w", err)
	}

	driver, err := newDriver(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("initializing %s backend: %w", cfg.Backend, err)
	}

	cache := vfscache.New(cfg.CacheRoot, cfg.CacheMaxFileSize, cfg.CacheMaxSize, state, locker, driver, log)

	if err := os.MkdirAll(cfg.EngineMountpoint, 0o755); err != nil {
		return fmt.Errorf("creating engine mountpoint %s: %w", cfg.EngineMountpoint, err)
	}
	resolver, err := pathresolve.NewResolver(cfg.EngineMountpoint)
	if err != nil {
		return fmt.Errorf("resolving engine mountpoint %s: %w", cfg.EngineMountpoint, err)
	}
	log.WithField("mountpoint", resolver.Mountpoint()).Debug("aep-mount: mountpoint resolved")

	server, err := vfs.Mount(resolver.Mountpoint(), tree, cache, state, log)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", cfg.EngineMountpoint, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info("aep-mount: signal received, unmounting")
		if err := server.Unmount(); err != nil {
			log.WithError(err).Warn("aep-mount: unmount failed")
		}
	}()

	server.Wait()
	if cfg.Debug.Has(aep.DebugLog) {
		for _, cat := range []vfscache.Category{vfscache.CategoryRemoteDirect, vfscache.CategoryCacheHit, vfscache.CategoryBackgroundDownload} {
			snap := cache.Stats().Snapshot(cat)
			log.WithFields(logrus.Fields{
				"category": cat,
				"reads":    snap.Reads,
				"bytes":    snap.Bytes,
				"elapsed":  snap.Elapsed,
			}).Info("aep-mount: statistics")
		}
	}
	return nil
}

func newDriver(ctx context.Context, cfg *aep.Config) (backend.Driver, error) {
	switch cfg.Backend {
	case aep.BackendGCS:
		return gcsstore.New(ctx, cfg.GCSBucket)
	case aep.BackendAzure:
		return azureblob.NewDriver(cfg.AzureAccount, cfg.AzureKey, cfg.AzureContainer)
	case aep.BackendS3:
		return s3store.New(ctx, cfg.S3Bucket, cfg.S3Region)
	default:
		return posixmount.New(cfg.RealMountpoint), nil
	}
}

func newLogger(cfg *aep.Config) *logrus.Entry {
	logger := logrus.New()
	if cfg.Debug.Has(aep.DebugDbg) {
		logger.SetLevel(logrus.DebugLevel)
	}
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logger.SetOutput(f)
		} else {
			logger.WithError(err).Warn("aep-mount: could not open log file, logging to stderr")
		}
	}
	return logrus.NewEntry(logger)
}
