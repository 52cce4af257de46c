package aep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"AFC_AEP_REAL_MOUNTPOINT":   "/mnt/real",
		"AFC_AEP_ENGINE_MOUNTPOINT": "/mnt/engine",
		"AFC_AEP_FILELIST":         "/etc/aep/filelist.bin",
		"AFC_AEP_CACHE":            "/var/cache/aep",
		"AFC_AEP_CACHE_MAX_FILE_SIZE": "1000",
		"AFC_AEP_CACHE_MAX_SIZE":      "500",
	}
}

func TestFromEnvClampsPerFileCap(t *testing.T) {
	cfg, err := FromEnv(env(baseEnv()))
	require.NoError(t, err)
	assert.EqualValues(t, 500, cfg.CacheMaxFileSize)
	assert.Equal(t, BackendPosix, cfg.Backend)
}

func TestFromEnvMissingRequired(t *testing.T) {
	vals := baseEnv()
	delete(vals, "AFC_AEP_FILELIST")
	_, err := FromEnv(env(vals))
	assert.Error(t, err)
}

func TestFromEnvGCSBackend(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_GS"] = "1"
	vals["AFC_AEP_GS_BUCKET_NAME"] = "my-bucket"
	cfg, err := FromEnv(env(vals))
	require.NoError(t, err)
	assert.Equal(t, BackendGCS, cfg.Backend)
	assert.Equal(t, "my-bucket", cfg.GCSBucket)
}

func TestFromEnvAzureBackend(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_AZURE"] = "1"
	vals["AFC_AEP_AZURE_CONTAINER"] = "my-container"
	vals["AFC_AEP_AZURE_ACCOUNT"] = "my-account"
	vals["AFC_AEP_AZURE_KEY"] = "my-key"
	cfg, err := FromEnv(env(vals))
	require.NoError(t, err)
	assert.Equal(t, BackendAzure, cfg.Backend)
	assert.Equal(t, "my-container", cfg.AzureContainer)
	assert.Equal(t, "my-account", cfg.AzureAccount)
	assert.Equal(t, "my-key", cfg.AzureKey)
}

func TestFromEnvAzureBackendMissingKey(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_AZURE"] = "1"
	vals["AFC_AEP_AZURE_CONTAINER"] = "my-container"
	vals["AFC_AEP_AZURE_ACCOUNT"] = "my-account"
	_, err := FromEnv(env(vals))
	assert.Error(t, err)
}

func TestFromEnvRejectsMultipleBackends(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_GS"] = "1"
	vals["AFC_AEP_GS_BUCKET_NAME"] = "b"
	vals["AFC_AEP_S3"] = "1"
	vals["AFC_AEP_S3_BUCKET_NAME"] = "b2"
	_, err := FromEnv(env(vals))
	assert.Error(t, err)
}

func TestFromEnvDebugRequiresLogfile(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_DEBUG"] = "3"
	_, err := FromEnv(env(vals))
	assert.Error(t, err)

	vals["AFC_AEP_LOGFILE"] = "/tmp/aep.log"
	cfg, err := FromEnv(env(vals))
	require.NoError(t, err)
	assert.True(t, cfg.Debug.Has(DebugLog))
	assert.True(t, cfg.Debug.Has(DebugDbg))
	assert.False(t, cfg.Debug.Has(DebugCached))
}

func TestFromEnvRejectsWritableMount(t *testing.T) {
	vals := baseEnv()
	vals["AFC_AEP_MOUNT_RO"] = "false"
	_, err := FromEnv(env(vals))
	assert.Error(t, err)
}
