package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefault()

	assert.Equal(t, 30*time.Second, cfg.Cache.Expiry)
	assert.Equal(t, int64(128*1024*1024), cfg.Transfer.DownloadChunkSize)
	assert.Equal(t, int64(128*1024*1024), cfg.Transfer.UploadChunkSize)
	assert.Equal(t, 5, cfg.Service.MaxTransferRetries)
	assert.Equal(t, 30*time.Second, cfg.Service.RequestTimeout)
	assert.Equal(t, 8, cfg.Workers.Foreground)
	assert.Equal(t, 8, cfg.Workers.Background)
	assert.Equal(t, "aws", cfg.Service.Provider)
	assert.Equal(t, "binary/octet-stream", cfg.Defaults.ContentType)
}

func TestLoadFromFile(t *testing.T) {
	content := `
service:
  provider: gcs
  bucket: my-bucket
  endpoint: storage.example.com
  max_transfer_retries: 3
cache:
  expiry: 10s
transfer:
  upload_chunk_size: 1048576
workers:
  foreground: 4
  background: 2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg := NewDefault()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, "gcs", cfg.Service.Provider)
	assert.Equal(t, "my-bucket", cfg.Service.Bucket)
	assert.Equal(t, "storage.example.com", cfg.Service.Endpoint)
	assert.Equal(t, 3, cfg.Service.MaxTransferRetries)
	assert.Equal(t, 10*time.Second, cfg.Cache.Expiry)
	assert.Equal(t, int64(1048576), cfg.Transfer.UploadChunkSize)
	assert.Equal(t, 4, cfg.Workers.Foreground)

	// untouched sections keep their defaults
	assert.Equal(t, int64(128*1024*1024), cfg.Transfer.DownloadChunkSize)
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := NewDefault()
	assert.Error(t, cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")))
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OBJECTFUSE_BUCKET", "env-bucket")
	t.Setenv("OBJECTFUSE_CACHE_EXPIRY", "45s")
	t.Setenv("OBJECTFUSE_MAX_TRANSFER_RETRIES", "7")

	cfg := NewDefault()
	cfg.LoadFromEnv()

	assert.Equal(t, "env-bucket", cfg.Service.Bucket)
	assert.Equal(t, 45*time.Second, cfg.Cache.Expiry)
	assert.Equal(t, 7, cfg.Service.MaxTransferRetries)
}

func TestValidate(t *testing.T) {
	cfg := NewDefault()
	cfg.Service.Bucket = "b"
	require.NoError(t, cfg.Validate())

	missing := NewDefault()
	assert.Error(t, missing.Validate())

	badProvider := NewDefault()
	badProvider.Service.Bucket = "b"
	badProvider.Service.Provider = "azure"
	assert.Error(t, badProvider.Validate())

	badWorkers := NewDefault()
	badWorkers.Service.Bucket = "b"
	badWorkers.Workers.Foreground = 0
	assert.Error(t, badWorkers.Validate())

	badEncryption := NewDefault()
	badEncryption.Service.Bucket = "b"
	badEncryption.Encryption.Enabled = true
	assert.Error(t, badEncryption.Validate())
}
