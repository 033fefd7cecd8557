package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.json"), dir)
	require.NoError(t, err)
	assert.Equal(t, StoreBackendBolt, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.Process.Concurrency)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Default(dir)
	cfg.Process.Concurrency = 16
	cfg.Store.Backend = StoreBackendS3
	cfg.Store.S3Bucket = "tangram-objects"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, 16, loaded.Process.Concurrency)
	assert.Equal(t, StoreBackendS3, loaded.Store.Backend)
	assert.Equal(t, "tangram-objects", loaded.Store.S3Bucket)
}
