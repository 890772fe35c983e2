package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEngineConfigAppliesDefaultsForOmittedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("checkpointInterval: 10s\n"), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, cfg.CheckpointInterval)
	require.Equal(t, DefaultEngineConfig().BufferPools, cfg.BufferPools)
	require.Equal(t, DefaultEngineConfig().CleanupQueueDepth, cfg.CleanupQueueDepth)
}

func TestLoadEngineConfigFullFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	yamlBody := `
bufferPools:
  - pageSize: 4096
    capacity: 1024
fastIndexPoolSize: 2048
checkpointInterval: 1m
journalSegmentBytes: 134217728
cleanupQueueDepth: 8192
ioMeterQuiescentThreshold: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := LoadEngineConfig(path)
	require.NoError(t, err)
	require.Equal(t, []BufferPoolConfig{{PageSize: 4096, Capacity: 1024}}, cfg.BufferPools)
	require.Equal(t, 2048, cfg.FastIndexPoolSize)
	require.Equal(t, time.Minute, cfg.CheckpointInterval)
	require.Equal(t, int64(134217728), cfg.JournalSegmentBytes)
	require.Equal(t, 8192, cfg.CleanupQueueDepth)
	require.Equal(t, 4, cfg.IOMeterQuiescentThreshold)
}

func TestLoadEngineConfigMissingFile(t *testing.T) {
	_, err := LoadEngineConfig("/nonexistent/path/engine.yaml")
	require.Error(t, err)
}

func TestLoadEngineConfigRejectsBadPageSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bufferPools:\n  - pageSize: 999\n    capacity: 10\n"), 0o644))

	_, err := LoadEngineConfig(path)
	require.Error(t, err)
}

func TestBufferPoolCapacityLookup(t *testing.T) {
	cfg := DefaultEngineConfig()
	capacity, ok := cfg.BufferPoolCapacity(4096)
	require.True(t, ok)
	require.Equal(t, 512, capacity)

	_, ok = cfg.BufferPoolCapacity(99999)
	require.False(t, ok)
}
