package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, DefaultStoreConfig().Validate())
	require.NoError(t, DefaultServerConfig().Validate())

	w := DefaultStoreConfig().WriterConfig()
	assert.NoError(t, w.Validate())
	assert.Equal(t, int64(100_000), w.MaxMemory)
}

func TestStoreConfigValidate(t *testing.T) {
	tests := map[string]func(*StoreConfig){
		"buffer":     func(c *StoreConfig) { c.MaxWriteBufferBytes = 0 },
		"latency":    func(c *StoreConfig) { c.MaxWriteLatency = 0 },
		"writers":    func(c *StoreConfig) { c.MaxWriteThreads = -1 },
		"queries":    func(c *StoreConfig) { c.MaxQueryThreads = 0 },
		"partitions": func(c *StoreConfig) { c.ShardPartitions = 1000 },
		"rate":       func(c *StoreConfig) { c.MaxWriteBytesPerSecond = -5 },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultStoreConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
grpc_port: 6000
wal_compression: zstd
checkpoint_interval: 30s
store:
  max_query_threads: 8
  max_write_latency: 250ms
  skip_corrupt_rows: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.GrpcPort)
	assert.Equal(t, 9090, cfg.MetricsPort)
	assert.Equal(t, "zstd", cfg.WALCompression)
	assert.Equal(t, 30*time.Second, cfg.CheckpointInterval)
	assert.Equal(t, 8, cfg.Store.MaxQueryThreads)
	assert.Equal(t, 250*time.Millisecond, cfg.Store.MaxWriteLatency)
	assert.False(t, cfg.Store.SkipCorruptRows)
	assert.Equal(t, DefaultStoreConfig().ShardPartitions, cfg.Store.ShardPartitions)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("wal_compression: snappy\n"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	garbled := filepath.Join(dir, "garbled.yaml")
	require.NoError(t, os.WriteFile(garbled, []byte("grpc_port: [1, 2\n"), 0o644))
	_, err = Load(garbled)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
