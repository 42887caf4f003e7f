// Package config holds the store and server configuration for attrstore
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/wal"
)

// StoreConfig bounds the write and query paths of a record store
type StoreConfig struct {
	// MaxWriteBufferBytes flushes buffered writes once reached
	MaxWriteBufferBytes int64 `yaml:"max_write_buffer_bytes"`

	// MaxWriteLatency flushes buffered writes at least this often
	MaxWriteLatency time.Duration `yaml:"max_write_latency"`

	// MaxWriteThreads bounds parallel work per flush
	MaxWriteThreads int `yaml:"max_write_threads"`

	// MaxQueryThreads bounds concurrently scanned ranges per query
	MaxQueryThreads int `yaml:"max_query_threads"`

	// ShardPartitions is the sub-partition count; writers and readers must agree
	ShardPartitions int `yaml:"shard_partitions"`

	// MaxWriteBytesPerSecond throttles flushed bytes; zero disables throttling
	MaxWriteBytesPerSecond int `yaml:"max_write_bytes_per_second"`

	// SkipCorruptRows logs and skips rows with a corrupt header instead of failing the read
	SkipCorruptRows bool `yaml:"skip_corrupt_rows"`
}

// DefaultStoreConfig returns the defaults used when nothing is configured
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxWriteBufferBytes: 100_000,
		MaxWriteLatency:     10 * time.Second,
		MaxWriteThreads:     10,
		MaxQueryThreads:     3,
		ShardPartitions:     shard.DefaultPartitions,
		SkipCorruptRows:     true,
	}
}

// Validate checks every bound
func (c StoreConfig) Validate() error {
	if c.MaxWriteBufferBytes <= 0 {
		return fmt.Errorf("config: max_write_buffer_bytes must be positive, got %d", c.MaxWriteBufferBytes)
	}
	if c.MaxWriteLatency <= 0 {
		return fmt.Errorf("config: max_write_latency must be positive, got %s", c.MaxWriteLatency)
	}
	if c.MaxWriteThreads <= 0 {
		return fmt.Errorf("config: max_write_threads must be positive, got %d", c.MaxWriteThreads)
	}
	if c.MaxQueryThreads <= 0 {
		return fmt.Errorf("config: max_query_threads must be positive, got %d", c.MaxQueryThreads)
	}
	if c.MaxWriteBytesPerSecond < 0 {
		return fmt.Errorf("config: max_write_bytes_per_second must not be negative, got %d", c.MaxWriteBytesPerSecond)
	}
	if c.ShardPartitions <= 0 || c.ShardPartitions > 999 {
		return fmt.Errorf("config: shard_partitions must be in [1, 999], got %d", c.ShardPartitions)
	}
	return nil
}

// WriterConfig derives the substrate batch writer bounds
func (c StoreConfig) WriterConfig() tablet.WriterConfig {
	return tablet.WriterConfig{
		MaxMemory:         c.MaxWriteBufferBytes,
		MaxLatency:        c.MaxWriteLatency,
		MaxWriteThreads:   c.MaxWriteThreads,
		MaxBytesPerSecond: c.MaxWriteBytesPerSecond,
	}
}

// ServerConfig configures the attrstore server process
type ServerConfig struct {
	GrpcPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogPretty   bool   `yaml:"log_pretty"`

	// WALPath is the base path of the write-ahead log; empty runs in memory
	WALPath            string        `yaml:"wal_path"`
	WALCompression     string        `yaml:"wal_compression"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	Store StoreConfig `yaml:"store"`
}

// DefaultServerConfig returns the server defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		GrpcPort:           50051,
		MetricsPort:        9090,
		LogLevel:           "info",
		WALPath:            "./data/attrstore.wal",
		WALCompression:     "none",
		CheckpointInterval: 5 * time.Minute,
		Store:              DefaultStoreConfig(),
	}
}

// Validate checks the server settings and the embedded store settings
func (c ServerConfig) Validate() error {
	if c.GrpcPort <= 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("config: grpc_port out of range: %d", c.GrpcPort)
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("config: metrics_port out of range: %d", c.MetricsPort)
	}
	if _, err := wal.ParseCodec(c.WALCompression); err != nil {
		return fmt.Errorf("config: wal_compression: %w", err)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("config: checkpoint_interval must not be negative, got %s", c.CheckpointInterval)
	}
	return c.Store.Validate()
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
