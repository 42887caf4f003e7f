// Package wal implements the write-ahead log that makes tablet flushes durable
package wal

import "errors"

var (
	// ErrCorrupted indicates a corrupted WAL entry (CRC mismatch)
	ErrCorrupted = errors.New("wal: corrupted entry")

	// ErrLogClosed indicates an operation on a closed WAL
	ErrLogClosed = errors.New("wal: log closed")

	// ErrLogNotFound indicates WAL files don't exist
	ErrLogNotFound = errors.New("wal: log not found")

	// ErrTruncated indicates a truncated WAL entry
	ErrTruncated = errors.New("wal: truncated entry")

	// ErrUnknownCodec indicates a payload compressed with an unsupported codec
	ErrUnknownCodec = errors.New("wal: unknown payload codec")
)
