package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// MaxLogFileSize is the maximum size of a single WAL file (100MB)
	MaxLogFileSize = 100 << 20
)

// Batch is one table's share of a flush
type Batch struct {
	Table   string
	Payload []byte
}

// WAL represents a Write-Ahead Log
type WAL struct {
	// Path is the base path for WAL files (e.g., "/data/attrstore.wal")
	Path string

	// Codec compresses mutation payloads
	Codec Codec

	// fd is the current log file descriptor
	fd *os.File

	// mu protects concurrent access to WAL
	mu sync.Mutex

	// lsn is the current Log Sequence Number (atomic)
	lsn uint64

	// fileSize is the current log file size
	fileSize int64

	// fileIndex is the current log file index (0, 1, 2, ...)
	fileIndex int

	// closed indicates whether the WAL is closed
	closed bool
}

// Open opens or creates the WAL
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.findLogFiles()
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	if len(files) > 0 {
		latestFile := files[len(files)-1]
		if _, err := fmt.Sscanf(filepath.Base(latestFile), w.baseName()+".%d", &w.fileIndex); err != nil {
			w.fileIndex = 0
		}

		maxLSN, err := scanForHighestLSN(files)
		if err != nil {
			return err
		}
		atomic.StoreUint64(&w.lsn, maxLSN)

		// never append behind a possibly torn tail: start a fresh file
		w.fileIndex++
		fd, err := os.OpenFile(w.logFilePath(w.fileIndex), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w.fd = fd
		w.fileSize = 0
	} else {
		logPath := w.logFilePath(0)
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return err
		}
		fd, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		w.fd = fd
		w.fileSize = 0
		w.fileIndex = 0
		atomic.StoreUint64(&w.lsn, 0)
	}

	w.closed = false
	return nil
}

// NextLSN returns the next Log Sequence Number
func (w *WAL) NextLSN() uint64 {
	return atomic.AddUint64(&w.lsn, 1)
}

// Write writes an entry to the WAL
func (w *WAL) Write(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeNoLock(entry)
}

func (w *WAL) writeNoLock(entry Entry) error {
	if w.closed {
		return ErrLogClosed
	}

	data := entry.Encode()

	if w.fileSize > 0 && w.fileSize+int64(len(data)) > MaxLogFileSize {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
	}

	n, err := w.fd.Write(data)
	if err != nil {
		return err
	}

	w.fileSize += int64(n)
	return nil
}

// LogBatch compresses and appends every batch, then a commit marker, then
// fsyncs. Recovery replays the batches only if the commit marker survived.
func (w *WAL) LogBatch(batches []Batch) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := w.logBatchNoLock(batches)
	return err
}

func (w *WAL) logBatchNoLock(batches []Batch) (uint64, error) {
	if w.closed {
		return 0, ErrLogClosed
	}

	now := time.Now()
	batchID := w.NextLSN()
	for _, b := range batches {
		codec, payload, err := Compress(w.Codec, b.Payload)
		if err != nil {
			return 0, fmt.Errorf("compress batch for %q: %w", b.Table, err)
		}
		entry := Entry{
			LSN:       w.NextLSN(),
			BatchID:   batchID,
			OpType:    OpMutations,
			Codec:     codec,
			Table:     b.Table,
			Payload:   payload,
			Timestamp: now,
		}
		if err := w.writeNoLock(entry); err != nil {
			return 0, err
		}
	}

	commit := Entry{LSN: w.NextLSN(), BatchID: batchID, OpType: OpCommit, Timestamp: now}
	if err := w.writeNoLock(commit); err != nil {
		return 0, err
	}
	return batchID, w.fd.Sync()
}

// Fsync ensures all written data is persisted to disk
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}

	return w.fd.Sync()
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	err := w.fd.Close()
	w.closed = true
	return err
}

// Files returns all WAL files sorted by index
func (w *WAL) Files() ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findLogFiles()
}

// rotateNoLock rotates to a new log file (caller must hold mu)
func (w *WAL) rotateNoLock() error {
	if err := w.fd.Sync(); err != nil {
		return err
	}

	if err := w.fd.Close(); err != nil {
		return err
	}

	w.fileIndex++
	logPath := w.logFilePath(w.fileIndex)
	fd, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.fd = fd
	w.fileSize = 0
	return nil
}

// removeFilesBeforeNoLock deletes every log file older than the current one (caller must hold mu)
func (w *WAL) removeFilesBeforeNoLock(index int) error {
	files, err := w.findLogFiles()
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range files {
		var idx int
		if _, err := fmt.Sscanf(filepath.Base(f), w.baseName()+".%d", &idx); err != nil {
			continue
		}
		if idx < index {
			if err := os.Remove(f); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// baseName returns the base filename for WAL files (e.g., "attrstore.wal" from "/data/attrstore.wal")
func (w *WAL) baseName() string {
	return filepath.Base(w.Path)
}

// logFilePath returns the path for a log file with the given index
func (w *WAL) logFilePath(index int) string {
	dir := filepath.Dir(w.Path)
	name := fmt.Sprintf("%s.%03d", w.baseName(), index)
	return filepath.Join(dir, name)
}

// findLogFiles returns all WAL files sorted by index
func (w *WAL) findLogFiles() ([]string, error) {
	dir := filepath.Dir(w.Path)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && w.isWALFile(entry.Name()) {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}

	sort.Slice(files, func(i, j int) bool {
		var idxI, idxJ int
		pattern := w.baseName() + ".%d"
		fmt.Sscanf(filepath.Base(files[i]), pattern, &idxI)
		fmt.Sscanf(filepath.Base(files[j]), pattern, &idxJ)
		return idxI < idxJ
	})

	return files, nil
}

// isWALFile returns true if the filename is a WAL file for this log
func (w *WAL) isWALFile(name string) bool {
	var index int
	pattern := w.baseName() + ".%d"
	_, err := fmt.Sscanf(name, pattern, &index)
	return err == nil
}

// scanForHighestLSN scans all WAL files and returns the highest LSN
func scanForHighestLSN(files []string) (uint64, error) {
	reader := NewReader(files)
	if err := reader.Open(); err != nil {
		return 0, err
	}
	defer reader.Close()

	var maxLSN uint64
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return maxLSN, nil
		}
		if err != nil {
			return 0, err
		}
		maxLSN = max(maxLSN, entry.LSN)
	}
}
