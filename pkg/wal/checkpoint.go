package wal

import (
	"fmt"
	"time"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpoint rotates to a fresh file, logs a full snapshot as one committed
// batch, writes a checkpoint marker naming that batch, then removes every
// older file. The snapshot must reflect every batch logged before the call.
func (w *WAL) Checkpoint(snapshot []Batch) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}
	if err := w.rotateNoLock(); err != nil {
		return 0, fmt.Errorf("rotate: %w", err)
	}
	keepFrom := w.fileIndex

	batchID, err := w.logBatchNoLock(snapshot)
	if err != nil {
		return 0, fmt.Errorf("log snapshot: %w", err)
	}

	marker := Entry{
		LSN:       w.NextLSN(),
		BatchID:   batchID,
		OpType:    OpCheckpoint,
		Timestamp: time.Now(),
	}
	if err := w.writeNoLock(marker); err != nil {
		return 0, fmt.Errorf("write checkpoint entry failed: %w", err)
	}
	if err := w.fd.Sync(); err != nil {
		return 0, fmt.Errorf("fsync checkpoint failed: %w", err)
	}

	if err := w.removeFilesBeforeNoLock(keepFrom); err != nil {
		return batchID, fmt.Errorf("truncate failed: %w", err)
	}
	return batchID, nil
}

// Checkpointer runs a checkpoint function periodically
type Checkpointer struct {
	interval     time.Duration
	checkpointFn func() error
	onError      func(error)
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// NewCheckpointer creates a checkpointer. onError may be nil.
func NewCheckpointer(interval time.Duration, checkpointFn func() error, onError func(error)) *Checkpointer {
	if interval <= 0 {
		interval = DefaultCheckpointInterval
	}
	return &Checkpointer{
		interval:     interval,
		checkpointFn: checkpointFn,
		onError:      onError,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the checkpointer and waits for an in-flight checkpoint
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.checkpointFn(); err != nil && c.onError != nil {
				c.onError(err)
			}

		case <-c.stopCh:
			return
		}
	}
}
