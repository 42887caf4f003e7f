// ABOUTME: Store owns the named tables and, optionally, the write-ahead log behind them
// ABOUTME: Replayed WAL batches wait in a pending buffer until their table is created

package tablet

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nainya/attrstore/pkg/wal"
)

// Options configures a durable store
type Options struct {
	// WALPath is the base path for log files; empty keeps everything in memory
	WALPath string

	// WALCodec compresses logged batches
	WALCodec wal.Codec

	// CheckpointInterval enables background checkpoints when positive
	CheckpointInterval time.Duration

	// OnCheckpointError receives background checkpoint failures
	OnCheckpointError func(error)
}

// Store is the in-process reference substrate: a set of sorted tables
type Store struct {
	mu      sync.RWMutex
	tables  map[string]*Table
	pending map[string][]Cell
	closed  bool

	closeOnce sync.Once

	// commitMu orders WAL appends with table application and checkpoints
	commitMu     sync.Mutex
	log          *wal.WAL
	checkpointer *wal.Checkpointer
	recovery     wal.RecoveryStats
}

// NewStore creates a memory-only store
func NewStore() *Store {
	return &Store{
		tables:  make(map[string]*Table),
		pending: make(map[string][]Cell),
	}
}

// Open creates a store and replays its WAL when a path is configured
func Open(opts Options) (*Store, error) {
	s := NewStore()
	if opts.WALPath == "" {
		return s, nil
	}

	log := &wal.WAL{Path: opts.WALPath, Codec: opts.WALCodec}
	if err := log.Open(); err != nil {
		return nil, fmt.Errorf("open wal %s: %w", opts.WALPath, err)
	}

	stats, err := wal.NewRecovery(log).Recover(func(table string, payload []byte) error {
		cells, err := DecodeCells(payload)
		if err != nil {
			return fmt.Errorf("table %q: %w", table, err)
		}
		s.pending[table] = append(s.pending[table], cells...)
		return nil
	})
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("recover wal %s: %w", opts.WALPath, err)
	}

	s.log = log
	s.recovery = stats
	if opts.CheckpointInterval > 0 {
		s.checkpointer = wal.NewCheckpointer(opts.CheckpointInterval, s.Checkpoint, opts.OnCheckpointError)
		s.checkpointer.Start()
	}
	return s, nil
}

// RecoveryStats reports what was replayed when the store opened
func (s *Store) RecoveryStats() wal.RecoveryStats {
	return s.recovery
}

// CreateTable registers a table. Cells replayed from the WAL for that name are applied now.
func (s *Store) CreateTable(name string, cfg TableConfig) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if _, exists := s.tables[name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTableExists, name)
	}

	t := newTable(name, cfg)
	if cells, ok := s.pending[name]; ok {
		t.apply(cells)
		delete(s.pending, name)
	}
	s.tables[name] = t
	return t, nil
}

// EnsureTable returns the named table, creating it when missing
func (s *Store) EnsureTable(name string, cfg TableConfig) (*Table, error) {
	if t, err := s.Table(name); err == nil {
		return t, nil
	}
	t, err := s.CreateTable(name, cfg)
	if err != nil {
		// lost a creation race
		if existing, lookupErr := s.Table(name); lookupErr == nil {
			return existing, nil
		}
		return nil, err
	}
	return t, nil
}

// Table looks up a table by name
func (s *Store) Table(name string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	return t, nil
}

// Tables returns the table names, sorted
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type chunk struct {
	cells   []Cell
	payload []byte
}

// commit logs the chunks as one batch, then applies them
func (s *Store) commit(t *Table, chunks []chunk) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if s.log != nil {
		batches := make([]wal.Batch, len(chunks))
		for i, c := range chunks {
			batches[i] = wal.Batch{Table: t.name, Payload: c.payload}
		}
		if err := s.log.LogBatch(batches); err != nil {
			return fmt.Errorf("log batch: %w", err)
		}
	}

	for _, c := range chunks {
		t.apply(c.cells)
	}
	return nil
}

// Checkpoint snapshots every table into a fresh WAL file and drops older files.
// Memory-only stores have nothing to do.
func (s *Store) Checkpoint() error {
	if s.log == nil {
		return nil
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	s.mu.RLock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tables := make([]*Table, len(names))
	for i, name := range names {
		tables[i] = s.tables[name]
	}
	var batches []wal.Batch
	for name, cells := range s.pending {
		batches = append(batches, wal.Batch{Table: name, Payload: EncodeCells(cells)})
	}
	s.mu.RUnlock()

	for _, t := range tables {
		cells, err := t.dump()
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", t.name, err)
		}
		if len(cells) > 0 {
			batches = append(batches, wal.Batch{Table: t.name, Payload: EncodeCells(cells)})
		}
	}

	if _, err := s.log.Checkpoint(batches); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Close stops background work and closes the WAL. Tables become unreachable.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.checkpointer != nil {
			s.checkpointer.Stop()
		}

		s.commitMu.Lock()
		defer s.commitMu.Unlock()

		s.mu.Lock()
		defer s.mu.Unlock()

		s.closed = true
		if s.log != nil {
			err = s.log.Close()
		}
	})
	return err
}
