// ABOUTME: Ordered single-range scans and parallel multi-range batch scans
// ABOUTME: Batch scans run one worker per range, bounded by the thread count, and stop on Close

package tablet

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ScanOptions describes one scan
type ScanOptions struct {
	Ranges    []Range
	Auths     Authorizations
	Iterators []IteratorSetting
	Threads   int
}

// Scan runs an ordered scan over a single range
func (s *Store) Scan(ctx context.Context, table string, rng Range, auths Authorizations, iterators ...IteratorSetting) (CellIterator, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	return t.Scan(ctx, rng, auths, iterators)
}

// BatchScanner streams cells from many ranges. Ordering across ranges is
// unspecified; cells of one range arrive in key order.
type BatchScanner struct {
	out    chan Cell
	cancel context.CancelFunc

	// err is written before out is closed
	err error

	closed    atomic.Bool
	closeOnce sync.Once
}

// BatchScan starts a parallel scan over every range
func (s *Store) BatchScan(ctx context.Context, table string, opts ScanOptions) (*BatchScanner, error) {
	t, err := s.Table(table)
	if err != nil {
		return nil, err
	}
	if opts.Threads <= 0 {
		return nil, fmt.Errorf("tablet: scan threads must be positive, got %d", opts.Threads)
	}
	settings, err := SortSettings(opts.Iterators)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	bs := &BatchScanner{
		out:    make(chan Cell, 256),
		cancel: cancel,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Threads)

	go func() {
		defer close(bs.out)
		for _, rng := range opts.Ranges {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				return bs.scanRange(gctx, t, rng, opts.Auths, settings)
			})
		}
		if err := g.Wait(); err != nil && !bs.closed.Load() {
			bs.err = err
		}
		cancel()
	}()

	return bs, nil
}

func (bs *BatchScanner) scanRange(ctx context.Context, t *Table, rng Range, auths Authorizations, settings []IteratorSetting) error {
	it, err := t.Scan(ctx, rng, auths, settings)
	if err != nil {
		return fmt.Errorf("scan %s [%q, %q): %w", t.name, rng.StartRow, rng.EndRow, err)
	}
	for {
		c, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan %s [%q, %q): %w", t.name, rng.StartRow, rng.EndRow, err)
		}
		select {
		case bs.out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Next returns the next cell, io.EOF when every range is exhausted, or the
// first error any range hit.
func (bs *BatchScanner) Next() (Cell, error) {
	c, ok := <-bs.out
	if ok {
		return c, nil
	}
	if bs.err != nil {
		return Cell{}, bs.err
	}
	return Cell{}, io.EOF
}

// Close cancels outstanding ranges and waits for the workers to exit
func (bs *BatchScanner) Close() error {
	bs.closeOnce.Do(func() {
		bs.closed.Store(true)
		bs.cancel()
		for range bs.out {
		}
	})
	return nil
}
