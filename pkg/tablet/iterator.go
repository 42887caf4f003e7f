// ABOUTME: Scan-time iterator stages applied in priority order to each scanned range
// ABOUTME: Every stage gets its own copy of the options map so ranges never share state

package tablet

import (
	"fmt"
	"io"
	"maps"
	"sort"
)

// CellIterator yields cells in key order. Next returns io.EOF when exhausted.
type CellIterator interface {
	Next() (Cell, error)
}

// IteratorFactory wraps a source iterator with one scan stage
type IteratorFactory func(src CellIterator, opts map[string]string) (CellIterator, error)

// IteratorSetting configures one stage. Lower priorities run closer to the data.
type IteratorSetting struct {
	Priority int
	Name     string
	Factory  IteratorFactory
	Options  map[string]string
}

// NewIteratorSetting creates a setting with an empty options map
func NewIteratorSetting(priority int, name string, factory IteratorFactory) IteratorSetting {
	return IteratorSetting{Priority: priority, Name: name, Factory: factory, Options: map[string]string{}}
}

// SortSettings orders settings by priority and rejects duplicate priorities or names
func SortSettings(settings []IteratorSetting) ([]IteratorSetting, error) {
	sorted := append([]IteratorSetting(nil), settings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	names := make(map[string]struct{}, len(sorted))
	for i, s := range sorted {
		if s.Factory == nil {
			return nil, fmt.Errorf("tablet: iterator %q has no factory", s.Name)
		}
		if i > 0 && sorted[i-1].Priority == s.Priority {
			return nil, fmt.Errorf("tablet: iterators %q and %q share priority %d", sorted[i-1].Name, s.Name, s.Priority)
		}
		if _, dup := names[s.Name]; dup {
			return nil, fmt.Errorf("tablet: duplicate iterator name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return sorted, nil
}

// Stack wraps src with each stage in order. Settings must already be sorted.
func Stack(src CellIterator, settings []IteratorSetting) (CellIterator, error) {
	it := src
	for _, s := range settings {
		opts := maps.Clone(s.Options)
		if opts == nil {
			opts = map[string]string{}
		}
		next, err := s.Factory(it, opts)
		if err != nil {
			return nil, fmt.Errorf("iterator %q: %w", s.Name, err)
		}
		it = next
	}
	return it, nil
}

// SliceIterator iterates over an in-memory slice
type SliceIterator struct {
	cells []Cell
	pos   int
}

// NewSliceIterator creates an iterator over cells
func NewSliceIterator(cells []Cell) *SliceIterator {
	return &SliceIterator{cells: cells}
}

func (it *SliceIterator) Next() (Cell, error) {
	if it.pos >= len(it.cells) {
		return Cell{}, io.EOF
	}
	c := it.cells[it.pos]
	it.pos++
	return c, nil
}

// PeekingIterator adds one cell of lookahead to a source
type PeekingIterator struct {
	src    CellIterator
	head   Cell
	err    error
	filled bool
}

// NewPeekingIterator wraps src
func NewPeekingIterator(src CellIterator) *PeekingIterator {
	return &PeekingIterator{src: src}
}

// Peek returns the next cell without consuming it
func (p *PeekingIterator) Peek() (Cell, error) {
	if !p.filled {
		p.head, p.err = p.src.Next()
		p.filled = true
	}
	return p.head, p.err
}

func (p *PeekingIterator) Next() (Cell, error) {
	c, err := p.Peek()
	if err == nil {
		p.filled = false
	}
	return c, err
}

// Filter returns a stage that keeps cells for which keep returns true
func Filter(src CellIterator, keep func(Cell) (bool, error)) CellIterator {
	return &filterIterator{src: src, keep: keep}
}

type filterIterator struct {
	src  CellIterator
	keep func(Cell) (bool, error)
}

func (f *filterIterator) Next() (Cell, error) {
	for {
		c, err := f.src.Next()
		if err != nil {
			return Cell{}, err
		}
		ok, err := f.keep(c)
		if err != nil {
			return Cell{}, err
		}
		if ok {
			return c, nil
		}
	}
}

// Transform returns a stage that rewrites cells. Returning false drops the cell.
func Transform(src CellIterator, fn func(Cell) (Cell, bool, error)) CellIterator {
	return &transformIterator{src: src, fn: fn}
}

type transformIterator struct {
	src CellIterator
	fn  func(Cell) (Cell, bool, error)
}

func (t *transformIterator) Next() (Cell, error) {
	for {
		c, err := t.src.Next()
		if err != nil {
			return Cell{}, err
		}
		out, ok, err := t.fn(c)
		if err != nil {
			return Cell{}, err
		}
		if ok {
			return out, nil
		}
	}
}

// Drain reads every remaining cell
func Drain(it CellIterator) ([]Cell, error) {
	var out []Cell
	for {
		c, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, c)
	}
}
