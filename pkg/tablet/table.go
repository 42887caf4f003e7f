// ABOUTME: In-memory sorted table holding every written cell version
// ABOUTME: Reads collapse versions (latest wins) or fold them with the table's combiner

package tablet

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Combiner folds every stored version of one cell coordinate into a single value.
// It must be commutative and associative: versions reach it in any grouping.
type Combiner func(key Key, values [][]byte) ([]byte, error)

// TableConfig configures read-time behavior of a table
type TableConfig struct {
	// Combiner, when set, replaces latest-wins versioning
	Combiner Combiner
}

type version struct {
	Cell
	seq uint64
}

func compareVersions(a, b version) int {
	if c := Compare(a.Key, b.Key); c != 0 {
		return c
	}
	return cmp.Compare(b.seq, a.seq)
}

// Table is a sorted multi-version cell store
type Table struct {
	name string
	cfg  TableConfig

	mu       sync.RWMutex
	versions []version
	seq      uint64
}

func newTable(name string, cfg TableConfig) *Table {
	return &Table{name: name, cfg: cfg}
}

// Name returns the table name
func (t *Table) Name() string {
	return t.name
}

// Len returns the number of physically stored cell versions
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.versions)
}

// apply merges a batch of cells into the sorted version list
func (t *Table) apply(cells []Cell) {
	if len(cells) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	batch := make([]version, len(cells))
	for i, c := range cells {
		t.seq++
		batch[i] = version{Cell: c, seq: t.seq}
	}
	slices.SortFunc(batch, compareVersions)

	merged := make([]version, 0, len(t.versions)+len(batch))
	i, j := 0, 0
	for i < len(t.versions) && j < len(batch) {
		if compareVersions(t.versions[i], batch[j]) <= 0 {
			merged = append(merged, t.versions[i])
			i++
		} else {
			merged = append(merged, batch[j])
			j++
		}
	}
	merged = append(merged, t.versions[i:]...)
	merged = append(merged, batch[j:]...)
	t.versions = merged
}

// collect copies the raw versions of a range visible under auths
func (t *Table) collect(rng Range, auths Authorizations) []Cell {
	t.mu.RLock()
	defer t.mu.RUnlock()

	start := sort.Search(len(t.versions), func(i int) bool {
		return t.versions[i].Row >= rng.StartRow
	})

	var out []Cell
	for _, v := range t.versions[start:] {
		if !rng.ContainsRow(v.Row) {
			break
		}
		if rng.FamilyPrefix != "" && !strings.HasPrefix(v.Family, rng.FamilyPrefix) {
			continue
		}
		if !CanSee(v.Visibility, auths) {
			continue
		}
		out = append(out, v.Cell)
	}
	return out
}

// reduce collapses adjacent versions of the same coordinate. Input must be sorted.
func (t *Table) reduce(cells []Cell) ([]Cell, error) {
	out := make([]Cell, 0, len(cells))
	for i := 0; i < len(cells); {
		j := i + 1
		for j < len(cells) && SameCoordinates(cells[i].Key, cells[j].Key) {
			j++
		}

		// versions sort newest first, so cells[i] is the latest
		if t.cfg.Combiner == nil || j-i == 1 {
			out = append(out, cells[i])
		} else {
			values := make([][]byte, 0, j-i)
			for _, c := range cells[i:j] {
				values = append(values, c.Value)
			}
			combined, err := t.cfg.Combiner(cells[i].Key, values)
			if err != nil {
				return nil, fmt.Errorf("combine %q/%q/%q in %s: %w", cells[i].Row, cells[i].Family, cells[i].Qualifier, t.name, err)
			}
			out = append(out, Cell{Key: cells[i].Key, Value: combined})
		}
		i = j
	}
	return out, nil
}

// Snapshot returns the reduced, visible cells of a range in key order
func (t *Table) Snapshot(rng Range, auths Authorizations) ([]Cell, error) {
	return t.reduce(t.collect(rng, auths))
}

// Scan runs an ordered scan over one range with the given iterator stages
func (t *Table) Scan(ctx context.Context, rng Range, auths Authorizations, settings []IteratorSetting) (CellIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sorted, err := SortSettings(settings)
	if err != nil {
		return nil, err
	}
	cells, err := t.Snapshot(rng, auths)
	if err != nil {
		return nil, err
	}
	return Stack(NewSliceIterator(cells), sorted)
}

// Compact rewrites the table so each coordinate holds a single version,
// applying the combiner where one is configured.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cells := make([]Cell, len(t.versions))
	for i, v := range t.versions {
		cells[i] = v.Cell
	}
	reduced, err := t.reduce(cells)
	if err != nil {
		return err
	}

	compacted := make([]version, len(reduced))
	for i, c := range reduced {
		t.seq++
		compacted[i] = version{Cell: c, seq: t.seq}
	}
	t.versions = compacted
	return nil
}

// dump returns the reduced contents of the whole table, ignoring visibility
func (t *Table) dump() ([]Cell, error) {
	t.mu.RLock()
	cells := make([]Cell, len(t.versions))
	for i, v := range t.versions {
		cells[i] = v.Cell
	}
	t.mu.RUnlock()
	return t.reduce(cells)
}
