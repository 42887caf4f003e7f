// ABOUTME: Global key/value index: by-key and by-value partitions pointing attribute tuples at shards
// ABOUTME: Writes pre-aggregate per batch; reads hide entries whose merged expiration passed

package index

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

// Sep separates the components of an index row
const Sep = "\x1f"

// Partition discriminants
const (
	ByKey   = "k"
	ByValue = "v"
)

// KeyRow is the by-key row for one attribute key of one type
func KeyRow(typ, key string) string {
	return ByKey + Sep + typ + Sep + key
}

// ValueRow is the by-value row for one encoded value of one type
func ValueRow(typ, alias, encoded string) string {
	return ByValue + Sep + typ + Sep + alias + Sep + encoded
}

// KeyAlias is one distinct attribute key and the alias of values seen under it
type KeyAlias struct {
	Key   string
	Alias string
}

// cacheKey identifies one accumulated index delta
type cacheKey struct {
	shard      string
	typ        string
	key        string
	alias      string
	encoded    string
	visibility string
}

// KeyValueIndex writes and reads the global attribute index table
type KeyValueIndex struct {
	store    *tablet.Store
	table    string
	shards   shard.Builder
	registry *types.Registry
	writer   *tablet.BatchWriter
	now      func() time.Time
}

// Options configures a KeyValueIndex
type Options struct {
	Table    string
	Shards   shard.Builder
	Registry *types.Registry
	Writer   tablet.WriterConfig

	// Now is the clock used for read-time expiration; defaults to time.Now
	Now func() time.Time
}

// NewKeyValueIndex creates the index table if needed and opens its writer
func NewKeyValueIndex(store *tablet.Store, opts Options) (*KeyValueIndex, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("index: table name is required")
	}
	if opts.Shards == nil || opts.Registry == nil {
		return nil, fmt.Errorf("index: shard builder and type registry are required")
	}
	if _, err := store.EnsureTable(opts.Table, tablet.TableConfig{Combiner: Combine}); err != nil {
		return nil, fmt.Errorf("index: create table %s: %w", opts.Table, err)
	}
	w, err := store.NewBatchWriter(opts.Table, opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("index: open writer for %s: %w", opts.Table, err)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &KeyValueIndex{
		store:    store,
		table:    opts.Table,
		shards:   opts.Shards,
		registry: opts.Registry,
		writer:   w,
		now:      now,
	}, nil
}

// Table returns the index table name
func (idx *KeyValueIndex) Table() string {
	return idx.table
}

// IndexKeyValues buffers index deltas for every attribute of every record.
// Deltas are aggregated per distinct (shard, type, key, alias, value,
// visibility) before two mutations are emitted for each. When a record
// fails, deltas of the records before it are still buffered and the
// error names the failing record.
func (idx *KeyValueIndex) IndexKeyValues(ctx context.Context, records []record.Record) (int, error) {
	acc := make(map[cacheKey]Value)
	order := make([]cacheKey, 0)

	var failed error
	for _, rec := range records {
		if err := idx.accumulate(rec, acc, &order); err != nil {
			failed = fmt.Errorf("index record %s/%s: %w", rec.Type, rec.ID, err)
			break
		}
	}

	emitted := 0
	for _, k := range order {
		v := acc[k].Encode()

		byKey := tablet.NewMutation(KeyRow(k.typ, k.key))
		byKey.Put(k.alias, k.shard, k.visibility, 0, v)
		if err := idx.writer.AddMutation(ctx, byKey); err != nil {
			return emitted, fmt.Errorf("index %s key %q shard %s: %w", k.typ, k.key, k.shard, err)
		}

		byValue := tablet.NewMutation(ValueRow(k.typ, k.alias, k.encoded))
		byValue.Put(k.key, k.shard, k.visibility, 0, v)
		if err := idx.writer.AddMutation(ctx, byValue); err != nil {
			return emitted + 1, fmt.Errorf("index %s value %q shard %s: %w", k.typ, k.key, k.shard, err)
		}
		emitted += 2
	}
	return emitted, failed
}

func (idx *KeyValueIndex) accumulate(rec record.Record, acc map[cacheKey]Value, order *[]cacheKey) error {
	sh, err := idx.shards.BuildShard(rec)
	if err != nil {
		return err
	}

	// validate the whole record before touching the accumulator
	keys := make([]cacheKey, len(rec.Attributes))
	for i, a := range rec.Attributes {
		alias, encoded, err := idx.registry.Encode(a.Value)
		if err != nil {
			return fmt.Errorf("attribute %q: %w", a.Key, err)
		}
		keys[i] = cacheKey{
			shard:      sh,
			typ:        rec.Type,
			key:        a.Key,
			alias:      alias,
			encoded:    encoded,
			visibility: a.Visibility(),
		}
	}

	for i, a := range rec.Attributes {
		exp := NoExpiration
		if ms, ok := a.Expiration(); ok {
			exp = ms
		}
		obs := NewValue(1, exp)
		k := keys[i]
		if prev, ok := acc[k]; ok {
			acc[k] = Merge(prev, obs)
			continue
		}
		acc[k] = obs
		*order = append(*order, k)
	}
	return nil
}

// Flush blocks until buffered index deltas are applied
func (idx *KeyValueIndex) Flush(ctx context.Context) error {
	return idx.writer.Flush(ctx)
}

// Close flushes and releases the index writer
func (idx *KeyValueIndex) Close() error {
	return idx.writer.Close()
}

func (idx *KeyValueIndex) expirationStage() tablet.IteratorSetting {
	return tablet.IteratorSetting{
		Priority: 1,
		Name:     "index-expiration",
		Factory:  ExpirationFilter,
		Options:  map[string]string{OptNow: strconv.FormatInt(idx.now().UnixMilli(), 10)},
	}
}

func (idx *KeyValueIndex) scan(ctx context.Context, rng tablet.Range, auths tablet.Authorizations) (tablet.CellIterator, error) {
	it, err := idx.store.Scan(ctx, idx.table, rng, auths, idx.expirationStage())
	if err != nil {
		return nil, fmt.Errorf("index scan %s [%q, %q): %w", idx.table, rng.StartRow, rng.EndRow, err)
	}
	return it, nil
}

func cells(it tablet.CellIterator) *closeable.Iterator[tablet.Cell] {
	return closeable.New(it.Next, nil)
}

// UniqueKeys streams the distinct (key, alias) pairs of a type whose key
// starts with prefix, in key order.
func (idx *KeyValueIndex) UniqueKeys(ctx context.Context, prefix, typ string, auths tablet.Authorizations) (*closeable.Iterator[KeyAlias], error) {
	rowPrefix := KeyRow(typ, "")
	it, err := idx.scan(ctx, tablet.PrefixRange(rowPrefix+prefix), auths)
	if err != nil {
		return nil, err
	}
	pairs := closeable.Map(cells(it), func(c tablet.Cell) (KeyAlias, bool, error) {
		return KeyAlias{Key: strings.TrimPrefix(c.Row, rowPrefix), Alias: c.Family}, true, nil
	})
	return closeable.Distinct(pairs, func(ka KeyAlias) KeyAlias { return ka }), nil
}

// UniqueValuesForKey streams the distinct decoded values stored under key
// for one alias whose encoded form starts with prefix. Values whose alias
// the registry cannot decode are skipped.
func (idx *KeyValueIndex) UniqueValuesForKey(ctx context.Context, prefix, typ, alias, key string, auths tablet.Authorizations) (*closeable.Iterator[any], error) {
	rowPrefix := ValueRow(typ, alias, "")
	rng := tablet.PrefixRange(rowPrefix + prefix)
	rng.FamilyPrefix = key
	it, err := idx.scan(ctx, rng, auths)
	if err != nil {
		return nil, err
	}

	encoded := closeable.Map(cells(it), func(c tablet.Cell) (string, bool, error) {
		if c.Family != key {
			return "", false, nil
		}
		return strings.TrimPrefix(c.Row, rowPrefix), true, nil
	})
	distinct := closeable.Distinct(encoded, func(s string) string { return s })
	return closeable.Map(distinct, func(s string) (any, bool, error) {
		v, err := idx.registry.Decode(alias, s)
		if err != nil {
			return nil, false, nil
		}
		return v, true, nil
	}), nil
}

// Types streams the distinct record types whose name starts with prefix
func (idx *KeyValueIndex) Types(ctx context.Context, prefix string, auths tablet.Authorizations) (*closeable.Iterator[string], error) {
	rowPrefix := ByKey + Sep
	it, err := idx.scan(ctx, tablet.PrefixRange(rowPrefix+prefix), auths)
	if err != nil {
		return nil, err
	}
	names := closeable.Map(cells(it), func(c tablet.Cell) (string, bool, error) {
		typ, _, ok := strings.Cut(strings.TrimPrefix(c.Row, rowPrefix), Sep)
		return typ, ok, nil
	})
	return closeable.Distinct(names, func(s string) string { return s }), nil
}

// Cardinalities merges every visible by-key aggregate for a key, per shard
func (idx *KeyValueIndex) Cardinalities(ctx context.Context, typ, key string, auths tablet.Authorizations) (map[string]Value, error) {
	it, err := idx.scan(ctx, tablet.ExactRow(KeyRow(typ, key)), auths)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Value)
	for {
		c, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		v, err := DecodeValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("index entry %q/%q/%q: %w", c.Row, c.Family, c.Qualifier, err)
		}
		if prev, ok := out[c.Qualifier]; ok {
			v = Merge(prev, v)
		}
		out[c.Qualifier] = v
	}
}

// KeyShards returns the shards holding a visible, live tuple with key
func (idx *KeyValueIndex) KeyShards(ctx context.Context, typ, key string, auths tablet.Authorizations) ([]string, error) {
	it, err := idx.scan(ctx, tablet.ExactRow(KeyRow(typ, key)), auths)
	if err != nil {
		return nil, err
	}
	return shardsOf(it, func(tablet.Cell) bool { return true })
}

// ValueShards returns the shards holding a visible, live tuple key=value
func (idx *KeyValueIndex) ValueShards(ctx context.Context, typ, key string, value any, auths tablet.Authorizations) ([]string, error) {
	alias, encoded, err := idx.registry.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("index value for %q: %w", key, err)
	}
	rng := tablet.ExactRow(ValueRow(typ, alias, encoded))
	rng.FamilyPrefix = key
	it, err := idx.scan(ctx, rng, auths)
	if err != nil {
		return nil, err
	}
	return shardsOf(it, func(c tablet.Cell) bool { return c.Family == key })
}

func shardsOf(it tablet.CellIterator, keep func(tablet.Cell) bool) ([]string, error) {
	var out []string
	for {
		c, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		if !keep(c) {
			continue
		}
		v, err := DecodeValue(c.Value)
		if err != nil {
			return nil, fmt.Errorf("index entry %q/%q/%q: %w", c.Row, c.Family, c.Qualifier, err)
		}
		if v.Cardinality > 0 {
			out = append(out, c.Qualifier)
		}
	}
}
