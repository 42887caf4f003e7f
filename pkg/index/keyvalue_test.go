package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

var (
	day   = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	all   = tablet.NewAuthorizations("A", "B")
)

func newIndex(t *testing.T) (*KeyValueIndex, *shard.DailyShardBuilder) {
	t.Helper()
	shards, err := shard.NewDailyShardBuilder(1)
	require.NoError(t, err)
	idx, err := NewKeyValueIndex(tablet.NewStore(), Options{
		Table:    "index",
		Shards:   shards,
		Registry: types.LexiTypes,
		Writer: tablet.WriterConfig{
			MaxMemory:       1 << 20,
			MaxLatency:      time.Hour,
			MaxWriteThreads: 2,
		},
		Now: func() time.Time { return clock },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, shards
}

func index(t *testing.T, idx *KeyValueIndex, records ...record.Record) {
	t.Helper()
	_, err := idx.IndexKeyValues(context.Background(), records)
	require.NoError(t, err)
	require.NoError(t, idx.Flush(context.Background()))
}

func TestIndexEmitsTwoMutationsPerDistinctTuple(t *testing.T) {
	idx, _ := newIndex(t)
	recs := []record.Record{
		record.NewEvent("click", "1", day, record.NewAttribute("color", "red"), record.NewAttribute("color", "red")),
		record.NewEvent("click", "2", day, record.NewAttribute("color", "red"), record.NewAttribute("size", int64(4))),
	}
	n, err := idx.IndexKeyValues(context.Background(), recs)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "color=red collapses to one tuple, size=4 is another")
	require.NoError(t, idx.Flush(context.Background()))

	cards, err := idx.Cardinalities(context.Background(), "click", "color", all)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	for _, v := range cards {
		assert.Equal(t, uint64(3), v.Cardinality)
		assert.Equal(t, NoExpiration, v.Expiration)
	}
}

func TestRetriedBatchDoublesCardinality(t *testing.T) {
	idx, shards := newIndex(t)
	rec := record.NewEvent("click", "1", day, record.NewAttribute("color", "red"))
	index(t, idx, rec)
	index(t, idx, rec)

	sh, err := shards.BuildShard(rec)
	require.NoError(t, err)
	cards, err := idx.Cardinalities(context.Background(), "click", "color", all)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cards[sh].Cardinality)
}

func TestUniqueKeysAndValues(t *testing.T) {
	idx, _ := newIndex(t)
	index(t, idx,
		record.NewEvent("click", "1", day,
			record.NewAttribute("color", "red"),
			record.NewAttribute("count", int64(2)),
			record.NewAttribute("secret", "x").WithVisibility("C")),
		record.NewEvent("click", "2", day.Add(48*time.Hour),
			record.NewAttribute("color", "blue"),
			record.NewAttribute("count", "two")),
		record.NewEvent("view", "3", day, record.NewAttribute("color", "green")),
	)
	ctx := context.Background()

	keysIt, err := idx.UniqueKeys(ctx, "", "click", all)
	require.NoError(t, err)
	keys, err := closeable.Collect(keysIt)
	require.NoError(t, err)
	assert.Equal(t, []KeyAlias{
		{Key: "color", Alias: types.AliasString},
		{Key: "count", Alias: types.AliasLong},
		{Key: "count", Alias: types.AliasString},
	}, keys)

	keysIt, err = idx.UniqueKeys(ctx, "col", "click", all)
	require.NoError(t, err)
	keys, err = closeable.Collect(keysIt)
	require.NoError(t, err)
	assert.Equal(t, []KeyAlias{{Key: "color", Alias: types.AliasString}}, keys)

	valsIt, err := idx.UniqueValuesForKey(ctx, "", "click", types.AliasString, "color", all)
	require.NoError(t, err)
	vals, err := closeable.Collect(valsIt)
	require.NoError(t, err)
	assert.Equal(t, []any{"blue", "red"}, vals)

	valsIt, err = idx.UniqueValuesForKey(ctx, "r", "click", types.AliasString, "color", all)
	require.NoError(t, err)
	vals, err = closeable.Collect(valsIt)
	require.NoError(t, err)
	assert.Equal(t, []any{"red"}, vals)

	typesIt, err := idx.Types(ctx, "", all)
	require.NoError(t, err)
	names, err := closeable.Collect(typesIt)
	require.NoError(t, err)
	assert.Equal(t, []string{"click", "view"}, names)
}

func TestProbesRespectVisibilityAndExpiration(t *testing.T) {
	idx, shards := newIndex(t)
	live := record.NewEvent("click", "1", day, record.NewAttribute("color", "red").WithVisibility("A"))
	expired := record.NewEvent("click", "2", day.Add(-72*time.Hour),
		record.NewAttribute("color", "red").WithExpiration(clock.Add(-time.Hour).UnixMilli()))
	index(t, idx, live, expired)
	ctx := context.Background()

	liveShard, err := shards.BuildShard(live)
	require.NoError(t, err)

	got, err := idx.ValueShards(ctx, "click", "color", "red", all)
	require.NoError(t, err)
	assert.Equal(t, []string{liveShard}, got)

	got, err = idx.KeyShards(ctx, "click", "color", tablet.NewAuthorizations("B"))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = idx.ValueShards(ctx, "click", "color", "blue", all)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFailingRecordKeepsEarlierDeltas(t *testing.T) {
	idx, _ := newIndex(t)
	good := record.NewEvent("click", "1", day, record.NewAttribute("color", "red"))
	bad := record.NewEntity("click", "2", record.NewAttribute("color", "red"))

	n, err := idx.IndexKeyValues(context.Background(), []record.Record{good, bad})
	require.ErrorIs(t, err, shard.ErrMissingTimestamp)
	assert.Contains(t, err.Error(), "click/2")
	assert.Equal(t, 2, n)
	require.NoError(t, idx.Flush(context.Background()))

	cards, err := idx.Cardinalities(context.Background(), "click", "color", all)
	require.NoError(t, err)
	assert.Len(t, cards, 1)
}

func TestUnsupportedValueRejectsWholeRecord(t *testing.T) {
	idx, _ := newIndex(t)
	rec := record.NewEvent("click", "1", day,
		record.NewAttribute("color", "red"),
		record.NewAttribute("weird", struct{}{}))
	n, err := idx.IndexKeyValues(context.Background(), []record.Record{rec})
	require.ErrorIs(t, err, types.ErrUnsupportedType)
	assert.Zero(t, n)
}

func TestExpirationFilterStage(t *testing.T) {
	cells := []tablet.Cell{
		{Key: tablet.Key{Row: "a"}, Value: NewValue(1, 50).Encode()},
		{Key: tablet.Key{Row: "b"}, Value: NewValue(1, NoExpiration).Encode()},
		{Key: tablet.Key{Row: "c"}, Value: NewValue(1, 150).Encode()},
	}
	it, err := ExpirationFilter(tablet.NewSliceIterator(cells), map[string]string{OptNow: "100"})
	require.NoError(t, err)
	kept, err := tablet.Drain(it)
	require.NoError(t, err)
	require.Len(t, kept, 2)
	assert.Equal(t, "b", kept[0].Row)
	assert.Equal(t, "c", kept[1].Row)

	_, err = ExpirationFilter(tablet.NewSliceIterator(nil), map[string]string{})
	assert.Error(t, err)

	it, err = ExpirationFilter(tablet.NewSliceIterator([]tablet.Cell{{Value: []byte("x")}}), map[string]string{OptNow: "1"})
	require.NoError(t, err)
	_, err = tablet.Drain(it)
	assert.ErrorIs(t, err, ErrBadValue)
}
