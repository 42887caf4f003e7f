package entitystore

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/index"
	"github.com/nainya/attrstore/pkg/qfd"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

var auths = tablet.NewAuthorizations("A")

func newStore(t *testing.T, partitions int) *EntityStore {
	t.Helper()
	cfg := config.DefaultStoreConfig()
	cfg.MaxWriteLatency = time.Hour
	cfg.ShardPartitions = partitions
	s, err := New(tablet.NewStore(), cfg, qfd.WithClock(func() time.Time {
		return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func saveAll(t *testing.T, s *EntityStore, entities ...record.Record) {
	t.Helper()
	require.NoError(t, s.Save(context.Background(), entities))
	require.NoError(t, s.Flush(context.Background()))
}

func collectIDs(t *testing.T, it *closeable.Iterator[record.Record], err error) []string {
	t.Helper()
	require.NoError(t, err)
	recs, err := closeable.Collect(it)
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	sort.Strings(out)
	return out
}

func user(id string, attrs ...record.Attribute) record.Record {
	return record.NewEntity("user", id, attrs...)
}

func TestQuery(t *testing.T) {
	s := newStore(t, 7)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin"), record.NewAttribute("age", int64(40))),
		user("u2", record.NewAttribute("role", "viewer"), record.NewAttribute("age", int64(31))),
		user("u3", record.NewAttribute("role", "admin")),
		record.NewEntity("device", "d1", record.NewAttribute("role", "admin")),
	)
	ctx := context.Background()

	tests := []struct {
		name  string
		types []string
		node  criteria.Node
		want  []string
	}{
		{"equals", []string{"user"}, criteria.Equals("role", "admin"), []string{"u1", "u3"}},
		{"equals across types", nil, criteria.Equals("role", "admin"), []string{"d1", "u1", "u3"}},
		{"typed value", []string{"user"}, criteria.Equals("age", int64(31)), []string{"u2"}},
		{"and", []string{"user"}, criteria.And(criteria.Equals("role", "admin"), criteria.Has("age")), []string{"u1"}},
		{"or", []string{"user"}, criteria.Or(criteria.Equals("role", "viewer"), criteria.Equals("age", int64(40))), []string{"u1", "u2"}},
		{"no match", []string{"user"}, criteria.Equals("role", "owner"), []string{}},
		{"unknown key", []string{"user"}, criteria.Has("missing"), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it, err := s.Query(ctx, tt.types, tt.node, nil, auths)
			assert.Equal(t, tt.want, collectIDs(t, it, err))
		})
	}
}

func TestHasNotExcludesShardsHoldingTheKey(t *testing.T) {
	// a single bucket makes every entity share one shard
	s := newStore(t, 1)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin")),
		user("u2", record.NewAttribute("age", int64(3))),
	)

	it, err := s.Query(context.Background(), []string{"user"}, criteria.HasNot("nickname"), nil, auths)
	assert.Equal(t, []string{"u1", "u2"}, collectIDs(t, it, err))

	it, err = s.Query(context.Background(), []string{"user"}, criteria.HasNot("role"), nil, auths)
	assert.Empty(t, collectIDs(t, it, err), "the only shard holds role, so it is pruned")
}

func TestParsedExpression(t *testing.T) {
	s := newStore(t, 3)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin"), record.NewAttribute("active", true)),
		user("u2", record.NewAttribute("role", "admin")),
	)

	node, err := criteria.Parse(`attrs["role"] == "admin" && attrs["active"] == true`)
	require.NoError(t, err)
	it, err := s.Query(context.Background(), []string{"user"}, node, nil, auths)
	assert.Equal(t, []string{"u1"}, collectIDs(t, it, err))
}

func TestSaveOverwritesAttributes(t *testing.T) {
	s := newStore(t, 3)
	saveAll(t, s, user("u1", record.NewAttribute("role", "admin")))
	saveAll(t, s, user("u1", record.NewAttribute("role", "admin"), record.NewAttribute("team", "infra")))

	it, err := s.Get(context.Background(), []record.Identifier{{Type: "user", ID: "u1"}}, nil, auths)
	require.NoError(t, err)
	recs, err := closeable.Collect(it)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []string{"role", "team"}, recs[0].Keys())
	assert.Len(t, recs[0].Get("role"), 1)
	assert.True(t, recs[0].Timestamp.IsZero())
}

func TestGetDoesNotMatchIDPrefixes(t *testing.T) {
	s := newStore(t, 1)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin")),
		user("u10", record.NewAttribute("role", "viewer")),
	)

	it, err := s.Get(context.Background(), []record.Identifier{{Type: "user", ID: "u1"}}, nil, auths)
	assert.Equal(t, []string{"u1"}, collectIDs(t, it, err))

	_, err = s.Get(context.Background(), []record.Identifier{{Type: "user"}}, nil, auths)
	assert.ErrorIs(t, err, qfd.ErrInvalidArgument)
}

func TestGetAllByTypeAndProjection(t *testing.T) {
	s := newStore(t, 4)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin"), record.NewAttribute("age", int64(1))),
		user("u2", record.NewAttribute("role", "viewer")),
		record.NewEntity("device", "d1", record.NewAttribute("model", "x")),
	)

	it, err := s.GetAllByType(context.Background(), []string{"user"}, []string{"age"}, auths)
	require.NoError(t, err)
	recs, err := closeable.Collect(it)
	require.NoError(t, err)
	require.Len(t, recs, 1, "u2 has nothing left after projection")
	assert.Equal(t, "u1", recs[0].ID)
	assert.Equal(t, []string{"age"}, recs[0].Keys())

	it, err = s.GetAllByType(context.Background(), nil, nil, auths)
	assert.Equal(t, []string{"d1", "u1", "u2"}, collectIDs(t, it, err))
}

func TestIndexBrowsing(t *testing.T) {
	s := newStore(t, 2)
	saveAll(t, s,
		user("u1", record.NewAttribute("role", "admin"), record.NewAttribute("region", "eu")),
		user("u2", record.NewAttribute("role", "viewer")),
	)
	ctx := context.Background()

	kit, err := s.UniqueKeys(ctx, "r", "user", auths)
	require.NoError(t, err)
	keys, err := closeable.Collect(kit)
	require.NoError(t, err)
	assert.Equal(t, []index.KeyAlias{
		{Key: "region", Alias: types.AliasString},
		{Key: "role", Alias: types.AliasString},
	}, keys)

	vit, err := s.UniqueValuesForKey(ctx, "a", "user", types.AliasString, "role", auths)
	require.NoError(t, err)
	values, err := closeable.Collect(vit)
	require.NoError(t, err)
	assert.Equal(t, []any{"admin"}, values)

	_, err = s.UniqueValuesForKey(ctx, "", "user", "", "role", auths)
	assert.ErrorIs(t, err, qfd.ErrInvalidArgument)

	tit, err := s.Types(ctx, "", auths)
	require.NoError(t, err)
	names, err := closeable.Collect(tit)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, names)
}
