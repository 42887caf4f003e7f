package planner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

type fakeProber struct {
	keys   map[string][]string // type/key -> shards
	values map[string][]string // type/key=value -> shards
	fail   error
	calls  atomic.Int32
}

func (f *fakeProber) KeyShards(_ context.Context, typ, key string, _ tablet.Authorizations) ([]string, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return f.keys[typ+"/"+key], nil
}

func (f *fakeProber) ValueShards(_ context.Context, typ, key string, value any, _ tablet.Authorizations) ([]string, error) {
	f.calls.Add(1)
	if f.fail != nil {
		return nil, f.fail
	}
	return f.values[fmt.Sprintf("%s/%s=%v", typ, key, value)], nil
}

var testUniverse = []string{"s3", "s1", "s2", "s4"}

func newProber() *fakeProber {
	return &fakeProber{
		keys: map[string][]string{
			"t/k1":    {"s1", "s2"},
			"t/k2":    {"s2", "s3"},
			"t/color": {"s1", "s4", "elsewhere"},
			"u/k1":    {"s4"},
		},
		values: map[string][]string{
			"t/color=red":  {"s1"},
			"t/color=blue": {"s4"},
		},
	}
}

func plan(t *testing.T, node criteria.Node, types ...string) Plan {
	t.Helper()
	p, err := New(newProber()).Plan(context.Background(), node, testUniverse, types, tablet.NewAuthorizations())
	require.NoError(t, err)
	return p
}

func TestLeaves(t *testing.T) {
	assert.Equal(t, []string{"s1"}, plan(t, criteria.Equals("color", "red"), "t").Shards)
	assert.Equal(t, []string{"s1", "s4"}, plan(t, criteria.Has("color"), "t").Shards, "shards outside the universe are dropped")
	assert.Equal(t, []string{"s2", "s3"}, plan(t, criteria.HasNot("color"), "t").Shards)
	assert.Empty(t, plan(t, criteria.Equals("color", "green"), "t").Shards)
}

func TestCombinators(t *testing.T) {
	assert.Equal(t, []string{"s2"}, plan(t, criteria.And(criteria.Has("k1"), criteria.Has("k2")), "t").Shards)
	assert.Equal(t, []string{"s1", "s2", "s3"}, plan(t, criteria.Or(criteria.Has("k1"), criteria.Has("k2")), "t").Shards)
	assert.Equal(t, []string{"s1", "s4"},
		plan(t, criteria.Or(criteria.Equals("color", "red"), criteria.Equals("color", "blue")), "t").Shards)
	assert.Equal(t, []string{"s3"}, plan(t, criteria.And(criteria.Has("k2"), criteria.HasNot("k1")), "t").Shards)
}

func TestAndShortCircuits(t *testing.T) {
	prober := newProber()
	node := criteria.And(criteria.Equals("color", "green"), criteria.Has("k1"), criteria.Has("k2"))
	p, err := New(prober).Plan(context.Background(), node, testUniverse, []string{"t"}, tablet.NewAuthorizations())
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.Equal(t, int32(1), prober.calls.Load())
}

func TestPerTypeUnion(t *testing.T) {
	p := plan(t, criteria.Has("k1"), "t", "u", "none")
	assert.Equal(t, []string{"s1", "s2", "s4"}, p.Shards)
	assert.Equal(t, map[string][]string{"t": {"s1", "s2"}, "u": {"s4"}}, p.ByType)
}

// Two records share shard s2: only one has both keys. The plan narrows to s2
// and the residual excludes the record holding only k1.
func TestHasAndHasWithResidual(t *testing.T) {
	node := criteria.And(criteria.Has("k1"), criteria.Has("k2"))
	p := plan(t, node, "t")
	require.Equal(t, []string{"s2"}, p.Shards)
	assert.Equal(t, node, p.Residual)

	both := record.NewEntity("t", "a", record.NewAttribute("k1", "x"), record.NewAttribute("k2", "y"))
	onlyK1 := record.NewEntity("t", "b", record.NewAttribute("k1", "x"))
	assert.True(t, criteria.Matches(p.Residual, both, types.LexiTypes))
	assert.False(t, criteria.Matches(p.Residual, onlyK1, types.LexiTypes))
}

func TestProbeFailureIsFatal(t *testing.T) {
	boom := errors.New("scan failed")
	prober := newProber()
	prober.fail = boom
	_, err := New(prober).Plan(context.Background(), criteria.Or(criteria.Has("k1")), testUniverse, []string{"t"}, tablet.NewAuthorizations())
	assert.ErrorIs(t, err, boom)
}

func TestMalformedTreeFailsWithoutLookups(t *testing.T) {
	prober := newProber()
	for _, node := range []criteria.Node{criteria.And(), criteria.Or(), {Kind: criteria.Kind(99)}} {
		_, err := New(prober).Plan(context.Background(), node, testUniverse, []string{"t"}, tablet.NewAuthorizations())
		assert.ErrorIs(t, err, criteria.ErrInvalidNode)
	}
	assert.Zero(t, prober.calls.Load())
}

func TestProbeObserver(t *testing.T) {
	counts := map[string]int{}
	p := New(newProber(), WithProbeObserver(func(kind string) { counts[kind]++ }))
	_, err := p.Plan(context.Background(), criteria.And(criteria.Equals("color", "red"), criteria.HasNot("k2")), testUniverse, []string{"t"}, tablet.NewAuthorizations())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{ProbeValue: 1, ProbeKey: 1}, counts)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(newProber()).Plan(ctx, criteria.Has("k1"), testUniverse, []string{"t"}, tablet.NewAuthorizations())
	assert.ErrorIs(t, err, context.Canceled)
}

// gatedProber holds every lookup until want of them are in flight together
type gatedProber struct {
	want    int32
	arrived atomic.Int32
	all     chan struct{}
}

func newGatedProber(want int32) *gatedProber {
	return &gatedProber{want: want, all: make(chan struct{})}
}

func (g *gatedProber) KeyShards(ctx context.Context, _, _ string, _ tablet.Authorizations) ([]string, error) {
	if g.arrived.Add(1) == g.want {
		close(g.all)
	}
	select {
	case <-g.all:
		return []string{"s1"}, nil
	case <-time.After(2 * time.Second):
		return nil, errors.New("lookups did not overlap")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatedProber) ValueShards(ctx context.Context, typ, key string, _ any, auths tablet.Authorizations) ([]string, error) {
	return g.KeyShards(ctx, typ, key, auths)
}

func TestLookupsRunConcurrently(t *testing.T) {
	node := criteria.Or(criteria.Has("k1"), criteria.Equals("color", "red"), criteria.HasNot("k2"))
	p, err := New(newGatedProber(3), WithParallelism(3)).Plan(context.Background(), node, testUniverse, []string{"t"}, tablet.NewAuthorizations())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, p.Shards)

	p, err = New(newGatedProber(2), WithParallelism(2)).Plan(context.Background(), criteria.Has("k1"), testUniverse, []string{"t", "u"}, tablet.NewAuthorizations())
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"t": {"s1"}, "u": {"s1"}}, p.ByType)
}

// countingProber records the peak number of lookups in flight
type countingProber struct {
	*fakeProber
	inflight atomic.Int32
	peak     atomic.Int32
}

func (c *countingProber) KeyShards(ctx context.Context, typ, key string, auths tablet.Authorizations) ([]string, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		peak := c.peak.Load()
		if n <= peak || c.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return c.fakeProber.KeyShards(ctx, typ, key, auths)
}

func TestParallelismBoundsLookups(t *testing.T) {
	node := criteria.Or(criteria.Has("k1"), criteria.Has("k2"), criteria.Has("color"), criteria.HasNot("k1"))
	for _, limit := range []int{1, 2} {
		prober := &countingProber{fakeProber: newProber()}
		p, err := New(prober, WithParallelism(limit)).Plan(context.Background(), node, testUniverse, []string{"t", "u"}, tablet.NewAuthorizations())
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, p.Shards)
		assert.LessOrEqual(t, prober.peak.Load(), int32(limit))
		assert.Equal(t, int32(8), prober.calls.Load())
	}
}

func TestFailedLookupCancelsSiblings(t *testing.T) {
	boom := errors.New("scan failed")
	prober := newProber()
	prober.fail = boom
	node := criteria.Or(criteria.Has("k1"), criteria.Has("k2"), criteria.Has("color"))
	_, err := New(prober, WithParallelism(4)).Plan(context.Background(), node, testUniverse, []string{"t", "u"}, tablet.NewAuthorizations())
	assert.ErrorIs(t, err, boom)
}
