// ABOUTME: Translates a predicate tree into the candidate shards worth scanning
// ABOUTME: Leaves probe the global index in parallel; shard sets combine as roaring bitmaps over the universe

package planner

import (
	"context"
	"fmt"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/tablet"
)

// Prober answers leaf lookups against the global index
type Prober interface {
	// KeyShards returns shards holding any visible, live tuple with key
	KeyShards(ctx context.Context, typ, key string, auths tablet.Authorizations) ([]string, error)

	// ValueShards returns shards holding a visible, live tuple key=value
	ValueShards(ctx context.Context, typ, key string, value any, auths tablet.Authorizations) ([]string, error)
}

// Probe kinds reported to the observer
const (
	ProbeKey   = "key"
	ProbeValue = "value"
)

// Plan is the outcome of planning one query
type Plan struct {
	// Shards is the union of candidate shards over every type, ascending
	Shards []string

	// ByType holds the candidate shards of each type that has any
	ByType map[string][]string

	// Residual must still be evaluated on every decoded record
	Residual criteria.Node
}

// Empty reports whether no shard can hold a match
func (p Plan) Empty() bool {
	return len(p.Shards) == 0
}

// Planner evaluates predicate trees against a Prober
type Planner struct {
	prober      Prober
	onProbe     func(kind string)
	parallelism int64
}

// Option customizes a Planner
type Option func(*Planner)

// WithProbeObserver registers a callback invoked once per index probe.
// It may be called from several goroutines at once.
func WithProbeObserver(fn func(kind string)) Option {
	return func(p *Planner) { p.onProbe = fn }
}

// WithParallelism bounds how many index lookups one Plan call runs at once
func WithParallelism(n int) Option {
	return func(p *Planner) { p.parallelism = int64(max(n, 1)) }
}

// New creates a planner. Without WithParallelism lookups run one at a time.
func New(prober Prober, opts ...Option) *Planner {
	p := &Planner{prober: prober, onProbe: func(string) {}, parallelism: 1}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type universe struct {
	shards  []string
	ordinal map[string]uint32
	all     *roaring.Bitmap
}

func newUniverse(shards []string) *universe {
	sorted := append([]string(nil), shards...)
	sort.Strings(sorted)
	u := &universe{ordinal: make(map[string]uint32, len(sorted)), all: roaring.New()}
	for _, s := range sorted {
		if _, dup := u.ordinal[s]; dup {
			continue
		}
		ord := uint32(len(u.shards))
		u.shards = append(u.shards, s)
		u.ordinal[s] = ord
		u.all.Add(ord)
	}
	return u
}

// bitmap maps probed shards onto the universe; shards outside it are dropped
func (u *universe) bitmap(shards []string) *roaring.Bitmap {
	bm := roaring.New()
	for _, s := range shards {
		if ord, ok := u.ordinal[s]; ok {
			bm.Add(ord)
		}
	}
	return bm
}

func (u *universe) names(bm *roaring.Bitmap) []string {
	out := make([]string, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, u.shards[it.Next()])
	}
	return out
}

// Plan resolves node into candidate shards from universe for the given
// types. node must already be valid (criteria.Node.Validate). The residual
// is the node itself. Any probe failure fails the plan.
func (p *Planner) Plan(ctx context.Context, node criteria.Node, shards []string, types []string, auths tablet.Authorizations) (Plan, error) {
	u := newUniverse(shards)
	sem := semaphore.NewWeighted(p.parallelism)

	results := make([]*roaring.Bitmap, len(types))
	g, gctx := errgroup.WithContext(ctx)
	for i, typ := range types {
		g.Go(func() error {
			bm, err := p.eval(gctx, sem, node, typ, u, auths)
			if err != nil {
				return fmt.Errorf("plan %s for type %q: %w", node, typ, err)
			}
			results[i] = bm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Plan{}, err
	}

	union := roaring.New()
	byType := make(map[string][]string)
	for i, typ := range types {
		if results[i].IsEmpty() {
			continue
		}
		byType[typ] = u.names(results[i])
		union.Or(results[i])
	}
	return Plan{Shards: u.names(union), ByType: byType, Residual: node}, nil
}

// lookup runs one index probe while holding a slot of sem
func (p *Planner) lookup(ctx context.Context, sem *semaphore.Weighted, kind string, n criteria.Node, fn func() ([]string, error)) ([]string, error) {
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer sem.Release(1)

	p.onProbe(kind)
	shards, err := fn()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", n, err)
	}
	return shards, nil
}

func (p *Planner) eval(ctx context.Context, sem *semaphore.Weighted, n criteria.Node, typ string, u *universe, auths tablet.Authorizations) (*roaring.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch n.Kind {
	case criteria.KindEquals:
		shards, err := p.lookup(ctx, sem, ProbeValue, n, func() ([]string, error) {
			return p.prober.ValueShards(ctx, typ, n.Key, n.Value, auths)
		})
		if err != nil {
			return nil, err
		}
		return u.bitmap(shards), nil

	case criteria.KindHas:
		shards, err := p.lookup(ctx, sem, ProbeKey, n, func() ([]string, error) {
			return p.prober.KeyShards(ctx, typ, n.Key, auths)
		})
		if err != nil {
			return nil, err
		}
		return u.bitmap(shards), nil

	case criteria.KindHasNot:
		// absence is never indexed: complement of HAS over the universe
		shards, err := p.lookup(ctx, sem, ProbeKey, n, func() ([]string, error) {
			return p.prober.KeyShards(ctx, typ, n.Key, auths)
		})
		if err != nil {
			return nil, err
		}
		return roaring.AndNot(u.all, u.bitmap(shards)), nil

	case criteria.KindAnd:
		if len(n.Children) == 0 {
			return nil, fmt.Errorf("%w: AND without children", criteria.ErrInvalidNode)
		}
		// sequential so an empty intersection skips the remaining children
		var acc *roaring.Bitmap
		for _, c := range n.Children {
			bm, err := p.eval(ctx, sem, c, typ, u, auths)
			if err != nil {
				return nil, err
			}
			if acc == nil {
				acc = bm
			} else {
				acc.And(bm)
			}
			if acc.IsEmpty() {
				return acc, nil
			}
		}
		return acc, nil

	case criteria.KindOr:
		if len(n.Children) == 0 {
			return nil, fmt.Errorf("%w: OR without children", criteria.ErrInvalidNode)
		}
		parts := make([]*roaring.Bitmap, len(n.Children))
		g, gctx := errgroup.WithContext(ctx)
		for i, c := range n.Children {
			g.Go(func() error {
				bm, err := p.eval(gctx, sem, c, typ, u, auths)
				parts[i] = bm
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		acc := roaring.New()
		for _, bm := range parts {
			acc.Or(bm)
		}
		return acc, nil
	}
	return nil, fmt.Errorf("%w: unknown kind %d", criteria.ErrInvalidNode, n.Kind)
}
