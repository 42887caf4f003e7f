// ABOUTME: Shared engine behind the event and entity stores: write path, planning, and record scans
// ABOUTME: Reads push time, expiration, projection and empty-row filtering into the scan stages

package qfd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/internal/logger"
	"github.com/nainya/attrstore/internal/metrics"
	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/filter"
	"github.com/nainya/attrstore/pkg/index"
	"github.com/nainya/attrstore/pkg/planner"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/rowcodec"
	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

// Options are the optional collaborators of a store
type Options struct {
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	Registry    *types.Registry
	Now         func() time.Time
	TablePrefix string
}

// Option customizes a store
type Option func(*Options)

// WithLogger sets the logger; the default discards everything
func WithLogger(l *logger.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the metrics sink; the default records nothing
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithRegistry replaces the default lexicographic type registry
func WithRegistry(r *types.Registry) Option {
	return func(o *Options) { o.Registry = r }
}

// WithClock sets the clock used for read-time expiration
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithTablePrefix names the store's tables <prefix>_shard and <prefix>_index
func WithTablePrefix(prefix string) Option {
	return func(o *Options) { o.TablePrefix = prefix }
}

// Layout describes one kind of record store
type Layout struct {
	// Name labels logs and metrics, and is the default table prefix
	Name         string
	Discriminant string
	Timestamped  bool
	Shards       shard.Builder
}

// Core implements the operations the event and entity stores share
type Core struct {
	store    *tablet.Store
	cfg      config.StoreConfig
	layout   Layout
	registry *types.Registry
	now      func() time.Time
	log      *logger.Logger
	metrics  *metrics.Metrics

	shardTable string
	writer     *tablet.BatchWriter
	index      *index.KeyValueIndex
	planner    *planner.Planner
}

// NewCore creates the store tables if needed and opens their writers
func NewCore(store *tablet.Store, cfg config.StoreConfig, layout Layout, opts ...Option) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := Options{Registry: types.LexiTypes, Now: time.Now, TablePrefix: layout.Name}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{
		store:      store,
		cfg:        cfg,
		layout:     layout,
		registry:   o.Registry,
		now:        o.Now,
		log:        logger.OrNop(o.Logger).StoreLogger(layout.Name),
		metrics:    o.Metrics,
		shardTable: o.TablePrefix + "_shard",
	}

	if _, err := store.EnsureTable(c.shardTable, tablet.TableConfig{}); err != nil {
		return nil, fmt.Errorf("%s: create table %s: %w", layout.Name, c.shardTable, err)
	}
	w, err := store.NewBatchWriter(c.shardTable, cfg.WriterConfig())
	if err != nil {
		return nil, fmt.Errorf("%s: open writer for %s: %w", layout.Name, c.shardTable, err)
	}
	c.writer = w

	idx, err := index.NewKeyValueIndex(store, index.Options{
		Table:    o.TablePrefix + "_index",
		Shards:   layout.Shards,
		Registry: o.Registry,
		Writer:   cfg.WriterConfig(),
		Now:      o.Now,
	})
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%s: %w", layout.Name, err)
	}
	c.index = idx

	c.planner = planner.New(idx,
		planner.WithParallelism(cfg.MaxQueryThreads),
		planner.WithProbeObserver(func(kind string) {
			if c.metrics != nil {
				c.metrics.IndexProbesTotal.WithLabelValues(layout.Name, kind).Inc()
			}
		}))
	return c, nil
}

// Index exposes the store's global index
func (c *Core) Index() *index.KeyValueIndex {
	return c.index
}

// Registry returns the type registry records are encoded with
func (c *Core) Registry() *types.Registry {
	return c.registry
}

func (c *Core) observe(op string, start time.Time, count int, err error) {
	c.log.LogStoreOperation(op, time.Since(start), count, err)
	if c.metrics != nil {
		c.metrics.RecordStoreOperation(c.layout.Name, op, err, time.Since(start))
	}
}

// Save validates every record, then buffers its shard cells and index
// deltas. Validation failures are reported before anything is written.
func (c *Core) Save(ctx context.Context, records []record.Record) (err error) {
	start := time.Now()
	defer func() { c.observe("save", start, len(records), err) }()

	shards := make([]string, len(records))
	for i, rec := range records {
		if err := ValidateRecord(rec, c.registry, c.layout.Timestamped); err != nil {
			return err
		}
		sh, err := c.layout.Shards.BuildShard(rec)
		if err != nil {
			return fmt.Errorf("%w: record %s/%s: %w", ErrInvalidArgument, rec.Type, rec.ID, err)
		}
		shards[i] = sh
	}

	for i, rec := range records {
		m, err := RecordMutation(shards[i], c.layout.Discriminant, rec, c.registry, c.layout.Timestamped)
		if err != nil {
			return err
		}
		if err := c.writer.AddMutation(ctx, m); err != nil {
			return fmt.Errorf("save %s/%s to shard %s: %w", rec.Type, rec.ID, shards[i], err)
		}
	}

	n, err := c.index.IndexKeyValues(ctx, records)
	if c.metrics != nil {
		c.metrics.IndexMutationsTotal.WithLabelValues(c.layout.Name).Add(float64(n))
		c.metrics.RecordsSavedTotal.WithLabelValues(c.layout.Name).Add(float64(len(records)))
	}
	return err
}

// Flush blocks until every buffered shard cell and index delta is applied
func (c *Core) Flush(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.observe("flush", start, 0, err) }()

	if err := c.writer.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", c.shardTable, err)
	}
	if err := c.index.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", c.index.Table(), err)
	}
	return nil
}

// Shutdown flushes and releases both writers. Both are always closed.
func (c *Core) Shutdown(ctx context.Context) error {
	start := time.Now()
	err := errors.Join(c.writer.Close(), c.index.Close())
	if err == nil {
		err = ctx.Err()
	}
	c.observe("shutdown", start, 0, err)
	return err
}

// ResolveTypes returns types, or every visible indexed type when empty
func (c *Core) ResolveTypes(ctx context.Context, typs []string, auths tablet.Authorizations) ([]string, error) {
	if len(typs) > 0 {
		return typs, nil
	}
	it, err := c.index.Types(ctx, "", auths)
	if err != nil {
		return nil, err
	}
	return closeable.Collect(it)
}

// QueryRequest is a planned read over a shard universe
type QueryRequest struct {
	Universe     []string
	Types        []string
	Node         criteria.Node
	SelectFields []string
	Auths        tablet.Authorizations

	// Start and End bound event time when both are set
	Start, End time.Time
}

// Query plans node against the index and streams the matching records
func (c *Core) Query(ctx context.Context, req QueryRequest) (*closeable.Iterator[record.Record], error) {
	if err := req.Node.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	typs, err := c.ResolveTypes(ctx, req.Types, req.Auths)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	plan, err := c.planner.Plan(ctx, req.Node, req.Universe, typs, req.Auths)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if c.metrics != nil {
		c.metrics.CandidateShards.WithLabelValues(c.layout.Name).Observe(float64(len(plan.Shards)))
	}
	c.log.Debug("query planned").
		Str("criteria", req.Node.String()).
		Int("universe", len(req.Universe)).
		Int("candidates", len(plan.Shards)).
		Send()

	var ranges []tablet.Range
	for _, typ := range typs {
		for _, sh := range plan.ByType[typ] {
			ranges = append(ranges, c.shardRange(sh, TypePrefix(c.layout.Discriminant, typ)))
		}
	}
	residual := plan.Residual
	return c.Scan(ctx, ScanRequest{
		Op:           "query",
		Ranges:       ranges,
		Auths:        req.Auths,
		Start:        req.Start,
		End:          req.End,
		Residual:     &residual,
		SelectFields: req.SelectFields,
	})
}

// GetAll streams every record of the given types in the universe
func (c *Core) GetAll(ctx context.Context, req QueryRequest) (*closeable.Iterator[record.Record], error) {
	typs, err := c.ResolveTypes(ctx, req.Types, req.Auths)
	if err != nil {
		return nil, fmt.Errorf("get all: %w", err)
	}
	var ranges []tablet.Range
	for _, sh := range req.Universe {
		for _, typ := range typs {
			ranges = append(ranges, c.shardRange(sh, TypePrefix(c.layout.Discriminant, typ)))
		}
	}
	return c.Scan(ctx, ScanRequest{
		Op:           "get_all",
		Ranges:       ranges,
		Auths:        req.Auths,
		Start:        req.Start,
		End:          req.End,
		SelectFields: req.SelectFields,
		Nested:       true,
	})
}

// Lookup addresses one record directly
type Lookup struct {
	Shard  string
	Family string
}

// Get streams the records at the given addresses. Duplicates are fetched once.
func (c *Core) Get(ctx context.Context, lookups []Lookup, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	families := make(map[string]struct{}, len(lookups))
	var ranges []tablet.Range
	seen := make(map[Lookup]struct{}, len(lookups))
	for _, l := range lookups {
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		families[l.Family] = struct{}{}
		ranges = append(ranges, c.shardRange(l.Shard, l.Family))
	}
	return c.Scan(ctx, ScanRequest{
		Op:           "get",
		Ranges:       ranges,
		Auths:        auths,
		SelectFields: selectFields,
		Families:     families,
	})
}

func (c *Core) shardRange(shardID, familyPrefix string) tablet.Range {
	rng := tablet.ExactRow(shardID)
	rng.FamilyPrefix = familyPrefix
	return rng
}

// ScanRequest describes one batch scan over the shard table
type ScanRequest struct {
	Op     string
	Ranges []tablet.Range
	Auths  tablet.Authorizations

	// Start and End add a cell-level time window when both are set
	Start, End time.Time

	// Residual, when set, must match every returned record
	Residual *criteria.Node

	// SelectFields trims returned records; empty keeps every attribute
	SelectFields []string

	// Nested groups a whole shard row into one scanned value
	Nested bool

	// Families, when set, drops records whose family is not listed
	Families map[string]struct{}
}

func (c *Core) stages(req ScanRequest) []tablet.IteratorSetting {
	var settings []tablet.IteratorSetting
	if !req.Start.IsZero() && !req.End.IsZero() {
		settings = append(settings, tablet.IteratorSetting{
			Priority: PriorityTimeWindow, Name: "time-window",
			Factory: filter.TimeWindow, Options: filter.TimeOptions(req.Start, req.End),
		})
	}
	settings = append(settings,
		tablet.NewIteratorSetting(PriorityGroup, "whole-family", rowcodec.WholeColumnFamily(filter.CellExpiration)),
		tablet.IteratorSetting{
			Priority: PriorityExpiration, Name: "expiration",
			Factory: filter.Expiration, Options: filter.NowOptions(c.now()),
		},
	)
	if fields := projectedFields(req); len(fields) > 0 {
		settings = append(settings, tablet.IteratorSetting{
			Priority: PriorityProjection, Name: "projection",
			Factory: filter.Projection, Options: filter.FieldsOptions(fields),
		})
	}
	settings = append(settings, tablet.NewIteratorSetting(PriorityEmptyRow, "empty-row", filter.EmptyRow))
	if req.Nested {
		settings = append(settings, tablet.NewIteratorSetting(PriorityWholeRow, "whole-row", rowcodec.WholeRow))
	}
	return settings
}

// projectedFields is the projection sent to the scan: the selected fields
// plus every key the residual predicate reads.
func projectedFields(req ScanRequest) []string {
	if len(req.SelectFields) == 0 {
		return nil
	}
	fields := append([]string(nil), req.SelectFields...)
	if req.Residual != nil {
		fields = append(fields, req.Residual.Keys()...)
	}
	return fields
}

// Scan runs a batch scan and decodes the grouped rows into records
func (c *Core) Scan(ctx context.Context, req ScanRequest) (*closeable.Iterator[record.Record], error) {
	if len(req.Ranges) == 0 {
		return closeable.Empty[record.Record](), nil
	}
	bs, err := c.store.BatchScan(ctx, c.shardTable, tablet.ScanOptions{
		Ranges:    req.Ranges,
		Auths:     req.Auths,
		Iterators: c.stages(req),
		Threads:   c.cfg.MaxQueryThreads,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, err)
	}

	sel := record.FieldSet(req.SelectFields)
	var queue []record.Record
	next := func() (record.Record, error) {
		for len(queue) == 0 {
			cell, err := bs.Next()
			if err == io.EOF {
				return record.Record{}, io.EOF
			}
			if err != nil {
				return record.Record{}, fmt.Errorf("%s: %w", req.Op, err)
			}
			groups, err := c.groups(cell, req.Nested)
			if err != nil {
				return record.Record{}, fmt.Errorf("%s: %w", req.Op, err)
			}
			for _, g := range groups {
				rec, ok, err := c.decode(g)
				if err != nil {
					return record.Record{}, fmt.Errorf("%s: %w", req.Op, err)
				}
				if !ok {
					continue
				}
				if req.Families != nil {
					if _, want := req.Families[g.Family]; !want {
						continue
					}
				}
				if req.Residual != nil && !criteria.Matches(*req.Residual, rec, c.registry) {
					continue
				}
				queue = append(queue, rec.Project(sel))
			}
		}
		rec := queue[0]
		queue = queue[1:]
		if c.metrics != nil {
			c.metrics.RecordsReturnedTotal.WithLabelValues(c.layout.Name).Inc()
		}
		return rec, nil
	}
	return closeable.New(next, bs.Close), nil
}

// group is one record's cells under its row and family
type group struct {
	Row    string
	Family string
	Cells  []tablet.Cell
}

// groups unpacks one scanned value. Corrupt groups fail the scan unless
// SkipCorruptRows is set, in which case they are logged and dropped.
func (c *Core) groups(cell tablet.Cell, nested bool) ([]group, error) {
	if !nested {
		g, err := c.unpack(cell)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, nil
		}
		return []group{*g}, nil
	}

	_, outer, err := rowcodec.Decode(cell.Value)
	if err != nil {
		return nil, c.corrupt(cell.Row, "", err)
	}
	out := make([]group, 0, len(outer))
	for _, inner := range outer {
		g, err := c.unpack(inner)
		if err != nil {
			return nil, err
		}
		if g != nil {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (c *Core) unpack(cell tablet.Cell) (*group, error) {
	_, cells, err := rowcodec.Decode(cell.Value)
	if err != nil {
		return nil, c.corrupt(cell.Row, cell.Family, err)
	}
	return &group{Row: cell.Row, Family: cell.Family, Cells: cells}, nil
}

// corrupt returns nil when the row may be skipped
func (c *Core) corrupt(row, family string, err error) error {
	if c.cfg.SkipCorruptRows {
		c.log.LogSkippedRow(row, family, err)
		if c.metrics != nil {
			c.metrics.RowsSkippedTotal.WithLabelValues(c.layout.Name).Inc()
		}
		return nil
	}
	return fmt.Errorf("shard %s family %q: %w", row, family, err)
}

// decode rebuilds a record from its cells. Attributes whose value or
// metadata cannot be decoded are logged and skipped; a record left with no
// attributes is dropped.
func (c *Core) decode(g group) (record.Record, bool, error) {
	fam, err := ParseFamily(g.Family)
	if err != nil {
		return record.Record{}, false, c.corrupt(g.Row, g.Family, err)
	}
	if c.metrics != nil {
		c.metrics.RowsDecodedTotal.WithLabelValues(c.layout.Name).Inc()
	}

	rec := record.Record{Type: fam.Type, ID: fam.ID, Timestamp: fam.Timestamp}
	for _, cell := range g.Cells {
		key, value, err := rowcodec.DecodeValueQualifier(c.registry, cell.Qualifier)
		if err != nil {
			c.skipAttribute(g, cell, err)
			continue
		}
		meta, err := record.DecodeMetadata(cell.Value, cell.Visibility)
		if err != nil {
			c.skipAttribute(g, cell, err)
			continue
		}
		if len(meta) == 0 {
			meta = nil
		}
		rec.Put(record.Attribute{Key: key, Value: value, Metadata: meta})
	}
	return rec, len(rec.Attributes) > 0, nil
}

func (c *Core) skipAttribute(g group, cell tablet.Cell, err error) {
	c.log.LogSkippedAttribute(g.Row, g.Family, cell.Qualifier, err)
	if c.metrics != nil {
		c.metrics.AttributesSkippedTotal.WithLabelValues(c.layout.Name).Inc()
	}
}

// UniqueKeys streams distinct (key, alias) pairs for a type
func (c *Core) UniqueKeys(ctx context.Context, prefix, typ string, auths tablet.Authorizations) (*closeable.Iterator[index.KeyAlias], error) {
	if typ == "" {
		return nil, fmt.Errorf("%w: unique keys needs a type", ErrInvalidArgument)
	}
	return c.index.UniqueKeys(ctx, prefix, typ, auths)
}

// UniqueValuesForKey streams distinct values stored under one key and alias
func (c *Core) UniqueValuesForKey(ctx context.Context, prefix, typ, alias, key string, auths tablet.Authorizations) (*closeable.Iterator[any], error) {
	if typ == "" || alias == "" || key == "" {
		return nil, fmt.Errorf("%w: unique values needs a type, an alias and a key", ErrInvalidArgument)
	}
	return c.index.UniqueValuesForKey(ctx, prefix, typ, alias, key, auths)
}

// Types streams the distinct record types starting with prefix
func (c *Core) Types(ctx context.Context, prefix string, auths tablet.Authorizations) (*closeable.Iterator[string], error) {
	return c.index.Types(ctx, prefix, auths)
}
