// ABOUTME: Event store: timestamped records sharded by day and sub-partition
// ABOUTME: Queries are bounded by [start, end) and narrowed through the global index

package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/index"
	"github.com/nainya/attrstore/pkg/qfd"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
)

// Name labels the event store's tables, logs and metrics
const Name = "events"

// EventStore saves and queries events
type EventStore struct {
	core   *qfd.Core
	shards *shard.DailyShardBuilder
}

// New opens an event store on the substrate
func New(store *tablet.Store, cfg config.StoreConfig, opts ...qfd.Option) (*EventStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shards, err := shard.NewDailyShardBuilder(cfg.ShardPartitions)
	if err != nil {
		return nil, err
	}
	core, err := qfd.NewCore(store, cfg, qfd.Layout{
		Name:         Name,
		Discriminant: qfd.Event,
		Timestamped:  true,
		Shards:       shards,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &EventStore{core: core, shards: shards}, nil
}

// Save buffers events for writing. Every event needs a timestamp.
func (s *EventStore) Save(ctx context.Context, events []record.Record) error {
	return s.core.Save(ctx, events)
}

// Flush blocks until every saved event is visible to reads
func (s *EventStore) Flush(ctx context.Context) error {
	return s.core.Flush(ctx)
}

// Shutdown flushes and releases the store's writers
func (s *EventStore) Shutdown(ctx context.Context) error {
	return s.core.Shutdown(ctx)
}

func (s *EventStore) universe(start, end time.Time) ([]string, error) {
	shards, err := s.shards.BuildShardsInRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", qfd.ErrInvalidArgument, err)
	}
	return shards, nil
}

// Query streams events in [start, end) of the given types matching node.
// No types means every visible type. Empty selectFields returns every attribute.
func (s *EventStore) Query(ctx context.Context, start, end time.Time, types []string, node criteria.Node, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	universe, err := s.universe(start, end)
	if err != nil {
		return nil, err
	}
	return s.core.Query(ctx, qfd.QueryRequest{
		Universe:     universe,
		Types:        types,
		Node:         node,
		SelectFields: selectFields,
		Auths:        auths,
		Start:        start,
		End:          end,
	})
}

// Get streams the events with the given identities
func (s *EventStore) Get(ctx context.Context, ids []record.Identifier, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	lookups := make([]qfd.Lookup, 0, len(ids))
	for _, id := range ids {
		if id.Type == "" || id.ID == "" {
			return nil, fmt.Errorf("%w: identifier needs a type and an id", qfd.ErrInvalidArgument)
		}
		sh, err := s.shards.BuildShard(record.Record{Type: id.Type, ID: id.ID, Timestamp: id.Timestamp})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", qfd.ErrInvalidArgument, err)
		}
		lookups = append(lookups, qfd.Lookup{
			Shard:  sh,
			Family: qfd.Family(qfd.Event, id.Type, id.ID, id.Timestamp, true),
		})
	}
	return s.core.Get(ctx, lookups, selectFields, auths)
}

// GetAllByType streams every event of the given types in [start, end)
func (s *EventStore) GetAllByType(ctx context.Context, start, end time.Time, types []string, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	universe, err := s.universe(start, end)
	if err != nil {
		return nil, err
	}
	return s.core.GetAll(ctx, qfd.QueryRequest{
		Universe:     universe,
		Types:        types,
		SelectFields: selectFields,
		Auths:        auths,
		Start:        start,
		End:          end,
	})
}

// UniqueKeys streams the distinct (key, alias) pairs indexed for a type
func (s *EventStore) UniqueKeys(ctx context.Context, prefix, typ string, auths tablet.Authorizations) (*closeable.Iterator[index.KeyAlias], error) {
	return s.core.UniqueKeys(ctx, prefix, typ, auths)
}

// UniqueValuesForKey streams the distinct values indexed under a key
func (s *EventStore) UniqueValuesForKey(ctx context.Context, prefix, typ, alias, key string, auths tablet.Authorizations) (*closeable.Iterator[any], error) {
	return s.core.UniqueValuesForKey(ctx, prefix, typ, alias, key, auths)
}

// Types streams the distinct event types starting with prefix
func (s *EventStore) Types(ctx context.Context, prefix string, auths tablet.Authorizations) (*closeable.Iterator[string], error) {
	return s.core.Types(ctx, prefix, auths)
}

// Cardinalities reports the merged index aggregate of a key per shard
func (s *EventStore) Cardinalities(ctx context.Context, typ, key string, auths tablet.Authorizations) (map[string]index.Value, error) {
	return s.core.Index().Cardinalities(ctx, typ, key, auths)
}
