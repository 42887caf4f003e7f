// ABOUTME: Entity store: untimed records sharded by a hash of type and id
// ABOUTME: Queries plan over the full entity shard universe

package entitystore

import (
	"context"
	"fmt"

	"github.com/nainya/attrstore/internal/config"
	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/index"
	"github.com/nainya/attrstore/pkg/qfd"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/shard"
	"github.com/nainya/attrstore/pkg/tablet"
)

// Name labels the entity store's tables, logs and metrics
const Name = "entities"

// EntityStore saves and queries entities
type EntityStore struct {
	core   *qfd.Core
	shards *shard.HashShardBuilder
}

// New opens an entity store on the substrate
func New(store *tablet.Store, cfg config.StoreConfig, opts ...qfd.Option) (*EntityStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shards, err := shard.NewHashShardBuilder(cfg.ShardPartitions)
	if err != nil {
		return nil, err
	}
	core, err := qfd.NewCore(store, cfg, qfd.Layout{
		Name:         Name,
		Discriminant: qfd.Entity,
		Shards:       shards,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &EntityStore{core: core, shards: shards}, nil
}

// Save buffers entities for writing. Timestamps are ignored.
func (s *EntityStore) Save(ctx context.Context, entities []record.Record) error {
	return s.core.Save(ctx, entities)
}

// Flush blocks until every saved entity is visible to reads
func (s *EntityStore) Flush(ctx context.Context) error {
	return s.core.Flush(ctx)
}

// Shutdown flushes and releases the store's writers
func (s *EntityStore) Shutdown(ctx context.Context) error {
	return s.core.Shutdown(ctx)
}

// Query streams entities of the given types matching node
func (s *EntityStore) Query(ctx context.Context, types []string, node criteria.Node, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	return s.core.Query(ctx, qfd.QueryRequest{
		Universe:     s.shards.AllShards(),
		Types:        types,
		Node:         node,
		SelectFields: selectFields,
		Auths:        auths,
	})
}

// Get streams the entities with the given (type, id) identities
func (s *EntityStore) Get(ctx context.Context, ids []record.Identifier, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	lookups := make([]qfd.Lookup, 0, len(ids))
	for _, id := range ids {
		if id.Type == "" || id.ID == "" {
			return nil, fmt.Errorf("%w: identifier needs a type and an id", qfd.ErrInvalidArgument)
		}
		lookups = append(lookups, qfd.Lookup{
			Shard:  s.shards.ShardFor(id.Type, id.ID),
			Family: qfd.Family(qfd.Entity, id.Type, id.ID, id.Timestamp, false),
		})
	}
	return s.core.Get(ctx, lookups, selectFields, auths)
}

// GetAllByType streams every entity of the given types
func (s *EntityStore) GetAllByType(ctx context.Context, types []string, selectFields []string, auths tablet.Authorizations) (*closeable.Iterator[record.Record], error) {
	return s.core.GetAll(ctx, qfd.QueryRequest{
		Universe:     s.shards.AllShards(),
		Types:        types,
		SelectFields: selectFields,
		Auths:        auths,
	})
}

// UniqueKeys streams the distinct (key, alias) pairs indexed for a type
func (s *EntityStore) UniqueKeys(ctx context.Context, prefix, typ string, auths tablet.Authorizations) (*closeable.Iterator[index.KeyAlias], error) {
	return s.core.UniqueKeys(ctx, prefix, typ, auths)
}

// UniqueValuesForKey streams the distinct values indexed under a key
func (s *EntityStore) UniqueValuesForKey(ctx context.Context, prefix, typ, alias, key string, auths tablet.Authorizations) (*closeable.Iterator[any], error) {
	return s.core.UniqueValuesForKey(ctx, prefix, typ, alias, key, auths)
}

// Types streams the distinct entity types starting with prefix
func (s *EntityStore) Types(ctx context.Context, prefix string, auths tablet.Authorizations) (*closeable.Iterator[string], error) {
	return s.core.Types(ctx, prefix, auths)
}
