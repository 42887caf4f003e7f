// ABOUTME: Deterministic shard assignment for events (daily buckets) and entities (hash buckets)
// ABOUTME: Sub-partitions come from xxhash(type, id) so one day's records spread across a fixed fan-out

package shard

import (
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nainya/attrstore/pkg/record"
)

// DefaultPartitions is the sub-partition count used when a deployment does not choose one
const DefaultPartitions = 7

const (
	dayLayout = "20060102"
	day       = 24 * time.Hour
)

var (
	// ErrMissingTimestamp is returned when an event has no timestamp
	ErrMissingTimestamp = errors.New("shard: record has no timestamp")

	// ErrInvalidRange is returned when end is not after start
	ErrInvalidRange = errors.New("shard: end must be after start")
)

// Builder assigns records to shards
type Builder interface {
	BuildShard(rec record.Record) (string, error)
}

// SubPartition returns the bucket in [0, partitions) for a (type, id) pair
func SubPartition(typ, id string, partitions int) int {
	h := xxhash.New()
	_, _ = h.WriteString(typ)
	_, _ = h.Write([]byte{0x01})
	_, _ = h.WriteString(id)
	return int(h.Sum64() % uint64(partitions))
}

// DailyShardBuilder buckets events by UTC day, fanned out into sub-partitions.
// Shard ids look like "20240131_004" and sort chronologically.
type DailyShardBuilder struct {
	partitions int
}

// NewDailyShardBuilder creates a builder with a fixed sub-partition count
func NewDailyShardBuilder(partitions int) (*DailyShardBuilder, error) {
	if partitions <= 0 || partitions > 999 {
		return nil, fmt.Errorf("shard: partitions must be in [1, 999], got %d", partitions)
	}
	return &DailyShardBuilder{partitions: partitions}, nil
}

// Partitions returns the sub-partition count
func (b *DailyShardBuilder) Partitions() int {
	return b.partitions
}

// BuildShard returns the shard for an event
func (b *DailyShardBuilder) BuildShard(rec record.Record) (string, error) {
	if rec.Timestamp.IsZero() {
		return "", fmt.Errorf("%w: %s/%s", ErrMissingTimestamp, rec.Type, rec.ID)
	}
	return format(rec.Timestamp.UTC().Format(dayLayout), SubPartition(rec.Type, rec.ID, b.partitions)), nil
}

// BuildShardsInRange enumerates every shard whose day intersects [start, end),
// sorted ascending. Partially covered days at both ends are included.
func (b *DailyShardBuilder) BuildShardsInRange(start, end time.Time) ([]string, error) {
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("%w: range bounds are required", ErrMissingTimestamp)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: [%s, %s)", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	first := start.UTC().Truncate(day)
	// the last instant in range is end-1ns; its day is the last bucket
	last := end.UTC().Add(-time.Nanosecond).Truncate(day)

	var shards []string
	for d := first; !d.After(last); d = d.Add(day) {
		prefix := d.Format(dayLayout)
		for p := 0; p < b.partitions; p++ {
			shards = append(shards, format(prefix, p))
		}
	}
	return shards, nil
}

// HashShardBuilder buckets entities by (type, id) hash alone
type HashShardBuilder struct {
	partitions int
}

// NewHashShardBuilder creates a builder over a fixed bucket count
func NewHashShardBuilder(partitions int) (*HashShardBuilder, error) {
	if partitions <= 0 || partitions > 999 {
		return nil, fmt.Errorf("shard: partitions must be in [1, 999], got %d", partitions)
	}
	return &HashShardBuilder{partitions: partitions}, nil
}

// BuildShard returns the shard for an entity. Timestamps are ignored.
func (b *HashShardBuilder) BuildShard(rec record.Record) (string, error) {
	return b.ShardFor(rec.Type, rec.ID), nil
}

// ShardFor returns the shard for a (type, id) pair
func (b *HashShardBuilder) ShardFor(typ, id string) string {
	return fmt.Sprintf("%03d", SubPartition(typ, id, b.partitions))
}

// AllShards enumerates the entity shard universe in ascending order
func (b *HashShardBuilder) AllShards() []string {
	shards := make([]string, b.partitions)
	for p := range shards {
		shards[p] = fmt.Sprintf("%03d", p)
	}
	return shards
}

func format(dayPrefix string, partition int) string {
	return fmt.Sprintf("%s_%03d", dayPrefix, partition)
}
