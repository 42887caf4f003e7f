// ABOUTME: Physical layout of the shard table: one row per shard, one family per record
// ABOUTME: Attribute tuples live in qualifiers; cell values carry the remaining metadata

package qfd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/rowcodec"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

// ErrInvalidArgument marks caller errors detected before any I/O
var ErrInvalidArgument = errors.New("qfd: invalid argument")

// Family discriminants
const (
	Event  = "e"
	Entity = "n"
)

// FamilySep separates the components of a record family
const FamilySep = "\x01"

// Scan stage priorities. Cell-level stages run before grouping; group-level
// stages run in the order expiration, projection, empty-row.
const (
	PriorityTimeWindow = 5
	PriorityGroup      = 10
	PriorityExpiration = 13
	PriorityProjection = 14
	PriorityEmptyRow   = 15
	PriorityWholeRow   = 18
)

// reserved bytes may not appear in types, ids or attribute keys
const reserved = "\x00\x01\x1f"

// TypePrefix is the family prefix shared by every record of one type
func TypePrefix(disc, typ string) string {
	return disc + FamilySep + typ + FamilySep
}

// Family returns the column family of one record. Timestamped families end
// with the lexicographic event time so one id can hold many events.
func Family(disc, typ, id string, ts time.Time, timestamped bool) string {
	f := TypePrefix(disc, typ) + id
	if timestamped {
		f += FamilySep + types.EncodeTimestamp(ts.UnixMilli())
	}
	return f
}

// ParsedFamily is the decoded form of a record family
type ParsedFamily struct {
	Discriminant string
	Type         string
	ID           string
	Timestamp    time.Time
}

// ParseFamily decodes a family written by Family
func ParseFamily(family string) (ParsedFamily, error) {
	parts := strings.Split(family, FamilySep)
	switch {
	case len(parts) == 3 && parts[0] == Entity:
		return ParsedFamily{Discriminant: Entity, Type: parts[1], ID: parts[2]}, nil
	case len(parts) == 4 && parts[0] == Event:
		ms, err := types.DecodeTimestamp(parts[3])
		if err != nil {
			return ParsedFamily{}, fmt.Errorf("%w: family %q timestamp: %v", rowcodec.ErrCorruptRow, family, err)
		}
		return ParsedFamily{Discriminant: Event, Type: parts[1], ID: parts[2], Timestamp: time.UnixMilli(ms).UTC()}, nil
	}
	return ParsedFamily{}, fmt.Errorf("%w: malformed family %q", rowcodec.ErrCorruptRow, family)
}

// ValidateRecord checks a record for Save without touching storage
func ValidateRecord(rec record.Record, reg *types.Registry, timestamped bool) error {
	if rec.Type == "" || rec.ID == "" {
		return fmt.Errorf("%w: record needs a type and an id, got %q/%q", ErrInvalidArgument, rec.Type, rec.ID)
	}
	if strings.ContainsAny(rec.Type, reserved) || strings.ContainsAny(rec.ID, reserved) {
		return fmt.Errorf("%w: record %q/%q contains a reserved byte", ErrInvalidArgument, rec.Type, rec.ID)
	}
	if len(rec.Attributes) == 0 {
		return fmt.Errorf("%w: record %s/%s has no attributes", ErrInvalidArgument, rec.Type, rec.ID)
	}
	for _, a := range rec.Attributes {
		if a.Key == "" || strings.ContainsAny(a.Key, reserved) {
			return fmt.Errorf("%w: record %s/%s has an invalid attribute key %q", ErrInvalidArgument, rec.Type, rec.ID, a.Key)
		}
		if _, _, err := reg.Encode(a.Value); err != nil {
			return fmt.Errorf("%w: record %s/%s attribute %q: %w", ErrInvalidArgument, rec.Type, rec.ID, a.Key, err)
		}
		if vis := a.Visibility(); vis != "" {
			if _, err := tablet.ParseVisibility(vis); err != nil {
				return fmt.Errorf("%w: record %s/%s attribute %q: %w", ErrInvalidArgument, rec.Type, rec.ID, a.Key, err)
			}
		}
	}
	return nil
}

// RecordMutation lays one record out as cells of its shard row
func RecordMutation(shardID, disc string, rec record.Record, reg *types.Registry, timestamped bool) (*tablet.Mutation, error) {
	family := Family(disc, rec.Type, rec.ID, rec.Timestamp, timestamped)
	var ts int64
	if timestamped {
		ts = rec.Timestamp.UnixMilli()
	}

	m := tablet.NewMutation(shardID)
	for _, a := range rec.Attributes {
		q, err := rowcodec.ValueQualifier(reg, a.Key, a.Value)
		if err != nil {
			return nil, fmt.Errorf("record %s/%s: %w", rec.Type, rec.ID, err)
		}
		m.Put(family, q, a.Visibility(), ts, record.EncodeMetadata(a.Metadata))
	}
	return m, nil
}
