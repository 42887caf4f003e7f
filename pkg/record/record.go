// ABOUTME: Record and attribute model shared by the event and entity stores
// ABOUTME: Attributes carry typed values plus string metadata (visibility, expiration)

package record

import (
	"sort"
	"strconv"
	"time"
)

// Well-known metadata keys
const (
	MetaVisibility = "visibility"
	MetaExpiration = "expiration"
)

// Attribute is a single key/value tuple with metadata
type Attribute struct {
	Key      string
	Value    any
	Metadata map[string]string
}

// NewAttribute creates an attribute with empty metadata
func NewAttribute(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// WithVisibility returns a copy carrying the given visibility expression
func (a Attribute) WithVisibility(expr string) Attribute {
	return a.WithMetadata(MetaVisibility, expr)
}

// WithExpiration returns a copy that expires at the given epoch milliseconds
func (a Attribute) WithExpiration(ms int64) Attribute {
	return a.WithMetadata(MetaExpiration, strconv.FormatInt(ms, 10))
}

// WithMetadata returns a copy with one metadata entry set
func (a Attribute) WithMetadata(key, value string) Attribute {
	meta := make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		meta[k] = v
	}
	meta[key] = value
	a.Metadata = meta
	return a
}

// Visibility returns the visibility expression, or "" when unlabeled
func (a Attribute) Visibility() string {
	return a.Metadata[MetaVisibility]
}

// Expiration returns the expiration in epoch millis and whether one is set.
// Unparseable values are treated as no expiration.
func (a Attribute) Expiration() (int64, bool) {
	return ExpirationOf(a.Metadata)
}

// Expired reports whether the attribute has a finite expiration before now
func (a Attribute) Expired(now int64) bool {
	exp, ok := a.Expiration()
	return ok && exp < now
}

// ExpirationOf reads the expiration entry from a metadata map
func ExpirationOf(meta map[string]string) (int64, bool) {
	raw, ok := meta[MetaExpiration]
	if !ok || raw == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Identifier names one record: (type, id) and, for events, the timestamp
type Identifier struct {
	Type      string
	ID        string
	Timestamp time.Time
}

// Record is a typed, identified bag of attributes.
// Events carry a timestamp; entities leave it zero.
type Record struct {
	Type       string
	ID         string
	Timestamp  time.Time
	Attributes []Attribute
}

// NewEvent creates a timestamped record
func NewEvent(typ, id string, ts time.Time, attrs ...Attribute) Record {
	return Record{Type: typ, ID: id, Timestamp: ts, Attributes: attrs}
}

// NewEntity creates a record without a timestamp
func NewEntity(typ, id string, attrs ...Attribute) Record {
	return Record{Type: typ, ID: id, Attributes: attrs}
}

// Identifier returns the record's identity
func (r Record) Identifier() Identifier {
	return Identifier{Type: r.Type, ID: r.ID, Timestamp: r.Timestamp}
}

// Put appends an attribute
func (r *Record) Put(attr Attribute) {
	r.Attributes = append(r.Attributes, attr)
}

// Get returns all attributes with the given key
func (r Record) Get(key string) []Attribute {
	var out []Attribute
	for _, a := range r.Attributes {
		if a.Key == key {
			out = append(out, a)
		}
	}
	return out
}

// Has reports whether any attribute carries the key
func (r Record) Has(key string) bool {
	for _, a := range r.Attributes {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Keys returns the distinct attribute keys, sorted
func (r Record) Keys() []string {
	seen := make(map[string]struct{}, len(r.Attributes))
	keys := make([]string, 0, len(r.Attributes))
	for _, a := range r.Attributes {
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		keys = append(keys, a.Key)
	}
	sort.Strings(keys)
	return keys
}

// Project returns a copy holding only the listed keys. An empty set keeps everything.
func (r Record) Project(fields map[string]struct{}) Record {
	if len(fields) == 0 {
		return r
	}
	out := Record{Type: r.Type, ID: r.ID, Timestamp: r.Timestamp}
	for _, a := range r.Attributes {
		if _, ok := fields[a.Key]; ok {
			out.Attributes = append(out.Attributes, a)
		}
	}
	return out
}

// FieldSet builds a lookup set from a list of field names
func FieldSet(fields []string) map[string]struct{} {
	if len(fields) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}
