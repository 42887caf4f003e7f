// Conversions between structpb payloads and records
package server

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

// errBadRequest marks payloads that cannot be converted
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// maxExactFloat is the largest integer a JSON number carries without loss
const maxExactFloat = 1 << 53

// fields reads typed values out of a request struct
type fields map[string]*structpb.Value

func fieldsOf(s *structpb.Struct) fields {
	return fields(s.GetFields())
}

func (f fields) str(name string) (string, error) {
	v, ok := f[name]
	if !ok || isNull(v) {
		return "", nil
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", badRequest("%s must be a string", name)
	}
	return s.StringValue, nil
}

func (f fields) boolean(name string) (bool, error) {
	v, ok := f[name]
	if !ok || isNull(v) {
		return false, nil
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		return false, badRequest("%s must be a boolean", name)
	}
	return b.BoolValue, nil
}

func (f fields) integer(name string) (int, error) {
	v, ok := f[name]
	if !ok || isNull(v) {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok || n.NumberValue != math.Trunc(n.NumberValue) || n.NumberValue < 0 {
		return 0, badRequest("%s must be a non-negative integer", name)
	}
	return int(n.NumberValue), nil
}

func (f fields) list(name string) ([]*structpb.Value, error) {
	v, ok := f[name]
	if !ok || isNull(v) {
		return nil, nil
	}
	l, ok := v.GetKind().(*structpb.Value_ListValue)
	if !ok {
		return nil, badRequest("%s must be a list", name)
	}
	return l.ListValue.GetValues(), nil
}

func (f fields) strings(name string) ([]string, error) {
	values, err := f.list(name)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for i, v := range values {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, badRequest("%s[%d] must be a string", name, i)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

// time accepts epoch milliseconds or an RFC 3339 string
func (f fields) time(name string) (time.Time, error) {
	v, ok := f[name]
	if !ok || isNull(v) {
		return time.Time{}, nil
	}
	t, err := timeOf(v)
	if err != nil {
		return time.Time{}, badRequest("%s: %v", name, err)
	}
	return t, nil
}

func (f fields) auths() (tablet.Authorizations, error) {
	labels, err := f.strings("auths")
	if err != nil {
		return tablet.Authorizations{}, err
	}
	return tablet.NewAuthorizations(labels...), nil
}

func isNull(v *structpb.Value) bool {
	_, ok := v.GetKind().(*structpb.Value_NullValue)
	return ok || v.GetKind() == nil
}

func timeOf(v *structpb.Value) (time.Time, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		if k.NumberValue != math.Trunc(k.NumberValue) {
			return time.Time{}, fmt.Errorf("epoch millis must be integral, got %v", k.NumberValue)
		}
		return time.UnixMilli(int64(k.NumberValue)).UTC(), nil
	case *structpb.Value_StringValue:
		t, err := time.Parse(time.RFC3339Nano, k.StringValue)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("expected epoch millis or an RFC 3339 string")
}

// recordFrom converts one request record. A missing id is generated.
func recordFrom(v *structpb.Value) (record.Record, error) {
	s := v.GetStructValue()
	if s == nil {
		return record.Record{}, badRequest("record must be an object")
	}
	f := fieldsOf(s)

	var rec record.Record
	var err error
	if rec.Type, err = f.str("type"); err != nil {
		return record.Record{}, err
	}
	if rec.ID, err = f.str("id"); err != nil {
		return record.Record{}, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp, err = f.time("timestamp"); err != nil {
		return record.Record{}, err
	}

	attrs, err := f.list("attributes")
	if err != nil {
		return record.Record{}, err
	}
	for i, av := range attrs {
		a, err := attributeFrom(av)
		if err != nil {
			return record.Record{}, fmt.Errorf("record %s/%s attribute %d: %w", rec.Type, rec.ID, i, err)
		}
		rec.Put(a)
	}
	return rec, nil
}

func attributeFrom(v *structpb.Value) (record.Attribute, error) {
	s := v.GetStructValue()
	if s == nil {
		return record.Attribute{}, badRequest("attribute must be an object")
	}
	f := fieldsOf(s)

	key, err := f.str("key")
	if err != nil {
		return record.Attribute{}, err
	}
	alias, err := f.str("alias")
	if err != nil {
		return record.Attribute{}, err
	}
	raw, ok := f["value"]
	if !ok {
		return record.Attribute{}, badRequest("attribute %q has no value", key)
	}
	value, err := valueFrom(raw, alias)
	if err != nil {
		return record.Attribute{}, fmt.Errorf("attribute %q: %w", key, err)
	}

	attr := record.NewAttribute(key, value)
	if meta := f["metadata"].GetStructValue(); meta != nil {
		for k, mv := range meta.GetFields() {
			ms, ok := mv.GetKind().(*structpb.Value_StringValue)
			if !ok {
				return record.Attribute{}, badRequest("attribute %q metadata %q must be a string", key, k)
			}
			attr = attr.WithMetadata(k, ms.StringValue)
		}
	}
	return attr, nil
}

// valueFrom converts a JSON value to the Go type of an alias. Without an
// alias, integral numbers become longs and other numbers doubles.
func valueFrom(v *structpb.Value, alias string) (any, error) {
	switch alias {
	case "":
		switch k := v.GetKind().(type) {
		case *structpb.Value_StringValue:
			return k.StringValue, nil
		case *structpb.Value_BoolValue:
			return k.BoolValue, nil
		case *structpb.Value_NumberValue:
			n := k.NumberValue
			if n == math.Trunc(n) && math.Abs(n) < maxExactFloat {
				return int64(n), nil
			}
			return n, nil
		}
		return nil, badRequest("value must be a string, number or boolean")
	case types.AliasString:
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			return s.StringValue, nil
		}
	case types.AliasBoolean:
		if b, ok := v.GetKind().(*structpb.Value_BoolValue); ok {
			return b.BoolValue, nil
		}
	case types.AliasDouble:
		if n, ok := v.GetKind().(*structpb.Value_NumberValue); ok {
			return n.NumberValue, nil
		}
	case types.AliasLong, types.AliasInteger:
		var i int64
		switch k := v.GetKind().(type) {
		case *structpb.Value_NumberValue:
			if k.NumberValue != math.Trunc(k.NumberValue) {
				return nil, badRequest("%s value %v is not integral", alias, k.NumberValue)
			}
			i = int64(k.NumberValue)
		case *structpb.Value_StringValue:
			parsed, err := strconv.ParseInt(k.StringValue, 10, 64)
			if err != nil {
				return nil, badRequest("%s value: %v", alias, err)
			}
			i = parsed
		default:
			return nil, badRequest("%s value must be a number", alias)
		}
		if alias == types.AliasLong {
			return i, nil
		}
		if i < math.MinInt32 || i > math.MaxInt32 {
			return nil, badRequest("integer value %d overflows 32 bits", i)
		}
		return int32(i), nil
	case types.AliasDate:
		t, err := timeOf(v)
		if err != nil {
			return nil, badRequest("date value: %v", err)
		}
		return t, nil
	case types.AliasBytes:
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			b, err := base64.StdEncoding.DecodeString(s.StringValue)
			if err != nil {
				return nil, badRequest("bytes value: %v", err)
			}
			return b, nil
		}
	default:
		return nil, badRequest("unknown alias %q", alias)
	}
	return nil, badRequest("value does not match alias %q", alias)
}

// valueOf renders a stored value as JSON. Longs too large for a double are
// rendered as decimal strings.
func valueOf(v any) *structpb.Value {
	switch x := v.(type) {
	case string:
		return structpb.NewStringValue(x)
	case bool:
		return structpb.NewBoolValue(x)
	case int64:
		if x >= maxExactFloat || x <= -maxExactFloat {
			return structpb.NewStringValue(strconv.FormatInt(x, 10))
		}
		return structpb.NewNumberValue(float64(x))
	case int:
		return structpb.NewNumberValue(float64(x))
	case int32:
		return structpb.NewNumberValue(float64(x))
	case float64:
		return structpb.NewNumberValue(x)
	case float32:
		return structpb.NewNumberValue(float64(x))
	case time.Time:
		return structpb.NewStringValue(x.UTC().Format(time.RFC3339Nano))
	case []byte:
		return structpb.NewStringValue(base64.StdEncoding.EncodeToString(x))
	}
	return structpb.NewStringValue(fmt.Sprint(v))
}

func recordValue(rec record.Record, reg *types.Registry) *structpb.Value {
	attrs := make([]*structpb.Value, 0, len(rec.Attributes))
	for _, a := range rec.Attributes {
		alias, _ := reg.Alias(a.Value)
		f := map[string]*structpb.Value{
			"key":   structpb.NewStringValue(a.Key),
			"alias": structpb.NewStringValue(alias),
			"value": valueOf(a.Value),
		}
		if len(a.Metadata) > 0 {
			meta := make(map[string]*structpb.Value, len(a.Metadata))
			for k, v := range a.Metadata {
				meta[k] = structpb.NewStringValue(v)
			}
			f["metadata"] = structpb.NewStructValue(&structpb.Struct{Fields: meta})
		}
		attrs = append(attrs, structpb.NewStructValue(&structpb.Struct{Fields: f}))
	}

	f := map[string]*structpb.Value{
		"type":       structpb.NewStringValue(rec.Type),
		"id":         structpb.NewStringValue(rec.ID),
		"attributes": structpb.NewListValue(&structpb.ListValue{Values: attrs}),
	}
	if !rec.Timestamp.IsZero() {
		f["timestamp"] = structpb.NewNumberValue(float64(rec.Timestamp.UnixMilli()))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: f})
}

func identifiersFrom(values []*structpb.Value) ([]record.Identifier, error) {
	ids := make([]record.Identifier, 0, len(values))
	for i, v := range values {
		s := v.GetStructValue()
		if s == nil {
			return nil, badRequest("ids[%d] must be an object", i)
		}
		f := fieldsOf(s)
		var id record.Identifier
		var err error
		if id.Type, err = f.str("type"); err != nil {
			return nil, err
		}
		if id.ID, err = f.str("id"); err != nil {
			return nil, err
		}
		if id.Timestamp, err = f.time("timestamp"); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func stringList(values []string) *structpb.Value {
	out := make([]*structpb.Value, len(values))
	for i, s := range values {
		out[i] = structpb.NewStringValue(s)
	}
	return structpb.NewListValue(&structpb.ListValue{Values: out})
}
