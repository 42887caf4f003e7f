// Package server implements the gRPC RecordStore service
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/attrstore/internal/logger"
	"github.com/nainya/attrstore/pkg/closeable"
	"github.com/nainya/attrstore/pkg/criteria"
	"github.com/nainya/attrstore/pkg/entitystore"
	"github.com/nainya/attrstore/pkg/eventstore"
	"github.com/nainya/attrstore/pkg/index"
	"github.com/nainya/attrstore/pkg/qfd"
	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/tablet"
	"github.com/nainya/attrstore/pkg/types"
)

// Version is reported by Health
const Version = "1.0.0"

// browser is the index discovery surface both stores share
type browser interface {
	UniqueKeys(ctx context.Context, prefix, typ string, auths tablet.Authorizations) (*closeable.Iterator[index.KeyAlias], error)
	UniqueValuesForKey(ctx context.Context, prefix, typ, alias, key string, auths tablet.Authorizations) (*closeable.Iterator[any], error)
	Types(ctx context.Context, prefix string, auths tablet.Authorizations) (*closeable.Iterator[string], error)
}

// Server implements RecordStoreServer over an event and an entity store
type Server struct {
	events   *eventstore.EventStore
	entities *entitystore.EntityStore
	registry *types.Registry
	log      *logger.Logger

	startTime time.Time
}

// NewServer creates a service over already opened stores
func NewServer(events *eventstore.EventStore, entities *entitystore.EntityStore, log *logger.Logger) *Server {
	return &Server{
		events:    events,
		entities:  entities,
		registry:  types.LexiTypes,
		log:       logger.OrNop(log).GrpcLogger(ServiceName),
		startTime: time.Now(),
	}
}

// Close flushes and releases both stores
func (s *Server) Close(ctx context.Context) error {
	s.log.Info("closing record stores").Send()
	return errors.Join(s.events.Shutdown(ctx), s.entities.Shutdown(ctx))
}

// toStatus maps caller mistakes to InvalidArgument and everything else to Internal
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, qfd.ErrInvalidArgument),
		errors.Is(err, criteria.ErrEmptyExpression),
		errors.Is(err, criteria.ErrInvalidNode):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return status.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	}
	return status.Errorf(codes.Internal, "%s: %v", op, err)
}

// ========== Writes ==========

func (s *Server) SaveEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.save(ctx, MethodSaveEvents, req, s.events.Save, s.events.Flush)
}

func (s *Server) SaveEntities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.save(ctx, MethodSaveEntities, req, s.entities.Save, s.entities.Flush)
}

func (s *Server) save(ctx context.Context, op string, req *structpb.Struct,
	save func(context.Context, []record.Record) error, flush func(context.Context) error) (*structpb.Struct, error) {
	f := fieldsOf(req)
	values, err := f.list("records")
	if err != nil {
		return nil, toStatus(op, err)
	}
	if len(values) == 0 {
		return nil, status.Error(codes.InvalidArgument, "records are required")
	}
	wait, err := f.boolean("flush")
	if err != nil {
		return nil, toStatus(op, err)
	}

	records := make([]record.Record, 0, len(values))
	ids := make([]string, 0, len(values))
	for i, v := range values {
		rec, err := recordFrom(v)
		if err != nil {
			return nil, toStatus(op, fmt.Errorf("records[%d]: %w", i, err))
		}
		records = append(records, rec)
		ids = append(ids, rec.ID)
	}

	if err := save(ctx, records); err != nil {
		return nil, toStatus(op, err)
	}
	if wait {
		if err := flush(ctx); err != nil {
			return nil, toStatus(op, err)
		}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"ids": stringList(ids),
	}}, nil
}

func (s *Server) Flush(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := errors.Join(s.events.Flush(ctx), s.entities.Flush(ctx)); err != nil {
		return nil, toStatus(MethodFlush, err)
	}
	return &emptypb.Empty{}, nil
}

// ========== Reads ==========

// readRequest holds the fields shared by every read
type readRequest struct {
	types  []string
	node   *criteria.Node
	fields []string
	auths  tablet.Authorizations
	limit  int
}

func parseRead(f fields) (readRequest, error) {
	var r readRequest
	var err error
	if r.types, err = f.strings("types"); err != nil {
		return r, err
	}
	if r.fields, err = f.strings("select"); err != nil {
		return r, err
	}
	if r.auths, err = f.auths(); err != nil {
		return r, err
	}
	if r.limit, err = f.integer("limit"); err != nil {
		return r, err
	}
	expr, err := f.str("query")
	if err != nil {
		return r, err
	}
	if expr != "" {
		node, err := criteria.Parse(expr)
		if err != nil {
			return r, badRequest("query: %v", err)
		}
		r.node = &node
	}
	return r, nil
}

func (s *Server) QueryEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fieldsOf(req)
	r, err := parseRead(f)
	if err != nil {
		return nil, toStatus(MethodQueryEvents, err)
	}
	start, err := f.time("start")
	if err != nil {
		return nil, toStatus(MethodQueryEvents, err)
	}
	end, err := f.time("end")
	if err != nil {
		return nil, toStatus(MethodQueryEvents, err)
	}

	var it *closeable.Iterator[record.Record]
	if r.node == nil {
		it, err = s.events.GetAllByType(ctx, start, end, r.types, r.fields, r.auths)
	} else {
		it, err = s.events.Query(ctx, start, end, r.types, *r.node, r.fields, r.auths)
	}
	return s.records(MethodQueryEvents, it, err, r.limit)
}

func (s *Server) QueryEntities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	r, err := parseRead(fieldsOf(req))
	if err != nil {
		return nil, toStatus(MethodQueryEntities, err)
	}

	var it *closeable.Iterator[record.Record]
	if r.node == nil {
		it, err = s.entities.GetAllByType(ctx, r.types, r.fields, r.auths)
	} else {
		it, err = s.entities.Query(ctx, r.types, *r.node, r.fields, r.auths)
	}
	return s.records(MethodQueryEntities, it, err, r.limit)
}

func (s *Server) GetEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.get(ctx, MethodGetEvents, req, s.events.Get)
}

func (s *Server) GetEntities(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.get(ctx, MethodGetEntities, req, s.entities.Get)
}

func (s *Server) get(ctx context.Context, op string, req *structpb.Struct,
	get func(context.Context, []record.Identifier, []string, tablet.Authorizations) (*closeable.Iterator[record.Record], error)) (*structpb.Struct, error) {
	f := fieldsOf(req)
	values, err := f.list("ids")
	if err != nil {
		return nil, toStatus(op, err)
	}
	ids, err := identifiersFrom(values)
	if err != nil {
		return nil, toStatus(op, err)
	}
	r, err := parseRead(f)
	if err != nil {
		return nil, toStatus(op, err)
	}
	it, err := get(ctx, ids, r.fields, r.auths)
	return s.records(op, it, err, r.limit)
}

// records drains a record stream into a response, stopping early at limit
func (s *Server) records(op string, it *closeable.Iterator[record.Record], err error, limit int) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(op, err)
	}
	defer it.Close()

	var out []*structpb.Value
	for rec, err := range it.All() {
		if err != nil {
			return nil, toStatus(op, err)
		}
		out = append(out, recordValue(rec, s.registry))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"records": structpb.NewListValue(&structpb.ListValue{Values: out}),
	}}, nil
}

// ========== Index discovery ==========

func (s *Server) browser(f fields) (browser, error) {
	name, err := f.str("store")
	if err != nil {
		return nil, err
	}
	switch name {
	case eventstore.Name:
		return s.events, nil
	case entitystore.Name:
		return s.entities, nil
	}
	return nil, badRequest("store must be %q or %q, got %q", eventstore.Name, entitystore.Name, name)
}

func (s *Server) UniqueKeys(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fieldsOf(req)
	b, err := s.browser(f)
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}
	typ, err := f.str("type")
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}
	prefix, err := f.str("prefix")
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}
	auths, err := f.auths()
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}

	it, err := b.UniqueKeys(ctx, prefix, typ, auths)
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}
	pairs, err := closeable.Collect(it)
	if err != nil {
		return nil, toStatus(MethodUniqueKeys, err)
	}
	out := make([]*structpb.Value, len(pairs))
	for i, p := range pairs {
		out[i] = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"key":   structpb.NewStringValue(p.Key),
			"alias": structpb.NewStringValue(p.Alias),
		}})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"keys": structpb.NewListValue(&structpb.ListValue{Values: out}),
	}}, nil
}

func (s *Server) UniqueValues(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fieldsOf(req)
	b, err := s.browser(f)
	if err != nil {
		return nil, toStatus(MethodUniqueValues, err)
	}
	var typ, alias, key, prefix string
	for name, dst := range map[string]*string{"type": &typ, "alias": &alias, "key": &key, "prefix": &prefix} {
		if *dst, err = f.str(name); err != nil {
			return nil, toStatus(MethodUniqueValues, err)
		}
	}
	auths, err := f.auths()
	if err != nil {
		return nil, toStatus(MethodUniqueValues, err)
	}

	it, err := b.UniqueValuesForKey(ctx, prefix, typ, alias, key, auths)
	if err != nil {
		return nil, toStatus(MethodUniqueValues, err)
	}
	values, err := closeable.Collect(it)
	if err != nil {
		return nil, toStatus(MethodUniqueValues, err)
	}
	out := make([]*structpb.Value, len(values))
	for i, v := range values {
		out[i] = valueOf(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"values": structpb.NewListValue(&structpb.ListValue{Values: out}),
	}}, nil
}

func (s *Server) Types(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	f := fieldsOf(req)
	b, err := s.browser(f)
	if err != nil {
		return nil, toStatus(MethodTypes, err)
	}
	prefix, err := f.str("prefix")
	if err != nil {
		return nil, toStatus(MethodTypes, err)
	}
	auths, err := f.auths()
	if err != nil {
		return nil, toStatus(MethodTypes, err)
	}

	it, err := b.Types(ctx, prefix, auths)
	if err != nil {
		return nil, toStatus(MethodTypes, err)
	}
	names, err := closeable.Collect(it)
	if err != nil {
		return nil, toStatus(MethodTypes, err)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"types": stringList(names),
	}}, nil
}

// ========== Health ==========

func (s *Server) Health(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"healthy":        structpb.NewBoolValue(true),
		"version":        structpb.NewStringValue(Version),
		"uptime_seconds": structpb.NewNumberValue(float64(int64(time.Since(s.startTime).Seconds()))),
	}}, nil
}
