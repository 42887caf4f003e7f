// gRPC service descriptor and client for the RecordStore service
package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "attrstore.v1.RecordStore"

// Method names
const (
	MethodSaveEvents    = "SaveEvents"
	MethodSaveEntities  = "SaveEntities"
	MethodQueryEvents   = "QueryEvents"
	MethodQueryEntities = "QueryEntities"
	MethodGetEvents     = "GetEvents"
	MethodGetEntities   = "GetEntities"
	MethodUniqueKeys    = "UniqueKeys"
	MethodUniqueValues  = "UniqueValues"
	MethodTypes         = "Types"
	MethodFlush         = "Flush"
	MethodHealth        = "Health"
)

// RecordStoreServer is the server API for the RecordStore service.
// Requests and responses are JSON-shaped structs.
type RecordStoreServer interface {
	SaveEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SaveEntities(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	QueryEntities(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEntities(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UniqueKeys(context.Context, *structpb.Struct) (*structpb.Struct, error)
	UniqueValues(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Types(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Health(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func structHandler(call func(RecordStoreServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RecordStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RecordStoreServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func emptyHandler[T any](call func(RecordStoreServer, context.Context, *emptypb.Empty) (T, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(emptypb.Empty)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(RecordStoreServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(RecordStoreServer), ctx, req.(*emptypb.Empty))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServiceDesc describes the RecordStore service for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RecordStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		structHandler(RecordStoreServer.SaveEvents, MethodSaveEvents),
		structHandler(RecordStoreServer.SaveEntities, MethodSaveEntities),
		structHandler(RecordStoreServer.QueryEvents, MethodQueryEvents),
		structHandler(RecordStoreServer.QueryEntities, MethodQueryEntities),
		structHandler(RecordStoreServer.GetEvents, MethodGetEvents),
		structHandler(RecordStoreServer.GetEntities, MethodGetEntities),
		structHandler(RecordStoreServer.UniqueKeys, MethodUniqueKeys),
		structHandler(RecordStoreServer.UniqueValues, MethodUniqueValues),
		structHandler(RecordStoreServer.Types, MethodTypes),
		emptyHandler(RecordStoreServer.Flush, MethodFlush),
		emptyHandler(RecordStoreServer.Health, MethodHealth),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "attrstore/v1/recordstore",
}

// RegisterRecordStoreServer registers srv with a gRPC server
func RegisterRecordStoreServer(s grpc.ServiceRegistrar, srv RecordStoreServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client is a RecordStore client over any gRPC connection
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Call invokes a struct-in, struct-out method by name
func (c *Client) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Flush asks the server to apply every buffered write
func (c *Client) Flush(ctx context.Context, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod(MethodFlush), &emptypb.Empty{}, &emptypb.Empty{}, opts...)
}

// Health reports server liveness and uptime
func (c *Client) Health(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(MethodHealth), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
