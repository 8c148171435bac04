package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "distkv.KV"

const (
	putMethod     = "/" + ServiceName + "/Put"
	getMethod     = "/" + ServiceName + "/Get"
	deleteMethod  = "/" + ServiceName + "/Delete"
	persistMethod = "/" + ServiceName + "/Persist"
	keysMethod    = "/" + ServiceName + "/Keys"
	statsMethod   = "/" + ServiceName + "/Stats"
)

// KVServer is the server API for the KV service.
type KVServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Persist(context.Context, *PersistRequest) (*PersistResponse, error)
	Keys(context.Context, *KeysRequest) (*KeysResponse, error)
	Stats(context.Context, *StatsRequest) (*StatsResponse, error)
}

// RegisterKVServer registers srv on s.
func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&KVServiceDesc, srv)
}

// KVServiceDesc describes the KV service for grpc.Server.
var KVServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "Persist", Handler: persistHandler},
		{MethodName: "Keys", Handler: keysHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "distkv/kv",
}

func putHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deleteMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func persistHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PersistRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Persist(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: persistMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Persist(ctx, req.(*PersistRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func keysHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(KeysRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Keys(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: keysMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Keys(ctx, req.(*KeysRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statsMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Stats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// KVClient is the client API for the KV service.
type KVClient struct {
	cc grpc.ClientConnInterface
}

// NewKVClient wraps a connection. Calls are sent with the JSON codec.
func NewKVClient(cc grpc.ClientConnInterface) *KVClient {
	return &KVClient{cc: cc}
}

func (c *KVClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

// Put stores value under key.
func (c *KVClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.invoke(ctx, putMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Get fetches the value for a key. A missing key is codes.NotFound.
func (c *KVClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.invoke(ctx, getMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a key. A missing key is codes.NotFound.
func (c *KVClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.invoke(ctx, deleteMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Persist compacts the server's log.
func (c *KVClient) Persist(ctx context.Context, in *PersistRequest, opts ...grpc.CallOption) (*PersistResponse, error) {
	out := new(PersistResponse)
	if err := c.invoke(ctx, persistMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Keys lists the live keys.
func (c *KVClient) Keys(ctx context.Context, in *KeysRequest, opts ...grpc.CallOption) (*KeysResponse, error) {
	out := new(KeysResponse)
	if err := c.invoke(ctx, keysMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches engine statistics.
func (c *KVClient) Stats(ctx context.Context, in *StatsRequest, opts ...grpc.CallOption) (*StatsResponse, error) {
	out := new(StatsResponse)
	if err := c.invoke(ctx, statsMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
