package proto

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ProxyServiceName  = "walproxy.Proxy"
	WalLogServiceName = "walproxy.WalLog"

	ProxyQueryMethod      = "/" + ProxyServiceName + "/Query"
	ProxyDisconnectMethod = "/" + ProxyServiceName + "/Disconnect"
	WalLogPullWalMethod   = "/" + WalLogServiceName + "/PullWal"
)

// --- Proxy service ---

// ProxyServer is the primary side of the proxy protocol.
type ProxyServer interface {
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
	Disconnect(context.Context, *DisconnectRequest) (*DisconnectResponse, error)
}

func RegisterProxyServer(s grpc.ServiceRegistrar, srv ProxyServer) {
	s.RegisterService(&ProxyServiceDesc, srv)
}

var ProxyServiceDesc = grpc.ServiceDesc{
	ServiceName: ProxyServiceName,
	HandlerType: (*ProxyServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Query", Handler: proxyQueryHandler},
		{MethodName: "Disconnect", Handler: proxyDisconnectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walproxy/proxy",
}

func proxyQueryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProxyServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProxyQueryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProxyServer).Query(ctx, req.(*QueryRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func proxyDisconnectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DisconnectRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProxyServer).Disconnect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProxyDisconnectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ProxyServer).Disconnect(ctx, req.(*DisconnectRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ProxyClient calls the proxy service over a shared connection.
type ProxyClient struct {
	cc grpc.ClientConnInterface
}

func NewProxyClient(cc grpc.ClientConnInterface) *ProxyClient {
	return &ProxyClient{cc: cc}
}

func (c *ProxyClient) Query(ctx context.Context, in *QueryRequest, opts ...grpc.CallOption) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, ProxyQueryMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ProxyClient) Disconnect(ctx context.Context, in *DisconnectRequest, opts ...grpc.CallOption) (*DisconnectResponse, error) {
	out := new(DisconnectResponse)
	if err := c.cc.Invoke(ctx, ProxyDisconnectMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// --- WalLog service ---

// WalLogServer streams WAL frames to replicas.
type WalLogServer interface {
	PullWal(context.Context, *PullWalRequest) (*PullWalResponse, error)
}

func RegisterWalLogServer(s grpc.ServiceRegistrar, srv WalLogServer) {
	s.RegisterService(&WalLogServiceDesc, srv)
}

var WalLogServiceDesc = grpc.ServiceDesc{
	ServiceName: WalLogServiceName,
	HandlerType: (*WalLogServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PullWal", Handler: walLogPullWalHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "walproxy/wal_log",
}

func walLogPullWalHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(PullWalRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WalLogServer).PullWal(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: WalLogPullWalMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WalLogServer).PullWal(ctx, req.(*PullWalRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// WalLogClient calls the WAL streaming service.
type WalLogClient struct {
	cc grpc.ClientConnInterface
}

func NewWalLogClient(cc grpc.ClientConnInterface) *WalLogClient {
	return &WalLogClient{cc: cc}
}

func (c *WalLogClient) PullWal(ctx context.Context, in *PullWalRequest, opts ...grpc.CallOption) (*PullWalResponse, error) {
	out := new(PullWalResponse)
	if err := c.cc.Invoke(ctx, WalLogPullWalMethod, in, out, withCodec(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func withCodec(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}
