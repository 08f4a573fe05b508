package transport

import (
	"context"

	"google.golang.org/grpc"

	"github.com/relayforge/postguard/internal/cluster"
)

// ExchangeServer is implemented by whatever local component answers cluster
// RPCs — in practice a dispatcher that routes by Envelope.Type to
// Membership/Election/StateStore's Handle* methods.
type ExchangeServer interface {
	Exchange(ctx context.Context, req *cluster.Envelope) (*cluster.Envelope, error)
}

func exchangeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/postguard.cluster.Transport/Exchange"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExchangeServer).Exchange(ctx, req.(*cluster.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// serviceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would generate for a single-method "Transport" service.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "postguard.cluster.Transport",
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "postguard/cluster/transport.proto",
}

// RegisterExchangeServer registers srv as the handler for the Transport
// service on s.
func RegisterExchangeServer(s *grpc.Server, srv ExchangeServer) {
	s.RegisterService(&serviceDesc, srv)
}
