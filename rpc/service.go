package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kvist-io/qbridge/bridge"
)

// fullCallMethod is the wire name of the bridge's single unary method.
const fullCallMethod = "/qbridge.v1.Bridge/Call"

// BridgeServer is the service contract behind the hand-written descriptor.
type BridgeServer interface {
	Call(ctx context.Context, req *RawMessage) (*RawMessage, error)
}

// bridgeServiceDesc describes the service the way generated code would,
// minus the generated message types.
var bridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: "qbridge.v1.Bridge",
	HandlerType: (*BridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Call",
			Handler:    callHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qbridge/v1/bridge.proto",
}

func callHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(BridgeServer).Call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: fullCallMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(BridgeServer).Call(ctx, req.(*RawMessage))
	}
	return interceptor(ctx, in, info, handler)
}

// bridgeService adapts the bridge facade to the transport contract. The
// caller's deadline drives the reply wait; without one the configured
// default applies.
type bridgeService struct {
	bridge      *bridge.Bridge
	callTimeout time.Duration
}

func (s *bridgeService) Call(ctx context.Context, req *RawMessage) (*RawMessage, error) {
	timeout := s.callTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, status.Error(codes.DeadlineExceeded, "deadline already expired")
		}
	}

	reply, err := s.bridge.Call(ctx, *req, timeout)
	if err != nil {
		return nil, toStatusError(err)
	}

	out := RawMessage(reply)
	return &out, nil
}
