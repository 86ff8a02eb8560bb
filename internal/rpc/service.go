package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mdmkeeper.v1.DeviceKeeper"

// Full method names.
const (
	AuthenticateMethod = "/" + ServiceName + "/Authenticate"
	StatusMethod       = "/" + ServiceName + "/Status"
	FetchDevicesMethod = "/" + ServiceName + "/FetchDevices"
	ListDevicesMethod  = "/" + ServiceName + "/ListDevices"
	GetDeviceMethod    = "/" + ServiceName + "/GetDevice"
	ApplyActionMethod  = "/" + ServiceName + "/ApplyAction"
	HistoryMethod      = "/" + ServiceName + "/History"
)

type (
	// AuthenticateStream is the server side of Authenticate.
	AuthenticateStream = grpc.ServerStreamingServer[structpb.Struct]
	// ApplyActionStream is the server side of ApplyAction.
	ApplyActionStream = grpc.BidiStreamingServer[structpb.Struct, structpb.Struct]
)

// DeviceKeeperServer is implemented by the daemon.
type DeviceKeeperServer interface {
	Authenticate(*structpb.Struct, AuthenticateStream) error
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListDevices(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDevice(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyAction(ApplyActionStream) error
	History(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv DeviceKeeperServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryFunc func(DeviceKeeperServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DeviceKeeperServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DeviceKeeperServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func authenticateHandler(srv any, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(DeviceKeeperServer).Authenticate(m, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func applyActionHandler(srv any, stream grpc.ServerStream) error {
	return srv.(DeviceKeeperServer).ApplyAction(&grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes mdmkeeper.v1.DeviceKeeper.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceKeeperServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unaryHandler(StatusMethod, DeviceKeeperServer.Status)},
		{MethodName: "FetchDevices", Handler: unaryHandler(FetchDevicesMethod, DeviceKeeperServer.FetchDevices)},
		{MethodName: "ListDevices", Handler: unaryHandler(ListDevicesMethod, DeviceKeeperServer.ListDevices)},
		{MethodName: "GetDevice", Handler: unaryHandler(GetDeviceMethod, DeviceKeeperServer.GetDevice)},
		{MethodName: "History", Handler: unaryHandler(HistoryMethod, DeviceKeeperServer.History)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Authenticate", Handler: authenticateHandler, ServerStreams: true},
		{StreamName: "ApplyAction", Handler: applyActionHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "mdmkeeper/v1/devicekeeper",
}
