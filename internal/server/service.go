package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AdminServiceName is the fully qualified name of the admin service.
const AdminServiceName = "duel.admin.v1.Admin"

const (
	methodGetServerState = "/" + AdminServiceName + "/GetServerState"
	methodGetRoom        = "/" + AdminServiceName + "/GetRoom"
	methodPurgeRoom      = "/" + AdminServiceName + "/PurgeRoom"
)

// AdminServer is the server API of the admin service. Its messages are
// protobuf well-known types, so no generated code is needed.
type AdminServer interface {
	GetServerState(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetRoom(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	PurgeRoom(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// RegisterAdminServer registers srv with s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&adminServiceDesc, srv)
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetServerState", Handler: getServerStateHandler},
		{MethodName: "GetRoom", Handler: getRoomHandler},
		{MethodName: "PurgeRoom", Handler: purgeRoomHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "duel/admin/v1/admin.proto",
}

func getServerStateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetServerState(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetServerState}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetServerState(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).GetRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetRoom}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).GetRoom(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func purgeRoomHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServer).PurgeRoom(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPurgeRoom}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).PurgeRoom(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}
