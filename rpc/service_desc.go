package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// The handler funcs below follow the exact shape protoc-gen-go-grpc emits
// for a generated service, so serviceDesc is interchangeable with one
// produced from a real .proto — only the transport codec differs (see
// codec.go).

func _Node_RepopulateUsers_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RepopulateUsersRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).RepopulateUsers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RepopulateUsers"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).RepopulateUsers(ctx, req.(*RepopulateUsersRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_FetchBackends_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).FetchBackends(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchBackends"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).FetchBackends(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_FetchUsersStats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).FetchUsersStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchUsersStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).FetchUsersStats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_FetchBackendConfig_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FetchBackendConfigRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).FetchBackendConfig(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchBackendConfig"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).FetchBackendConfig(ctx, req.(*FetchBackendConfigRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_RestartBackend_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RestartBackendRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).RestartBackend(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RestartBackend"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).RestartBackend(ctx, req.(*RestartBackendRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Node_GetBackendStats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BackendStatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(*NodeServer).GetBackendStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/GetBackendStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(*NodeServer).GetBackendStats(ctx, req.(*BackendStatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// nodeServerIface is the interface grpc.ServiceDesc.HandlerType checks
// the registered server against — the same role a generated
// "NodeServer" interface plays for a real protoc-gen-go-grpc service.
type nodeServerIface interface {
	SyncUsers(stream grpc.ServerStream) error
	RepopulateUsers(ctx context.Context, req *RepopulateUsersRequest) (*Empty, error)
	FetchBackends(ctx context.Context, req *Empty) (*BackendsResponse, error)
	FetchUsersStats(ctx context.Context, req *Empty) (*UsersStats, error)
	StreamBackendLogs(req *BackendLogsRequest, stream grpc.ServerStream) error
	FetchBackendConfig(ctx context.Context, req *FetchBackendConfigRequest) (*BackendConfig, error)
	RestartBackend(ctx context.Context, req *RestartBackendRequest) (*Empty, error)
	GetBackendStats(ctx context.Context, req *BackendStatsRequest) (*BackendStats, error)
}

func _Node_SyncUsers_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(*NodeServer).SyncUsers(stream)
}

func _Node_StreamBackendLogs_Handler(srv any, stream grpc.ServerStream) error {
	var req BackendLogsRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*NodeServer).StreamBackendLogs(&req, stream)
}

// serviceDesc is the hand-built equivalent of what protoc-gen-go-grpc
// would emit for a node.proto declaring these seven RPCs. No descriptor
// bytes are required for method dispatch, only this table.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*nodeServerIface)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RepopulateUsers", Handler: _Node_RepopulateUsers_Handler},
		{MethodName: "FetchBackends", Handler: _Node_FetchBackends_Handler},
		{MethodName: "FetchUsersStats", Handler: _Node_FetchUsersStats_Handler},
		{MethodName: "FetchBackendConfig", Handler: _Node_FetchBackendConfig_Handler},
		{MethodName: "RestartBackend", Handler: _Node_RestartBackend_Handler},
		{MethodName: "GetBackendStats", Handler: _Node_GetBackendStats_Handler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "SyncUsers",
			Handler:       _Node_SyncUsers_Handler,
			ClientStreams: true,
		},
		{
			StreamName:    "StreamBackendLogs",
			Handler:       _Node_StreamBackendLogs_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "node.proto",
}
