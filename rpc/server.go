package rpc

import (
	"context"
	"io"

	"google.golang.org/grpc"

	"github.com/marzneshin/marznode/reconcile"
)

// serviceName is the fully-qualified gRPC service name every method is
// registered under; it has no corresponding .proto compilation step (see
// proto/node.proto for the documented IDL) but must still match between
// client and server dialing strings.
const serviceName = "marznode.Node"

// NodeServer adapts reconcile.Service's plain-Go method surface to the
// grpc.ServiceDesc calling convention: unary methods take (ctx, *Req)
// and return (*Resp, error); streaming methods take the raw
// grpc.ServerStream.
type NodeServer struct {
	svc *reconcile.Service
}

// NewNodeServer wraps svc for registration against a grpc.Server.
func NewNodeServer(svc *reconcile.Service) *NodeServer {
	return &NodeServer{svc: svc}
}

// Register attaches the Node service to srv.
func Register(srv *grpc.Server, n *NodeServer) {
	srv.RegisterService(&serviceDesc, n)
}

// streamUserDataSource adapts a client-streaming grpc.ServerStream into
// reconcile.UserDataSource; grpc surfaces end-of-stream as io.EOF from
// RecvMsg, which SyncUsers already treats as completion.
type streamUserDataSource struct {
	stream grpc.ServerStream
}

func (s *streamUserDataSource) Recv() (reconcile.UserData, error) {
	var wire UserData
	if err := s.stream.RecvMsg(&wire); err != nil {
		if err == io.EOF {
			return reconcile.UserData{}, io.EOF
		}
		return reconcile.UserData{}, err
	}
	return toReconcileUserData(wire), nil
}

// SyncUsers drains the client stream and acks with an empty response.
func (n *NodeServer) SyncUsers(stream grpc.ServerStream) error {
	src := &streamUserDataSource{stream: stream}
	if err := n.svc.SyncUsers(stream.Context(), src); err != nil {
		return toStatusError(err)
	}
	return stream.SendMsg(&Empty{})
}

// RepopulateUsers applies a full batch and prunes everything absent from it.
func (n *NodeServer) RepopulateUsers(ctx context.Context, req *RepopulateUsersRequest) (*Empty, error) {
	batch := make([]reconcile.UserData, len(req.Users))
	for i, u := range req.Users {
		batch[i] = toReconcileUserData(u)
	}
	if err := n.svc.RepopulateUsers(ctx, batch); err != nil {
		return nil, toStatusError(err)
	}
	return &Empty{}, nil
}

// FetchBackends lists every configured engine's descriptor.
func (n *NodeServer) FetchBackends(ctx context.Context, _ *Empty) (*BackendsResponse, error) {
	descriptors := n.svc.FetchBackends(ctx)
	out := make([]BackendDescriptor, len(descriptors))
	for i, d := range descriptors {
		out[i] = toWireBackendDescriptor(d)
	}
	return &BackendsResponse{Backends: out}, nil
}

// FetchUsersStats aggregates usage across every engine.
func (n *NodeServer) FetchUsersStats(ctx context.Context, _ *Empty) (*UsersStats, error) {
	usage := n.svc.FetchUsersStats(ctx)
	out := make([]UserUsage, 0, len(usage))
	for uid, used := range usage {
		out = append(out, UserUsage{UID: uid, Usage: used})
	}
	return &UsersStats{UsersStats: out}, nil
}

// StreamBackendLogs receives the single request message, then relays
// every subsequent log line as its own response message until the
// client cancels or the engine stops.
func (n *NodeServer) StreamBackendLogs(req *BackendLogsRequest, stream grpc.ServerStream) error {
	err := n.svc.StreamBackendLogs(stream.Context(), req.BackendName, req.IncludeBuffer, func(line string) error {
		return stream.SendMsg(&LogLine{Line: line})
	})
	return toStatusError(err)
}

// FetchBackendConfig returns the named engine's current on-disk config.
func (n *NodeServer) FetchBackendConfig(ctx context.Context, req *FetchBackendConfigRequest) (*BackendConfig, error) {
	cfg, err := n.svc.FetchBackendConfig(req.BackendName)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BackendConfig{BackendName: req.BackendName, Configuration: cfg}, nil
}

// RestartBackend persists the submitted config (if any) and restarts the
// named engine.
func (n *NodeServer) RestartBackend(ctx context.Context, req *RestartBackendRequest) (*Empty, error) {
	var newConfig []byte
	if req.Configuration != "" {
		newConfig = []byte(req.Configuration)
	}
	if err := n.svc.RestartBackend(ctx, req.BackendName, newConfig); err != nil {
		return nil, toStatusError(err)
	}
	return &Empty{}, nil
}

// GetBackendStats reports whether the named engine's child is running.
func (n *NodeServer) GetBackendStats(ctx context.Context, req *BackendStatsRequest) (*BackendStats, error) {
	running, err := n.svc.GetBackendStats(req.BackendName)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BackendStats{Running: running}, nil
}
