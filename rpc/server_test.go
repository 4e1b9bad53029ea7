package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/model"
	"github.com/marzneshin/marznode/reconcile"
	"github.com/marzneshin/marznode/storage"
	"github.com/marzneshin/marznode/supervisor"
)

func dialBufconn(t *testing.T, n *NodeServer) (*grpc.ClientConn, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	Register(srv, n)
	go func() { _ = srv.Serve(lis) }()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	conn, err := grpc.NewClient("passthrough:///bufconn",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		srv.Stop()
	}
}

func newTestNodeServer(t *testing.T) *NodeServer {
	t.Helper()
	store := storage.NewMemory()
	store.RegisterInbound(model.Inbound{Tag: "vless-tcp", Protocol: model.ProtocolVLess})
	sup := supervisor.New(store)
	sup.Add(&fakeRPCBackend{name: "a", tags: map[string]bool{"vless-tcp": true}}, config.EngineConfig{})
	return NewNodeServer(reconcile.New(store, sup))
}

func TestFetchBackendsOverGRPC(t *testing.T) {
	n := newTestNodeServer(t)
	conn, cleanup := dialBufconn(t, n)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp BackendsResponse
	if err := conn.Invoke(ctx, "/"+serviceName+"/FetchBackends", &Empty{}, &resp); err != nil {
		t.Fatalf("FetchBackends: %v", err)
	}
	if len(resp.Backends) != 1 || resp.Backends[0].Name != "a" {
		t.Fatalf("unexpected backends: %+v", resp.Backends)
	}
}

func TestRestartUnknownBackendOverGRPCReturnsNotFound(t *testing.T) {
	n := newTestNodeServer(t)
	conn, cleanup := dialBufconn(t, n)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp Empty
	err := conn.Invoke(ctx, "/"+serviceName+"/RestartBackend", &RestartBackendRequest{BackendName: "missing"}, &resp)
	if err == nil {
		t.Fatalf("expected error restarting unknown backend")
	}
}
