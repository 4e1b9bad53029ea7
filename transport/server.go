package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/marzneshin/marznode/logger"
)

// Server owns the gRPC server's listener and lifecycle: mTLS (or, in
// test-only INSECURE mode, plaintext) transport credentials, startup,
// and graceful shutdown.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
}

// New constructs a Server bound to address, registering the provided
// services via register. insecureMode skips TLS entirely (test only);
// otherwise tlsConfig must be non-nil and already require client
// certificates.
func New(address string, insecureMode bool, tlsConfig *tls.Config, register func(*grpc.Server)) (*Server, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", address, err)
	}

	var creds credentials.TransportCredentials
	if insecureMode {
		logger.Warningf("INSECURE mode enabled: serving gRPC without TLS on %s", address)
		creds = insecure.NewCredentials()
	} else {
		creds = credentials.NewTLS(tlsConfig)
	}

	grpcServer := grpc.NewServer(grpc.Creds(creds))
	register(grpcServer)

	return &Server{grpcServer: grpcServer, listener: lis}, nil
}

// Serve blocks accepting connections until the server is stopped.
func (s *Server) Serve() error {
	return s.grpcServer.Serve(s.listener)
}

// Shutdown gracefully stops the server, waiting for in-flight RPCs to
// finish unless ctx is cancelled first, in which case it force-stops.
func (s *Server) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}
