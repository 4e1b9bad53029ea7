// Command marznode is the node-side control agent: it loads
// configuration, starts whichever engine adapters are enabled under the
// supervisor, and serves the reconciliation gRPC service over mTLS
// until signalled to shut down.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/marzneshin/marznode/backend"
	"github.com/marzneshin/marznode/backend/hysteria2"
	"github.com/marzneshin/marznode/backend/singbox"
	"github.com/marzneshin/marznode/backend/xray"
	"github.com/marzneshin/marznode/config"
	"github.com/marzneshin/marznode/logger"
	"github.com/marzneshin/marznode/reconcile"
	"github.com/marzneshin/marznode/rpc"
	"github.com/marzneshin/marznode/storage"
	"github.com/marzneshin/marznode/supervisor"
	"github.com/marzneshin/marznode/transport"
)

func main() {
	binaryTable := flag.String("binaries", "", "optional TOML file overriding engine binary/asset paths")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("loading configuration: %v", err)
	}
	logger.Init(cfg.Debug)

	if *binaryTable != "" {
		if err := config.ApplyBinaryTableOverrides(cfg, *binaryTable); err != nil {
			logger.Fatalf("applying binary table overrides: %v", err)
		}
	}

	store := buildStorage(cfg)
	sup := supervisor.New(store)

	registerEngines(sup, cfg, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sup.StartAll(ctx); err != nil {
		logger.Fatalf("starting engines: %v", err)
	}

	svc := reconcile.New(store, sup)
	nodeServer := rpc.NewNodeServer(svc)

	if cfg.Debug {
		startDebugLogBridge(cfg.DebugHTTPAddress, svc)
	}

	srv, err := buildTransport(cfg, nodeServer)
	if err != nil {
		if err == transport.ErrNoClientTrustAnchor {
			logger.Errorf("%v", err)
			os.Exit(1)
		}
		logger.Fatalf("building transport: %v", err)
	}

	go func() {
		logger.Infof("serving on %s:%d", cfg.BindAddress, cfg.BindPort)
		if err := srv.Serve(); err != nil {
			logger.Errorf("gRPC server stopped: %v", err)
		}
	}()

	waitForShutdown()

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	sup.StopAll(context.Background())
}

// buildStorage constructs the in-memory registry, wrapped with the
// best-effort Redis debug mirror when REDIS_ADDR is configured.
func buildStorage(cfg *config.Config) storage.Storage {
	var store storage.Storage = storage.NewMemory()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		store = storage.NewRedisMirror(store, client, cfg.RedisPrefix)
		logger.Infof("mirroring user state to redis at %s", cfg.RedisAddr)
	}
	return store
}

// registerEngines constructs and registers one adapter per enabled
// engine kind, in a fixed Xray/sing-box/Hysteria2 order; that order
// becomes the tag-routing scan order the reconciliation service relies
// on.
func registerEngines(sup *supervisor.Supervisor, cfg *config.Config, store storage.Storage) {
	type engine struct {
		name    string
		engCfg  config.EngineConfig
		factory func() backend.VPNBackend
	}

	engines := []engine{
		{"xray", cfg.Xray, func() backend.VPNBackend {
			return xray.NewAdapter("xray", cfg.Xray, cfg.CredentialAlgorithm, store)
		}},
		{"sing-box", cfg.SingBox, func() backend.VPNBackend {
			return singbox.NewAdapter("sing-box", cfg.SingBox, cfg.CredentialAlgorithm, store)
		}},
		{"hysteria2", cfg.Hysteria2, func() backend.VPNBackend {
			return hysteria2.NewAdapter("hysteria2", cfg.Hysteria2, cfg.CredentialAlgorithm, store)
		}},
	}

	for _, e := range engines {
		if !e.engCfg.Enabled {
			continue
		}
		sup.Add(e.factory(), e.engCfg)
	}
}

// buildTransport assembles the mTLS (or INSECURE) gRPC transport and
// registers the Node service against it.
func buildTransport(cfg *config.Config, nodeServer *rpc.NodeServer) (*transport.Server, error) {
	register := func(s *grpc.Server) { rpc.Register(s, nodeServer) }
	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.BindPort)

	if cfg.Insecure {
		return transport.New(addr, true, nil, register)
	}

	if err := transport.EnsureServerCertificate(cfg.SSLCertFile, cfg.SSLKeyFile); err != nil {
		return nil, err
	}
	tlsConfig, err := transport.BuildServerTLSConfig(cfg.SSLCertFile, cfg.SSLKeyFile, cfg.SSLClientCert)
	if err != nil {
		return nil, err
	}
	return transport.New(addr, false, tlsConfig, register)
}

// startDebugLogBridge serves reconcile.Service.DebugLogHandler on a
// local-only HTTP listener: `ws://<address>/logs?backend=<name>&buffer=1`.
// It only ever runs under DEBUG=true, never on the controller-facing
// mTLS port.
func startDebugLogBridge(address string, svc *reconcile.Service) {
	mux := http.NewServeMux()
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		backendName := r.URL.Query().Get("backend")
		includeBuffer := r.URL.Query().Get("buffer") == "1"
		svc.DebugLogHandler(backendName, includeBuffer)(w, r)
	})

	go func() {
		logger.Infof("debug log websocket bridge listening on %s", address)
		if err := http.ListenAndServe(address, mux); err != nil {
			logger.Warningf("debug log websocket bridge stopped: %v", err)
		}
	}()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
