package transport

import (
	"crypto/tls"
	"path/filepath"
	"testing"
)

func TestEnsureServerCertificateGeneratesKeypair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.cert")
	keyPath := filepath.Join(dir, "server.key")

	if err := EnsureServerCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureServerCertificate: %v", err)
	}

	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		t.Fatalf("generated keypair does not parse: %v", err)
	}
}

func TestEnsureServerCertificateLeavesExistingPairUntouched(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.cert")
	keyPath := filepath.Join(dir, "server.key")

	if err := EnsureServerCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureServerCertificate (first): %v", err)
	}
	first, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("loading first keypair: %v", err)
	}

	if err := EnsureServerCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureServerCertificate (second): %v", err)
	}
	second, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("loading second keypair: %v", err)
	}

	if string(first.Certificate[0]) != string(second.Certificate[0]) {
		t.Fatalf("EnsureServerCertificate regenerated an existing keypair")
	}
}

func TestBuildServerTLSConfigRequiresClientTrustAnchor(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.cert")
	keyPath := filepath.Join(dir, "server.key")
	if err := EnsureServerCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureServerCertificate: %v", err)
	}

	_, err := BuildServerTLSConfig(certPath, keyPath, "")
	if err != ErrNoClientTrustAnchor {
		t.Fatalf("expected ErrNoClientTrustAnchor, got %v", err)
	}
}

func TestBuildServerTLSConfigLoadsClientCA(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "server.cert")
	keyPath := filepath.Join(dir, "server.key")
	if err := EnsureServerCertificate(certPath, keyPath); err != nil {
		t.Fatalf("EnsureServerCertificate: %v", err)
	}

	cfg, err := BuildServerTLSConfig(certPath, keyPath, certPath)
	if err != nil {
		t.Fatalf("BuildServerTLSConfig: %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("expected RequireAndVerifyClientCert, got %v", cfg.ClientAuth)
	}
	if cfg.ClientCAs == nil {
		t.Fatalf("expected a client CA pool to be set")
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != "h2" {
		t.Fatalf("expected ALPN to advertise h2 only, got %v", cfg.NextProtos)
	}
}
