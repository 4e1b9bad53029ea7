// Package transport builds the mTLS listener the gRPC server is served
// on: self-signed bootstrap of the node's own certificate, mandatory
// client-certificate verification against a configured trust anchor,
// and a cipher suite restricted to the ECDHE+AESGCM/CHACHA20 families
// with ALPN advertising h2 only.
package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/marzneshin/marznode/logger"
)

// rsaBootstrapBits is the key size for the self-signed bootstrap keypair.
const rsaBootstrapBits = 4096

// bootstrapValidity is the self-signed certificate's lifetime.
const bootstrapValidity = 10 * 365 * 24 * time.Hour

// allowedCipherSuites restricts negotiation to ECDHE key exchange with
// AES-GCM or ChaCha20-Poly1305 AEAD. TLS 1.3
// cipher suites are not listed here: Go's crypto/tls always offers its
// fixed TLS 1.3 suite set (all AEAD, all forward-secret) regardless of
// CipherSuites, so this list only constrains a TLS 1.2 fallback.
var allowedCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}

// EnsureServerCertificate makes sure a cert/key pair exists at certPath/
// keyPath, generating a self-signed RSA-4096/SHA-512 keypair with a
// 10-year validity window when either file is absent. An existing pair
// is left untouched.
func EnsureServerCertificate(certPath, keyPath string) error {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	if certErr == nil && keyErr == nil {
		return nil
	}

	logger.Infof("no TLS keypair found at %s / %s, generating a self-signed bootstrap certificate", certPath, keyPath)

	key, err := rsa.GenerateKey(rand.Reader, rsaBootstrapBits)
	if err != nil {
		return fmt.Errorf("generating bootstrap RSA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generating certificate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "marznode",
			Organization: []string{"marznode"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(bootstrapValidity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA512WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("creating self-signed certificate: %w", err)
	}

	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", certPath, err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return fmt.Errorf("writing %s: %w", certPath, err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", keyPath, err)
	}
	defer keyOut.Close()
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return fmt.Errorf("writing %s: %w", keyPath, err)
	}

	return nil
}

// ErrNoClientTrustAnchor is returned by BuildServerTLSConfig when no
// client CA/certificate path is configured. The caller (cmd/marznode)
// maps this to exit code 1.
var ErrNoClientTrustAnchor = fmt.Errorf("no trusted client certificate configured")

// BuildServerTLSConfig loads the node's own keypair from certPath/
// keyPath and a trusted client certificate from clientCertPath, and
// returns a *tls.Config requiring and verifying client certificates
// against that trust anchor. clientCertPath is required: startup must
// fail when it is absent.
func BuildServerTLSConfig(certPath, keyPath, clientCertPath string) (*tls.Config, error) {
	if clientCertPath == "" {
		return nil, ErrNoClientTrustAnchor
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("loading server keypair: %w", err)
	}

	clientCertPEM, err := os.ReadFile(clientCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading trusted client certificate %s: %w", clientCertPath, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(clientCertPEM) {
		return nil, fmt.Errorf("%s contains no parseable certificates", clientCertPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
		CipherSuites: allowedCipherSuites,
		NextProtos:   []string{"h2"},
	}, nil
}
