package xray

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func TestDerivePublicKeyLocalMatchesCurve25519(t *testing.T) {
	priv := make([]byte, curve25519.ScalarSize)
	for i := range priv {
		priv[i] = byte(i + 1)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64

	want, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("curve25519.X25519: %v", err)
	}

	privEncoded := base64.RawURLEncoding.EncodeToString(priv)
	got, err := derivePublicKeyLocal(privEncoded)
	if err != nil {
		t.Fatalf("derivePublicKeyLocal: %v", err)
	}
	if got != base64.RawURLEncoding.EncodeToString(want) {
		t.Fatalf("public key mismatch: got %s, want %s", got, base64.RawURLEncoding.EncodeToString(want))
	}
}

func TestDerivePublicKeyLocalRejectsBadLength(t *testing.T) {
	if _, err := derivePublicKeyLocal(base64.RawURLEncoding.EncodeToString([]byte("too-short"))); err == nil {
		t.Fatalf("expected error for wrong-length private key")
	}
}

func TestEnsureRealityPublicKeyFailsWithoutShortIds(t *testing.T) {
	stream := json.RawMessage(`{"realitySettings":{"privateKey":"` +
		base64.RawURLEncoding.EncodeToString(make([]byte, 32)) + `","shortIds":[]}}`)
	if _, err := ensureRealityPublicKey("/bin/false", stream); err == nil {
		t.Fatalf("expected error for missing shortIds")
	}
}

func TestEnsureRealityPublicKeyPassesThroughWhenPublicKeyPresent(t *testing.T) {
	stream := json.RawMessage(`{"realitySettings":{"privateKey":"x","publicKey":"y","shortIds":["ab"]}}`)
	out, err := ensureRealityPublicKey("/bin/false", stream)
	if err != nil {
		t.Fatalf("ensureRealityPublicKey: %v", err)
	}
	if string(out) == "" {
		t.Fatalf("expected passthrough config, got empty")
	}
}
