package keygen

import (
	"testing"

	"github.com/marzneshin/marznode/config"
)

func TestHashedModeIsDeterministic(t *testing.T) {
	g := NewGenerator(config.AlgorithmXXH128)

	id1, err := g.UUID("seed-alice")
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}
	id2, err := g.UUID("seed-alice")
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("uuid not deterministic: %v != %v", id1, id2)
	}

	pw1 := g.Password("seed-alice")
	pw2 := g.Password("seed-alice")
	if pw1 != pw2 {
		t.Fatalf("password not deterministic: %v != %v", pw1, pw2)
	}
	if len(pw1) != 32 {
		t.Fatalf("password should be 32 hex chars, got %d: %q", len(pw1), pw1)
	}
	for _, c := range pw1 {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("password is not lowercase hex: %q", pw1)
		}
	}
}

func TestHashedModeDiffersBySeed(t *testing.T) {
	g := NewGenerator(config.AlgorithmXXH128)

	id1, _ := g.UUID("seed-alice")
	id2, _ := g.UUID("seed-bob")
	if id1 == id2 {
		t.Fatalf("different seeds produced the same uuid")
	}
}

func TestPlainModePassesThrough(t *testing.T) {
	g := NewGenerator(config.AlgorithmPlain)

	const seed = "11111111-2222-3333-4444-555555555555"
	id, err := g.UUID(seed)
	if err != nil {
		t.Fatalf("UUID: %v", err)
	}
	if id.String() != seed {
		t.Fatalf("expected plain uuid passthrough, got %v", id)
	}
	if g.Password(seed) != seed {
		t.Fatalf("expected plain password passthrough")
	}
}

func TestPlainModeRejectsNonUUIDSeed(t *testing.T) {
	g := NewGenerator(config.AlgorithmPlain)
	if _, err := g.UUID("not-a-uuid"); err == nil {
		t.Fatalf("expected error for non-uuid seed in plain mode")
	}
}
