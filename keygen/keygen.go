// Package keygen derives per-user protocol credentials deterministically
// from an opaque per-user key seed, so every node produces the same
// UUID and password for the same user without any coordination.
package keygen

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/marzneshin/marznode/config"
)

// Generator derives credentials according to the configured algorithm.
// The zero value is not usable; construct with NewGenerator.
type Generator struct {
	algorithm config.CredentialAlgorithm
}

// NewGenerator builds a Generator for the given algorithm. Changing the
// algorithm invalidates every credential previously issued, since the
// derivation is not wire-compatible across modes.
func NewGenerator(algorithm config.CredentialAlgorithm) *Generator {
	return &Generator{algorithm: algorithm}
}

// UUID derives a 128-bit UUID from key. In the hashed mode (the
// production default) it is the non-cryptographic 128-bit digest of the
// UTF-8 seed; in PLAIN mode the seed itself is parsed as a canonical
// UUID string.
func (g *Generator) UUID(key string) (uuid.UUID, error) {
	switch g.algorithm {
	case config.AlgorithmPlain:
		id, err := uuid.Parse(key)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("plain credential mode requires a canonical uuid seed: %w", err)
		}
		return id, nil
	default:
		return uuid.FromBytes(digest128(key))
	}
}

// Password derives the lowercase hex password from key. In hashed mode
// it is the lowercase hex encoding of the same 128-bit digest used for
// the UUID; in PLAIN mode the seed is returned unchanged.
func (g *Generator) Password(key string) string {
	switch g.algorithm {
	case config.AlgorithmPlain:
		return key
	default:
		return hex.EncodeToString(digest128(key))
	}
}

// digest128 computes the 128-bit xxh3/xxh128 digest of key's UTF-8 bytes
// in xxh128's canonical byte order (big-endian concatenation of hi:lo),
// so every node derives identical credentials from the same seed.
func digest128(key string) []byte {
	sum := xxh3.Hash128([]byte(key))
	buf := make([]byte, 16)
	hi := sum.Hi
	lo := sum.Lo
	for i := 7; i >= 0; i-- {
		buf[i] = byte(hi)
		hi >>= 8
	}
	for i := 15; i >= 8; i-- {
		buf[i] = byte(lo)
		lo >>= 8
	}
	return buf
}
