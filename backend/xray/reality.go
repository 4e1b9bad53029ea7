package xray

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"os/exec"
	"strings"

	"golang.org/x/crypto/curve25519"

	"github.com/marzneshin/marznode/common"
)

// realityTLS mirrors the subset of a streamSettings.realitySettings block
// the adapter needs to inspect and enrich.
type realityTLS struct {
	PrivateKey string   `json:"privateKey"`
	PublicKey  string   `json:"publicKey,omitempty"`
	ShortIds   []string `json:"shortIds"`
}

// ensureRealityPublicKey derives the public key matching privateKey by
// invoking the engine binary's x25519 subcommand, when only the private
// key was supplied. Missing shortIds is a fatal config error.
func ensureRealityPublicKey(binaryPath string, streamSettings json.RawMessage) (json.RawMessage, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(streamSettings, &generic); err != nil {
		return streamSettings, nil
	}
	rawReality, ok := generic["realitySettings"]
	if !ok {
		return streamSettings, nil
	}

	var reality realityTLS
	if err := json.Unmarshal(rawReality, &reality); err != nil {
		return streamSettings, common.New(common.KindConfigInvalid, "invalid realitySettings block", err)
	}
	if len(reality.ShortIds) == 0 {
		return nil, common.New(common.KindConfigInvalid, "reality inbound missing shortIds", nil)
	}
	if reality.PublicKey != "" {
		return streamSettings, nil
	}
	if reality.PrivateKey == "" {
		return nil, common.New(common.KindConfigInvalid, "reality inbound missing privateKey", nil)
	}

	pub, err := derivePublicKey(binaryPath, reality.PrivateKey)
	if err != nil {
		return nil, err
	}
	// Patch publicKey into the original block so fields realityTLS does
	// not model (dest, serverNames, ...) are kept.
	var block map[string]json.RawMessage
	if err := json.Unmarshal(rawReality, &block); err != nil {
		return nil, common.New(common.KindConfigInvalid, "invalid realitySettings block", err)
	}
	encodedPub, err := json.Marshal(pub)
	if err != nil {
		return nil, err
	}
	block["publicKey"] = encodedPub

	merged, err := json.Marshal(block)
	if err != nil {
		return nil, err
	}
	generic["realitySettings"] = merged
	return json.Marshal(generic)
}

// derivePublicKey runs `<bin> x25519 -i <priv>` and parses the "Public
// key: ..." line from its output. If the subprocess fails (binary
// missing the subcommand, non-zero exit), it falls back
// to computing the Curve25519 base-point scalar multiplication locally:
// Reality private keys are raw 32-byte X25519 scalars, so this produces
// an identical public key without depending on the engine binary.
func derivePublicKey(binaryPath, privateKey string) (string, error) {
	cmd := exec.Command(binaryPath, "x25519", "-i", privateKey)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err == nil {
		for _, line := range strings.Split(out.String(), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(line), "public key:") {
				parts := strings.SplitN(line, ":", 2)
				if len(parts) == 2 {
					return strings.TrimSpace(parts[1]), nil
				}
			}
		}
	}

	return derivePublicKeyLocal(privateKey)
}

// derivePublicKeyLocal computes the X25519 public key matching a
// raw-url-base64-encoded 32-byte private scalar.
func derivePublicKeyLocal(privateKey string) (string, error) {
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return "", common.New(common.KindConfigInvalid, "reality privateKey is not valid base64", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return "", common.New(common.KindConfigInvalid, "reality privateKey has the wrong length for x25519", nil)
	}

	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", common.New(common.KindConfigInvalid, "deriving reality public key locally", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}
