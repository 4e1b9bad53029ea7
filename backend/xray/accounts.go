package xray

import (
	"encoding/json"

	"github.com/marzneshin/marznode/keygen"
	"github.com/marzneshin/marznode/model"
)

// account is the engine-agnostic shape the AddUser gRPC call needs:
// enough per-protocol fields to build an Xray-core proxy.Account.
type account struct {
	protocol model.Protocol
	email    string
	id       string // vmess/vless uuid
	password string // trojan/shadowsocks password
	flow     string // vless flow
	cipher   string // shadowsocks cipher
}

// buildAccount derives the protocol-appropriate credential from the
// user's key seed via gen, keyed off the inbound's protocol.
func buildAccount(gen *keygen.Generator, user model.User, inbound model.Inbound) (account, error) {
	acc := account{protocol: inbound.Protocol, email: user.Identifier()}

	switch inbound.Protocol {
	case model.ProtocolVMess, model.ProtocolVLess:
		id, err := gen.UUID(user.Key)
		if err != nil {
			return account{}, err
		}
		acc.id = id.String()
		if inbound.Protocol == model.ProtocolVLess {
			acc.flow = flowFromConfig(inbound)
		}
	case model.ProtocolTrojan:
		acc.password = gen.Password(user.Key)
	case model.ProtocolShadowsocks:
		acc.password = gen.Password(user.Key)
		acc.cipher = cipherFromConfig(inbound)
	}

	return acc, nil
}

func flowFromConfig(inbound model.Inbound) string {
	if cfg, ok := inbound.Config.(InboundConfig); ok {
		return settingsString(cfg.Settings, "flow")
	}
	return ""
}

func cipherFromConfig(inbound model.Inbound) string {
	if cfg, ok := inbound.Config.(InboundConfig); ok {
		for _, key := range []string{"method", "cipher"} {
			if v := settingsString(cfg.Settings, key); v != "" {
				return v
			}
		}
	}
	return "chacha20-ietf-poly1305"
}

// settingsString pulls a top-level string field out of an inbound's
// opaque settings block.
func settingsString(raw json.RawMessage, key string) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(m[key], &s); err != nil {
		return ""
	}
	return s
}
