// Package singbox supervises a sing-box child process: JSON config with
// a typed inbound AST, HTTP Clash-API admin client, and a dirty-flag
// batcher that coalesces rapid-fire user mutations into a single
// rewrite-and-SIGHUP cycle instead of a process restart per mutation.
package singbox

import (
	"strconv"

	"github.com/goccy/go-json"

	"github.com/marzneshin/marznode/common"
)

// Config is sing-box's top-level configuration. Sections the adapter
// never inspects stay as opaque json.RawMessage; inbounds and the
// experimental Clash-API block (which the adapter injects) are typed.
type Config struct {
	Log          json.RawMessage `json:"log,omitempty"`
	DNS          json.RawMessage `json:"dns,omitempty"`
	NTP          json.RawMessage `json:"ntp,omitempty"`
	Inbounds     []InboundConfig `json:"inbounds"`
	Outbounds    json.RawMessage `json:"outbounds,omitempty"`
	Route        json.RawMessage `json:"route,omitempty"`
	Experimental *Experimental   `json:"experimental,omitempty"`
}

// Experimental carries the clash_api block the adapter uses to expose
// an HTTP admin endpoint, mirroring sing-box's experimental.clash_api.
type Experimental struct {
	ClashAPI *ClashAPI `json:"clash_api,omitempty"`
}

// ClashAPI is the subset of sing-box's Clash-compatible HTTP API config
// the adapter manages.
type ClashAPI struct {
	ExternalController string `json:"external_controller"`
	Secret             string `json:"secret,omitempty"`
}

// InboundConfig is one sing-box inbound: protocol type + listen address
// + protocol-specific settings. Users is kept as a typed slice since the
// adapter needs to mutate it in place for the dirty-batch add/remove path.
type InboundConfig struct {
	Type                     string          `json:"type"`
	Tag                      string          `json:"tag"`
	Listen                   string          `json:"listen,omitempty"`
	ListenPort               int             `json:"listen_port,omitempty"`
	Users                    []InboundUser   `json:"users,omitempty"`
	Network                  json.RawMessage `json:"network,omitempty"`
	Transport                json.RawMessage `json:"transport,omitempty"`
	TLS                      json.RawMessage `json:"tls,omitempty"`
	Sniff                    bool            `json:"sniff,omitempty"`
	SniffOverrideDestination bool            `json:"sniff_override_destination,omitempty"`
	Settings                 json.RawMessage `json:"settings,omitempty"`
}

// InboundUser is one per-protocol user entry inside an inbound's Users
// array. Not every field applies to every protocol; unused fields are
// omitted on marshal.
type InboundUser struct {
	Name     string `json:"name"`
	UUID     string `json:"uuid,omitempty"`
	Password string `json:"password,omitempty"`
	Flow     string `json:"flow,omitempty"`
}

// supportedInboundTypes are the sing-box inbound types this adapter
// knows how to manage users for; anything else fails config parsing.
var supportedInboundTypes = map[string]struct{}{
	"vmess":       {},
	"vless":       {},
	"trojan":      {},
	"shadowsocks": {},
	"hysteria2":   {},
	"tuic":        {},
	"shadowtls":   {},
	"naive":       {},
	"socks":       {},
	"mixed":       {},
	"http":        {},
	"direct":      {},
}

// ParseConfig unmarshals a sing-box config and validates every inbound
// carries a tag (sing-box itself tolerates an untagged inbound, but the
// agent's tag-keyed routing does not) and a supported type.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, common.New(common.KindConfigInvalid, "failed to parse sing-box config", err)
	}
	if len(cfg.Inbounds) == 0 {
		return nil, common.New(common.KindConfigInvalid, "sing-box config declares no inbounds", nil)
	}
	for _, ib := range cfg.Inbounds {
		if ib.Tag == "" {
			return nil, common.New(common.KindConfigInvalid, "sing-box inbound missing tag", nil)
		}
		if _, ok := supportedInboundTypes[ib.Type]; !ok {
			return nil, common.New(common.KindConfigInvalid, "unsupported sing-box inbound type: "+ib.Type, nil)
		}
	}
	return &cfg, nil
}

// Marshal renders the config back to pretty-printed JSON for disk.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Enrich injects the loopback Clash-API listener the adapter's HTTP
// client talks to, guarded by a freshly generated bearer secret.
func (c *Config) Enrich(apiPort int, secret string) {
	c.Experimental = &Experimental{
		ClashAPI: &ClashAPI{
			ExternalController: formatAddr("127.0.0.1", apiPort),
			Secret:             secret,
		},
	}
}

func formatAddr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}

// findInbound returns a pointer into c.Inbounds matching tag, or nil.
func (c *Config) findInbound(tag string) *InboundConfig {
	for i := range c.Inbounds {
		if c.Inbounds[i].Tag == tag {
			return &c.Inbounds[i]
		}
	}
	return nil
}
