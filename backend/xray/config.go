// Package xray supervises an Xray-core child process: it renders the
// engine's JSON-with-comments config, spawns the binary, talks to its
// live gRPC admin API for user mutations, and polls its stats service
// for usage.
package xray

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marzneshin/marznode/common"
)

// apiTag and apiInboundTag identify the internal admin-api outbound and
// inbound Enrich injects into every managed config.
const (
	apiTag        = "api"
	apiInboundTag = "marznode-api-in"
)

// Config is Xray-core's configuration, modeled as a typed AST rather
// than a generic JSON tree: every top-level section we don't need to
// inspect is kept as opaque json.RawMessage, while the sections the
// adapter enriches (inbounds, api, policy, routing) are typed. Stats stays
// opaque; Enrich only makes sure it is present.
type Config struct {
	Log       json.RawMessage   `json:"log,omitempty"`
	DNS       json.RawMessage   `json:"dns,omitempty"`
	API       *APIConfig        `json:"api,omitempty"`
	Stats     json.RawMessage   `json:"stats,omitempty"`
	Policy    *PolicyConfig     `json:"policy,omitempty"`
	Inbounds  []InboundConfig   `json:"inbounds"`
	Outbounds []json.RawMessage `json:"outbounds,omitempty"`
	Routing   *RoutingConfig    `json:"routing,omitempty"`
	Reverse   json.RawMessage   `json:"reverse,omitempty"`
	Transport json.RawMessage   `json:"transport,omitempty"`
}

// APIConfig exposes Xray's internal gRPC admin service over a loopback
// listener.
type APIConfig struct {
	Tag      string   `json:"tag"`
	Services []string `json:"services"`
}

// PolicyConfig carries the per-user/per-outbound stats collection flags.
type PolicyConfig struct {
	Levels map[string]LevelPolicy `json:"levels,omitempty"`
	System SystemPolicy           `json:"system"`
}

// LevelPolicy is the per-level policy block; only the stats flags matter here.
type LevelPolicy struct {
	StatsUserUplink   bool `json:"statsUserUplink"`
	StatsUserDownlink bool `json:"statsUserDownlink"`
}

// SystemPolicy carries the system-wide stats collection flags.
type SystemPolicy struct {
	StatsInboundUplink    bool `json:"statsInboundUplink"`
	StatsInboundDownlink  bool `json:"statsInboundDownlink"`
	StatsOutboundUplink   bool `json:"statsOutboundUplink"`
	StatsOutboundDownlink bool `json:"statsOutboundDownlink"`
}

// RoutingConfig carries the routing rules; admin traffic is routed to a
// dedicated internal outbound by the adapter at enrich time.
type RoutingConfig struct {
	DomainStrategy string        `json:"domainStrategy,omitempty"`
	Rules          []RoutingRule `json:"rules"`
}

// RoutingRule is one rule entry; only the fields the adapter needs to
// read or write are typed, the rest pass through as opaque.
type RoutingRule struct {
	Type        string          `json:"type"`
	InboundTag  []string        `json:"inboundTag,omitempty"`
	OutboundTag string          `json:"outboundTag,omitempty"`
	Extra       json.RawMessage `json:"-"`
}

// InboundConfig is one Xray inbound: protocol + transport + TLS profile
// + port, plus whatever protocol-specific settings the engine needs.
type InboundConfig struct {
	Tag            string          `json:"tag"`
	Listen         string          `json:"listen,omitempty"`
	Port           json.RawMessage `json:"port,omitempty"`
	Protocol       string          `json:"protocol"`
	Settings       json.RawMessage `json:"settings,omitempty"`
	StreamSettings json.RawMessage `json:"streamSettings,omitempty"`
	Sniffing       json.RawMessage `json:"sniffing,omitempty"`
}

// supportedProtocols are the inbound protocols an Xray child accepts;
// anything else fails config parsing rather than surfacing later as an
// engine error.
var supportedProtocols = map[string]struct{}{
	"vmess":         {},
	"vless":         {},
	"trojan":        {},
	"shadowsocks":   {},
	"socks":         {},
	"http":          {},
	"mixed":         {},
	"dokodemo-door": {},
	"wireguard":     {},
}

// ParseConfig parses an Xray JSON-with-comments config. Comments (// and
// /* */) are stripped before unmarshalling since encoding/json does not
// tolerate them, mirroring how Xray-core's own conf loader works.
func ParseConfig(data []byte) (*Config, error) {
	stripped := stripJSONComments(data)
	var cfg Config
	if err := json.Unmarshal(stripped, &cfg); err != nil {
		return nil, common.New(common.KindConfigInvalid, "failed to parse xray config", err)
	}
	if len(cfg.Inbounds) == 0 {
		return nil, common.New(common.KindConfigInvalid, "xray config declares no inbounds", nil)
	}
	for _, ib := range cfg.Inbounds {
		if ib.Tag == "" {
			return nil, common.New(common.KindConfigInvalid, "xray inbound missing tag", nil)
		}
		if _, ok := supportedProtocols[ib.Protocol]; !ok {
			return nil, common.New(common.KindConfigInvalid, "unsupported xray inbound protocol: "+ib.Protocol, nil)
		}
	}
	return &cfg, nil
}

// stripJSONComments removes // line comments and /* */ block comments
// outside of string literals.
func stripJSONComments(data []byte) []byte {
	out := make([]byte, 0, len(data))
	inString := false
	escaped := false
	for i := 0; i < len(data); i++ {
		c := data[i]
		if inString {
			out = append(out, c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch {
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			for i < len(data) && data[i] != '\n' {
				i++
			}
			if i < len(data) {
				out = append(out, '\n')
			}
		case c == '/' && i+1 < len(data) && data[i+1] == '*':
			i += 2
			for i+1 < len(data) && !(data[i] == '*' && data[i+1] == '/') {
				i++
			}
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// Marshal renders the config back to pretty-printed JSON for disk and
// for stdin-config mode.
func (c *Config) Marshal() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Enrich adds the agent's managed sections to a user-authored config:
// the admin API listener, stats collection directives (merging with but
// overriding any user-supplied policy), and routing rules sending admin
// traffic to a dedicated internal outbound. adminPort is a loopback-only
// port chosen by the caller via backend.PickFreePort.
func (c *Config) Enrich(adminPort int) {
	c.API = &APIConfig{
		Tag:      apiTag,
		Services: []string{"HandlerService", "StatsService"},
	}
	if len(c.Stats) == 0 {
		c.Stats = json.RawMessage("{}")
	}

	apiInbound := InboundConfig{
		Tag:      apiInboundTag,
		Listen:   "127.0.0.1",
		Port:     json.RawMessage(fmt.Sprintf("%d", adminPort)),
		Protocol: "dokodemo-door",
		Settings: json.RawMessage(fmt.Sprintf(`{"address":"127.0.0.1","port":%d,"network":"tcp"}`, adminPort)),
	}
	c.Inbounds = append(c.Inbounds, apiInbound)

	if c.Policy == nil {
		c.Policy = &PolicyConfig{}
	}
	if c.Policy.Levels == nil {
		c.Policy.Levels = map[string]LevelPolicy{}
	}
	c.Policy.Levels["0"] = LevelPolicy{StatsUserUplink: true, StatsUserDownlink: true}
	c.Policy.System.StatsInboundUplink = true
	c.Policy.System.StatsInboundDownlink = true
	c.Policy.System.StatsOutboundUplink = true
	c.Policy.System.StatsOutboundDownlink = true

	if c.Routing == nil {
		c.Routing = &RoutingConfig{}
	}
	c.Routing.Rules = append([]RoutingRule{{
		Type:        "field",
		InboundTag:  []string{apiInboundTag},
		OutboundTag: "api",
	}}, c.Routing.Rules...)

	hasAPIOutbound := false
	for _, ob := range c.Outbounds {
		if bytesContains(ob, `"tag":"api"`) || bytesContains(ob, `"tag": "api"`) {
			hasAPIOutbound = true
			break
		}
	}
	if !hasAPIOutbound {
		c.Outbounds = append(c.Outbounds, json.RawMessage(`{"protocol":"freedom","tag":"api"}`))
	}
}

func bytesContains(data json.RawMessage, sub string) bool {
	return len(data) > 0 && strings.Contains(string(data), sub)
}
