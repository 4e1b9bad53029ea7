// Package hysteria2 supervises a Hysteria2 child process: a YAML config
// with an injected HTTP auth callback and traffic-stats listener, an
// in-process gin server answering that callback, and a stats client
// polling the engine's own traffic endpoint.
package hysteria2

import (
	"strconv"

	"github.com/goccy/go-yaml"

	"github.com/marzneshin/marznode/common"
	"github.com/marzneshin/marznode/model"
)

// inboundTag is Hysteria2's single, statically named inbound — the
// engine has no concept of multiple inbounds the way Xray/sing-box do.
const inboundTag = "hysteria2"

// Config wraps the YAML document as a generic map, since Hysteria2's
// schema is large and the adapter only needs to inject two keys (auth,
// trafficStats) and read the listen port back out.
type Config struct {
	raw map[string]any
}

// ParseConfig loads a Hysteria2 YAML config.
func ParseConfig(data []byte) (*Config, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, common.New(common.KindConfigInvalid, "failed to parse hysteria2 config", err)
	}
	return &Config{raw: raw}, nil
}

// Enrich points the engine's auth callback at our in-process HTTP
// server and its traffic-stats listener at a loopback port guarded by
// secret.
func (c *Config) Enrich(authPort, statsPort int, secret string) {
	c.raw["auth"] = map[string]any{
		"type": "http",
		"http": map[string]any{
			"url": formatURL(authPort),
		},
	}
	c.raw["trafficStats"] = map[string]any{
		"listen": formatAddr(statsPort),
		"secret": secret,
	}
}

// Marshal renders the config back to YAML for disk.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c.raw)
}

// Inbound returns the single static hysteria2 inbound descriptor.
func (c *Config) Inbound() model.Inbound {
	return model.Inbound{Tag: inboundTag, Protocol: model.ProtocolHysteria2, Config: c.raw}
}

func formatURL(port int) string {
	return "http://127.0.0.1:" + strconv.Itoa(port)
}

func formatAddr(port int) string {
	return "127.0.0.1:" + strconv.Itoa(port)
}
