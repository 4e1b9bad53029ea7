// Package model defines the logical entities passed across the control
// boundary: users, inbounds, and the backend descriptors exposed to the
// controller. These are engine-agnostic; each backend adapter translates
// them into its own native account format.
package model

import "fmt"

// Protocol enumerates the inbound protocols the agent knows about. Not
// every engine supports every protocol — the owning adapter rejects
// unsupported combinations at config-parse time.
type Protocol string

// Supported protocols across the three engine kinds.
const (
	ProtocolVMess       Protocol = "vmess"
	ProtocolVLess       Protocol = "vless"
	ProtocolTrojan      Protocol = "trojan"
	ProtocolShadowsocks Protocol = "shadowsocks"
	ProtocolHysteria2   Protocol = "hysteria2"
	ProtocolTUIC        Protocol = "tuic"
	ProtocolShadowTLS   Protocol = "shadowtls"
	ProtocolNaive       Protocol = "naive"
	ProtocolSocks       Protocol = "socks"
	ProtocolMixed       Protocol = "mixed"
	ProtocolHTTP        Protocol = "http"
)

// Inbound is a named listening endpoint of a proxy engine: protocol +
// transport + TLS profile + port, as rendered by the owning engine's
// config. Tag is the routing key from the control plane to the adapter
// and is globally unique across every engine on the node.
type Inbound struct {
	Tag      string
	Protocol Protocol
	// Config carries the engine-native inbound fragment (already parsed
	// into the engine's typed config AST by the owning adapter); callers
	// outside the adapter treat it as opaque.
	Config any
}

// User is a controller-managed account linked to zero or more inbounds.
type User struct {
	ID       uint64
	Username string
	Key      string
	Inbounds map[string]Inbound // keyed by Inbound.Tag
}

// Identifier renders the literal "<id>.<username>" used by every engine
// as the per-account identifier. This is bit-exact and must never be
// re-encoded: the controller uses it to de-map usage counters back to
// user ids.
func (u User) Identifier() string {
	return fmt.Sprintf("%d.%s", u.ID, u.Username)
}

// InboundTags returns the set of tags u is currently linked to.
func (u User) InboundTags() map[string]struct{} {
	tags := make(map[string]struct{}, len(u.Inbounds))
	for tag := range u.Inbounds {
		tags[tag] = struct{}{}
	}
	return tags
}

// BackendDescriptor is the controller-visible summary of one supervised
// engine: its identity, the inbounds it currently owns, and whether its
// child process is alive.
type BackendDescriptor struct {
	Name     string
	Type     string
	Version  string
	Inbounds []Inbound
	Running  bool

	// RSSBytes and CPUPercent are best-effort resource diagnostics
	// sampled from the child process; both are zero when the process is
	// not running or sampling failed.
	RSSBytes   uint64
	CPUPercent float64
}

// ParseIdentifier splits the "<id>.<username>" form produced by
// Identifier back into its parts. It is the inverse used when a usage
// stat or API callback reports an account by that identifier.
func ParseIdentifier(identifier string) (id uint64, username string, ok bool) {
	dot := -1
	for i, c := range identifier {
		if c == '.' {
			dot = i
			break
		}
	}
	if dot <= 0 || dot == len(identifier)-1 {
		return 0, "", false
	}
	var parsed uint64
	if _, err := fmt.Sscanf(identifier[:dot], "%d", &parsed); err != nil {
		return 0, "", false
	}
	return parsed, identifier[dot+1:], true
}
