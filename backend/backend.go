// Package backend defines the polymorphic engine-adapter interface
// (VPNBackend) every supervised proxy engine implements, plus the types
// and helpers shared across the Xray, sing-box, and Hysteria2 adapters.
package backend

import (
	"context"

	"github.com/marzneshin/marznode/model"
)

// Traffic is a single inbound/outbound's aggregated uplink/downlink
// counters, as reported by an engine's stats endpoint.
type Traffic struct {
	Tag        string
	IsInbound  bool
	IsOutbound bool
	Up         int64
	Down       int64
}

// ClientTraffic is one user's aggregated uplink/downlink counters under
// the "<id>.<username>" identifier.
type ClientTraffic struct {
	Identifier string
	Up         int64
	Down       int64
}

// VPNBackend is the interface every engine adapter satisfies. It is the
// core's only point of polymorphism: the supervisor and reconciliation
// service depend on this interface, never on a concrete engine type.
type VPNBackend interface {
	// Name is the configured identity of this backend instance (e.g.
	// "xray", "sing-box", "hysteria2").
	Name() string
	// Type identifies the engine kind, independent of Name.
	Type() string

	// Start launches the engine. A nil newConfig reuses whatever config
	// is already on disk / in memory.
	Start(ctx context.Context, newConfig []byte) error
	// Stop terminates the engine.
	Stop(ctx context.Context) error
	// Restart is serialized per-adapter: it persists newConfig (if
	// non-empty) to disk, stops, purges this adapter's inbounds from
	// storage, starts again, and re-projects storage users into the new
	// child. It returns void by contract — FetchBackends is the source
	// of truth for the resulting inbound set.
	Restart(ctx context.Context, newConfig []byte) error

	// AddUser adds user to inbound. DuplicateUser is not an error: it is
	// logged at warn and the call returns nil.
	AddUser(ctx context.Context, user model.User, inbound model.Inbound) error
	// RemoveUser removes user from inbound. UnknownUser is not an error:
	// it is logged at warn and the call returns nil.
	RemoveUser(ctx context.Context, user model.User, inbound model.Inbound) error

	// GetUsages queries the child's stats endpoint and aggregates uplink
	// + downlink per user id. A network failure yields an empty map,
	// never an error.
	GetUsages(ctx context.Context, reset bool) map[uint64]int64

	// Subscribe returns a log subscription. If includeBuffer is true the
	// ring-buffer snapshot is delivered first. The subscription closes
	// when the engine stops or the caller calls Subscription.Close.
	Subscribe(includeBuffer bool) *Subscription

	// ListInbounds returns the inbounds this adapter currently owns.
	ListInbounds() []model.Inbound
	// GetConfig returns the current on-disk config source.
	GetConfig() (string, error)
	// ContainsTag reports whether tag belongs to this adapter.
	ContainsTag(tag string) bool

	// Running reports whether the child process is currently alive.
	Running() bool
	// Version is the engine's self-reported version string, if known.
	Version() string
	// Pid returns the child process's OS pid, or 0 if not running. Used
	// by the supervisor to sample resource usage via gopsutil.
	Pid() int

	// Stopped returns a channel that closes exactly once, the moment
	// this adapter's child process is observed to have exited (whether
	// planned or crashed). The supervisor watches this to drive
	// restart-on-failure.
	Stopped() <-chan struct{}
}
