// Package rpc adapts reconcile.Service's plain-Go method surface onto the
// seven-RPC gRPC contract: client-streaming SyncUsers, unary
// RepopulateUsers/FetchBackends/FetchUsersStats/FetchBackendConfig/
// RestartBackend/GetBackendStats, and server-streaming StreamBackendLogs.
package rpc

// UserInbound is the wire form of one inbound entry inside UserData: tag
// plus protocol/config as the controller believes them to be. Per the
// reconciliation contract the service never trusts Protocol/Config off
// the wire — it re-resolves both from storage by Tag — but they are
// still part of the documented message shape.
type UserInbound struct {
	Tag      string `json:"tag"`
	Protocol string `json:"protocol"`
	Config   string `json:"config"`
}

// WireUser is the wire form of a user identity.
type WireUser struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Key      string `json:"key"`
}

// UserData is one SyncUsers/RepopulateUsers entry.
type UserData struct {
	User     WireUser      `json:"user"`
	Inbounds []UserInbound `json:"inbounds"`
}

// RepopulateUsersRequest carries a full batch for RepopulateUsers.
type RepopulateUsersRequest struct {
	Users []UserData `json:"users"`
}

// Empty is the argument/response shape for RPCs that carry no payload.
type Empty struct{}

// BackendDescriptor mirrors model.BackendDescriptor on the wire.
type BackendDescriptor struct {
	Name       string        `json:"name"`
	Type       string        `json:"type"`
	Version    string        `json:"version"`
	Inbounds   []UserInbound `json:"inbounds"`
	Running    bool          `json:"running"`
	RSSBytes   uint64        `json:"rss_bytes"`
	CPUPercent float64       `json:"cpu_percent"`
}

// BackendsResponse is FetchBackends' result.
type BackendsResponse struct {
	Backends []BackendDescriptor `json:"backends"`
}

// BackendLogsRequest is StreamBackendLogs' argument.
type BackendLogsRequest struct {
	BackendName   string `json:"backend_name"`
	IncludeBuffer bool   `json:"include_buffer"`
}

// LogLine is one StreamBackendLogs response item.
type LogLine struct {
	Line string `json:"line"`
}

// UserUsage is one entry of UsersStats.
type UserUsage struct {
	UID   uint64 `json:"uid"`
	Usage int64  `json:"usage"`
}

// UsersStats is FetchUsersStats' result.
type UsersStats struct {
	UsersStats []UserUsage `json:"users_stats"`
}

// BackendConfig is FetchBackendConfig's result / RestartBackend's config
// payload.
type BackendConfig struct {
	BackendName   string `json:"backend_name"`
	Configuration string `json:"configuration"`
	ConfigFormat  string `json:"config_format"`
}

// FetchBackendConfigRequest is FetchBackendConfig's argument.
type FetchBackendConfigRequest struct {
	BackendName string `json:"backend_name"`
}

// RestartBackendRequest is RestartBackend's argument.
type RestartBackendRequest struct {
	BackendName   string `json:"backend_name"`
	Configuration string `json:"configuration"`
}

// BackendStatsRequest is GetBackendStats' argument.
type BackendStatsRequest struct {
	BackendName string `json:"backend_name"`
}

// BackendStats is GetBackendStats' result.
type BackendStats struct {
	Running bool `json:"running"`
}
