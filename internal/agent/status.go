// ABOUTME: Connection status enum and the snapshot published on every transition.
// ABOUTME: Snapshots are always replaced whole, never patched.

package agent

import "github.com/2389/coven-acp/internal/acp"

// Status is the lifecycle state of one agent connection.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
)

// Active reports whether the status holds a live process.
func (s Status) Active() bool {
	switch s {
	case StatusConnecting, StatusConnected, StatusInitializing, StatusReady:
		return true
	}
	return false
}

// StatusInfo is a full snapshot of a connection's state.
type StatusInfo struct {
	ConnectionID string                 `json:"connectionId"`
	Status       Status                 `json:"status"`
	AgentInfo    *acp.Implementation    `json:"agentInfo,omitempty"`
	Capabilities *acp.AgentCapabilities `json:"capabilities,omitempty"`
	AuthMethods  []acp.AuthMethod       `json:"authMethods,omitempty"`
	Error        string                 `json:"error,omitempty"`
}
