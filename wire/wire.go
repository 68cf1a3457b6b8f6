// Package wire defines the message envelope and role names shared by the
// web client, the local agent, and the relay broker. The broker treats
// envelopes as opaque except for the type discriminator and correlation id.
package wire

import (
	"encoding/json"
	"fmt"
)

// Roles a connection may adopt when joining a relay session.
const (
	RoleWeb = "web"
	RoleCLI = "cli"
)

// ValidRole reports whether r is one of the two fixed roles.
func ValidRole(r string) bool {
	return r == RoleWeb || r == RoleCLI
}

// PeerRole returns the opposite role, or "" for an unknown role.
func PeerRole(r string) string {
	switch r {
	case RoleWeb:
		return RoleCLI
	case RoleCLI:
		return RoleWeb
	}
	return ""
}

// Reserved envelope types. Any other type is agreed between the two peers
// out of band and passes through the broker untouched.
const (
	TypeRPC     = "rpc"
	TypeWelcome = "welcome"
	TypePing    = "ping"
	TypePong    = "pong"
)

// Close reasons used on the relay websocket.
const (
	ReasonInvalidParams = "Invalid parameters"
	ReasonShutdown      = "Server shutting down"
	ReasonReplaced      = "replaced by new connection"
)

// Envelope is the unit of exchange on every transport. Type is the only
// mandatory field; ID is required for correlated request/response exchanges
// and absent for notifications. ID uniqueness is the issuing side's concern.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Role      string          `json:"role,omitempty"`
	Session   string          `json:"session,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NoPeerError is the error string carried by a broker-synthesized reply when
// the target role has no live connection in the session.
func NoPeerError(role string) string {
	return fmt.Sprintf("No %s connection available", role)
}
