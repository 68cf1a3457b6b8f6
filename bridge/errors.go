package bridge

import (
	"errors"
	"fmt"

	"github.com/testweaver/bridge/wire"
)

var (
	// ErrAgentNotFound means discovery exhausted every candidate port
	// without finding a local agent. Expected when the agent is not running.
	ErrAgentNotFound = errors.New("local agent not detected")

	// ErrClosed means the connection was torn down while the call was
	// pending, by an explicit close or a transport failure.
	ErrClosed = errors.New("connection closed")

	// ErrRequestTimeout means no matching reply arrived before the
	// per-call deadline. Distinct from ErrClosed and from a peer-absent
	// reply so callers can tell "nobody there" from "someone there but
	// unresponsive".
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNotConnected means a call was issued before a transport was
	// established.
	ErrNotConnected = errors.New("not connected")
)

// RPCError is a failure reply carried inside an envelope from the remote
// side or the relay broker.
type RPCError struct {
	Reason string
}

func (e *RPCError) Error() string { return e.Reason }

// PeerUnavailableError is the relay broker's synthesized reply when the
// opposite role has no live connection in the session.
type PeerUnavailableError struct {
	Role string
}

func (e *PeerUnavailableError) Error() string {
	return fmt.Sprintf("relay peer %s not connected", e.Role)
}

// errorFromEnvelope classifies the error string of a failure reply.
func errorFromEnvelope(env wire.Envelope) error {
	if env.Error == "" {
		return nil
	}
	for _, role := range []string{wire.RoleWeb, wire.RoleCLI} {
		if env.Error == wire.NoPeerError(role) {
			return &PeerUnavailableError{Role: role}
		}
	}
	return &RPCError{Reason: env.Error}
}
