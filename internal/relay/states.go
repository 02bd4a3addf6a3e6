// Package relay implements the message-relay engine of a single node: the
// per-stream connection state machine, envelope dispatch, tenant-scoped
// command routing, the pending-response correlator, and the keepers that
// maintain outward gateway streams.
package relay

import "github.com/relaymesh/relaymesh/internal/envelope"

// ConnectionState tracks where a stream is in its authentication lifecycle.
// Identity fields on the socket (clientId, organizationId) are only
// meaningful in the authenticated states.
type ConnectionState int

const (
	StateUnknown ConnectionState = iota
	StatePortalUnauth
	StatePortalAuth
	StateAgentUnauth
	StateAgentAuth
	StateGatewayUnauth
	StateGatewayAuth
)

func (s ConnectionState) String() string {
	switch s {
	case StatePortalUnauth:
		return "PortalUnauth"
	case StatePortalAuth:
		return "PortalAuth"
	case StateAgentUnauth:
		return "AgentUnauth"
	case StateAgentAuth:
		return "AgentAuth"
	case StateGatewayUnauth:
		return "GatewayUnauth"
	case StateGatewayAuth:
		return "GatewayAuth"
	default:
		return "Unknown"
	}
}

// Authenticated reports whether the stream has completed its handshake.
func (s ConnectionState) Authenticated() bool {
	switch s {
	case StatePortalAuth, StateAgentAuth, StateGatewayAuth:
		return true
	default:
		return false
	}
}

// Role names the peer kind for logs and metrics, independent of whether the
// handshake has completed yet.
func (s ConnectionState) Role() string {
	switch s {
	case StatePortalUnauth, StatePortalAuth:
		return "portal"
	case StateAgentUnauth, StateAgentAuth:
		return "agent"
	case StateGatewayUnauth, StateGatewayAuth:
		return "gateway"
	default:
		return "unknown"
	}
}

// InboundWrapping returns the wrapping every inbound frame must carry while
// the stream is in this state. Agents sign before they are trusted and
// encrypt afterwards; everyone else speaks plaintext envelopes.
func (s ConnectionState) InboundWrapping() envelope.Wrapping {
	switch s {
	case StateAgentUnauth:
		return envelope.SignOnly
	case StateAgentAuth:
		return envelope.Encrypt
	default:
		return envelope.PlainText
	}
}
