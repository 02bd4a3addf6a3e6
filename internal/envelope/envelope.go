// Package envelope defines the wire message exchanged between portals,
// agents, and gateway peers, plus the codec that applies the transport
// wrappings (plain JSON, compact JWS, compact JWE).
package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message types carried in Envelope.Type. An unknown type is not an error
// on the wire; receivers log and ignore it.
const (
	TypeWelcome     = "welcome"
	TypeAuthPortal  = "authportal"
	TypeAuth        = "auth"
	TypeAuthGateway = "authgateway"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeList        = "list"
	TypeCommand     = "command"
	TypeControl     = "control"
	TypeProxy       = "proxy"
	TypeWarning     = "warning"
)

// Envelope is the unit of exchange on every stream. From and To carry
// instance ids or client ids ("unknown" before authentication). Payload is
// an opaque string whose interpretation depends on Type — typically a
// serialized inner object. ErrorMessage is set on failure responses and is
// mutually exclusive with a success payload.
type Envelope struct {
	From         string `json:"from,omitempty"`
	To           string `json:"to,omitempty"`
	Type         string `json:"type,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	Payload      string `json:"payload,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// New creates an envelope of the given type with a fresh message id.
func New(typ, from, to string) Envelope {
	return Envelope{
		Type:      typ,
		From:      from,
		To:        to,
		MessageID: uuid.NewString(),
	}
}

// SetPayload marshals v into the envelope's payload string.
func (e *Envelope) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	e.Payload = string(data)
	return nil
}

// UnmarshalPayload parses the envelope's payload string into v.
func (e *Envelope) UnmarshalPayload(v any) error {
	if e.Payload == "" {
		return fmt.Errorf("empty payload on %s envelope", e.Type)
	}
	if err := json.Unmarshal([]byte(e.Payload), v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	return nil
}

// ProxyEnvelope rides in the payload of a proxy envelope between service
// and gateway nodes. Type names the inner message type (command, control,
// or list); InnerMessage carries the original payload untouched so the
// receiving node can re-wrap it for the true endpoint.
type ProxyEnvelope struct {
	Type           string `json:"type,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	InnerMessage   string `json:"innerMessage,omitempty"`
}

// AuthRequest is the payload of authportal and auth envelopes. PublicKey is
// only present on agent auth — it carries the PEM key the agent proved
// possession of by signing the envelope.
type AuthRequest struct {
	Token           string            `json:"token,omitempty"`
	PublicKey       string            `json:"publicKey,omitempty"`
	ClientVersion   string            `json:"clientVersion,omitempty"`
	ProtocolVersion int               `json:"protocolVersion,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AuthResult is the payload of authportal and auth replies.
type AuthResult struct {
	Accepted         bool   `json:"accepted"`
	WillReplaceToken bool   `json:"willReplaceToken"`
	NewToken         string `json:"newToken,omitempty"`
}

// Welcome is the payload of the welcome envelope sent on every new stream.
// Nonce is only set on gateway ingress, where it seeds the handshake.
type Welcome struct {
	PublicKeyHash           string `json:"publicKeyHash,omitempty"`
	MachineName             string `json:"machineName,omitempty"`
	ServerVersion           string `json:"serverVersion,omitempty"`
	Nonce                   string `json:"nonce,omitempty"`
	AllowedProtocolVersions []int  `json:"allowedProtocolVersions,omitempty"`
}

// GatewayAuth is the payload of authgateway envelopes. The dialing side
// sends {Nonce, Hash}; the verifying side replies {Hash, Accepted}.
type GatewayAuth struct {
	Nonce    string `json:"nonce,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
}

// ControlRequest is the payload of a control envelope sent to an agent.
type ControlRequest struct {
	Command  string            `json:"command,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
}

// ControlResponse is the payload of a control envelope returned by an agent.
type ControlResponse struct {
	Output  string `json:"output,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
