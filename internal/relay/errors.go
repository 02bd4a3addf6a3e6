package relay

import "fmt"

// Close reasons carried on 1008 close frames. The exact strings are part of
// the wire contract; clients key their behavior off them.
const (
	ReasonTooMuchData    = "Too much data"
	ReasonTokenExpired   = "TokenExpired"
	ReasonAccessDenied   = "Access denied"
	ReasonAuthFailed     = "Authentication failed"
	ReasonBadHandshake   = "Handshake failed"
	ReasonProtocol       = "Protocol error"
	ReasonNotImplemented = "Not implemented"
)

// DestinationNotAvailable is the errorMessage set on a command reply when no
// route to the target exists. Portals show it verbatim.
const DestinationNotAvailable = "DestinationNotAvailableForRelay"

// Reason labels for the policy-violation counter. Kept separate from the
// close reasons so the metric stays low-cardinality.
const (
	violationOversize     = "oversize"
	violationTokenExpired = "token_expired"
	violationCrossTenant  = "cross_tenant"
	violationBadAuth      = "bad_auth"
	violationBadHandshake = "bad_handshake"
	violationMalformed    = "malformed"
	violationProtocol     = "protocol"
)

// policyViolation is returned by a behavior when the stream must be closed
// with close code 1008. reason goes on the wire, label on the metric.
type policyViolation struct {
	reason string
	label  string
}

func (e *policyViolation) Error() string {
	return fmt.Sprintf("policy violation: %s", e.reason)
}

func violation(label, reason string) error {
	return &policyViolation{reason: reason, label: label}
}
