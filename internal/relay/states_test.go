package relay

import (
	"testing"

	"github.com/relaymesh/relaymesh/internal/envelope"
)

func TestStateInboundWrapping(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  envelope.Wrapping
	}{
		{StateUnknown, envelope.PlainText},
		{StatePortalUnauth, envelope.PlainText},
		{StatePortalAuth, envelope.PlainText},
		{StateAgentUnauth, envelope.SignOnly},
		{StateAgentAuth, envelope.Encrypt},
		{StateGatewayUnauth, envelope.PlainText},
		{StateGatewayAuth, envelope.PlainText},
	}
	for _, tt := range tests {
		if got := tt.state.InboundWrapping(); got != tt.want {
			t.Errorf("%s wrapping = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestStateAuthenticatedAndRole(t *testing.T) {
	tests := []struct {
		state ConnectionState
		auth  bool
		role  string
	}{
		{StateUnknown, false, "unknown"},
		{StatePortalUnauth, false, "portal"},
		{StatePortalAuth, true, "portal"},
		{StateAgentUnauth, false, "agent"},
		{StateAgentAuth, true, "agent"},
		{StateGatewayUnauth, false, "gateway"},
		{StateGatewayAuth, true, "gateway"},
	}
	for _, tt := range tests {
		if got := tt.state.Authenticated(); got != tt.auth {
			t.Errorf("%s authenticated = %v, want %v", tt.state, got, tt.auth)
		}
		if got := tt.state.Role(); got != tt.role {
			t.Errorf("%s role = %q, want %q", tt.state, got, tt.role)
		}
	}
}

func TestGatewayHashSymmetry(t *testing.T) {
	// Both sides must derive the same proof for the same nonce order and
	// different proofs for the mirrored order.
	h1 := gatewayHash("secret", "n1", "n2")
	h2 := gatewayHash("secret", "n1", "n2")
	if h1 != h2 {
		t.Fatalf("hash not deterministic: %q vs %q", h1, h2)
	}
	if gatewayHash("secret", "n2", "n1") == h1 {
		t.Errorf("nonce order does not matter, it must")
	}
	if gatewayHash("other", "n1", "n2") == h1 {
		t.Errorf("secret does not matter, it must")
	}
}

func TestSetIdentityFirstWriteWins(t *testing.T) {
	s := bareSocket(StatePortalUnauth, "", "")

	s.SetIdentity("P1", "T1")
	s.SetIdentity("P2", "T2")

	if got := s.ClientID(); got != "P1" {
		t.Errorf("clientID = %q, want P1", got)
	}
	if got := s.OrganizationID(); got != "T1" {
		t.Errorf("organizationID = %q, want T1", got)
	}
}
