package relay

import (
	"testing"
	"time"
)

// bareSocket builds a Socket with no connection for directory bookkeeping
// tests. Anything that would touch the wire stays untested here.
func bareSocket(state ConnectionState, clientID, organizationID string) *Socket {
	s := &Socket{
		clk:          newMockClock(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)),
		connectionID: newConnectionID(),
		connectedOn:  time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
		state:        state,
	}
	if state == StateGatewayUnauth || state == StateGatewayAuth {
		s.interest = newInterestMap(s.clk)
	}
	s.clientID = clientID
	s.organizationID = organizationID
	return s
}

func TestDirectoryMembership(t *testing.T) {
	d := newDirectory()

	portal := bareSocket(StatePortalAuth, "P1", "T1")
	agent := bareSocket(StateAgentAuth, "A1", "T1")
	gateway := bareSocket(StateGatewayAuth, "g1", "")

	d.AddClient(portal)
	d.AddClient(agent)
	d.AddGateway(gateway)

	if clients, gateways := d.Counts(); clients != 2 || gateways != 1 {
		t.Fatalf("counts = (%d, %d), want (2, 1)", clients, gateways)
	}

	d.RemoveClient(portal)
	if clients, _ := d.Counts(); clients != 1 {
		t.Fatalf("clients = %d after remove, want 1", clients)
	}
	// Removing twice is harmless.
	d.RemoveClient(portal)
	if clients, _ := d.Counts(); clients != 1 {
		t.Fatalf("clients = %d after double remove, want 1", clients)
	}

	if got := d.FirstClient(func(s *Socket) bool { return s.ClientID() == "A1" }); got != agent {
		t.Errorf("FirstClient(A1) = %v, want the agent socket", got)
	}
	if got := d.FirstClient(func(s *Socket) bool { return s.ClientID() == "P1" }); got != nil {
		t.Errorf("FirstClient(P1) = %v after removal, want nil", got)
	}
}

func TestDirectorySnapshotsAreCopies(t *testing.T) {
	d := newDirectory()
	a := bareSocket(StateAgentAuth, "A1", "T1")
	d.AddClient(a)

	snap := d.Clients()
	d.RemoveClient(a)

	if len(snap) != 1 || snap[0] != a {
		t.Errorf("snapshot changed after removal: %v", snap)
	}
}

func TestDirectoryRelevantGateways(t *testing.T) {
	d := newDirectory()

	authed := bareSocket(StateGatewayAuth, "g1", "")
	pending := bareSocket(StateGatewayUnauth, "", "")
	other := bareSocket(StateGatewayAuth, "g2", "")

	d.AddGateway(authed)
	d.AddGateway(pending)
	d.AddGateway(other)

	authed.interest.Mark("T1", "A1")
	pending.interest.Mark("T1", "A1")
	other.interest.Mark("T2", "A1")

	got := d.RelevantGateways("T1", "A1")
	if len(got) != 1 || got[0] != authed {
		t.Fatalf("relevant = %v, want only the authenticated g1 peer", got)
	}
	if got := d.RelevantGateways("T1", "A9"); len(got) != 0 {
		t.Errorf("relevant for unmarked client = %v, want none", got)
	}
}
