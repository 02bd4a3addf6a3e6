package relay

import (
	"context"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// afterAuthenticated runs once per agent stream, after the first successful
// auth. The backend hears about the agent through the activity conversation
// and every portal of the tenant gets a fresh client list, whether attached
// here or behind a gateway peer.
func (n *Node) afterAuthenticated(ctx context.Context, s *Socket) {
	n.publishActivity(ctx, s, ActivityConnected)

	org := s.OrganizationID()
	n.pushListLocal(ctx, org)
	n.pushListGateways(org)
}

// afterDisconnect runs as the receive loop unwinds. Streams that never
// authenticated leave no trace beyond their metrics.
func (n *Node) afterDisconnect(s *Socket) {
	state := s.State()
	if !state.Authenticated() {
		return
	}
	ctx := context.Background()

	if state == StateGatewayAuth {
		n.publishEvent(events.EventGatewayState, s, "gateway peer disconnected")
		n.log.Info("gateway peer disconnected", "peer", s.ClientID())
		return
	}

	org := s.OrganizationID()
	n.registry.Deregister(s.ConnectionID(), s.ClientID(), org, s.BytesReceived(), s.BytesSent())

	if state == StateAgentAuth {
		n.publishActivity(ctx, s, ActivityDisconnected)
		n.pushListLocal(ctx, org)
		n.pushListGateways(org)
	}

	n.publishEvent(events.EventClientDisconnected, s, "client disconnected")
	n.log.Info("client disconnected",
		"client", s.ClientID(), "organization", org,
		"bytesReceived", s.BytesReceived(), "bytesSent", s.BytesSent())
}

// publishActivity announces an agent lifecycle transition. Failures never
// propagate to the stream that triggered them.
func (n *Node) publishActivity(ctx context.Context, s *Socket, activityType string) {
	a := AgentActivity{
		ActivityType:      activityType,
		ConnectedOn:       s.ConnectedOn(),
		RegisteredAgentID: s.RegisteredAgentID(),
		OrganizationID:    s.OrganizationID(),
		ClientVersion:     s.ClientVersion(),
		Metadata:          s.Metadata(),
	}
	if err := n.activity.PublishAgentActivity(ctx, a); err != nil {
		n.log.Warn("publish agent activity failed",
			"activity", activityType, "client", s.ClientID(), "error", err)
	}
}

// pushListLocal refreshes the client list of every portal of the tenant
// attached to this node.
func (n *Node) pushListLocal(ctx context.Context, organizationID string) {
	for _, portal := range n.dir.Clients() {
		if portal.State() != StatePortalAuth || portal.OrganizationID() != organizationID {
			continue
		}
		synth := envelope.New(envelope.TypeList, n.cfg.InstanceID, portal.ClientID())
		if err := n.handleList(ctx, portal, synth, nil); err != nil {
			n.log.Debug("list push failed", "client", portal.ClientID(), "error", err)
			continue
		}
		metrics.ListPushes.Inc()
	}
}

// pushListGateways tells every gateway peer hosting portals of the tenant to
// refresh them. Each peer is told once no matter how many portals it hosts.
func (n *Node) pushListGateways(organizationID string) {
	notified := make(map[*Socket]bool)
	for _, row := range n.registry.Portals(organizationID) {
		if row.GatewayID == "" || row.GatewayID == n.cfg.InstanceID {
			continue
		}
		gatewayID := row.GatewayID
		peer := n.dir.FirstGateway(func(g *Socket) bool {
			return g.State() == StateGatewayAuth && g.ClientID() == gatewayID
		})
		if peer == nil || notified[peer] {
			continue
		}
		notified[peer] = true

		if err := n.sendProxy(peer, envelope.TypeList, n.cfg.InstanceID, row.ClientID, organizationID, "", ""); err != nil {
			n.log.Debug("gateway list push failed", "gateway", gatewayID, "error", err)
			continue
		}
		metrics.ListPushes.Inc()
	}
}
