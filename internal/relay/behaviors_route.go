package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/metrics"
	"github.com/relaymesh/relaymesh/internal/registry"
)

// ---------------------------------------------------------------------------
// Liveness

func (n *Node) handlePing(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if !s.Authenticated() {
		return violation(violationProtocol, ReasonProtocol)
	}
	if org := s.OrganizationID(); org != "" {
		n.registry.UpdateActivity(s.ClientID(), org)
	}
	if s.State() == StateAgentAuth {
		n.publishActivity(ctx, s, ActivityPing)
	}

	pong := envelope.Envelope{
		Type:      envelope.TypePong,
		From:      n.cfg.InstanceID,
		To:        s.ClientID(),
		MessageID: env.MessageID,
	}
	return s.Write(pong, s.replyWrapping())
}

func (n *Node) handlePong(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if !s.Authenticated() {
		return violation(violationProtocol, ReasonProtocol)
	}
	if org := s.OrganizationID(); org != "" {
		n.registry.UpdateActivity(s.ClientID(), org)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Client list

// handleList answers a portal with the live agents of its tenant. The same
// behavior serves unsolicited pushes; hooks synthesize a list envelope and
// call it directly.
func (n *Node) handleList(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if s.State() != StatePortalAuth {
		return violation(violationProtocol, ReasonProtocol)
	}

	agents := n.registry.Agents(s.OrganizationID())
	if agents == nil {
		agents = []registry.Record{}
	}
	reply := envelope.New(envelope.TypeList, n.cfg.InstanceID, s.ClientID())
	if err := reply.SetPayload(agents); err != nil {
		return err
	}
	return s.Write(reply, envelope.PlainText)
}

// ---------------------------------------------------------------------------
// Command relay

// handleCommand routes a command envelope toward its target: through a
// gateway peer when the registry places the target elsewhere, directly when
// the target is attached here. Tenant isolation is enforced before any
// routing happens.
func (n *Node) handleCommand(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	switch s.State() {
	case StatePortalAuth, StateAgentAuth:
	default:
		return violation(violationProtocol, ReasonProtocol)
	}
	org := s.OrganizationID()

	// A command aimed at a client in another tenant closes both streams;
	// an impersonated portal gets the same treatment no matter the target.
	if dest := n.anyClient(env.To); dest != nil {
		if dest.OrganizationID() != org || s.Impersonated() {
			n.log.Warn("cross-tenant command denied",
				"client", s.ClientID(), "organization", org, "target", env.To)
			dest.ClosePolicy(ReasonAccessDenied)
			return violation(violationCrossTenant, ReasonAccessDenied)
		}
	} else if s.Impersonated() {
		n.log.Warn("impersonated portal command denied",
			"client", s.ClientID(), "organization", org, "target", env.To)
		return violation(violationCrossTenant, ReasonAccessDenied)
	}

	rec, known := n.registryClient(org, env.To)
	if known && rec.GatewayID != "" && rec.GatewayID != n.cfg.InstanceID {
		if peer := n.gatewayPeerFor(rec.GatewayID, org, env.To); peer != nil {
			if err := n.sendProxy(peer, envelope.TypeCommand, s.ClientID(), env.To, org, env.Payload, env.MessageID); err != nil {
				return err
			}
			n.stats.CommandRelayed()
			return nil
		}
	}

	if dest := n.localClient(org, env.To); dest != nil {
		if err := dest.Write(env, dest.replyWrapping()); err != nil {
			return err
		}
		n.stats.CommandRelayed()
		return nil
	}

	// Last resort: a gateway peer that recently proxied traffic for the
	// target may still reach it even without a registry row.
	if peers := n.dir.RelevantGateways(org, env.To); len(peers) > 0 {
		if err := n.sendProxy(peers[0], envelope.TypeCommand, s.ClientID(), env.To, org, env.Payload, env.MessageID); err != nil {
			return err
		}
		n.stats.CommandRelayed()
		return nil
	}

	n.log.Debug("no route for command",
		"client", s.ClientID(), "organization", org, "target", env.To)
	reply := envelope.Envelope{
		Type:         env.Type,
		From:         n.cfg.InstanceID,
		To:           s.ClientID(),
		MessageID:    env.MessageID,
		ErrorMessage: DestinationNotAvailable,
	}
	return s.Write(reply, s.replyWrapping())
}

// ---------------------------------------------------------------------------
// Control responses

// handleControl takes a control response off an agent stream and completes
// the matching pending request. When the request originated on another node
// the response is proxied back to it instead.
func (n *Node) handleControl(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if s.State() != StateAgentAuth {
		return violation(violationProtocol, ReasonProtocol)
	}

	var resp envelope.ControlResponse
	if err := env.UnmarshalPayload(&resp); err != nil {
		return fmt.Errorf("control response from %s: %w", s.ClientID(), err)
	}

	org := s.OrganizationID()
	if n.pending.Deliver(org, s.ClientID(), env.MessageID, resp) {
		return nil
	}

	if env.To != "" && env.To != n.cfg.InstanceID {
		if peer := n.dir.FirstGateway(func(g *Socket) bool {
			return g.State() == StateGatewayAuth && g.ClientID() == env.To
		}); peer != nil {
			return n.sendProxy(peer, envelope.TypeControl, s.ClientID(), env.To, org, env.Payload, env.MessageID)
		}
	}

	n.log.Debug("control response with no pending request",
		"client", s.ClientID(), "messageId", env.MessageID)
	return nil
}

// ---------------------------------------------------------------------------
// Proxy envelopes between nodes

// handleProxy unpacks an envelope relayed by a gateway peer. Anything that
// does not parse, names an unsupported inner type, or crosses tenants is
// counted and dropped; gateway streams are never closed over a bad proxy.
func (n *Node) handleProxy(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if s.State() != StateGatewayAuth {
		return violation(violationProtocol, ReasonProtocol)
	}

	var proxy envelope.ProxyEnvelope
	if err := env.UnmarshalPayload(&proxy); err != nil {
		metrics.InvalidProxy.Inc()
		n.log.Warn("malformed proxy envelope", "peer", s.ClientID(), "error", err)
		return nil
	}

	// The peer just vouched for this client; remember that for return-path
	// routing.
	if s.interest != nil && proxy.From != "" {
		s.interest.Mark(proxy.OrganizationID, proxy.From)
	}

	switch proxy.Type {
	case envelope.TypeCommand:
		return n.proxyCommand(s, env, proxy)
	case envelope.TypeControl:
		return n.proxyControl(s, env, proxy)
	case envelope.TypeList:
		n.pushListLocal(ctx, proxy.OrganizationID)
		return nil
	default:
		metrics.InvalidProxy.Inc()
		n.log.Warn("proxy envelope with unsupported inner type",
			"peer", s.ClientID(), "innerType", proxy.Type)
		return nil
	}
}

func (n *Node) proxyCommand(s *Socket, env envelope.Envelope, proxy envelope.ProxyEnvelope) error {
	dest := n.anyClient(proxy.To)
	if dest == nil {
		metrics.InvalidProxy.Inc()
		n.log.Debug("proxied command for unattached client", "target", proxy.To)
		return nil
	}
	if dest.OrganizationID() != proxy.OrganizationID {
		metrics.InvalidProxy.Inc()
		n.log.Warn("proxied command crosses tenants",
			"peer", s.ClientID(), "target", proxy.To)
		return nil
	}

	inner := envelope.Envelope{
		Type:      envelope.TypeCommand,
		From:      proxy.From,
		To:        proxy.To,
		MessageID: env.MessageID,
		Payload:   proxy.InnerMessage,
	}
	if err := dest.Write(inner, dest.replyWrapping()); err != nil {
		return err
	}
	n.stats.CommandRelayed()
	return nil
}

func (n *Node) proxyControl(s *Socket, env envelope.Envelope, proxy envelope.ProxyEnvelope) error {
	if dest := n.localClient(proxy.OrganizationID, proxy.To); dest != nil && dest.State() == StateAgentAuth {
		inner := envelope.Envelope{
			Type:      envelope.TypeControl,
			From:      proxy.From,
			To:        proxy.To,
			MessageID: env.MessageID,
			Payload:   proxy.InnerMessage,
		}
		return dest.Write(inner, envelope.Encrypt)
	}

	// Not for a local agent, so it is a response on its way back to the
	// node that issued the request.
	var resp envelope.ControlResponse
	if err := json.Unmarshal([]byte(proxy.InnerMessage), &resp); err != nil {
		metrics.InvalidProxy.Inc()
		n.log.Warn("malformed proxied control response", "peer", s.ClientID(), "error", err)
		return nil
	}
	if !n.pending.Deliver(proxy.OrganizationID, proxy.From, env.MessageID, resp) {
		n.log.Debug("proxied control response with no pending request",
			"from", proxy.From, "messageId", env.MessageID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Routing helpers

// sendProxy wraps an inner message for a gateway peer and records the
// peer's interest in the target.
func (n *Node) sendProxy(peer *Socket, innerType, from, to, organizationID, innerMessage, messageID string) error {
	outer := envelope.New(envelope.TypeProxy, n.cfg.InstanceID, peer.ClientID())
	if messageID != "" {
		outer.MessageID = messageID
	}
	err := outer.SetPayload(envelope.ProxyEnvelope{
		Type:           innerType,
		From:           from,
		To:             to,
		OrganizationID: organizationID,
		InnerMessage:   innerMessage,
	})
	if err != nil {
		return err
	}
	if err := peer.Write(outer, envelope.PlainText); err != nil {
		return err
	}
	if peer.interest != nil {
		peer.interest.Mark(organizationID, to)
	}
	return nil
}

// gatewayPeerFor resolves the authenticated gateway peer a registry row
// points at, falling back to recent interest when that gateway is not
// directly attached.
func (n *Node) gatewayPeerFor(gatewayID, organizationID, clientID string) *Socket {
	if gatewayID != "" && gatewayID != n.cfg.InstanceID {
		if peer := n.dir.FirstGateway(func(g *Socket) bool {
			return g.State() == StateGatewayAuth && g.ClientID() == gatewayID
		}); peer != nil {
			return peer
		}
	}
	if peers := n.dir.RelevantGateways(organizationID, clientID); len(peers) > 0 {
		return peers[0]
	}
	return nil
}

// localClient finds an authenticated portal or agent of the tenant attached
// to this node.
func (n *Node) localClient(organizationID, clientID string) *Socket {
	return n.dir.FirstClient(func(c *Socket) bool {
		return c.Authenticated() && c.ClientID() == clientID && c.OrganizationID() == organizationID
	})
}

// anyClient finds an authenticated client regardless of tenant. Used only
// for cross-tenant detection; routing always goes through tenant-scoped
// lookups.
func (n *Node) anyClient(clientID string) *Socket {
	return n.dir.FirstClient(func(c *Socket) bool {
		return c.Authenticated() && c.ClientID() == clientID
	})
}

// registryClient finds a live registry row for a client in the tenant.
func (n *Node) registryClient(organizationID, clientID string) (registry.Record, bool) {
	for _, rec := range n.registry.Agents(organizationID) {
		if rec.ClientID == clientID {
			return rec, true
		}
	}
	for _, rec := range n.registry.Portals(organizationID) {
		if rec.ClientID == clientID {
			return rec, true
		}
	}
	return registry.Record{}, false
}
