package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/metrics"
	"github.com/relaymesh/relaymesh/internal/registry"
)

// Responses promised by the control conversation. Callers match the
// not-connected string verbatim.
const (
	msgNotConnected = "Client was not connected"
	msgSendFailed   = "Failed to send message to client: "
)

// ControlCommandRequest is an out-of-band agent control request arriving on
// the message bus.
type ControlCommandRequest struct {
	AgentID        string            `json:"agentId"`
	OrganizationID string            `json:"organizationId"`
	Command        string            `json:"command"`
	Settings       map[string]string `json:"settings,omitempty"`
}

// ControlCommandResponse reports the agent's answer, or why there is none.
// Settings carries the agent's raw output.
type ControlCommandResponse struct {
	AgentID        string `json:"agentId"`
	OrganizationID string `json:"organizationId"`
	Settings       string `json:"settings,omitempty"`
	Success        bool   `json:"success"`
	Message        string `json:"message,omitempty"`
}

// HandleControl relays a control request to the named agent and waits for
// its response, wherever in the fabric the agent is attached. It always
// returns a response; failures fold into Success and Message.
func (n *Node) HandleControl(ctx context.Context, req ControlCommandRequest) (resp ControlCommandResponse) {
	timer := prometheus.NewTimer(metrics.ControlRelayDuration)
	defer timer.ObserveDuration()

	resp = ControlCommandResponse{
		AgentID:        req.AgentID,
		OrganizationID: req.OrganizationID,
	}
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("control relay panicked", "agent", req.AgentID, "panic", r)
			resp.Success = false
			resp.Message = fmt.Sprintf("%s%v", msgSendFailed, r)
		}
	}()

	target, ok := n.registryAgent(req.OrganizationID, req.AgentID)
	if !ok {
		resp.Message = msgNotConnected
		return resp
	}

	payload, err := json.Marshal(envelope.ControlRequest{
		Command:  req.Command,
		Settings: req.Settings,
	})
	if err != nil {
		resp.Message = msgSendFailed + err.Error()
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, n.cfg.ControlTimeout)
	defer cancel()

	if target.GatewayID != "" && target.GatewayID != n.cfg.InstanceID {
		return n.controlViaGateway(ctx, resp, target, string(payload))
	}
	return n.controlLocal(ctx, resp, target, string(payload))
}

// controlLocal sends the control envelope straight down the agent's stream.
func (n *Node) controlLocal(ctx context.Context, resp ControlCommandResponse, target registry.Record, payload string) ControlCommandResponse {
	dest := n.localClient(resp.OrganizationID, target.ClientID)
	if dest == nil || dest.State() != StateAgentAuth {
		resp.Message = msgNotConnected
		return resp
	}

	env := envelope.New(envelope.TypeControl, n.cfg.InstanceID, target.ClientID)
	env.Payload = payload

	// Register before sending so a fast agent cannot race the waiter.
	ch, err := n.pending.Register(resp.OrganizationID, target.ClientID, env.MessageID)
	if err != nil {
		resp.Message = msgSendFailed + err.Error()
		return resp
	}
	if err := dest.Write(env, envelope.Encrypt); err != nil {
		n.pending.Cancel(resp.OrganizationID, target.ClientID, env.MessageID, ch)
		resp.Message = msgSendFailed + err.Error()
		return resp
	}
	return n.awaitControl(ctx, resp, target.ClientID, env.MessageID, ch)
}

// controlViaGateway wraps the control envelope for the gateway peer hosting
// the agent. The outer message id is the correlation key the response comes
// back under.
func (n *Node) controlViaGateway(ctx context.Context, resp ControlCommandResponse, target registry.Record, payload string) ControlCommandResponse {
	peer := n.gatewayPeerFor(target.GatewayID, resp.OrganizationID, target.ClientID)
	if peer == nil {
		resp.Message = msgNotConnected
		return resp
	}

	messageID := uuid.NewString()
	ch, err := n.pending.Register(resp.OrganizationID, target.ClientID, messageID)
	if err != nil {
		resp.Message = msgSendFailed + err.Error()
		return resp
	}
	if err := n.sendProxy(peer, envelope.TypeControl, n.cfg.InstanceID, target.ClientID, resp.OrganizationID, payload, messageID); err != nil {
		n.pending.Cancel(resp.OrganizationID, target.ClientID, messageID, ch)
		resp.Message = msgSendFailed + err.Error()
		return resp
	}
	return n.awaitControl(ctx, resp, target.ClientID, messageID, ch)
}

func (n *Node) awaitControl(ctx context.Context, resp ControlCommandResponse, clientID, messageID string, ch chan envelope.ControlResponse) ControlCommandResponse {
	r, err := n.pending.Await(ctx, resp.OrganizationID, clientID, messageID, ch)
	if err != nil {
		resp.Message = msgSendFailed + err.Error()
		return resp
	}
	resp.Settings = r.Output
	resp.Success = r.Success
	resp.Message = r.Message
	n.stats.ControlRelayed()
	return resp
}

// registryAgent finds the live agent row with the given registered agent id.
func (n *Node) registryAgent(organizationID, registeredAgentID string) (registry.Record, bool) {
	for _, rec := range n.registry.Agents(organizationID) {
		if rec.RegisteredAgentID == registeredAgentID {
			return rec, true
		}
	}
	return registry.Record{}, false
}
