package bus

import (
	"context"
	"time"

	"github.com/relaymesh/relaymesh/internal/relay"
)

// AgentActivityMessage is the wire shape of an agent lifecycle announcement.
type AgentActivityMessage struct {
	ActivityType      string            `json:"activityType"`
	ConnectedOn       time.Time         `json:"connectedOn"`
	RegisteredAgentID string            `json:"registeredAgentId"`
	OrganizationID    string            `json:"organizationId"`
	ClientVersion     string            `json:"clientVersion,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// PublicKeyMessage announces this node's envelope-crypto public key so that
// backends can verify Sign-Only frames and encrypt toward the node. Published
// retained: late subscribers get the latest key immediately.
type PublicKeyMessage struct {
	Hash         string    `json:"hash"`
	PEM          string    `json:"pem"`
	InstanceName string    `json:"instanceName"`
	Expires      time.Time `json:"expires,omitzero"`
}

// PublishAgentActivity implements the relay's ActivityPublisher port.
func (b *Bus) PublishAgentActivity(_ context.Context, a relay.AgentActivity) error {
	msg := AgentActivityMessage{
		ActivityType:      a.ActivityType,
		ConnectedOn:       a.ConnectedOn,
		RegisteredAgentID: a.RegisteredAgentID,
		OrganizationID:    a.OrganizationID,
		ClientVersion:     a.ClientVersion,
		Metadata:          a.Metadata,
	}
	return b.publishBody(convActivity, topicAgentActivity, msg, false, 0)
}

// PublishPublicKey publishes the node key announcement, retained.
func (b *Bus) PublishPublicKey(msg PublicKeyMessage) error {
	return b.publishBody(convPublicKey, topicPublicKey, msg, true, 0)
}
