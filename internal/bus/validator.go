package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/relaymesh/relaymesh/internal/relay"
)

// validateTimeout caps a single token-validation round trip. Auth handlers
// treat a timeout like a rejection, so a slow backend degrades to denied
// logins rather than hung streams.
const validateTimeout = 10 * time.Second

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenVerdict struct {
	Success           bool      `json:"success"`
	OrganizationID    string    `json:"organizationId,omitempty"`
	RegisteredAgentID string    `json:"registeredAgentId,omitempty"`
	Expires           time.Time `json:"expires,omitzero"`
	NewToken          string    `json:"newToken,omitempty"`
	Message           string    `json:"message,omitempty"`
}

// Validator answers token checks by asking the backend over the bus. It is
// the production implementation of the relay's TokenValidator port.
type Validator struct {
	bus     *Bus
	timeout time.Duration
}

// NewValidator wraps b. A non-positive timeout falls back to the default
// validation window.
func NewValidator(b *Bus, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = validateTimeout
	}
	return &Validator{bus: b, timeout: timeout}
}

// ValidateAgentToken runs the ValidateAgentRequestToken conversation.
func (v *Validator) ValidateAgentToken(ctx context.Context, token string) (relay.TokenValidation, error) {
	return v.exchange(ctx, convValidateAgent, topicValidateAgent, token)
}

// ValidatePortalToken runs the ValidateConnectRequestToken conversation.
func (v *Validator) ValidatePortalToken(ctx context.Context, token string) (relay.TokenValidation, error) {
	return v.exchange(ctx, convValidateConnect, topicValidateConnect, token)
}

func (v *Validator) exchange(ctx context.Context, conversation, topic, token string) (relay.TokenValidation, error) {
	body, err := v.bus.request(ctx, conversation, topic, tokenRequest{Token: token}, v.timeout)
	if err != nil {
		return relay.TokenValidation{}, err
	}
	var verdict tokenVerdict
	if err := json.Unmarshal(body, &verdict); err != nil {
		return relay.TokenValidation{}, fmt.Errorf("bus: decode %s reply: %w", conversation, err)
	}
	return relay.TokenValidation{
		Success:           verdict.Success,
		OrganizationID:    verdict.OrganizationID,
		RegisteredAgentID: verdict.RegisteredAgentID,
		Expires:           verdict.Expires,
		NewToken:          verdict.NewToken,
		Message:           verdict.Message,
	}, nil
}
