package relay

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"

	"golang.org/x/crypto/pbkdf2"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/identity"
	"github.com/relaymesh/relaymesh/internal/metrics"
	"github.com/relaymesh/relaymesh/internal/registry"
)

// Gateway handshake key derivation. Both sides stretch the shared secret the
// same way, so the parameters are part of the wire contract.
const (
	gatewayKeySalt       = "relaymesh-gateway-v1"
	gatewayKeyIterations = 4096
	gatewayKeyLen        = 32
)

// gatewayHash computes the handshake MAC: HMAC-SHA256 over the two nonces in
// the given order, keyed with a PBKDF2 stretch of the pre-shared key.
func gatewayHash(psk, nonceA, nonceB string) string {
	key := pbkdf2.Key([]byte(psk), []byte(gatewayKeySalt), gatewayKeyIterations, gatewayKeyLen, sha256.New)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(nonceA))
	mac.Write([]byte(nonceB))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func hashesEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

func newNonce() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// ---------------------------------------------------------------------------
// Portal authentication

// handleAuthPortal validates a portal token and replies with the verdict.
// A rejected portal keeps its stream: operators fix their token and retry on
// the same connection.
func (n *Node) handleAuthPortal(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	switch s.State() {
	case StatePortalUnauth, StatePortalAuth:
	default:
		return violation(violationProtocol, ReasonProtocol)
	}

	var req envelope.AuthRequest
	if err := env.UnmarshalPayload(&req); err != nil || req.Token == "" {
		return violation(violationBadAuth, ReasonAuthFailed)
	}

	verdict, err := n.validator.ValidatePortalToken(ctx, req.Token)
	if err != nil {
		n.log.Warn("portal token validation unavailable", "client", env.From, "error", err)
		verdict = TokenValidation{Message: "token validation unavailable"}
	}
	if verdict.Success && (env.From == "" || verdict.OrganizationID == "") {
		verdict = TokenValidation{Message: "token valid but identity incomplete"}
	}

	if verdict.Success {
		s.SetIdentity(env.From, verdict.OrganizationID)
		s.SetTokenExpiration(verdict.Expires)
		s.SetClientVersion(req.ClientVersion)
		s.SetMetadata(req.Metadata)
		s.SetState(StatePortalAuth)

		n.registry.Register(registry.Record{
			ClientID:       s.ClientID(),
			OrganizationID: s.OrganizationID(),
			Type:           registry.TypePortal,
			ConnectionID:   s.ConnectionID(),
			ClientVersion:  req.ClientVersion,
			GatewayID:      n.cfg.InstanceID,
			ClientIP:       s.ClientIP(),
			ConnectedOn:    s.ConnectedOn(),
			LastUpdatedOn:  n.clk.Now(),
		})
		n.stats.PortalConnected()
		n.publishEvent(events.EventClientAuth, s, "portal authenticated")
		n.log.Info("portal authenticated",
			"client", s.ClientID(), "organization", s.OrganizationID())
	} else {
		n.log.Info("portal authentication rejected",
			"client", env.From, "reason", verdict.Message)
	}

	// Portals never get replacement tokens; the reply shape just mirrors
	// the agent one.
	reply := envelope.New(envelope.TypeAuthPortal, n.cfg.InstanceID, env.From)
	if err := reply.SetPayload(envelope.AuthResult{Accepted: verdict.Success}); err != nil {
		return err
	}
	return s.Write(reply, envelope.PlainText)
}

// ---------------------------------------------------------------------------
// Agent authentication

// handleAuthAgent authenticates an agent stream. On first auth the frame
// itself is the possession proof: the JWS must verify against the public key
// declared inside it. Re-authentication arrives on the already-encrypted
// stream, where the token alone carries the trust.
func (n *Node) handleAuthAgent(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	firstAuth := s.State() == StateAgentUnauth
	switch s.State() {
	case StateAgentUnauth, StateAgentAuth:
	default:
		return violation(violationProtocol, ReasonProtocol)
	}

	var req envelope.AuthRequest
	if err := env.UnmarshalPayload(&req); err != nil || req.Token == "" || req.PublicKey == "" {
		return violation(violationBadAuth, ReasonAuthFailed)
	}
	if !n.allowedProtocol(req.ProtocolVersion) {
		n.log.Warn("agent protocol version not allowed",
			"client", env.From, "version", req.ProtocolVersion)
		return violation(violationProtocol, ReasonProtocol)
	}

	pub, err := identity.ParsePublicKey(req.PublicKey)
	if err != nil {
		return violation(violationBadAuth, ReasonAuthFailed)
	}
	if firstAuth {
		if err := n.codec.VerifySigned(raw, pub); err != nil {
			return violation(violationBadAuth, ReasonAuthFailed)
		}
	}

	verdict, err := n.validator.ValidateAgentToken(ctx, req.Token)
	if err != nil {
		n.log.Warn("agent token validation unavailable", "client", env.From, "error", err)
		verdict = TokenValidation{Message: "token validation unavailable"}
	}
	if verdict.Success && (env.From == "" || verdict.OrganizationID == "") {
		verdict = TokenValidation{Message: "token valid but identity incomplete"}
	}

	if verdict.Success {
		s.SetPublicKey(pub)
		s.SetIdentity(env.From, verdict.OrganizationID)
		s.SetRegisteredAgentID(verdict.RegisteredAgentID)
		s.SetTokenExpiration(verdict.Expires)
		s.SetClientVersion(req.ClientVersion)
		s.SetMetadata(req.Metadata)
		s.SetState(StateAgentAuth)

		n.registry.Register(registry.Record{
			ClientID:          s.ClientID(),
			OrganizationID:    s.OrganizationID(),
			Type:              registry.TypeAgent,
			ConnectionID:      s.ConnectionID(),
			RegisteredAgentID: verdict.RegisteredAgentID,
			ClientVersion:     req.ClientVersion,
			GatewayID:         n.cfg.InstanceID,
			ClientIP:          s.ClientIP(),
			ConnectedOn:       s.ConnectedOn(),
			LastUpdatedOn:     n.clk.Now(),
		})
		n.stats.AgentConnected()
		n.publishEvent(events.EventClientAuth, s, "agent authenticated")
		n.log.Info("agent authenticated",
			"client", s.ClientID(), "organization", s.OrganizationID(),
			"registeredAgent", verdict.RegisteredAgentID)

		if firstAuth {
			n.afterAuthenticated(ctx, s)
		}
	} else {
		n.log.Info("agent authentication rejected",
			"client", env.From, "reason", verdict.Message)
	}

	reply := envelope.New(envelope.TypeAuth, n.cfg.InstanceID, env.From)
	result := envelope.AuthResult{
		Accepted:         verdict.Success,
		WillReplaceToken: verdict.Success && verdict.NewToken != "",
	}
	if result.WillReplaceToken {
		result.NewToken = verdict.NewToken
	}
	if err := reply.SetPayload(result); err != nil {
		return err
	}
	// The reply is signed, not encrypted: a rejected agent has no trusted
	// key on file, and an accepted one still needs to see the verdict
	// before it switches to encrypted frames.
	return s.Write(reply, envelope.SignOnly)
}

// ---------------------------------------------------------------------------
// Gateway handshake

// handleWelcome runs on outward gateway streams only: the dialed node spoke
// first, and its welcome nonce seeds part two of the handshake.
func (n *Node) handleWelcome(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if s.GatewayURL() == "" || s.State() != StateGatewayUnauth {
		n.log.Debug("ignoring welcome on non-outward stream", "state", s.State().String())
		return nil
	}

	var welcome envelope.Welcome
	if err := env.UnmarshalPayload(&welcome); err != nil || welcome.Nonce == "" {
		return violation(violationBadHandshake, ReasonBadHandshake)
	}
	s.setNonceReceived(welcome.Nonce)

	nonce := newNonce()
	s.setNonceSent(nonce)

	reply := envelope.New(envelope.TypeAuthGateway, n.cfg.InstanceID, env.From)
	payload := envelope.GatewayAuth{
		Nonce: nonce,
		Hash:  gatewayHash(n.cfg.GatewayPSK, welcome.Nonce, nonce),
	}
	if err := reply.SetPayload(payload); err != nil {
		return err
	}
	return s.Write(reply, envelope.PlainText)
}

// handleAuthGateway covers both halves of the handshake. On ingress streams
// it verifies the dialer's proof over (welcomeNonce, dialerNonce) and answers
// with the mirrored proof; on outward streams it checks that answer.
func (n *Node) handleAuthGateway(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error {
	if s.State() != StateGatewayUnauth {
		if s.State() == StateGatewayAuth {
			n.log.Debug("duplicate gateway auth ignored", "peer", s.ClientID())
			return nil
		}
		return violation(violationProtocol, ReasonProtocol)
	}

	var auth envelope.GatewayAuth
	if err := env.UnmarshalPayload(&auth); err != nil {
		return violation(violationBadHandshake, ReasonBadHandshake)
	}

	if s.GatewayURL() == "" {
		return n.verifyGatewayIngress(s, env, auth)
	}
	return n.verifyGatewayReply(s, env, auth)
}

// verifyGatewayIngress is the welcoming side: it sent the nonce in its
// welcome and now checks the dialer's proof before answering with its own.
func (n *Node) verifyGatewayIngress(s *Socket, env envelope.Envelope, auth envelope.GatewayAuth) error {
	welcomeNonce := s.NonceSent()
	if welcomeNonce == "" || auth.Nonce == "" || env.From == "" {
		return violation(violationBadHandshake, ReasonBadHandshake)
	}

	want := gatewayHash(n.cfg.GatewayPSK, welcomeNonce, auth.Nonce)
	if !hashesEqual(auth.Hash, want) {
		n.log.Warn("gateway handshake hash mismatch", "peer", env.From)
		return violation(violationBadHandshake, ReasonBadHandshake)
	}

	s.setNonceReceived(auth.Nonce)
	s.SetIdentity(env.From, "")
	s.SetState(StateGatewayAuth)
	n.publishEvent(events.EventGatewayState, s, "gateway peer authenticated")
	n.log.Info("gateway peer authenticated", "peer", env.From)

	reply := envelope.New(envelope.TypeAuthGateway, n.cfg.InstanceID, env.From)
	payload := envelope.GatewayAuth{
		Hash:     gatewayHash(n.cfg.GatewayPSK, auth.Nonce, welcomeNonce),
		Accepted: true,
	}
	if err := reply.SetPayload(payload); err != nil {
		return err
	}
	return s.Write(reply, envelope.PlainText)
}

// verifyGatewayReply is the dialing side: the peer's answer must prove it
// knows the secret too, over the nonces in the mirrored order.
func (n *Node) verifyGatewayReply(s *Socket, env envelope.Envelope, auth envelope.GatewayAuth) error {
	want := gatewayHash(n.cfg.GatewayPSK, s.NonceSent(), s.NonceReceived())
	if !auth.Accepted || !hashesEqual(auth.Hash, want) {
		n.log.Warn("gateway rejected handshake", "gateway", s.GatewayURL())
		return violation(violationBadHandshake, ReasonBadHandshake)
	}

	s.SetIdentity(env.From, "")
	s.SetState(StateGatewayAuth)
	metrics.GatewayFailedAttempts.WithLabelValues(s.GatewayURL()).Set(0)
	n.publishEvent(events.EventGatewayState, s, "gateway connection established")
	n.log.Info("gateway connection established",
		"gateway", s.GatewayURL(), "peer", env.From)
	return nil
}
