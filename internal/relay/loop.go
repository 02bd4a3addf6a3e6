package relay

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// AttachPortal runs the receive loop for a portal ingress stream. It blocks
// until the stream ends; the caller owns the goroutine.
func (n *Node) AttachPortal(ctx context.Context, conn *websocket.Conn, clientIP string) {
	n.runStream(ctx, newSocket(conn, n.codec, n.clk, n.stats, StatePortalUnauth, clientIP), true)
}

// AttachAgent runs the receive loop for an agent ingress stream.
func (n *Node) AttachAgent(ctx context.Context, conn *websocket.Conn, clientIP string) {
	n.runStream(ctx, newSocket(conn, n.codec, n.clk, n.stats, StateAgentUnauth, clientIP), true)
}

// AttachGateway runs the receive loop for a gateway ingress stream.
func (n *Node) AttachGateway(ctx context.Context, conn *websocket.Conn, clientIP string) {
	n.runStream(ctx, newSocket(conn, n.codec, n.clk, n.stats, StateGatewayUnauth, clientIP), true)
}

// runStream registers the socket, speaks first when this side is the
// welcoming one, and pumps frames until the stream dies. Teardown always
// goes through detach, so the disconnect hook runs exactly once.
func (n *Node) runStream(ctx context.Context, s *Socket, welcome bool) {
	role := s.State().Role()
	gateway := role == "gateway"

	if gateway {
		n.dir.AddGateway(s)
	} else {
		n.dir.AddClient(s)
	}
	metrics.ConnectionsActive.WithLabelValues(role).Inc()
	n.publishEvent(events.EventClientConnected, s, role+" stream attached")
	n.log.Debug("stream attached",
		"role", role, "remote", s.ClientIP(), "connection", s.ConnectionID())

	defer n.detach(s, role, gateway)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.BeginClose()
		case <-stop:
		}
	}()

	if s.GatewayURL() != "" && !n.cfg.DisablePing {
		go n.livenessLoop(ctx, s, stop)
	}

	if welcome {
		if err := n.sendWelcome(s); err != nil {
			n.log.Warn("welcome failed", "role", role, "remote", s.ClientIP(), "error", err)
			return
		}
	}
	n.readLoop(ctx, s)
}

func (n *Node) detach(s *Socket, role string, gateway bool) {
	if gateway {
		n.dir.RemoveGateway(s)
	} else {
		n.dir.RemoveClient(s)
	}
	metrics.ConnectionsActive.WithLabelValues(role).Dec()
	n.afterDisconnect(s)
	s.CloseNormal()
}

// sendWelcome opens the conversation on an ingress stream. Gateway ingress
// additionally carries the nonce that seeds the handshake.
func (n *Node) sendWelcome(s *Socket) error {
	welcome := envelope.Welcome{
		PublicKeyHash:           n.ident.Fingerprint(),
		MachineName:             n.cfg.InstanceID,
		ServerVersion:           n.version,
		AllowedProtocolVersions: n.protocolVersions,
	}
	if s.State() == StateGatewayUnauth {
		nonce := newNonce()
		s.setNonceSent(nonce)
		welcome.Nonce = nonce
	}

	env := envelope.New(envelope.TypeWelcome, n.cfg.InstanceID, "unknown")
	if err := env.SetPayload(welcome); err != nil {
		return err
	}
	return s.Write(env, envelope.PlainText)
}

// readLoop pumps inbound frames through the dispatch table. It owns all the
// per-frame policy: size caps, token expiry, wrapping inference, and the
// close-on-violation rules.
func (n *Node) readLoop(ctx context.Context, s *Socket) {
	s.conn.SetReadLimit(n.cfg.MaxMessageSize)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			n.logReadEnd(s, err)
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames are not part of the protocol.
			continue
		}
		s.noteReceived(len(data))
		n.stats.MessageReceived(len(data))
		metrics.BytesReceived.Add(float64(len(data)))

		state := s.State()
		if !state.Authenticated() && s.BytesReceived() > uint64(n.cfg.MaxBytesBeforeAuth) {
			n.closeViolation(s, violationOversize, ReasonTooMuchData)
			return
		}
		if exp := s.TokenExpiration(); state.Authenticated() && !exp.IsZero() && n.clk.Now().After(exp) {
			n.expireToken(s)
			return
		}

		env, err := n.decodeFrame(s, data)
		if err != nil {
			label := violationMalformed
			if errors.Is(err, envelope.ErrInvalidAuthentication) {
				label = violationBadAuth
			}
			n.log.Warn("frame rejected",
				"state", state.String(), "client", s.ClientID(), "error", err)
			n.closeViolation(s, label, ReasonProtocol)
			return
		}
		if env.Type == "" {
			n.log.Debug("envelope without type ignored", "client", s.ClientID())
			continue
		}
		metrics.MessagesReceived.WithLabelValues(env.Type).Inc()

		h, ok := n.dispatch[env.Type]
		if !ok {
			n.log.Debug("no behavior for envelope type",
				"type", env.Type, "client", s.ClientID())
			continue
		}
		if err := n.runBehavior(ctx, h, s, env, data); err != nil {
			var pv *policyViolation
			if errors.As(err, &pv) {
				n.closeViolation(s, pv.label, pv.reason)
				return
			}
			n.log.Error("behavior failed",
				"type", env.Type, "client", s.ClientID(), "error", err)
		}
	}
}

// decodeFrame removes the wrapping the connection state demands. The one
// exception is the agent bootstrap: the first signed frame is parsed without
// verification because the key to verify against rides inside it, and the
// auth behavior then proves possession against the raw frame.
func (n *Node) decodeFrame(s *Socket, data []byte) (envelope.Envelope, error) {
	w := s.State().InboundWrapping()
	if w == envelope.SignOnly && s.PublicKey() == nil {
		return n.codec.DecodeSignedUnverified(data)
	}
	return n.codec.Decode(data, w, s.PublicKey())
}

// expireToken warns the client and closes. The reason string doubles as the
// errorMessage so both surfaces tell the client the same thing.
func (n *Node) expireToken(s *Socket) {
	warn := envelope.New(envelope.TypeWarning, n.cfg.InstanceID, s.ClientID())
	warn.ErrorMessage = ReasonTokenExpired
	if err := s.Write(warn, s.replyWrapping()); err != nil {
		n.log.Debug("token expiry warning failed", "client", s.ClientID(), "error", err)
	}
	n.closeViolation(s, violationTokenExpired, ReasonTokenExpired)
}

// closeViolation counts the violation and closes with 1008. The reason
// strings are part of the wire contract.
func (n *Node) closeViolation(s *Socket, label, reason string) {
	metrics.PolicyViolations.WithLabelValues(label).Inc()
	n.log.Warn("policy violation",
		"reason", reason, "client", s.ClientID(), "state", s.State().String())
	s.ClosePolicy(reason)
}

func (n *Node) logReadEnd(s *Socket, err error) {
	if errors.Is(err, websocket.ErrReadLimit) {
		metrics.PolicyViolations.WithLabelValues(violationOversize).Inc()
		s.ClosePolicy(ReasonTooMuchData)
		n.log.Warn("frame exceeded message size limit", "client", s.ClientID())
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		n.log.Debug("stream closed by peer",
			"client", s.ClientID(), "code", closeErr.Code, "text", closeErr.Text)
		return
	}
	n.log.Debug("stream read ended", "client", s.ClientID(), "error", err)
}
