package relay

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// closeGrace bounds how long a close frame may sit in the kernel buffer
// before the connection is torn down anyway.
const closeGrace = time.Second

// closeDrain bounds how long a gracefully closed stream may keep the
// receive loop alive while the peer acknowledges the close.
const closeDrain = 10 * time.Second

// Socket is the per-stream state: identity established at authentication,
// cryptographic material, activity counters, and the write serializer that
// keeps concurrent senders from interleaving frames on the wire.
type Socket struct {
	conn  *websocket.Conn
	codec *envelope.Codec
	clk   clock.Clock
	stats *StatsRecorder

	connectionID string
	clientIP     string
	connectedOn  time.Time

	// gatewayURL is set only on outward gateway streams; it doubles as the
	// label on the failed-attempts gauge.
	gatewayURL string

	// writeMu linearizes whole frames. Behaviors on other streams write
	// here concurrently with this stream's own receive loop.
	writeMu sync.Mutex

	mu                sync.RWMutex
	state             ConnectionState
	clientID          string
	organizationID    string
	registeredAgentID string
	clientVersion     string
	metadata          map[string]string
	impersonated      bool
	clientPublicKey   *rsa.PublicKey
	tokenExpiration   time.Time
	nonceSent         string
	nonceReceived     string

	lastReceived  atomic.Int64 // unix nanos
	lastSent      atomic.Int64
	bytesReceived atomic.Uint64
	bytesSent     atomic.Uint64

	// interest is non-nil only on outward gateway streams.
	interest *interestMap

	closed atomic.Bool
}

func newSocket(conn *websocket.Conn, codec *envelope.Codec, clk clock.Clock, stats *StatsRecorder, initial ConnectionState, clientIP string) *Socket {
	s := &Socket{
		conn:         conn,
		codec:        codec,
		clk:          clk,
		stats:        stats,
		connectionID: newConnectionID(),
		clientIP:     clientIP,
		connectedOn:  clk.Now(),
		state:        initial,
	}
	if initial == StateGatewayUnauth {
		s.interest = newInterestMap(clk)
	}
	s.lastReceived.Store(clk.Now().UnixNano())
	return s
}

// newOutwardSocket builds the socket for a keeper-owned dial to a gateway.
// Outward streams start in GatewayUnauth and carry the interest map used for
// return-path routing.
func newOutwardSocket(conn *websocket.Conn, codec *envelope.Codec, clk clock.Clock, stats *StatsRecorder, gatewayURL string) *Socket {
	s := newSocket(conn, codec, clk, stats, StateGatewayUnauth, "")
	s.gatewayURL = gatewayURL
	return s
}

func newConnectionID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("conn-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Write serializes env, applies the wrapping, and sends it as one text
// frame. Encrypt writes require the peer's public key from authentication.
func (s *Socket) Write(env envelope.Envelope, w envelope.Wrapping) error {
	var recipient *rsa.PublicKey
	if w == envelope.Encrypt {
		recipient = s.PublicKey()
		if recipient == nil {
			return fmt.Errorf("no public key for encrypted write to %q", s.ClientID())
		}
	}
	data, err := s.codec.Encode(env, w, recipient)
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s envelope: %w", env.Type, err)
	}
	s.lastSent.Store(s.clk.Now().UnixNano())
	s.bytesSent.Add(uint64(len(data)))
	s.stats.MessageSent(len(data))
	metrics.MessagesSent.Inc()
	metrics.BytesSent.Add(float64(len(data)))
	return nil
}

// ClosePolicy sends a 1008 close frame carrying reason and tears the
// connection down. Safe to call more than once.
func (s *Socket) ClosePolicy(reason string) {
	s.close(websocket.ClosePolicyViolation, reason)
}

// CloseNormal sends a 1000 close frame and tears the connection down.
func (s *Socket) CloseNormal() {
	s.close(websocket.CloseNormalClosure, "")
}

// BeginClose starts a graceful shutdown: it sends a normal close frame and
// bounds the drain with a read deadline, so the receive loop exits when the
// peer acknowledges or the deadline fires, whichever comes first.
func (s *Socket) BeginClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.writeMu.Lock()
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	s.writeMu.Unlock()
	s.conn.SetReadDeadline(time.Now().Add(closeDrain))
}

func (s *Socket) close(code int, reason string) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	// Close frame payloads are capped at 125 bytes by the protocol.
	if len(reason) > 123 {
		reason = reason[:123]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	s.conn.Close()
}

// Closed reports whether this side already tore the connection down.
func (s *Socket) Closed() bool { return s.closed.Load() }

// ---------------------------------------------------------------------------
// Identity

// SetIdentity records the authenticated identity. clientId and
// organizationId never change once set; re-authentication refreshes only the
// remaining fields.
func (s *Socket) SetIdentity(clientID, organizationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientID == "" {
		s.clientID = clientID
	}
	if s.organizationID == "" {
		s.organizationID = organizationID
	}
}

func (s *Socket) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Socket) OrganizationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.organizationID
}

func (s *Socket) SetRegisteredAgentID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registeredAgentID = id
}

func (s *Socket) RegisteredAgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registeredAgentID
}

func (s *Socket) SetClientVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientVersion = v
}

func (s *Socket) ClientVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientVersion
}

func (s *Socket) SetMetadata(md map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata = md
}

func (s *Socket) Metadata() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

func (s *Socket) SetImpersonated(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.impersonated = v
}

func (s *Socket) Impersonated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.impersonated
}

// ---------------------------------------------------------------------------
// State and key material

func (s *Socket) State() ConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Socket) SetState(st ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *Socket) Authenticated() bool { return s.State().Authenticated() }

// replyWrapping is the wrapping for frames this node originates on the
// stream. Authenticated agents get encrypted frames; everyone else gets
// plaintext. Auth replies choose their wrapping explicitly instead.
func (s *Socket) replyWrapping() envelope.Wrapping {
	if s.State() == StateAgentAuth {
		return envelope.Encrypt
	}
	return envelope.PlainText
}

// GatewayURL is the dial target of an outward gateway stream, empty on
// ingress streams.
func (s *Socket) GatewayURL() string { return s.gatewayURL }

func (s *Socket) SetPublicKey(key *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientPublicKey = key
}

func (s *Socket) PublicKey() *rsa.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientPublicKey
}

func (s *Socket) SetTokenExpiration(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenExpiration = t
}

func (s *Socket) TokenExpiration() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokenExpiration
}

func (s *Socket) setNonceSent(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceSent = n
}

func (s *Socket) NonceSent() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonceSent
}

func (s *Socket) setNonceReceived(n string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonceReceived = n
}

func (s *Socket) NonceReceived() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonceReceived
}

// ---------------------------------------------------------------------------
// Lifecycle and counters

func (s *Socket) ConnectionID() string { return s.connectionID }
func (s *Socket) ClientIP() string     { return s.clientIP }
func (s *Socket) ConnectedOn() time.Time {
	return s.connectedOn
}

func (s *Socket) noteReceived(n int) {
	s.lastReceived.Store(s.clk.Now().UnixNano())
	s.bytesReceived.Add(uint64(n))
}

func (s *Socket) LastReceived() time.Time {
	return time.Unix(0, s.lastReceived.Load())
}

func (s *Socket) LastSent() time.Time {
	return time.Unix(0, s.lastSent.Load())
}

func (s *Socket) BytesReceived() uint64 { return s.bytesReceived.Load() }
func (s *Socket) BytesSent() uint64     { return s.bytesSent.Load() }
