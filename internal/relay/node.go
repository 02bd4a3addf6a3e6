package relay

import (
	"context"
	"errors"
	"time"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/identity"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/registry"
)

// TokenValidation is the backend's verdict on a presented token.
type TokenValidation struct {
	Success           bool
	OrganizationID    string
	RegisteredAgentID string
	Expires           time.Time
	NewToken          string
	Message           string
}

// TokenValidator checks portal and agent tokens against the backend.
// Implementations typically ride the message bus.
type TokenValidator interface {
	ValidatePortalToken(ctx context.Context, token string) (TokenValidation, error)
	ValidateAgentToken(ctx context.Context, token string) (TokenValidation, error)
}

// AgentActivity describes an agent lifecycle transition announced to the
// backend.
type AgentActivity struct {
	ActivityType      string // Connected, Ping, or Disconnected
	ConnectedOn       time.Time
	RegisteredAgentID string
	OrganizationID    string
	ClientVersion     string
	Metadata          map[string]string
}

// Activity type values.
const (
	ActivityConnected    = "Connected"
	ActivityPing         = "Ping"
	ActivityDisconnected = "Disconnected"
)

// ActivityPublisher announces agent lifecycle transitions. Failures are
// logged and swallowed; they never fail the triggering request.
type ActivityPublisher interface {
	PublishAgentActivity(ctx context.Context, a AgentActivity) error
}

// Deps are the collaborators a Node needs. Validator and Activity may be nil
// when no message bus is configured; tokens are then rejected and activity
// notifications dropped.
type Deps struct {
	Config    *config.Config
	Log       *logging.Logger
	Clock     clock.Clock
	Identity  *identity.Identity
	Registry  registry.Registry
	Validator TokenValidator
	Activity  ActivityPublisher
	Events    *events.Bus
	Version   string
}

// Node is the relay engine of one process: it owns the local directory of
// attached streams, the behavior dispatch, the pending-response correlator,
// and the identity used for envelope crypto.
type Node struct {
	cfg       *config.Config
	log       *logging.Logger
	clk       clock.Clock
	ident     *identity.Identity
	codec     *envelope.Codec
	registry  registry.Registry
	validator TokenValidator
	activity  ActivityPublisher
	events    *events.Bus
	version   string

	dir      *directory
	pending  *pendingMap
	stats    *StatsRecorder
	dispatch map[string]behavior

	protocolVersions []int
	startedOn        time.Time
}

// New wires a relay node engine. The configuration must already be
// validated.
func New(d Deps) (*Node, error) {
	if d.Config == nil || d.Log == nil || d.Clock == nil || d.Identity == nil || d.Registry == nil {
		return nil, errors.New("relay: missing required dependency")
	}
	if d.Events == nil {
		d.Events = events.New()
	}
	if d.Validator == nil {
		d.Validator = rejectValidator{}
	}
	if d.Activity == nil {
		d.Activity = nopActivity{}
	}
	versions, err := d.Config.ProtocolVersions()
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:              d.Config,
		log:              d.Log,
		clk:              d.Clock,
		ident:            d.Identity,
		codec:            envelope.NewCodec(d.Identity.Key()),
		registry:         d.Registry,
		validator:        d.Validator,
		activity:         d.Activity,
		events:           d.Events,
		version:          d.Version,
		dir:              newDirectory(),
		pending:          newPendingMap(),
		stats:            &StatsRecorder{},
		protocolVersions: versions,
		startedOn:        d.Clock.Now(),
	}
	n.dispatch = n.buildDispatch(d.Config.Role)
	return n, nil
}

// InstanceID is this node's fleet-unique identifier.
func (n *Node) InstanceID() string { return n.cfg.InstanceID }

// Role is "service" or "gateway".
func (n *Node) Role() string { return n.cfg.Role }

// Version is the build version stamped into welcome frames.
func (n *Node) Version() string { return n.version }

// StartedOn is when this engine was constructed.
func (n *Node) StartedOn() time.Time { return n.startedOn }

// Stats exposes the per-day counters for the maintenance flusher.
func (n *Node) Stats() *StatsRecorder { return n.stats }

// ConnectionCounts reports (clients, gateways) currently attached.
func (n *Node) ConnectionCounts() (int, int) { return n.dir.Counts() }

// Shutdown begins a graceful close on every attached stream. Receive loops
// drain until the peer acknowledges or the drain deadline fires, then unwind
// through their disconnect hooks.
func (n *Node) Shutdown() {
	for _, s := range n.dir.Clients() {
		s.BeginClose()
	}
	for _, s := range n.dir.Gateways() {
		s.BeginClose()
	}
}

func (n *Node) allowedProtocol(v int) bool {
	for _, allowed := range n.protocolVersions {
		if v == allowed {
			return true
		}
	}
	return false
}

// publishEvent feeds the SSE stream. Best effort by construction: the bus
// drops events for slow subscribers.
func (n *Node) publishEvent(typ events.EventType, s *Socket, msg string) {
	n.events.Publish(events.SSEEvent{
		Type:           typ,
		ClientID:       s.ClientID(),
		OrganizationID: s.OrganizationID(),
		Role:           s.State().Role(),
		Message:        msg,
		Timestamp:      n.clk.Now(),
	})
}

// rejectValidator stands in when no message bus is configured to answer
// validation requests.
type rejectValidator struct{}

func (rejectValidator) ValidatePortalToken(context.Context, string) (TokenValidation, error) {
	return TokenValidation{Message: "token validation unavailable"}, nil
}

func (rejectValidator) ValidateAgentToken(context.Context, string) (TokenValidation, error) {
	return TokenValidation{Message: "token validation unavailable"}, nil
}

type nopActivity struct{}

func (nopActivity) PublishAgentActivity(context.Context, AgentActivity) error { return nil }
