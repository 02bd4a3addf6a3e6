package relay

import (
	"context"
	"fmt"

	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/envelope"
)

// behavior handles one envelope type on one stream. raw is the wire frame
// the envelope arrived in; agent authentication verifies its signature to
// prove key possession. A returned policyViolation closes the stream; any
// other error is logged and the receive loop continues.
type behavior func(ctx context.Context, s *Socket, env envelope.Envelope, raw []byte) error

// buildDispatch returns the fixed behavior table for a node role.
// Preconditions live inside each behavior; dispatch itself knows nothing
// about connection state.
func (n *Node) buildDispatch(role string) map[string]behavior {
	table := map[string]behavior{
		envelope.TypeAuthPortal:  n.handleAuthPortal,
		envelope.TypeAuth:        n.handleAuthAgent,
		envelope.TypeAuthGateway: n.handleAuthGateway,
		envelope.TypePing:        n.handlePing,
		envelope.TypePong:        n.handlePong,
		envelope.TypeList:        n.handleList,
		envelope.TypeCommand:     n.handleCommand,
		envelope.TypeControl:     n.handleControl,
		envelope.TypeProxy:       n.handleProxy,
	}
	if role == config.RoleService {
		// Only the service role dials outward, so only it ever receives
		// a welcome frame.
		table[envelope.TypeWelcome] = n.handleWelcome
	}
	return table
}

// runBehavior isolates behavior panics so one bad frame cannot take down
// the receive loop.
func (n *Node) runBehavior(ctx context.Context, h behavior, s *Socket, env envelope.Envelope, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("behavior for %s panicked: %v", env.Type, r)
		}
	}()
	return h(ctx, s, env, raw)
}
