package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/metrics"
)

// pendingKey is tenant-scoped so a response can only ever complete a request
// aimed at the same organization and client.
type pendingKey struct {
	organizationID string
	clientID       string
	messageID      string
}

// pendingMap correlates in-flight control requests with their responses.
// Each entry is single-shot: delivery removes it, and the buffered channel
// lets the responder move on without waiting for the requester.
type pendingMap struct {
	mu      sync.Mutex
	waiters map[pendingKey]chan envelope.ControlResponse
}

func newPendingMap() *pendingMap {
	return &pendingMap{waiters: make(map[pendingKey]chan envelope.ControlResponse)}
}

// Register creates a buffered response channel for a request. Callers must
// register before sending the request so a fast response cannot race the
// registration. It returns an error if the key is already in flight.
func (p *pendingMap) Register(organizationID, clientID, messageID string) (chan envelope.ControlResponse, error) {
	key := pendingKey{organizationID, clientID, messageID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.waiters[key]; exists {
		return nil, fmt.Errorf("request %s for %s already pending", messageID, clientID)
	}
	ch := make(chan envelope.ControlResponse, 1)
	p.waiters[key] = ch
	metrics.PendingResponses.Set(float64(len(p.waiters)))
	return ch, nil
}

// Deliver routes a response to the waiting channel, if any. The send happens
// outside the lock so a waiter can never block the map.
func (p *pendingMap) Deliver(organizationID, clientID, messageID string, resp envelope.ControlResponse) bool {
	key := pendingKey{organizationID, clientID, messageID}

	p.mu.Lock()
	ch, ok := p.waiters[key]
	if ok {
		delete(p.waiters, key)
		metrics.PendingResponses.Set(float64(len(p.waiters)))
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
	default:
	}
	return true
}

// Cancel removes a pending entry if it still points at ch. The channel
// comparison keeps a late cancel from evicting a waiter that re-used the key.
func (p *pendingMap) Cancel(organizationID, clientID, messageID string, ch chan envelope.ControlResponse) {
	key := pendingKey{organizationID, clientID, messageID}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.waiters[key]; ok && cur == ch {
		delete(p.waiters, key)
		metrics.PendingResponses.Set(float64(len(p.waiters)))
	}
}

// Await blocks until a response is delivered or ctx is done. On timeout or
// cancellation the entry is removed so late responses are dropped.
func (p *pendingMap) Await(ctx context.Context, organizationID, clientID, messageID string, ch chan envelope.ControlResponse) (envelope.ControlResponse, error) {
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		p.Cancel(organizationID, clientID, messageID, ch)
		return envelope.ControlResponse{}, ctx.Err()
	}
}

func (p *pendingMap) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
