package relay

import "sync"

// directory tracks the streams attached to this node. Portal and agent
// sockets share one list; gateway peers (outward dials and authenticated
// ingress) live in another. Snapshots are copies so callers iterate without
// holding the lock.
type directory struct {
	mu       sync.RWMutex
	clients  []*Socket
	gateways []*Socket
}

func newDirectory() *directory {
	return &directory{}
}

func (d *directory) AddClient(s *Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = append(d.clients, s)
}

func (d *directory) RemoveClient(s *Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients = remove(d.clients, s)
}

func (d *directory) AddGateway(s *Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways = append(d.gateways, s)
}

func (d *directory) RemoveGateway(s *Socket) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gateways = remove(d.gateways, s)
}

func remove(list []*Socket, s *Socket) []*Socket {
	out := list[:0]
	for _, cur := range list {
		if cur != s {
			out = append(out, cur)
		}
	}
	// Drop the trailing pointer so the removed socket can be collected.
	for i := len(out); i < len(list); i++ {
		list[i] = nil
	}
	return out
}

// Clients returns a snapshot of the portal and agent streams.
func (d *directory) Clients() []*Socket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Socket, len(d.clients))
	copy(out, d.clients)
	return out
}

// Gateways returns a snapshot of the gateway peer streams.
func (d *directory) Gateways() []*Socket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Socket, len(d.gateways))
	copy(out, d.gateways)
	return out
}

// FirstClient returns the first client stream matching pred, or nil.
func (d *directory) FirstClient(pred func(*Socket) bool) *Socket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.clients {
		if pred(s) {
			return s
		}
	}
	return nil
}

// FirstGateway returns the first gateway stream matching pred, or nil.
func (d *directory) FirstGateway(pred func(*Socket) bool) *Socket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.gateways {
		if pred(s) {
			return s
		}
	}
	return nil
}

// RelevantGateways returns the authenticated gateway peers whose
// recent-interest map has seen the given client.
func (d *directory) RelevantGateways(organizationID, clientID string) []*Socket {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*Socket
	for _, s := range d.gateways {
		if s.State() != StateGatewayAuth || s.interest == nil {
			continue
		}
		if s.interest.Contains(organizationID, clientID) {
			out = append(out, s)
		}
	}
	return out
}

// Counts reports (clients, gateways) currently attached.
func (d *directory) Counts() (int, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.clients), len(d.gateways)
}
