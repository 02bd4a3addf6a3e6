package relay

import "sync/atomic"

// Stats is one drained batch of daily counters.
type Stats struct {
	MessagesReceived uint64
	MessagesSent     uint64
	BytesReceived    uint64
	BytesSent        uint64
	AgentConnects    uint64
	PortalConnects   uint64
	CommandsRelayed  uint64
	ControlsRelayed  uint64
}

// Empty reports whether the batch carries nothing worth persisting.
func (s Stats) Empty() bool {
	return s == Stats{}
}

// StatsRecorder accumulates relay counters with atomic adds on the hot path.
// The maintenance loop drains it periodically into the statistics bucket.
type StatsRecorder struct {
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	bytesReceived    atomic.Uint64
	bytesSent        atomic.Uint64
	agentConnects    atomic.Uint64
	portalConnects   atomic.Uint64
	commandsRelayed  atomic.Uint64
	controlsRelayed  atomic.Uint64
}

func (r *StatsRecorder) MessageReceived(bytes int) {
	r.messagesReceived.Add(1)
	r.bytesReceived.Add(uint64(bytes))
}

func (r *StatsRecorder) MessageSent(bytes int) {
	r.messagesSent.Add(1)
	r.bytesSent.Add(uint64(bytes))
}

func (r *StatsRecorder) AgentConnected()  { r.agentConnects.Add(1) }
func (r *StatsRecorder) PortalConnected() { r.portalConnects.Add(1) }
func (r *StatsRecorder) CommandRelayed()  { r.commandsRelayed.Add(1) }
func (r *StatsRecorder) ControlRelayed()  { r.controlsRelayed.Add(1) }

// Drain returns the counts accumulated since the previous drain and resets
// them to zero.
func (r *StatsRecorder) Drain() Stats {
	return Stats{
		MessagesReceived: r.messagesReceived.Swap(0),
		MessagesSent:     r.messagesSent.Swap(0),
		BytesReceived:    r.bytesReceived.Swap(0),
		BytesSent:        r.bytesSent.Swap(0),
		AgentConnects:    r.agentConnects.Swap(0),
		PortalConnects:   r.portalConnects.Swap(0),
		CommandsRelayed:  r.commandsRelayed.Swap(0),
		ControlsRelayed:  r.controlsRelayed.Swap(0),
	}
}
