package registry

import (
	"time"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/store"
)

// Persistent is a Registry backed by the node's BoltDB store, so rows
// survive restarts and are visible to operator tooling. Storage failures are
// logged and reported through the boolean results; readers degrade to empty
// lists.
type Persistent struct {
	st          *store.Store
	clk         clock.Clock
	log         *logging.Logger
	inactivity  time.Duration
	retention   time.Duration
	keepHistory bool
}

// NewPersistent returns a store-backed Registry. keepHistory controls
// whether finished connections are recorded in the history bucket.
func NewPersistent(st *store.Store, clk clock.Clock, log *logging.Logger, inactivity, retention time.Duration, keepHistory bool) *Persistent {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Persistent{
		st:          st,
		clk:         clk,
		log:         log,
		inactivity:  inactivity,
		retention:   retention,
		keepHistory: keepHistory,
	}
}

func (p *Persistent) Register(rec Record) bool {
	now := p.clk.Now()
	rec.LastUpdatedOn = now

	prev, found, err := p.st.GetClient(rec.OrganizationID, rec.ClientID)
	if err != nil {
		p.log.Error("registry lookup failed", "client", rec.ClientID, "error", err)
		return false
	}
	if found && rec.ConnectedOn.IsZero() {
		rec.ConnectedOn = prev.ConnectedOn
	}
	if rec.ConnectedOn.IsZero() {
		rec.ConnectedOn = now
	}

	if err := p.st.SaveClient(toRow(rec)); err != nil {
		p.log.Error("registry write failed", "client", rec.ClientID, "organization", rec.OrganizationID, "error", err)
		return false
	}
	return true
}

func (p *Persistent) UpdateActivity(clientID, organizationID string) bool {
	found, err := p.st.TouchClient(organizationID, clientID, p.clk.Now())
	if err != nil {
		p.log.Error("registry activity update failed", "client", clientID, "error", err)
		return false
	}
	return found
}

func (p *Persistent) Deregister(connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) bool {
	row, found, err := p.st.GetClient(organizationID, clientID)
	if err != nil {
		p.log.Error("registry lookup failed", "client", clientID, "error", err)
		return false
	}
	if !found {
		return true
	}
	// A newer connection may own the row by now; leave it alone but still
	// record the finished connection.
	owned := row.ConnectionID == "" || row.ConnectionID == connectionID

	if p.keepHistory {
		entry := store.HistoryEntry{
			ClientID:       clientID,
			OrganizationID: organizationID,
			Type:           row.Type,
			ConnectionID:   connectionID,
			ClientVersion:  row.ClientVersion,
			ClientIP:       row.ClientIP,
			GatewayID:      row.GatewayID,
			ConnectedOn:    row.ConnectedOn,
			DisconnectedOn: p.clk.Now(),
			BytesReceived:  bytesReceived,
			BytesSent:      bytesSent,
		}
		if err := p.st.AppendHistory(entry); err != nil {
			p.log.Warn("connection history write failed", "client", clientID, "error", err)
		}
	}

	if !owned {
		return true
	}
	if err := p.st.DeleteClient(organizationID, clientID); err != nil {
		p.log.Error("registry delete failed", "client", clientID, "error", err)
		return false
	}
	return true
}

func (p *Persistent) Agents(organizationID string) []Record {
	return p.list(organizationID, TypeAgent)
}

func (p *Persistent) Portals(organizationID string) []Record {
	return p.list(organizationID, TypePortal)
}

func (p *Persistent) list(organizationID, typ string) []Record {
	rows, err := p.st.ClientsByOrg(organizationID, typ)
	if err != nil {
		p.log.Error("registry list failed", "organization", organizationID, "type", typ, "error", err)
		return nil
	}
	cutoff := p.clk.Now().Add(-p.inactivity)
	var out []Record
	for _, row := range rows {
		if row.LastUpdatedOn.Before(cutoff) {
			continue
		}
		out = append(out, fromRow(row))
	}
	return out
}

func (p *Persistent) PurgeStale() int {
	cutoff := p.clk.Now().Add(-p.retention)
	purged, err := p.st.PurgeClients(cutoff)
	if err != nil {
		p.log.Error("registry purge failed", "error", err)
		return 0
	}
	if p.keepHistory {
		if _, err := p.st.PurgeHistory(cutoff); err != nil {
			p.log.Warn("history purge failed", "error", err)
		}
	}
	return purged
}

func toRow(rec Record) store.ClientRecord {
	return store.ClientRecord{
		ClientID:          rec.ClientID,
		OrganizationID:    rec.OrganizationID,
		Type:              rec.Type,
		ConnectionID:      rec.ConnectionID,
		RegisteredAgentID: rec.RegisteredAgentID,
		ClientVersion:     rec.ClientVersion,
		GatewayID:         rec.GatewayID,
		ClientIP:          rec.ClientIP,
		ConnectedOn:       rec.ConnectedOn,
		LastUpdatedOn:     rec.LastUpdatedOn,
	}
}

func fromRow(row store.ClientRecord) Record {
	return Record{
		ClientID:          row.ClientID,
		OrganizationID:    row.OrganizationID,
		Type:              row.Type,
		ConnectionID:      row.ConnectionID,
		RegisteredAgentID: row.RegisteredAgentID,
		ClientVersion:     row.ClientVersion,
		GatewayID:         row.GatewayID,
		ClientIP:          row.ClientIP,
		ConnectedOn:       row.ConnectedOn,
		LastUpdatedOn:     row.LastUpdatedOn,
	}
}
