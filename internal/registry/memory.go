package registry

import (
	"fmt"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/relaymesh/relaymesh/internal/clock"
)

// Memory is an in-process Registry for single-node deployments. Rows live in
// an expiring cache sized by the retention window; the inactivity filter is
// applied on read.
type Memory struct {
	clk        clock.Clock
	inactivity time.Duration
	rows       *cache.Cache
}

// NewMemory returns a Registry backed by an in-process cache. Zero durations
// fall back to the package defaults.
func NewMemory(clk clock.Clock, inactivity, retention time.Duration) *Memory {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Memory{
		clk:        clk,
		inactivity: inactivity,
		rows:       cache.New(retention, retention/2),
	}
}

func rowKey(organizationID, clientID string) string {
	return fmt.Sprintf("%s::%s", organizationID, clientID)
}

func (m *Memory) Register(rec Record) bool {
	now := m.clk.Now()
	rec.LastUpdatedOn = now

	key := rowKey(rec.OrganizationID, rec.ClientID)
	if prev, ok := m.rows.Get(key); ok {
		// Re-registration keeps the original connect time.
		if rec.ConnectedOn.IsZero() {
			rec.ConnectedOn = prev.(Record).ConnectedOn
		}
	}
	if rec.ConnectedOn.IsZero() {
		rec.ConnectedOn = now
	}
	m.rows.Set(key, rec, cache.DefaultExpiration)
	return true
}

func (m *Memory) UpdateActivity(clientID, organizationID string) bool {
	key := rowKey(organizationID, clientID)
	v, ok := m.rows.Get(key)
	if !ok {
		return false
	}
	rec := v.(Record)
	rec.LastUpdatedOn = m.clk.Now()
	m.rows.Set(key, rec, cache.DefaultExpiration)
	return true
}

func (m *Memory) Deregister(connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) bool {
	key := rowKey(organizationID, clientID)
	v, ok := m.rows.Get(key)
	if !ok {
		return true
	}
	// A newer connection may own the row by now; leave it alone.
	if rec := v.(Record); rec.ConnectionID != "" && rec.ConnectionID != connectionID {
		return true
	}
	m.rows.Delete(key)
	return true
}

func (m *Memory) Agents(organizationID string) []Record {
	return m.list(organizationID, TypeAgent)
}

func (m *Memory) Portals(organizationID string) []Record {
	return m.list(organizationID, TypePortal)
}

func (m *Memory) list(organizationID, typ string) []Record {
	cutoff := m.clk.Now().Add(-m.inactivity)
	var out []Record
	for _, item := range m.rows.Items() {
		rec, ok := item.Object.(Record)
		if !ok {
			continue
		}
		if rec.OrganizationID != organizationID || rec.Type != typ {
			continue
		}
		if rec.LastUpdatedOn.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (m *Memory) PurgeStale() int {
	before := m.rows.ItemCount()
	m.rows.DeleteExpired()
	purged := before - m.rows.ItemCount()
	if purged < 0 {
		return 0
	}
	return purged
}
