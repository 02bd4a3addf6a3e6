// Package registry tracks which tenants' portals and agents are attached
// where in the fleet. Rows are tenant-scoped and expire in two stages: they
// stop appearing in list results after the inactivity window and are purged
// entirely after the retention window.
package registry

import "time"

// Client types stored in registry rows.
const (
	TypeAgent  = "Agent"
	TypePortal = "Portal"
)

// Defaults for the liveness and retention windows.
const (
	DefaultInactivity = 5 * time.Minute
	DefaultRetention  = 24 * time.Hour
)

// Record is one registry row. It is also the wire shape serialized into
// list responses to portals.
type Record struct {
	ClientID          string    `json:"clientId"`
	OrganizationID    string    `json:"organizationId"`
	Type              string    `json:"type"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	RegisteredAgentID string    `json:"registeredAgentId,omitempty"`
	ClientVersion     string    `json:"clientVersion,omitempty"`
	GatewayID         string    `json:"gatewayId,omitempty"`
	ClientIP          string    `json:"clientIp,omitempty"`
	ConnectedOn       time.Time `json:"connectedOn"`
	LastUpdatedOn     time.Time `json:"lastUpdatedOn"`
}

// Registry is the tenant registry port used by the relay engine.
//
// Register is create-or-update on (organizationId, clientId) and bumps
// lastUpdatedOn. Deregister of an absent row is a no-op that still reports
// true; it only reports false on a storage failure. Agents and Portals
// exclude rows idle longer than the inactivity window.
type Registry interface {
	Register(rec Record) bool
	UpdateActivity(clientID, organizationID string) bool
	Deregister(connectionID, clientID, organizationID string, bytesReceived, bytesSent uint64) bool
	Agents(organizationID string) []Record
	Portals(organizationID string) []Record
	PurgeStale() int
}
