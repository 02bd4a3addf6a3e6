package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketClients    = []byte("clients")
	bucketHistory    = []byte("history")
	bucketStatistics = []byte("statistics")
)

// DayFormat is the bucket key layout for daily statistics rows.
const DayFormat = "2006-01-02"

// ClientRecord is one row of the tenant registry: a portal or agent known to
// be attached somewhere in the fleet. Key is (organization_id, client_id).
type ClientRecord struct {
	ClientID          string    `json:"client_id"`
	OrganizationID    string    `json:"organization_id"`
	Type              string    `json:"type"` // "Agent" or "Portal"
	ConnectionID      string    `json:"connection_id"`
	RegisteredAgentID string    `json:"registered_agent_id,omitempty"`
	ClientVersion     string    `json:"client_version,omitempty"`
	GatewayID         string    `json:"gateway_id,omitempty"`
	ClientIP          string    `json:"client_ip,omitempty"`
	ConnectedOn       time.Time `json:"connected_on"`
	LastUpdatedOn     time.Time `json:"last_updated_on"`
}

// HistoryEntry records one finished connection for audit purposes.
type HistoryEntry struct {
	ClientID       string    `json:"client_id"`
	OrganizationID string    `json:"organization_id"`
	Type           string    `json:"type"`
	ConnectionID   string    `json:"connection_id"`
	ClientVersion  string    `json:"client_version,omitempty"`
	ClientIP       string    `json:"client_ip,omitempty"`
	GatewayID      string    `json:"gateway_id,omitempty"`
	ConnectedOn    time.Time `json:"connected_on"`
	DisconnectedOn time.Time `json:"disconnected_on"`
	BytesReceived  uint64    `json:"bytes_received"`
	BytesSent      uint64    `json:"bytes_sent"`
}

// DailyStats accumulates relay counters for one calendar day (UTC).
type DailyStats struct {
	Day              string `json:"day"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	BytesReceived    uint64 `json:"bytes_received"`
	BytesSent        uint64 `json:"bytes_sent"`
	AgentConnects    uint64 `json:"agent_connects"`
	PortalConnects   uint64 `json:"portal_connects"`
	CommandsRelayed  uint64 `json:"commands_relayed"`
	ControlsRelayed  uint64 `json:"controls_relayed"`
}

// Store wraps a BoltDB database for relay node persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketClients, bucketHistory, bucketStatistics} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func clientKey(organizationID, clientID string) []byte {
	return []byte(fmt.Sprintf("%s::%s", organizationID, clientID))
}

// SaveClient creates or overwrites a registry row.
func (s *Store) SaveClient(rec ClientRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal client record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		return b.Put(clientKey(rec.OrganizationID, rec.ClientID), data)
	})
}

// GetClient looks up one registry row. The bool reports whether it exists.
func (s *Store) GetClient(organizationID, clientID string) (ClientRecord, bool, error) {
	var rec ClientRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		v := b.Get(clientKey(organizationID, clientID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal client record: %w", err)
		}
		found = true
		return nil
	})
	return rec, found, err
}

// TouchClient bumps last_updated_on on an existing row. Returns false when
// the row does not exist.
func (s *Store) TouchClient(organizationID, clientID string, at time.Time) (bool, error) {
	var found bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		key := clientKey(organizationID, clientID)
		v := b.Get(key)
		if v == nil {
			return nil
		}
		var rec ClientRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal client record: %w", err)
		}
		rec.LastUpdatedOn = at
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal client record: %w", err)
		}
		found = true
		return b.Put(key, data)
	})
	return found, err
}

// DeleteClient removes a registry row. Deleting an absent key is a no-op.
func (s *Store) DeleteClient(organizationID, clientID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		return b.Delete(clientKey(organizationID, clientID))
	})
}

// ClientsByOrg returns all rows of one tenant with the given type
// ("Agent" or "Portal"). An empty type matches every row of the tenant.
func (s *Store) ClientsByOrg(organizationID, typ string) ([]ClientRecord, error) {
	var records []ClientRecord
	prefix := []byte(organizationID + "::")

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		c := b.Cursor()

		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec ClientRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue // skip malformed rows
			}
			if typ != "" && rec.Type != typ {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// PurgeClients deletes rows whose last_updated_on is before cutoff and
// returns how many were removed.
func (s *Store) PurgeClients(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClients)
		c := b.Cursor()

		// Collect keys first, then delete; deleting while iterating a
		// cursor skips entries.
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec ClientRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.LastUpdatedOn.Before(cutoff) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				keys = append(keys, keyCopy)
			}
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(keys)
		return nil
	})
	return purged, err
}

// AppendHistory writes a finished-connection row to the history bucket.
// Key format: "{RFC3339Nano}::{connectionId}" for chronological ordering.
func (s *Store) AppendHistory(entry HistoryEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal history entry: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		key := []byte(fmt.Sprintf("%s::%s", entry.DisconnectedOn.UTC().Format(time.RFC3339Nano), entry.ConnectionID))
		return b.Put(key, data)
	})
}

// ListHistory returns the most recent connection history rows, up to limit.
func (s *Store) ListHistory(limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		// Walk backwards from the end (newest first).
		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

// ListHistoryByClient returns history rows filtered by client id, newest
// first, up to limit.
func (s *Store) ListHistoryByClient(clientID string, limit int) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(entries) < limit; k, v = c.Prev() {
			var entry HistoryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.ClientID == clientID {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	return entries, err
}

// PurgeHistory deletes history rows older than cutoff and returns how many
// were removed. Keys sort chronologically, so the walk stops at the first
// key past the cutoff.
func (s *Store) PurgeHistory(cutoff time.Time) (int, error) {
	var purged int
	boundary := []byte(cutoff.UTC().Format(time.RFC3339Nano))

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, boundary) < 0; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(keys)
		return nil
	})
	return purged, err
}

// AddDailyStats adds delta onto the row for the given day, creating it if
// needed. The read-modify-write runs in one transaction.
func (s *Store) AddDailyStats(day string, delta DailyStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatistics)
		key := []byte(day)

		cur := DailyStats{Day: day}
		if v := b.Get(key); v != nil {
			if err := json.Unmarshal(v, &cur); err != nil {
				return fmt.Errorf("unmarshal daily stats: %w", err)
			}
		}

		cur.MessagesReceived += delta.MessagesReceived
		cur.MessagesSent += delta.MessagesSent
		cur.BytesReceived += delta.BytesReceived
		cur.BytesSent += delta.BytesSent
		cur.AgentConnects += delta.AgentConnects
		cur.PortalConnects += delta.PortalConnects
		cur.CommandsRelayed += delta.CommandsRelayed
		cur.ControlsRelayed += delta.ControlsRelayed

		data, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("marshal daily stats: %w", err)
		}
		return b.Put(key, data)
	})
}

// GetDailyStats returns the stats row for one day. A missing day returns a
// zero row with Day set.
func (s *Store) GetDailyStats(day string) (DailyStats, error) {
	stats := DailyStats{Day: day}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatistics)
		v := b.Get([]byte(day))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &stats)
	})
	return stats, err
}

// ListDailyStats returns the most recent daily rows, newest first, up to
// limit.
func (s *Store) ListDailyStats(limit int) ([]DailyStats, error) {
	var rows []DailyStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatistics)
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(rows) < limit; k, v = c.Prev() {
			var row DailyStats
			if err := json.Unmarshal(v, &row); err != nil {
				continue
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// PurgeDailyStats deletes rows for days before cutoffDay (DayFormat) and
// returns how many were removed.
func (s *Store) PurgeDailyStats(cutoffDay string) (int, error) {
	var purged int
	boundary := []byte(cutoffDay)

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStatistics)
		c := b.Cursor()

		var keys [][]byte
		for k, _ := c.First(); k != nil && bytes.Compare(k, boundary) < 0; k, _ = c.Next() {
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			keys = append(keys, keyCopy)
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		purged = len(keys)
		return nil
	})
	return purged, err
}
