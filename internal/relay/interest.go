package relay

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/clock"
)

const (
	// interestTTL is how long a proxied client stays interesting to the
	// gateway stream that relayed traffic for it.
	interestTTL = 5 * time.Minute

	// interestCleanupSize is the map size below which expired entries are
	// left in place. Expired entries never match, so sweeping small maps
	// is not worth the lock time.
	interestCleanupSize = 25
)

type interestKey struct {
	organizationID string
	clientID       string
}

// interestMap remembers which (tenant, client) pairs a gateway stream
// recently proxied traffic for. Return-path routing consults it to pick the
// gateway peer that actually saw the client instead of broadcasting.
type interestMap struct {
	clk clock.Clock

	mu          sync.Mutex
	entries     map[interestKey]time.Time
	lastCleanup time.Time
}

func newInterestMap(clk clock.Clock) *interestMap {
	return &interestMap{
		clk:         clk,
		entries:     make(map[interestKey]time.Time),
		lastCleanup: clk.Now(),
	}
}

// Mark records that traffic for the given client just crossed this stream.
// Marking refreshes the TTL and opportunistically sweeps expired entries.
func (m *interestMap) Mark(organizationID, clientID string) {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[interestKey{organizationID, clientID}] = now

	if len(m.entries) >= interestCleanupSize && now.Sub(m.lastCleanup) >= interestTTL {
		for k, seen := range m.entries {
			if now.Sub(seen) >= interestTTL {
				delete(m.entries, k)
			}
		}
		m.lastCleanup = now
	}
}

// Contains reports whether the client was marked within the last TTL.
// Expired entries report false even before the lazy sweep removes them.
func (m *interestMap) Contains(organizationID, clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen, ok := m.entries[interestKey{organizationID, clientID}]
	if !ok {
		return false
	}
	return m.clk.Now().Sub(seen) < interestTTL
}

func (m *interestMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
