package web

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/clock"
)

// Pre-auth flood guard tuning. A legitimate client dials once and maybe
// retries on the reconnect interval; dozens of upgrades per second from one
// address is an attack or a reconnect storm, and either deserves throttling.
const (
	upgradeBurst      = 10
	upgradeRefillEach = 3 * time.Second
	bucketIdleEvict   = 10 * time.Minute
	sweepEvery        = time.Minute
)

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// upgradeLimiter rate-limits websocket upgrade attempts per client IP with a
// token bucket. Buckets for quiet addresses are swept lazily on use.
type upgradeLimiter struct {
	clk clock.Clock

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func newUpgradeLimiter(clk clock.Clock) *upgradeLimiter {
	return &upgradeLimiter{
		clk:       clk,
		buckets:   make(map[string]*bucket),
		lastSweep: clk.Now(),
	}
}

// Allow reports whether an upgrade attempt from ip may proceed and consumes
// one token when it does.
func (l *upgradeLimiter) Allow(ip string) bool {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= sweepEvery {
		l.sweep(now)
	}

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: upgradeBurst}
		l.buckets[ip] = b
	} else {
		refill := float64(now.Sub(b.lastSeen)) / float64(upgradeRefillEach)
		b.tokens += refill
		if b.tokens > upgradeBurst {
			b.tokens = upgradeBurst
		}
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *upgradeLimiter) sweep(now time.Time) {
	for ip, b := range l.buckets {
		if now.Sub(b.lastSeen) >= bucketIdleEvict {
			delete(l.buckets, ip)
		}
	}
	l.lastSweep = now
}
