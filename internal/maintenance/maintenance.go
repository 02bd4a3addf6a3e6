// Package maintenance runs the background upkeep of a relay node: the
// retained public-key announcement, the periodic statistics flush into the
// store, and the purge of stale registry rows, aged connection history, and
// old statistics.
package maintenance

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaymesh/relaymesh/internal/bus"
	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/identity"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/metrics"
	"github.com/relaymesh/relaymesh/internal/registry"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/store"
)

// The key announcement repeats so a broker that lost its retained copy does
// not stay blind for long. The purge schedule only runs locally when no bus
// delivers the fleet-wide daily tick.
const (
	keyPublishSchedule = "@every 48h"
	purgeSchedule      = "@daily"
	statsFlushInterval = time.Minute

	statsRetention = 90 * 24 * time.Hour
	maxPurgeJitter = 30 * time.Second
)

// KeyAnnouncer publishes this node's envelope-crypto public key.
type KeyAnnouncer interface {
	PublishPublicKey(msg bus.PublicKeyMessage) error
}

// Deps are the collaborators of a Runner. Store may be nil when the node
// keeps its registry in memory only; Keys may be nil when no bus is wired.
type Deps struct {
	Config   *config.Config
	Log      *logging.Logger
	Clock    clock.Clock
	Identity *identity.Identity
	Registry registry.Registry
	Store    *store.Store
	Stats    *relay.StatsRecorder
	Keys     KeyAnnouncer
	BusWired bool
}

// Runner owns the cron entries and the stats flush loop.
type Runner struct {
	cfg      *config.Config
	log      *logging.Logger
	clk      clock.Clock
	ident    *identity.Identity
	reg      registry.Registry
	st       *store.Store
	stats    *relay.StatsRecorder
	keys     KeyAnnouncer
	busWired bool

	cron *cron.Cron
}

func New(d Deps) *Runner {
	return &Runner{
		cfg:      d.Config,
		log:      d.Log,
		clk:      d.Clock,
		ident:    d.Identity,
		reg:      d.Registry,
		st:       d.Store,
		stats:    d.Stats,
		keys:     d.Keys,
		busWired: d.BusWired,
		cron:     cron.New(),
	}
}

// Start registers the cron jobs and launches the stats flush loop. The key
// is also announced immediately so a fresh node is known to the backend
// before the first cron tick.
func (r *Runner) Start(ctx context.Context) error {
	if r.keys != nil {
		if _, err := r.cron.AddFunc(keyPublishSchedule, r.publishKey); err != nil {
			return err
		}
		r.publishKey()
	}
	if !r.busWired {
		if _, err := r.cron.AddFunc(purgeSchedule, func() { r.purgeWithJitter(ctx) }); err != nil {
			return err
		}
	}
	r.cron.Start()
	go r.flushLoop(ctx)
	return nil
}

// Stop halts the cron scheduler and waits for running jobs to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

func (r *Runner) publishKey() {
	msg := bus.PublicKeyMessage{
		Hash:         r.ident.Fingerprint(),
		PEM:          r.ident.PublicPEM(),
		InstanceName: r.cfg.InstanceID,
		Expires:      r.ident.ExpiresOn(),
	}
	if err := r.keys.PublishPublicKey(msg); err != nil {
		r.log.Error("public key announcement failed", "err", err)
		return
	}
	r.log.Info("public key announced", "hash", msg.Hash)
}

func (r *Runner) flushLoop(ctx context.Context) {
	for {
		select {
		case <-r.clk.After(statsFlushInterval):
			r.FlushStats()
		case <-ctx.Done():
			r.FlushStats()
			return
		}
	}
}

// FlushStats drains the relay counters into today's statistics row and,
// when configured, rewrites the node-exporter textfile.
func (r *Runner) FlushStats() {
	if r.cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
			r.log.Error("metrics textfile write failed", "path", r.cfg.MetricsTextfile, "err", err)
		}
	}
	if r.st == nil || r.cfg.DisableStatistics {
		return
	}
	batch := r.stats.Drain()
	if batch.Empty() {
		return
	}
	day := r.clk.Now().UTC().Format(store.DayFormat)
	err := r.st.AddDailyStats(day, store.DailyStats{
		MessagesReceived: batch.MessagesReceived,
		MessagesSent:     batch.MessagesSent,
		BytesReceived:    batch.BytesReceived,
		BytesSent:        batch.BytesSent,
		AgentConnects:    batch.AgentConnects,
		PortalConnects:   batch.PortalConnects,
		CommandsRelayed:  batch.CommandsRelayed,
		ControlsRelayed:  batch.ControlsRelayed,
	})
	if err != nil {
		r.log.Error("statistics flush failed", "day", day, "err", err)
	}
}

// purgeWithJitter spreads the local daily purge the same way the bus tick
// does, so mixed fleets behave alike.
func (r *Runner) purgeWithJitter(ctx context.Context) {
	jitter := rand.N(maxPurgeJitter)
	if err := clock.SleepCtx(ctx, r.clk, jitter); err != nil {
		return
	}
	r.RunPurge()
}

// RunPurge drops stale registry rows, connection history past its retention,
// and statistics days older than the stats window. Called from the bus daily
// tick, the local cron fallback, and the admin CLI.
func (r *Runner) RunPurge() {
	stale := r.reg.PurgeStale()
	historyRows, statsDays := 0, 0
	if r.st != nil {
		now := r.clk.Now()
		n, err := r.st.PurgeHistory(now.Add(-r.cfg.ConnectionRetention))
		if err != nil {
			r.log.Error("history purge failed", "err", err)
		} else {
			historyRows = n
		}
		cutoffDay := now.Add(-statsRetention).UTC().Format(store.DayFormat)
		n, err = r.st.PurgeDailyStats(cutoffDay)
		if err != nil {
			r.log.Error("statistics purge failed", "err", err)
		} else {
			statsDays = n
		}
	}
	r.log.Info("purge complete", "staleClients", stale, "historyRows", historyRows, "statsDays", statsDays)
}
