package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaymesh/relaymesh/internal/bus"
	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/identity"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/maintenance"
	"github.com/relaymesh/relaymesh/internal/registry"
	"github.com/relaymesh/relaymesh/internal/relay"
	"github.com/relaymesh/relaymesh/internal/store"
	"github.com/relaymesh/relaymesh/internal/web"
)

var version = "dev"

// shutdownGrace bounds how long the ingress waits for in-flight HTTP
// handlers once a stop signal arrives.
const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON, cfg.LogLevel)

	fmt.Println("RelayMesh " + version)
	fmt.Println("=============================================")
	fmt.Printf("RELAY_ROLE=%s\n", cfg.Role)
	fmt.Printf("RELAY_INSTANCE_ID=%s\n", cfg.InstanceID)
	fmt.Printf("RELAY_LISTEN_ADDR=%s\n", cfg.ListenAddr)
	fmt.Printf("RELAY_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("RELAY_BUS_URL=%s\n", cfg.BusURL)
	fmt.Printf("RELAY_GATEWAY_SERVERS=%s\n", cfg.GatewayServers)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	ident, err := identity.LoadOrGenerate(cfg.PrivateKeyFile)
	if err != nil {
		log.Error("failed to load node key pair", "error", err)
		os.Exit(1)
	}
	ident.SetExpiry(cfg.KeyExpiry())

	clk := clock.Real{}

	// The registry either lives in memory or rides the Bolt store. Daily
	// statistics need the store too, so the in-memory choice disables them.
	var db *store.Store
	var reg registry.Registry
	if cfg.InMemoryClientList {
		reg = registry.NewMemory(clk, cfg.ClientInactivity, cfg.ConnectionRetention)
	} else {
		db, err = store.Open(cfg.DBPath)
		if err != nil {
			log.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		reg = registry.NewPersistent(db, clk, log, cfg.ClientInactivity, cfg.ConnectionRetention, !cfg.DisableClientHistory)
	}

	evts := events.New()

	// Without a bus there is no backend: tokens are rejected, activity
	// announcements are dropped, and purges run on the local schedule.
	var msgBus *bus.Bus
	var validator relay.TokenValidator
	var activity relay.ActivityPublisher
	if cfg.BusURL != "" {
		msgBus, err = bus.Connect(bus.Options{
			URL:        cfg.BusURL,
			Username:   cfg.BusUsername,
			Password:   cfg.BusPassword,
			Prefix:     cfg.BusTopicPrefix,
			InstanceID: cfg.InstanceID,
			Log:        log,
			Clock:      clk,
		})
		if err != nil {
			log.Error("failed to connect to message bus", "error", err)
			os.Exit(1)
		}
		defer msgBus.Close()
		validator = bus.NewValidator(msgBus, 0)
		activity = msgBus
		log.Info("message bus connected", "url", cfg.BusURL)
	}

	node, err := relay.New(relay.Deps{
		Config:    cfg,
		Log:       log,
		Clock:     clk,
		Identity:  ident,
		Registry:  reg,
		Validator: validator,
		Activity:  activity,
		Events:    evts,
		Version:   version,
	})
	if err != nil {
		log.Error("failed to build relay engine", "error", err)
		os.Exit(1)
	}

	var keys maintenance.KeyAnnouncer
	if msgBus != nil {
		keys = msgBus
	}
	runner := maintenance.New(maintenance.Deps{
		Config:   cfg,
		Log:      log,
		Clock:    clk,
		Identity: ident,
		Registry: reg,
		Store:    db,
		Stats:    node.Stats(),
		Keys:     keys,
		BusWired: msgBus != nil,
	})
	if err := runner.Start(ctx); err != nil {
		log.Error("failed to start maintenance jobs", "error", err)
		os.Exit(1)
	}

	if msgBus != nil {
		if err := msgBus.SubscribeControl(ctx, node); err != nil {
			log.Error("failed to subscribe to control requests", "error", err)
			os.Exit(1)
		}
		if err := msgBus.SubscribeDaily(ctx, runner.RunPurge); err != nil {
			log.Error("failed to subscribe to daily tick", "error", err)
			os.Exit(1)
		}
	}

	for _, gatewayURL := range cfg.GatewayURLs() {
		go node.RunKeeper(ctx, gatewayURL)
	}

	srv := web.NewServer(web.Dependencies{
		Config:   cfg,
		Log:      log,
		Clock:    clk,
		Node:     node,
		EventBus: evts,
	})
	srvErr := make(chan error, 1)
	go func() { srvErr <- srv.ListenAndServe() }()

	log.Info("relay node started", "version", version, "role", cfg.Role, "instance", cfg.InstanceID)

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ingress server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	// New connections stop first, then attached streams get close frames.
	// The maintenance runner flushes its final stats batch on ctx.Done.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("ingress shutdown", "error", err)
	}
	node.Shutdown()
	runner.Stop()

	log.Info("relay node shutdown complete")
}
