// Quick tool to inspect and trim a relay node's BoltDB.
// Usage: go run ./cmd/relayctl -db /path/to/relaymesh.db -history -limit 10
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/relaymesh/relaymesh/internal/store"
)

func main() {
	dbPath := flag.String("db", "relaymesh.db", "path to the relay node database")
	clients := flag.Bool("clients", false, "list registry rows of one tenant (needs -org)")
	org := flag.String("org", "", "tenant to inspect")
	typ := flag.String("type", "", "filter registry rows by type (Agent or Portal)")
	history := flag.Bool("history", false, "list recent connection history")
	client := flag.String("client", "", "filter history by client id")
	stats := flag.Bool("stats", false, "list daily statistics rows")
	limit := flag.Int("limit", 20, "maximum rows to list")
	purge := flag.Bool("purge", false, "drop registry, history, and statistics rows older than -older")
	older := flag.Duration("older", 720*time.Hour, "age cutoff for -purge")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	switch {
	case *clients:
		if *org == "" {
			log.Fatal("-clients needs -org: registry rows are keyed by tenant")
		}
		listClients(db, *org, *typ)
	case *history:
		listHistory(db, *client, *limit)
	case *stats:
		listStats(db, *limit)
	case *purge:
		runPurge(db, *older)
	default:
		flag.Usage()
	}
}

func listClients(db *store.Store, org, typ string) {
	rows, err := db.ClientsByOrg(org, typ)
	if err != nil {
		log.Fatalf("list clients: %v", err)
	}
	for _, r := range rows {
		fmt.Printf("  %-8s %-24s conn=%s gateway=%s last=%s\n",
			r.Type, r.ClientID, r.ConnectionID, orDash(r.GatewayID), r.LastUpdatedOn.Format(time.RFC3339))
	}
	fmt.Printf("\n%d rows in tenant %s\n", len(rows), org)
}

func listHistory(db *store.Store, clientID string, limit int) {
	var (
		rows []store.HistoryEntry
		err  error
	)
	if clientID != "" {
		rows, err = db.ListHistoryByClient(clientID, limit)
	} else {
		rows, err = db.ListHistory(limit)
	}
	if err != nil {
		log.Fatalf("list history: %v", err)
	}
	for _, r := range rows {
		fmt.Printf("  %s  %-8s %-24s org=%s rx=%d tx=%d\n",
			r.DisconnectedOn.Format(time.RFC3339), r.Type, r.ClientID, r.OrganizationID, r.BytesReceived, r.BytesSent)
	}
	fmt.Printf("\n%d history rows\n", len(rows))
}

func listStats(db *store.Store, limit int) {
	rows, err := db.ListDailyStats(limit)
	if err != nil {
		log.Fatalf("list stats: %v", err)
	}
	for _, r := range rows {
		fmt.Printf("  %s  msgs=%d/%d bytes=%d/%d agents=%d portals=%d cmds=%d ctrl=%d\n",
			r.Day, r.MessagesReceived, r.MessagesSent, r.BytesReceived, r.BytesSent,
			r.AgentConnects, r.PortalConnects, r.CommandsRelayed, r.ControlsRelayed)
	}
	fmt.Printf("\n%d statistics rows\n", len(rows))
}

func runPurge(db *store.Store, older time.Duration) {
	cutoff := time.Now().Add(-older)
	clients, err := db.PurgeClients(cutoff)
	if err != nil {
		log.Fatalf("purge clients: %v", err)
	}
	history, err := db.PurgeHistory(cutoff)
	if err != nil {
		log.Fatalf("purge history: %v", err)
	}
	stats, err := db.PurgeDailyStats(cutoff.UTC().Format(store.DayFormat))
	if err != nil {
		log.Fatalf("purge statistics: %v", err)
	}
	fmt.Printf("Purged %d registry rows, %d history rows, %d statistics days older than %s.\n",
		clients, history, stats, older)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
