// Package web is the HTTP ingress of a relay node: the three websocket
// attach points (/portal, /agent, /gateway), the status and health endpoints,
// the Prometheus scrape target, and the SSE lifecycle stream.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/logging"
)

// RelayNode is the slice of the relay engine the ingress needs: stream
// attachment plus the identity facts shown on /api/status.
type RelayNode interface {
	AttachPortal(ctx context.Context, conn *websocket.Conn, clientIP string)
	AttachAgent(ctx context.Context, conn *websocket.Conn, clientIP string)
	AttachGateway(ctx context.Context, conn *websocket.Conn, clientIP string)
	InstanceID() string
	Role() string
	Version() string
	StartedOn() time.Time
	ConnectionCounts() (int, int)
}

// Dependencies defines what the ingress needs from the rest of the node.
type Dependencies struct {
	Config   *config.Config
	Log      *logging.Logger
	Clock    clock.Clock
	Node     RelayNode
	EventBus *events.Bus
}

// Server is the relay node HTTP server.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
	limiter  *upgradeLimiter
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  deps.Config.WSReceiveBuffer,
			WriteBufferSize: deps.Config.WSReceiveBuffer,
			// Portals, agents, and gateways are not browsers; no Origin policy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter: newUpgradeLimiter(deps.Clock),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /portal", s.attach(s.deps.Node.AttachPortal))
	s.mux.HandleFunc("GET /agent", s.attach(s.deps.Node.AttachAgent))
	s.mux.HandleFunc("GET /gateway", s.attach(s.deps.Node.AttachGateway))
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.Handle("GET /metrics", metricsHandler())
}

// ListenAndServe starts the HTTP server. TLS is used when both cert and key
// paths are configured.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:         s.deps.Config.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket and SSE connections are long-lived
		IdleTimeout:  120 * time.Second,
	}
	cfg := s.deps.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		s.deps.Log.Info("ingress listening (TLS)", "addr", cfg.ListenAddr)
		return s.server.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	}
	s.deps.Log.Info("ingress listening", "addr", cfg.ListenAddr)
	return s.server.ListenAndServe()
}

// Shutdown stops accepting new connections and waits for handlers up to the
// context deadline. Websocket streams are drained by the relay engine's own
// shutdown, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.mux }
