package web

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const notWebsocketBody = "Only websocket clients are allowed"

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if url := s.deps.Config.RedirectURL; url != "" {
		http.Redirect(w, r, url, http.StatusFound)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("ok"))
}

// statusResponse is the /api/status body.
type statusResponse struct {
	InstanceID         string    `json:"instanceId"`
	Role               string    `json:"role"`
	ServerVersion      string    `json:"serverVersion"`
	StartedOn          time.Time `json:"startedOn"`
	ClientConnections  int       `json:"clientConnections"`
	GatewayConnections int       `json:"gatewayConnections"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	clients, gateways := s.deps.Node.ConnectionCounts()
	resp := statusResponse{
		InstanceID:         s.deps.Node.InstanceID(),
		Role:               s.deps.Node.Role(),
		ServerVersion:      s.deps.Node.Version(),
		StartedOn:          s.deps.Node.StartedOn(),
		ClientConnections:  clients,
		GatewayConnections: gateways,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.deps.Log.Debug("status encode failed", "err", err)
	}
}

// attach upgrades the request and hands the stream to the relay engine. The
// engine runs the receive loop on this handler goroutine until the peer is
// gone.
func (s *Server) attach(run func(context.Context, *websocket.Conn, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, notWebsocketBody, http.StatusBadRequest)
			return
		}
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			s.deps.Log.Warn("upgrade rate limited", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			s.deps.Log.Debug("upgrade failed", "ip", ip, "err", err)
			return
		}
		run(r.Context(), conn, ip)
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

// clientIP strips the port from r.RemoteAddr, falling back to the raw value
// when it carries none.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
