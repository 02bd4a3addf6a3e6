package web

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/events"
	"github.com/relaymesh/relaymesh/internal/logging"
)

var nodeStart = time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

type fakeNode struct {
	mu       sync.Mutex
	attached []string
}

func (f *fakeNode) record(kind, ip string) {
	f.mu.Lock()
	f.attached = append(f.attached, kind+":"+ip)
	f.mu.Unlock()
}

func (f *fakeNode) AttachPortal(_ context.Context, conn *websocket.Conn, ip string) {
	f.record("portal", ip)
	conn.Close()
}

func (f *fakeNode) AttachAgent(_ context.Context, conn *websocket.Conn, ip string) {
	f.record("agent", ip)
	conn.Close()
}

func (f *fakeNode) AttachGateway(_ context.Context, conn *websocket.Conn, ip string) {
	f.record("gateway", ip)
	conn.Close()
}

func (f *fakeNode) InstanceID() string           { return "s1" }
func (f *fakeNode) Role() string                 { return "service" }
func (f *fakeNode) Version() string              { return "1.2.3" }
func (f *fakeNode) StartedOn() time.Time         { return nodeStart }
func (f *fakeNode) ConnectionCounts() (int, int) { return 3, 1 }

func (f *fakeNode) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.attached...)
}

func newTestServer(t *testing.T, opts ...func(*config.Config)) (*httptest.Server, *fakeNode, *events.Bus) {
	t.Helper()
	cfg := &config.Config{
		ListenAddr:      ":0",
		WSReceiveBuffer: 4096,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	node := &fakeNode{}
	bus := events.New()
	s := NewServer(Dependencies{
		Config:   cfg,
		Log:      logging.New(false, "error"),
		Clock:    clock.Real{},
		Node:     node,
		EventBus: bus,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, node, bus
}

func TestRootRedirectsWhenConfigured(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *config.Config) { c.RedirectURL = "https://portal.example.com" })

	client := srv.Client()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	if got := resp.Header.Get("Location"); got != "https://portal.example.com" {
		t.Fatalf("location = %q", got)
	}
}

func TestRootWithoutRedirectIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Fatalf("health = %d %q", resp.StatusCode, body)
	}
}

func TestNonWebsocketAttachRejected(t *testing.T) {
	srv, node, _ := newTestServer(t)
	for _, path := range []string{"/portal", "/agent", "/gateway"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, resp.StatusCode)
		}
		if got := strings.TrimSpace(string(body)); got != notWebsocketBody {
			t.Fatalf("%s body = %q, want %q", path, got, notWebsocketBody)
		}
	}
	if len(node.snapshot()) != 0 {
		t.Fatal("plain requests must not reach the relay engine")
	}
}

func TestWebsocketUpgradeAttaches(t *testing.T) {
	srv, node, _ := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL+"/agent", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := node.snapshot()
		if len(got) == 1 {
			if got[0] != "agent:127.0.0.1" {
				t.Fatalf("attached = %q, want agent:127.0.0.1", got[0])
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("upgrade never reached the relay engine")
}

func TestStatusReportsNodeFacts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get /api/status: %v", err)
	}
	defer resp.Body.Close()

	var got statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if got.InstanceID != "s1" || got.Role != "service" || got.ServerVersion != "1.2.3" {
		t.Fatalf("status identity = %+v", got)
	}
	if got.ClientConnections != 3 || got.GatewayConnections != 1 {
		t.Fatalf("status counts = %d/%d, want 3/1", got.ClientConnections, got.GatewayConnections)
	}
	if !got.StartedOn.Equal(nodeStart) {
		t.Fatalf("startedOn = %v, want %v", got.StartedOn, nodeStart)
	}
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "relay_connections_active") {
		t.Fatal("exposition does not include relay gauges")
	}
}

func TestEventsStreamDeliversLifecycle(t *testing.T) {
	srv, _, bus := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("get /events: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if !strings.HasPrefix(line, "event: connected") {
		t.Fatalf("first line = %q, want the liveness event", line)
	}

	bus.Publish(events.SSEEvent{
		Type:     events.EventClientConnected,
		ClientID: "A1",
		Role:     "agent",
	})

	var eventLine, dataLine string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: client_connected") {
			eventLine = line
			dataLine, err = reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read data line: %v", err)
			}
			break
		}
	}
	if eventLine == "" {
		t.Fatal("published event never reached the stream")
	}
	if !strings.Contains(dataLine, `"client_id":"A1"`) {
		t.Fatalf("data line = %q", dataLine)
	}
}
