package relay

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/clock"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/envelope"
	"github.com/relaymesh/relaymesh/internal/identity"
	"github.com/relaymesh/relaymesh/internal/logging"
	"github.com/relaymesh/relaymesh/internal/registry"
)

// mockClock implements clock.Clock for tests that age entries without
// sleeping. Safe for concurrent use; receive loops read it while the test
// goroutine advances it.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(t time.Time) *mockClock { return &mockClock{now: t} }

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *mockClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeValidator resolves tokens from a fixed table. Unknown tokens are
// rejected, not errored, like the real bus conversation.
type fakeValidator struct {
	mu       sync.Mutex
	verdicts map[string]TokenValidation
	calls    int
}

func newFakeValidator() *fakeValidator {
	return &fakeValidator{verdicts: make(map[string]TokenValidation)}
}

func (v *fakeValidator) allow(token string, verdict TokenValidation) {
	v.mu.Lock()
	defer v.mu.Unlock()
	verdict.Success = true
	v.verdicts[token] = verdict
}

func (v *fakeValidator) lookup(token string) (TokenValidation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	verdict, ok := v.verdicts[token]
	if !ok {
		return TokenValidation{Message: "unknown token"}, nil
	}
	return verdict, nil
}

func (v *fakeValidator) ValidatePortalToken(_ context.Context, token string) (TokenValidation, error) {
	return v.lookup(token)
}

func (v *fakeValidator) ValidateAgentToken(_ context.Context, token string) (TokenValidation, error) {
	return v.lookup(token)
}

// activityRecorder captures agent lifecycle announcements.
type activityRecorder struct {
	mu         sync.Mutex
	activities []AgentActivity
}

func (r *activityRecorder) PublishAgentActivity(_ context.Context, a AgentActivity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities = append(r.activities, a)
	return nil
}

func (r *activityRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.activities))
	for i, a := range r.activities {
		out[i] = a.ActivityType
	}
	return out
}

// testNode is one relay node served over httptest with the same route shape
// the web layer uses.
type testNode struct {
	node      *Node
	srv       *httptest.Server
	reg       registry.Registry
	validator *fakeValidator
	activity  *activityRecorder
	ident     *identity.Identity
}

func newTestNode(t *testing.T, role, instanceID string, reg registry.Registry, opts ...func(*config.Config)) *testNode {
	t.Helper()

	cfg := &config.Config{
		Role:                    role,
		InstanceID:              instanceID,
		MaxBytesBeforeAuth:      100000,
		MaxMessageSize:          1 << 20,
		WSReceiveBuffer:         4096,
		PingInterval:            30 * time.Second,
		ReconnectInterval:       25 * time.Millisecond,
		ControlTimeout:          2 * time.Second,
		ClientInactivity:        5 * time.Minute,
		ConnectionRetention:     24 * time.Hour,
		AllowedProtocolVersions: "1",
		GatewayPSK:              "test-fabric-secret",
		LogLevel:                "error",
	}
	for _, opt := range opts {
		opt(cfg)
	}

	ident, err := identity.Generate()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	if reg == nil {
		reg = registry.NewMemory(clock.Real{}, cfg.ClientInactivity, cfg.ConnectionRetention)
	}

	validator := newFakeValidator()
	activity := &activityRecorder{}
	node, err := New(Deps{
		Config:    cfg,
		Log:       logging.New(false, "error"),
		Clock:     clock.Real{},
		Identity:  ident,
		Registry:  reg,
		Validator: validator,
		Activity:  activity,
		Version:   "test",
	})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	upgrader := websocket.Upgrader{}
	attach := func(run func(context.Context, *websocket.Conn, string)) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			run(r.Context(), conn, r.RemoteAddr)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/portal", attach(node.AttachPortal))
	mux.HandleFunc("/agent", attach(node.AttachAgent))
	mux.HandleFunc("/gateway", attach(node.AttachGateway))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	// Hard-close every stream before the server shuts down so blocked
	// handlers unwind and Close does not hang on hijacked connections.
	t.Cleanup(func() {
		for _, s := range node.dir.Clients() {
			s.CloseNormal()
		}
		for _, s := range node.dir.Gateways() {
			s.CloseNormal()
		}
	})

	return &testNode{
		node:      node,
		srv:       srv,
		reg:       reg,
		validator: validator,
		activity:  activity,
		ident:     ident,
	}
}

// wsURL converts the httptest base URL to a websocket URL for path.
func (tn *testNode) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tn.srv.URL, "http") + path
}

const testReadWait = 5 * time.Second

// wsClient drives one stream from the peer side, wrapping and unwrapping
// frames the way a real portal or agent would.
type wsClient struct {
	t         *testing.T
	conn      *websocket.Conn
	codec     *envelope.Codec
	serverPub *rsa.PublicKey
}

func dialNode(t *testing.T, tn *testNode, path string) *wsClient {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(tn.wsURL(path), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn, serverPub: tn.ident.Public()}
}

// useKey gives the client its own key pair for signed and encrypted frames.
func (c *wsClient) useKey(id *identity.Identity) {
	c.codec = envelope.NewCodec(id.Key())
}

func (c *wsClient) send(env envelope.Envelope, w envelope.Wrapping) error {
	var data []byte
	var err error
	switch w {
	case envelope.PlainText:
		data, err = json.Marshal(env)
	case envelope.SignOnly:
		data, err = c.codec.Encode(env, envelope.SignOnly, nil)
	case envelope.Encrypt:
		data, err = c.codec.Encode(env, envelope.Encrypt, c.serverPub)
	}
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) mustSend(env envelope.Envelope, w envelope.Wrapping) {
	c.t.Helper()
	if err := c.send(env, w); err != nil {
		c.t.Fatalf("send %s: %v", env.Type, err)
	}
}

func (c *wsClient) read(w envelope.Wrapping) (envelope.Envelope, error) {
	c.conn.SetReadDeadline(time.Now().Add(testReadWait))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return envelope.Envelope{}, err
	}
	switch w {
	case envelope.PlainText:
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return envelope.Envelope{}, err
		}
		return env, nil
	case envelope.SignOnly:
		clientCodec := c.codec
		if clientCodec == nil {
			clientCodec = envelope.NewCodec(nil)
		}
		return clientCodec.Decode(data, envelope.SignOnly, c.serverPub)
	case envelope.Encrypt:
		return c.codec.Decode(data, envelope.Encrypt, nil)
	}
	return envelope.Envelope{}, fmt.Errorf("unknown wrapping %v", w)
}

func (c *wsClient) mustRead(w envelope.Wrapping) envelope.Envelope {
	c.t.Helper()
	env, err := c.read(w)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	return env
}

// expectType reads one frame and fails unless it has the wanted type.
func (c *wsClient) expectType(w envelope.Wrapping, typ string) envelope.Envelope {
	c.t.Helper()
	env := c.mustRead(w)
	if env.Type != typ {
		c.t.Fatalf("envelope type = %q, want %q", env.Type, typ)
	}
	return env
}

// expectClose drains frames until the stream dies and asserts the close
// code and reason.
func (c *wsClient) expectClose(code int, text string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testReadWait))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			c.t.Fatalf("expected close %d %q, got %v", code, text, err)
		}
		if ce.Code != code || ce.Text != text {
			c.t.Errorf("close = %d %q, want %d %q", ce.Code, ce.Text, code, text)
		}
		return
	}
}

// authPortalFlow reads the welcome, authenticates, and returns the verdict.
func (c *wsClient) authPortalFlow(clientID, token string) envelope.AuthResult {
	c.t.Helper()
	c.expectType(envelope.PlainText, envelope.TypeWelcome)

	env := envelope.New(envelope.TypeAuthPortal, clientID, "unknown")
	if err := env.SetPayload(envelope.AuthRequest{Token: token, ClientVersion: "0.9.1"}); err != nil {
		c.t.Fatalf("auth payload: %v", err)
	}
	c.mustSend(env, envelope.PlainText)

	reply := c.expectType(envelope.PlainText, envelope.TypeAuthPortal)
	var result envelope.AuthResult
	if err := reply.UnmarshalPayload(&result); err != nil {
		c.t.Fatalf("auth result: %v", err)
	}
	return result
}

// authAgentFlow reads the welcome and runs the signed agent handshake with
// the given key pair.
func (c *wsClient) authAgentFlow(id *identity.Identity, clientID, token string) envelope.AuthResult {
	c.t.Helper()
	c.useKey(id)
	c.expectType(envelope.PlainText, envelope.TypeWelcome)

	env := envelope.New(envelope.TypeAuth, clientID, "unknown")
	err := env.SetPayload(envelope.AuthRequest{
		Token:           token,
		PublicKey:       id.PublicPEM(),
		ClientVersion:   "2.4.0",
		ProtocolVersion: 1,
	})
	if err != nil {
		c.t.Fatalf("auth payload: %v", err)
	}
	c.mustSend(env, envelope.SignOnly)

	reply := c.expectType(envelope.SignOnly, envelope.TypeAuth)
	var result envelope.AuthResult
	if err := reply.UnmarshalPayload(&result); err != nil {
		c.t.Fatalf("auth result: %v", err)
	}
	return result
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
