package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// unsetRelayEnv blanks every RELAY_* variable for the duration of the test
// so Load sees only defaults plus what the test sets.
func unsetRelayEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, "RELAY_") {
			t.Setenv(key, "")
		}
	}
}

func validConfig() *Config {
	c := defaults()
	c.Role = RoleService
	c.InstanceID = "node-1"
	return c
}

func TestLoadDefaults(t *testing.T) {
	unsetRelayEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8420" {
		t.Errorf("ListenAddr = %q, want :8420", cfg.ListenAddr)
	}
	if cfg.MaxBytesBeforeAuth != 100000 {
		t.Errorf("MaxBytesBeforeAuth = %d, want 100000", cfg.MaxBytesBeforeAuth)
	}
	if cfg.MaxMessageSize != 1<<20 {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, 1<<20)
	}
	if cfg.PingInterval != 30*time.Second {
		t.Errorf("PingInterval = %s, want 30s", cfg.PingInterval)
	}
	if cfg.ClientInactivity != 5*time.Minute {
		t.Errorf("ClientInactivity = %s, want 5m", cfg.ClientInactivity)
	}
	if cfg.ConnectionRetention != 24*time.Hour {
		t.Errorf("ConnectionRetention = %s, want 24h", cfg.ConnectionRetention)
	}
	if cfg.BusTopicPrefix != "relay" {
		t.Errorf("BusTopicPrefix = %q, want relay", cfg.BusTopicPrefix)
	}
	if cfg.DBPath != "relaymesh.db" {
		t.Errorf("DBPath = %q, want relaymesh.db", cfg.DBPath)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	unsetRelayEnv(t)
	t.Setenv("RELAY_ROLE", "gateway")
	t.Setenv("RELAY_INSTANCE_ID", "gw-2")
	t.Setenv("RELAY_PING_INTERVAL", "10s")
	t.Setenv("RELAY_MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RELAY_DISABLE_PING", "true")
	t.Setenv("RELAY_ALLOWED_PROTO_VERSIONS", "1,2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleGateway {
		t.Errorf("Role = %q, want gateway", cfg.Role)
	}
	if cfg.InstanceID != "gw-2" {
		t.Errorf("InstanceID = %q, want gw-2", cfg.InstanceID)
	}
	if cfg.PingInterval != 10*time.Second {
		t.Errorf("PingInterval = %s, want 10s", cfg.PingInterval)
	}
	if cfg.MaxMessageSize != 2048 {
		t.Errorf("MaxMessageSize = %d, want 2048", cfg.MaxMessageSize)
	}
	if !cfg.DisablePing {
		t.Error("DisablePing = false, want true")
	}
	versions, err := cfg.ProtocolVersions()
	if err != nil {
		t.Fatalf("ProtocolVersions: %v", err)
	}
	if len(versions) != 2 || versions[0] != 1 || versions[1] != 2 {
		t.Errorf("ProtocolVersions = %v, want [1 2]", versions)
	}
}

func TestLoadFromFile(t *testing.T) {
	unsetRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := `role: service
instanceId: file-node
listenAddr: ":9000"
pingInterval: 45s
disablePingMessages: true
busURL: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)
	// Environment wins over the file.
	t.Setenv("RELAY_LISTEN_ADDR", ":9001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Role != RoleService {
		t.Errorf("Role = %q, want service", cfg.Role)
	}
	if cfg.InstanceID != "file-node" {
		t.Errorf("InstanceID = %q, want file-node", cfg.InstanceID)
	}
	if cfg.ListenAddr != ":9001" {
		t.Errorf("ListenAddr = %q, want :9001 (env override)", cfg.ListenAddr)
	}
	if cfg.PingInterval != 45*time.Second {
		t.Errorf("PingInterval = %s, want 45s", cfg.PingInterval)
	}
	if !cfg.DisablePing {
		t.Error("DisablePing = false, want true")
	}
	if cfg.BusURL != "tcp://broker:1883" {
		t.Errorf("BusURL = %q, want tcp://broker:1883", cfg.BusURL)
	}
}

func TestLoadFileBadDuration(t *testing.T) {
	unsetRelayEnv(t)

	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("pingInterval: soon\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAY_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Error("expected error for unparseable duration in file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid service", func(_ *Config) {}, false},
		{"valid gateway", func(c *Config) { c.Role = RoleGateway; c.GatewayPSK = "secret" }, false},
		{"missing role", func(c *Config) { c.Role = "" }, true},
		{"unknown role", func(c *Config) { c.Role = "edge" }, true},
		{"missing instance id", func(c *Config) { c.InstanceID = "" }, true},
		{"zero max message size", func(c *Config) { c.MaxMessageSize = 0 }, true},
		{"zero pre-auth cap", func(c *Config) { c.MaxBytesBeforeAuth = 0 }, true},
		{"zero ping interval", func(c *Config) { c.PingInterval = 0 }, true},
		{"bad protocol versions", func(c *Config) { c.AllowedProtocolVersions = "one" }, true},
		{"empty protocol versions", func(c *Config) { c.AllowedProtocolVersions = "" }, true},
		{"bad key expiry", func(c *Config) { c.KeyExpiresOn = "tomorrow" }, true},
		{"good key expiry", func(c *Config) { c.KeyExpiresOn = "2027-01-01T00:00:00Z" }, false},
		{"gateway servers without psk", func(c *Config) { c.GatewayServers = "wss://g1" }, true},
		{"gateway servers with psk", func(c *Config) { c.GatewayServers = "wss://g1"; c.GatewayPSK = "secret" }, false},
		{"gateway role without psk", func(c *Config) { c.Role = RoleGateway }, true},
		{"gateway role with servers", func(c *Config) { c.Role = RoleGateway; c.GatewayPSK = "s"; c.GatewayServers = "wss://g1" }, true},
		{"tls cert without key", func(c *Config) { c.TLSCert = "/tls/cert.pem" }, true},
		{"tls pair", func(c *Config) { c.TLSCert = "/tls/cert.pem"; c.TLSKey = "/tls/key.pem" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestGatewayURLs(t *testing.T) {
	cfg := validConfig()
	cfg.GatewayServers = "wss://g1:8420, wss://g2:8420 ,"
	got := cfg.GatewayURLs()
	if len(got) != 2 || got[0] != "wss://g1:8420" || got[1] != "wss://g2:8420" {
		t.Errorf("GatewayURLs = %v", got)
	}

	cfg.GatewayServers = ""
	if got := cfg.GatewayURLs(); got != nil {
		t.Errorf("GatewayURLs on empty = %v, want nil", got)
	}
}

func TestEnvStr(t *testing.T) {
	const key = "RELAY_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("RELAY_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt64(t *testing.T) {
	const key = "RELAY_TEST_ENV_INT64"

	t.Setenv(key, "1048576")
	if got := envInt64(key, 0); got != 1048576 {
		t.Errorf("got %d, want 1048576", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt64(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "RELAY_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "RELAY_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}
