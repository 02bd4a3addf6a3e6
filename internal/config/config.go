package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Node roles.
const (
	RoleService = "service"
	RoleGateway = "gateway"
)

// Config holds all relay node configuration. Values come from an optional
// YAML file named by RELAY_CONFIG_FILE, overridden by RELAY_* environment
// variables.
type Config struct {
	// Identity
	Role       string
	InstanceID string

	// Ingress
	ListenAddr  string
	RedirectURL string
	TLSCert     string
	TLSKey      string

	// Node key pair
	PrivateKeyFile string
	KeyExpiresOn   string // RFC3339, optional

	// Gateway fabric
	GatewayPSK     string
	GatewayServers string // comma-separated ws(s) URLs, service role only

	// Stream limits
	MaxBytesBeforeAuth int64
	MaxMessageSize     int64
	WSReceiveBuffer    int

	// Timing
	PingInterval        time.Duration
	ReconnectInterval   time.Duration
	ControlTimeout      time.Duration
	ClientInactivity    time.Duration
	ConnectionRetention time.Duration

	// Protocol
	AllowedProtocolVersions string

	// Feature toggles
	DisablePing          bool
	DisableClientHistory bool
	InMemoryClientList   bool
	DisableStatistics    bool

	// Storage
	DBPath string

	// Message bus; empty URL disables the bus entirely.
	BusURL         string
	BusUsername    string
	BusPassword    string
	BusTopicPrefix string

	// Observability
	MetricsTextfile string
	LogJSON         bool
	LogLevel        string
}

func defaults() *Config {
	return &Config{
		ListenAddr:              ":8420",
		MaxBytesBeforeAuth:      100000,
		MaxMessageSize:          1 << 20,
		WSReceiveBuffer:         4096,
		PingInterval:            30 * time.Second,
		ReconnectInterval:       30 * time.Second,
		ControlTimeout:          30 * time.Second,
		ClientInactivity:        5 * time.Minute,
		ConnectionRetention:     24 * time.Hour,
		AllowedProtocolVersions: "1",
		DBPath:                  "relaymesh.db",
		BusTopicPrefix:          "relay",
		LogLevel:                "info",
	}
}

// Load assembles the configuration: defaults, then the YAML file if one is
// named, then environment overrides.
func Load() (*Config, error) {
	c := defaults()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, err
		}
	}

	c.Role = envStr("RELAY_ROLE", c.Role)
	c.InstanceID = envStr("RELAY_INSTANCE_ID", c.InstanceID)
	c.ListenAddr = envStr("RELAY_LISTEN_ADDR", c.ListenAddr)
	c.RedirectURL = envStr("RELAY_REDIRECT_URL", c.RedirectURL)
	c.TLSCert = envStr("RELAY_TLS_CERT", c.TLSCert)
	c.TLSKey = envStr("RELAY_TLS_KEY", c.TLSKey)
	c.PrivateKeyFile = envStr("RELAY_PRIVATE_KEY_FILE", c.PrivateKeyFile)
	c.KeyExpiresOn = envStr("RELAY_KEY_EXPIRES_ON", c.KeyExpiresOn)
	c.GatewayPSK = envStr("RELAY_GATEWAY_PSK", c.GatewayPSK)
	c.GatewayServers = envStr("RELAY_GATEWAY_SERVERS", c.GatewayServers)
	c.MaxBytesBeforeAuth = envInt64("RELAY_MAX_BYTES_BEFORE_AUTH", c.MaxBytesBeforeAuth)
	c.MaxMessageSize = envInt64("RELAY_MAX_MESSAGE_SIZE", c.MaxMessageSize)
	c.WSReceiveBuffer = envInt("RELAY_WS_RECEIVE_BUFFER", c.WSReceiveBuffer)
	c.PingInterval = envDuration("RELAY_PING_INTERVAL", c.PingInterval)
	c.ReconnectInterval = envDuration("RELAY_RECONNECT_INTERVAL", c.ReconnectInterval)
	c.ControlTimeout = envDuration("RELAY_CONTROL_TIMEOUT", c.ControlTimeout)
	c.ClientInactivity = envDuration("RELAY_CLIENT_INACTIVITY", c.ClientInactivity)
	c.ConnectionRetention = envDuration("RELAY_CONNECTION_RETENTION", c.ConnectionRetention)
	c.AllowedProtocolVersions = envStr("RELAY_ALLOWED_PROTO_VERSIONS", c.AllowedProtocolVersions)
	c.DisablePing = envBool("RELAY_DISABLE_PING", c.DisablePing)
	c.DisableClientHistory = envBool("RELAY_DISABLE_CLIENT_HISTORY", c.DisableClientHistory)
	c.InMemoryClientList = envBool("RELAY_IN_MEMORY_CLIENT_LIST", c.InMemoryClientList)
	c.DisableStatistics = envBool("RELAY_DISABLE_STATISTICS", c.DisableStatistics)
	c.DBPath = envStr("RELAY_DB_PATH", c.DBPath)
	c.BusURL = envStr("RELAY_BUS_URL", c.BusURL)
	c.BusUsername = envStr("RELAY_BUS_USERNAME", c.BusUsername)
	c.BusPassword = envStr("RELAY_BUS_PASSWORD", c.BusPassword)
	c.BusTopicPrefix = envStr("RELAY_BUS_TOPIC_PREFIX", c.BusTopicPrefix)
	c.MetricsTextfile = envStr("RELAY_METRICS_TEXTFILE", c.MetricsTextfile)
	c.LogJSON = envBool("RELAY_LOG_JSON", c.LogJSON)
	c.LogLevel = envStr("RELAY_LOG_LEVEL", c.LogLevel)

	return c, nil
}

// fileConfig mirrors Config for YAML decoding. Durations are strings in the
// file ("30s", "5m"); zero values leave the current setting untouched.
type fileConfig struct {
	Role                    string `yaml:"role"`
	InstanceID              string `yaml:"instanceId"`
	ListenAddr              string `yaml:"listenAddr"`
	RedirectURL             string `yaml:"redirectURL"`
	TLSCert                 string `yaml:"tlsCert"`
	TLSKey                  string `yaml:"tlsKey"`
	PrivateKeyFile          string `yaml:"privateKeyFile"`
	KeyExpiresOn            string `yaml:"keyExpiresOn"`
	GatewayPSK              string `yaml:"gatewayPreSharedKey"`
	GatewayServers          string `yaml:"gatewayServers"`
	MaxBytesBeforeAuth      int64  `yaml:"maxBytesBeforeAuth"`
	MaxMessageSize          int64  `yaml:"maxMessageSize"`
	WSReceiveBuffer         int    `yaml:"wsReceiveBuffer"`
	PingInterval            string `yaml:"pingInterval"`
	ReconnectInterval       string `yaml:"reconnectInterval"`
	ControlTimeout          string `yaml:"controlResponseTimeout"`
	ClientInactivity        string `yaml:"clientInactivityTimeout"`
	ConnectionRetention     string `yaml:"connectionRetention"`
	AllowedProtocolVersions string `yaml:"allowedProtocolVersions"`
	DisablePing             *bool  `yaml:"disablePingMessages"`
	DisableClientHistory    *bool  `yaml:"disableClientHistory"`
	InMemoryClientList      *bool  `yaml:"inMemoryClientList"`
	DisableStatistics       *bool  `yaml:"disableStatistics"`
	DBPath                  string `yaml:"dbPath"`
	BusURL                  string `yaml:"busURL"`
	BusUsername             string `yaml:"busUsername"`
	BusPassword             string `yaml:"busPassword"`
	BusTopicPrefix          string `yaml:"busTopicPrefix"`
	MetricsTextfile         string `yaml:"metricsTextfile"`
	LogJSON                 *bool  `yaml:"logJSON"`
	LogLevel                string `yaml:"logLevel"`
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setStr(&c.Role, f.Role)
	setStr(&c.InstanceID, f.InstanceID)
	setStr(&c.ListenAddr, f.ListenAddr)
	setStr(&c.RedirectURL, f.RedirectURL)
	setStr(&c.TLSCert, f.TLSCert)
	setStr(&c.TLSKey, f.TLSKey)
	setStr(&c.PrivateKeyFile, f.PrivateKeyFile)
	setStr(&c.KeyExpiresOn, f.KeyExpiresOn)
	setStr(&c.GatewayPSK, f.GatewayPSK)
	setStr(&c.GatewayServers, f.GatewayServers)
	if f.MaxBytesBeforeAuth != 0 {
		c.MaxBytesBeforeAuth = f.MaxBytesBeforeAuth
	}
	if f.MaxMessageSize != 0 {
		c.MaxMessageSize = f.MaxMessageSize
	}
	if f.WSReceiveBuffer != 0 {
		c.WSReceiveBuffer = f.WSReceiveBuffer
	}
	if err := setDuration(&c.PingInterval, f.PingInterval, "pingInterval"); err != nil {
		return err
	}
	if err := setDuration(&c.ReconnectInterval, f.ReconnectInterval, "reconnectInterval"); err != nil {
		return err
	}
	if err := setDuration(&c.ControlTimeout, f.ControlTimeout, "controlResponseTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.ClientInactivity, f.ClientInactivity, "clientInactivityTimeout"); err != nil {
		return err
	}
	if err := setDuration(&c.ConnectionRetention, f.ConnectionRetention, "connectionRetention"); err != nil {
		return err
	}
	setStr(&c.AllowedProtocolVersions, f.AllowedProtocolVersions)
	setBool(&c.DisablePing, f.DisablePing)
	setBool(&c.DisableClientHistory, f.DisableClientHistory)
	setBool(&c.InMemoryClientList, f.InMemoryClientList)
	setBool(&c.DisableStatistics, f.DisableStatistics)
	setStr(&c.DBPath, f.DBPath)
	setStr(&c.BusURL, f.BusURL)
	setStr(&c.BusUsername, f.BusUsername)
	setStr(&c.BusPassword, f.BusPassword)
	setStr(&c.BusTopicPrefix, f.BusTopicPrefix)
	setStr(&c.MetricsTextfile, f.MetricsTextfile)
	setBool(&c.LogJSON, f.LogJSON)
	setStr(&c.LogLevel, f.LogLevel)
	return nil
}

func setStr(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v, name string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config file %s: %w", name, err)
	}
	*dst = d
	return nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.Role != RoleService && c.Role != RoleGateway {
		errs = append(errs, fmt.Errorf("RELAY_ROLE must be %q or %q, got %q", RoleService, RoleGateway, c.Role))
	}
	if c.InstanceID == "" {
		errs = append(errs, errors.New("RELAY_INSTANCE_ID is required and must be unique across the fleet"))
	}
	if c.MaxBytesBeforeAuth <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_BYTES_BEFORE_AUTH must be > 0, got %d", c.MaxBytesBeforeAuth))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize))
	}
	if c.WSReceiveBuffer <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_WS_RECEIVE_BUFFER must be > 0, got %d", c.WSReceiveBuffer))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_PING_INTERVAL must be > 0, got %s", c.PingInterval))
	}
	if c.ReconnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_RECONNECT_INTERVAL must be > 0, got %s", c.ReconnectInterval))
	}
	if c.ControlTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_CONTROL_TIMEOUT must be > 0, got %s", c.ControlTimeout))
	}
	if c.ClientInactivity <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_CLIENT_INACTIVITY must be > 0, got %s", c.ClientInactivity))
	}
	if c.ConnectionRetention <= 0 {
		errs = append(errs, fmt.Errorf("RELAY_CONNECTION_RETENTION must be > 0, got %s", c.ConnectionRetention))
	}
	if _, err := c.ProtocolVersions(); err != nil {
		errs = append(errs, err)
	}
	if c.KeyExpiresOn != "" {
		if _, err := time.Parse(time.RFC3339, c.KeyExpiresOn); err != nil {
			errs = append(errs, fmt.Errorf("RELAY_KEY_EXPIRES_ON must be RFC3339: %w", err))
		}
	}
	if c.GatewayServers != "" && c.Role == RoleGateway {
		errs = append(errs, errors.New("RELAY_GATEWAY_SERVERS only applies to the service role"))
	}
	if (c.GatewayServers != "" || c.Role == RoleGateway) && c.GatewayPSK == "" {
		errs = append(errs, errors.New("RELAY_GATEWAY_PSK is required when gateway features are used"))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, errors.New("RELAY_TLS_CERT and RELAY_TLS_KEY must be set together"))
	}
	return errors.Join(errs...)
}

// GatewayURLs returns the configured outward gateway endpoints.
func (c *Config) GatewayURLs() []string {
	if c.GatewayServers == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(c.GatewayServers, ",") {
		if u := strings.TrimSpace(part); u != "" {
			out = append(out, u)
		}
	}
	return out
}

// ProtocolVersions parses the allowed protocol version set.
func (c *Config) ProtocolVersions() ([]int, error) {
	var out []int
	for _, part := range strings.Split(c.AllowedProtocolVersions, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("RELAY_ALLOWED_PROTO_VERSIONS: %q is not an integer", part)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, errors.New("RELAY_ALLOWED_PROTO_VERSIONS must name at least one version")
	}
	return out, nil
}

// KeyExpiry returns the configured key expiry, or the zero time when unset.
// Validate has already checked the format.
func (c *Config) KeyExpiry() time.Time {
	if c.KeyExpiresOn == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, c.KeyExpiresOn)
	return t
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
