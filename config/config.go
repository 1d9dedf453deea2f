package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/peer"
)

// Transport and store types
const (
	TransportNATS      = "nats"
	TransportWebSocket = "websocket"

	StoreKV     = "kv"
	StoreMemory = "memory"
)

// Config represents the complete bot configuration
type Config struct {
	Bot       BotConfig       `json:"bot"`
	Transport TransportConfig `json:"transport"`
	NATS      NATSConfig      `json:"nats"`
	WebSocket WebSocketConfig `json:"websocket"`
	Store     StoreConfig     `json:"store"`
	Messages  MessagesConfig  `json:"messages"`
	Retry     RetryConfig     `json:"retry"`
	Limits    LimitsConfig    `json:"limits"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
	Daemon    DaemonConfig    `json:"daemon"`
}

// BotConfig identifies the bot process and its account on the network
type BotConfig struct {
	Name     string `json:"name"`     // process name; pid and log file names derive from it
	Identity string `json:"identity"` // the bot's own peer identity
	Password string `json:"password,omitempty"`
}

// TransportConfig selects the messaging network adapter
type TransportConfig struct {
	Type   string `json:"type"`             // "nats" or "websocket"
	Prefix string `json:"prefix,omitempty"` // subject / bucket prefix for the nats transport
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs           []string      `json:"urls,omitempty"`
	MaxReconnects  int           `json:"max_reconnects,omitempty"`
	ReconnectWait  time.Duration `json:"reconnect_wait,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	PingInterval   time.Duration `json:"ping_interval,omitempty"`
	Username       string        `json:"username,omitempty"`
	Password       string        `json:"password,omitempty"`
	Token          string        `json:"token,omitempty"`
	TLS            NATSTLSConfig `json:"tls,omitempty"`

	// CircuitThreshold is the number of consecutive connection failures
	// that open the client's circuit breaker; MaxBackoff caps its backoff.
	CircuitThreshold int           `json:"circuit_threshold,omitempty"`
	MaxBackoff       time.Duration `json:"max_backoff,omitempty"`

	// MetricsInterval is how often KV bucket sizes are polled (0=never)
	MetricsInterval time.Duration `json:"metrics_interval,omitempty"`
}

// NATSTLSConfig for secure NATS connections
type NATSTLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty"`
	CAFile   string `json:"ca_file,omitempty"`
}

// WebSocketConfig defines the chat gateway connection
type WebSocketConfig struct {
	URL              string        `json:"url,omitempty"`
	HandshakeTimeout time.Duration `json:"handshake_timeout,omitempty"`
	RequestTimeout   time.Duration `json:"request_timeout,omitempty"`
	PingInterval     time.Duration `json:"ping_interval,omitempty"`
}

// StoreConfig selects the subscriber store
type StoreConfig struct {
	Type     string `json:"type"`             // "kv" or "memory"
	Bucket   string `json:"bucket,omitempty"` // KV bucket for subscriber records
	Replicas int    `json:"replicas,omitempty"`
}

// MessagesConfig holds the fixed texts the bot sends on its own
type MessagesConfig struct {
	Welcome     string `json:"welcome"`
	Authorized  string `json:"authorized"`
	Stranger    string `json:"stranger"`
	Unavailable string `json:"unavailable,omitempty"` // status text of the shutdown presence
}

// RetryConfig tunes in-place retries of store and transport operations
type RetryConfig struct {
	InitialDelay      time.Duration `json:"initial_delay,omitempty"`
	MaxDelay          time.Duration `json:"max_delay,omitempty"`
	ExhaustionBackoff time.Duration `json:"exhaustion_backoff,omitempty"`
}

// LimitsConfig rate-limits outbound stanzas and introspection answers.
// A zero rate disables the limit.
type LimitsConfig struct {
	SendRate   float64 `json:"send_rate,omitempty"` // stanzas per second
	SendBurst  int     `json:"send_burst,omitempty"`
	QueryRate  float64 `json:"query_rate,omitempty"` // queries per second
	QueryBurst int     `json:"query_burst,omitempty"`
}

// MetricsConfig controls the metrics and health HTTP server
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address,omitempty"`
	Path    string `json:"path,omitempty"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file,omitempty"`
}

// DaemonConfig controls start/stop process management
type DaemonConfig struct {
	PidFile string `json:"pid_file,omitempty"`
}

// Default returns the built-in configuration every file layer is merged onto
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name: "rumpy",
		},
		Transport: TransportConfig{
			Type:   TransportNATS,
			Prefix: "rumpy",
		},
		NATS: NATSConfig{
			URLs:             []string{"nats://localhost:4222"},
			MaxReconnects:    -1,
			ReconnectWait:    2 * time.Second,
			ConnectTimeout:   5 * time.Second,
			CircuitThreshold: 5,
			MaxBackoff:       time.Minute,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: 10 * time.Second,
			RequestTimeout:   10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Store: StoreConfig{
			Type:   StoreKV,
			Bucket: "rumpy_subscribers",
		},
		Messages: MessagesConfig{
			Welcome:     "hello",
			Authorized:  "You are now authorized.",
			Stranger:    "I don't know you. Add me to your contact list first.",
			Unavailable: "shutting down",
		},
		Retry: RetryConfig{
			InitialDelay:      10 * time.Millisecond,
			MaxDelay:          2 * time.Second,
			ExhaustionBackoff: time.Second,
		},
		Limits: LimitsConfig{
			QueryRate:  100,
			QueryBurst: 10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the config and normalizes the bot identity in place
func (c *Config) Validate() error {
	if c.Bot.Name == "" {
		return invalid("bot.name is required")
	}
	if !isValidSubjectPart(c.Bot.Name) {
		return invalid("bot.name %q must be alphanumeric with dashes or underscores", c.Bot.Name)
	}

	id, err := peer.Normalize(c.Bot.Identity)
	if err != nil {
		return invalid("bot.identity: %v", err)
	}
	c.Bot.Identity = id.String()

	switch c.Transport.Type {
	case TransportNATS:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the nats transport")
		}
		if !isValidSubjectPart(c.Transport.Prefix) {
			return invalid("transport.prefix %q is not a valid subject token", c.Transport.Prefix)
		}
	case TransportWebSocket:
		if c.WebSocket.URL == "" {
			return invalid("websocket.url is required for the websocket transport")
		}
		if !strings.HasPrefix(c.WebSocket.URL, "ws://") && !strings.HasPrefix(c.WebSocket.URL, "wss://") {
			return invalid("websocket.url %q must use ws:// or wss://", c.WebSocket.URL)
		}
	default:
		return invalid("transport.type %q must be %q or %q", c.Transport.Type, TransportNATS, TransportWebSocket)
	}

	switch c.Store.Type {
	case StoreKV:
		if len(c.NATS.URLs) == 0 {
			return invalid("nats.urls is required for the kv store")
		}
		if c.Store.Bucket == "" {
			return invalid("store.bucket is required for the kv store")
		}
	case StoreMemory:
	default:
		return invalid("store.type %q must be %q or %q", c.Store.Type, StoreKV, StoreMemory)
	}

	if c.NATS.CircuitThreshold < 0 {
		return invalid("nats.circuit_threshold cannot be negative")
	}
	if c.NATS.MaxBackoff > 0 && c.NATS.MaxBackoff < time.Second {
		return invalid("nats.max_backoff must be at least 1s")
	}

	if c.NATS.TLS.Enabled && (c.NATS.TLS.CertFile == "") != (c.NATS.TLS.KeyFile == "") {
		return invalid("nats.tls.cert_file and nats.tls.key_file must be set together")
	}

	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.InitialDelay {
		return invalid("retry.max_delay must be >= retry.initial_delay")
	}

	if c.Limits.SendRate < 0 || c.Limits.QueryRate < 0 {
		return invalid("limits rates cannot be negative")
	}
	if c.Limits.SendRate > 0 && c.Limits.SendBurst < 1 {
		c.Limits.SendBurst = 1
	}
	if c.Limits.QueryRate > 0 && c.Limits.QueryBurst < 1 {
		c.Limits.QueryBurst = 1
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q must be debug, info, warn or error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log.format %q must be json or text", c.Log.Format)
	}

	return nil
}

// PidFile returns the configured pid file, defaulting to "<bot name>.pid"
func (c *Config) PidFile() string {
	if c.Daemon.PidFile != "" {
		return c.Daemon.PidFile
	}
	return c.Bot.Name + ".pid"
}

// DefaultLogFile returns the log file a detached bot writes to when none is configured
func (c *Config) DefaultLogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return c.Bot.Name + ".log"
}

// String returns a JSON representation of the config with secrets redacted
func (c *Config) String() string {
	redacted := *c
	redacted.NATS.URLs = append([]string(nil), c.NATS.URLs...)
	for _, s := range []*string{&redacted.Bot.Password, &redacted.NATS.Password, &redacted.NATS.Token} {
		if *s != "" {
			*s = "[REDACTED]"
		}
	}
	data, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(data)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// isValidSubjectPart checks a string is usable as a single NATS subject token
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
