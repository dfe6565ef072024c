package bridge

import (
	"time"

	"github.com/pion/logging"
)

// Client identity advertised during the handshake, fixed at build time.
const (
	clientType    = "shl-app"
	clientID      = "xcomfort-go"
	clientVersion = "1.0.0"
)

// Config holds all configuration for a bridge Client. BridgeIP and AuthKey
// are consumed once at Init; changing them requires a new client.
type Config struct {
	// BridgeIP is the bridge's address. Required.
	BridgeIP string

	// AuthKey is the user's bridge authentication key. Required.
	AuthKey string

	// Port is the bridge's WebSocket port (default 80).
	Port int

	// ConnectTimeout bounds Init from the opened socket to discovery complete
	// (default 30s). The dial itself is bounded separately by the transport's
	// handshake timeout.
	ConnectTimeout time.Duration

	// HeartbeatInterval is the periodic heartbeat cadence (default 30s).
	HeartbeatInterval time.Duration

	// ReconnectDelay is the wait before the single reconnect attempt after a
	// connected session drops (default 5s).
	ReconnectDelay time.Duration

	// AckTimeout is the wait for one acknowledgement (default 5s).
	AckTimeout time.Duration

	// RetryDelay is the pause between send attempts (default 500ms).
	RetryDelay time.Duration

	// MaxRetries is the total number of send attempts for a tracked command
	// (default 3).
	MaxRetries int

	// SaltLength overrides the login salt length (default 32).
	SaltLength int

	// OnConnectionChanged fires when the fully-connected state flips.
	// Optional.
	OnConnectionChanged func(connected bool)

	// LoggerFactory creates the client's loggers. Nil uses pion's default.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.BridgeIP == "" || c.AuthKey == "" {
		return ErrConfigMissing
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 80
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 500 * time.Millisecond
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}
