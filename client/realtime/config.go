package realtime

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds the realtime channel settings.
type Config struct {
	// URL is the realtime endpoint without query parameters,
	// e.g. wss://api.olympus.dev/api/v1/ws.
	URL string `env:"OLYMPUS_WS_URL,default=ws://localhost:8080/api/v1/ws"`

	// HeartbeatInterval is the period between outbound pings while Connected.
	HeartbeatInterval time.Duration `env:"OLYMPUS_WS_HEARTBEAT,default=30s"`

	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration `env:"OLYMPUS_WS_RECONNECT_DELAY,default=3s"`

	// MaxReconnectAttempts bounds automatic reconnection. Once exhausted the
	// channel goes to Failed and stays there until Connect is called again.
	MaxReconnectAttempts int `env:"OLYMPUS_WS_MAX_RECONNECTS,default=5"`

	// HandshakeTimeout bounds a single dial.
	HandshakeTimeout time.Duration `env:"OLYMPUS_WS_HANDSHAKE_TIMEOUT,default=10s"`

	// SubscriberBuffer is the per-subscriber channel depth. A subscriber that
	// falls this far behind starts missing messages.
	SubscriberBuffer int `env:"OLYMPUS_WS_SUBSCRIBER_BUFFER,default=16"`

	// Dialer overrides the websocket dialer, mainly for tests. Not settable
	// from the environment.
	Dialer *websocket.Dialer
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is honored for local runs.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode realtime config from environment: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 16
	}
	return c
}
