package olympus

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds the request pipeline settings. The zero value is not usable;
// construct via LoadConfig or fill in BaseURL and call normalize-on-use
// defaults in NewClient.
type Config struct {
	// BaseURL is the platform API root, e.g. https://api.olympus.dev.
	// Endpoint paths (/api/v1/...) are appended to it.
	BaseURL string `env:"OLYMPUS_API_URL,default=http://localhost:8080"`

	// Timeout bounds a single HTTP round trip, refresh calls included.
	Timeout time.Duration `env:"OLYMPUS_HTTP_TIMEOUT,default=30s"`

	// RefreshPath is the credential refresh endpoint, relative to BaseURL.
	RefreshPath string `env:"OLYMPUS_REFRESH_PATH,default=/api/v1/auth/refresh"`

	// UserAgent is sent on every request.
	UserAgent string `env:"OLYMPUS_USER_AGENT,default=olympus-client-go/1.0"`

	// HTTPClient overrides the transport, mainly so tests can inject a client
	// that trusts a local TLS server. When nil a client with Timeout is used.
	// Not settable from the environment.
	HTTPClient *http.Client
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is honored for local runs.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config from environment: %w", err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RefreshPath == "" {
		c.RefreshPath = "/api/v1/auth/refresh"
	}
	if c.UserAgent == "" {
		c.UserAgent = "olympus-client-go/1.0"
	}
	return c
}
