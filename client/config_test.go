package olympus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, "/api/v1/auth/refresh", cfg.RefreshPath)
	assert.Equal(t, "olympus-client-go/1.0", cfg.UserAgent)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("OLYMPUS_API_URL", "https://api.olympus.dev/")
	t.Setenv("OLYMPUS_HTTP_TIMEOUT", "10s")
	t.Setenv("OLYMPUS_USER_AGENT", "olympus-test/0.1")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	// Trailing slash is trimmed so path joining stays predictable.
	assert.Equal(t, "https://api.olympus.dev", cfg.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, "olympus-test/0.1", cfg.UserAgent)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{BaseURL: "http://example.test/"}.withDefaults()

	assert.Equal(t, "http://example.test", cfg.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.NotEmpty(t, cfg.RefreshPath)
	assert.NotEmpty(t, cfg.UserAgent)
}
