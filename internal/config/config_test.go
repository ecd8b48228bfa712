package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "api:\n  base_url: http://api.test\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Stream.Streams)
	assert.Equal(t, 50, cfg.Stream.Limit)
	assert.Equal(t, 1, cfg.Stream.MaxPendingRequests)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay())
	assert.Equal(t, time.Hour, cfg.MaxRetryDelay())
	assert.Equal(t, 50*time.Millisecond, cfg.RetryJitter())
	assert.Equal(t, time.Second, cfg.RequestInterval())
	assert.Equal(t, "read(all)", cfg.Auth.Scope)
	assert.Equal(t, "page_items", cfg.DB.Table)
	assert.False(t, cfg.Retry.RefreshKeepsBudget)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: http://api.test
  path: /v2/things
stream:
  streams: 2
  limit: 20
  request_interval_ms: 250
retry:
  max_retries: 5
  refresh_keeps_budget: true
auth:
  token_url: http://api.test/token
  client_id: id
  client_secret: secret
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/v2/things", cfg.API.Path)
	assert.Equal(t, 2, cfg.Stream.Streams)
	assert.Equal(t, 20, cfg.Stream.Limit)
	assert.Equal(t, 250*time.Millisecond, cfg.RequestInterval())
	assert.Equal(t, 5, cfg.Retry.MaxRetries)
	assert.True(t, cfg.Retry.RefreshKeepsBudget)
}

func TestLoadRequiresBaseURL(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api.base_url")
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg := Config{}
		cfg.Server.Port = 8080
		cfg.API.BaseURL = "http://api.test"
		cfg.Stream.Streams = 1
		cfg.Stream.Limit = 10
		cfg.Stream.MaxPendingRequests = 1
		cfg.Stream.RequestIntervalMs = 100
		cfg.Retry.MaxRetries = 3
		return cfg
	}

	cfg := base()
	cfg.Stream.Limit = 51
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Stream.Streams = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Auth.TokenURL = "http://api.test/token"
	assert.Error(t, cfg.Validate(), "credentials are required alongside a token url")

	cfg = base()
	require.NoError(t, cfg.Validate())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PAGEFEED_STREAM_LIMIT", "25")

	path := writeConfig(t, "api:\n  base_url: http://api.test\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.Stream.Limit)
}
