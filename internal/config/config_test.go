package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err)
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.BatchSize)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 5, cfg.Queue.RateLimitPerWindow)
	assert.Equal(t, time.Second, cfg.Queue.RateWindow())
	assert.Equal(t, time.Second, cfg.Queue.BatchDelay())

	assert.Equal(t, "email", cfg.Tracking.UTMSource)
	assert.Equal(t, "cta_button", cfg.Tracking.UTMMedium)
	assert.Equal(t, "product_updates", cfg.Tracking.UTMCampaign)

	assert.Equal(t, "smtp", cfg.Mail.Transport)
	assert.Equal(t, "smtp.gmail.com", cfg.Mail.SMTPHost)
	assert.Equal(t, 465, cfg.Mail.SMTPPort)

	assert.Equal(t, "engine_session", cfg.Session.CookieName)
	assert.Equal(t, 86400*time.Second, cfg.Session.TTL())
}

func TestLoadExplicitValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: example.internal
queue:
  batch_size: 10
  max_retries: 5
tracking:
  base_url: https://t.io
  utm_campaign: launch
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10, cfg.Queue.BatchSize)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.Equal(t, "https://t.io", cfg.Tracking.BaseURL)
	assert.Equal(t, "launch", cfg.Tracking.UTMCampaign)

	// Unset fields still pick up defaults.
	assert.Equal(t, "email", cfg.Tracking.UTMSource)
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "tracking:\n  base_url: https://file.example\n")

	t.Setenv("APP_URL", "https://env.example")
	t.Setenv("DATABASE_URL", "postgres://env/engine")
	t.Setenv("MAIL_TRANSPORT", "ses")

	cfg, err := LoadFromEnv(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example", cfg.Tracking.BaseURL)
	assert.Equal(t, "postgres://env/engine", cfg.Database.URL)
	assert.Equal(t, "ses", cfg.Mail.Transport)
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	t.Setenv("PORT", "7001")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Queue.BatchSize, "defaults apply without a config file")
}
