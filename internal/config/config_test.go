package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 72*time.Hour, cfg.ApprovalTTL)
	assert.Equal(t, 3, cfg.RegenerationCap)
	assert.Equal(t, 24*time.Hour, cfg.ReleaseDelay)
	assert.Equal(t, 5, cfg.NotifyMaxRetries)
	assert.Equal(t, time.Minute, cfg.NotifyBaseDelay)
	assert.Equal(t, 20, cfg.NotifyBatchSize)
	assert.Equal(t, 10, cfg.NotifyConcurrency)
	assert.Equal(t, RateRule{Max: 5, Window: time.Hour}, cfg.OrderRate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("LOG_LEVEL", "WARNING")
	t.Setenv("RATE_LIMIT_ORDERS", "3/30m")
	t.Setenv("AUTO_APPROVE_SONGS", "off")
	t.Setenv("PUBLIC_BASE_URL", "https://songs.example.com/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, RateRule{Max: 3, Window: 30 * time.Minute}, cfg.OrderRate)
	assert.False(t, cfg.AutoApproveSongs)
	assert.Equal(t, "https://songs.example.com", cfg.PublicBaseURL)
}

func TestMalformedRuleFallsBack(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("RATE_LIMIT_WEBHOOKS", "lots")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, RateRule{Max: 120, Window: time.Minute}, cfg.WebhookRate)
}

func TestValidate(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	base, err := Load()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad store driver", func(c *Config) { c.StoreDriver = "mysql" }},
		{"bad mail driver", func(c *Config) { c.MailDriver = "pigeon" }},
		{"s3 without bucket", func(c *Config) { c.AssetDriver = "s3"; c.AssetBucket = "" }},
		{"zero batch", func(c *Config) { c.NotifyBatchSize = 0 }},
		{"poll max below initial", func(c *Config) { c.AudioPollMax = time.Second }},
		{"sample ratio", func(c *Config) { c.OTel.SampleRatio = 2 }},
		{"prod without secrets", func(c *Config) { c.Env = "prod" }},
		{"empty rate window", func(c *Config) { c.DecisionRate.Window = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	prod := base
	prod.Env = "prod"
	prod.AudioWebhookSecret = "whsec"
	prod.CronSecret = "cron"
	prod.AdminToken = "admin"
	assert.NoError(t, prod.Validate())
}
