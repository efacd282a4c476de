package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE_DRIVER", "ARCHIVE_ENABLED", "DISPATCH_TRIGGER_TIMEOUT",
		"DISPATCH_RETRY_BACKOFF", "DISPATCH_BROADCAST_PAGE_SIZE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.TriggerTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Dispatch.RetryBackoff)
	assert.Equal(t, 500, cfg.Dispatch.BroadcastPageSize)
	assert.False(t, cfg.Archive.Enabled)
	assert.True(t, cfg.UsesPostgres())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("DISPATCH_TRIGGER_TIMEOUT", "3s")
	t.Setenv("DISPATCH_RULE_CONCURRENCY", "8")
	t.Setenv("ARCHIVE_ENABLED", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.UsesPostgres())
	assert.Equal(t, 3*time.Second, cfg.Dispatch.TriggerTimeout)
	assert.Equal(t, 8, cfg.Dispatch.RuleConcurrency)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("DISPATCH_RECIPIENT_CONCURRENCY", "lots")
	t.Setenv("RETENTION_SWEEP_INTERVAL", "daily")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Dispatch.RecipientConcurrency)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SweepInterval)
}
