package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/estatebid/go/internal/auction"
	"github.com/mcdev12/estatebid/go/internal/models"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auction.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAuctionConfig(), cfg.Auction)
	assert.Equal(t, 5*time.Minute, cfg.Auction.WarningWindow)
	assert.Equal(t, 60*time.Second, cfg.Auction.AntiSnipeWindow)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := writeFile(t, `
warning_window: 2m
anti_snipe_window: 30s
default_min_increment: 5000
sweep_interval: 250ms
subscriber_buffer: 16
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Minute, cfg.Auction.WarningWindow)
	assert.Equal(t, 30*time.Second, cfg.Auction.AntiSnipeWindow)
	assert.Equal(t, models.Money(5000), cfg.Auction.DefaultMinIncrement)
	assert.Equal(t, 250*time.Millisecond, cfg.Auction.SweepInterval)
	assert.Equal(t, 16, cfg.Auction.SubscriberBuffer)
	// untouched keys keep their defaults
	assert.Equal(t, time.Hour, cfg.Auction.Retention)
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	_, err := Load(writeFile(t, "sweep_interval: 0s\n"))
	require.ErrorIs(t, err, auction.ErrInvalidConfig)

	_, err = Load(writeFile(t, "warning_window: [\n"))
	require.Error(t, err)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "nats://bus:4222", cfg.NATSURL)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 1, cfg.RateLimit.Capacity)
	assert.Equal(t, 10*time.Second, cfg.RateLimit.TTL)
}
