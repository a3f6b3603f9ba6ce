package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-ledger/ledger"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	// GIVEN: No config file in the working directory
	cfg, err := Load("")

	// THEN: Defaults match the engine defaults
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "points.db", cfg.Database.Path)
	assert.Equal(t, ledger.DefaultConfig(), cfg.LedgerConfig())
	assert.True(t, cfg.Sweep.Enabled)
	assert.Equal(t, time.Minute, cfg.Sweep.Interval)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Tracing.Endpoint)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
  cors_origins: ["https://book.example.com"]
database:
  path: /var/lib/points/points.db
ledger:
  lock_timeout: 3s
  max_attempts: 7
  holds:
    earned_referral: 72h
    influencer_bonus: 0s
    earned_service: 1h
sweep:
  interval: 30s
  batch_size: 500
redis:
  addr: redis:6379
  lock_ttl: 15s
tracing:
  endpoint: http://jaeger:14268/api/traces
  sample_ratio: 0.25
log:
  level: debug
  format: JSON
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://book.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/points/points.db", cfg.Database.Path)
	assert.Equal(t, 3*time.Second, cfg.Ledger.LockTimeout)
	assert.Equal(t, 7, cfg.Ledger.MaxAttempts)
	assert.Equal(t, ledger.HoldPolicy{
		ledger.TypeEarnedReferral: 72 * time.Hour,
		ledger.TypeEarnedService:  time.Hour,
	}, cfg.Ledger.Holds)
	assert.Equal(t, 500, cfg.Sweep.BatchSize)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 15*time.Second, cfg.Redis.LockTTL)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)
	assert.Equal(t, "json", cfg.Log.Format)

	level, err := cfg.Log.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// GIVEN: A file setting the port, and env overriding it and a hold
	path := writeConfig(t, "server:\n  port: 9000\n")
	t.Setenv("POINTS_SERVER_PORT", "9191")
	t.Setenv("POINTS_LEDGER_HOLDS_EARNED_REFERRAL", "24h")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 24*time.Hour, cfg.Ledger.Holds.For(ledger.TypeEarnedReferral))
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative hold", "ledger:\n  holds:\n    earned_referral: -1h\n"},
		{"hold on spend type", "ledger:\n  holds:\n    used_service: 1h\n"},
		{"unknown hold type", "ledger:\n  holds:\n    cashback: 1h\n"},
		{"zero attempts", "ledger:\n  max_attempts: 0\n"},
		{"sample ratio", "tracing:\n  sample_ratio: 2\n"},
		{"log format", "log:\n  format: xml\n"},
		{"log level", "log:\n  level: loud\n"},
		{"redis ttl below lock timeout", "redis:\n  addr: redis:6379\n  lock_ttl: 1s\n"},
		{"port", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}
