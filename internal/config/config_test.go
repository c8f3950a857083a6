package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chart.DefaultPoints)
	assert.Equal(t, 500, cfg.Chart.PluginChunkSize)
	assert.Equal(t, 100, cfg.Backfill.MaxChunks)
	assert.Equal(t, 30, cfg.WS.PingIntervalSec)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
chart:
  default_points: 50
providers:
  crypto:kraken:
    market: crypto
    plugin: kraken
    rps: 1
    enabled: true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Chart.DefaultPoints)
	// Untouched sections keep defaults.
	assert.Equal(t, 500, cfg.Chart.PluginChunkSize)
	require.Contains(t, cfg.Providers, "crypto:kraken")
	assert.Equal(t, "kraken", cfg.Providers["crypto:kraken"].Plugin)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("DEFAULT_CHART_POINTS", "77")
	t.Setenv("BACKFILL_CHUNK_DELAY_SEC", "0.5")
	t.Setenv("REDIS_ADDR", "cache:6379")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 77, cfg.Chart.DefaultPoints)
	assert.InDelta(t, 0.5, cfg.Backfill.ChunkDelaySec, 1e-9)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
}

func TestEnvIgnoresUnparsable(t *testing.T) {
	t.Setenv("DEFAULT_CHART_POINTS", "not-a-number")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Chart.DefaultPoints)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chart points", func(c *Config) { c.Chart.DefaultPoints = 0 }},
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"poll max below min", func(c *Config) { c.Poll.MaxIntervalSec = 1 }},
		{"jitter out of range", func(c *Config) { c.Poll.JitterFactor = 1.5 }},
		{"provider missing plugin", func(c *Config) {
			c.Providers = map[string]ProviderConfig{"x": {Market: "crypto"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "tickd", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 dbname=tickd user=u password=p sslmode=disable", d.DSN())
}

func TestBackfillDurations(t *testing.T) {
	b := BackfillConfig{PeriodMs: 86_400_000, ChunkDelaySec: 1.5}
	assert.Equal(t, int64(86_400_000), b.Period().Milliseconds())
	assert.Equal(t, int64(1500), b.ChunkDelay().Milliseconds())
}
