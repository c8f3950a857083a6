// Package config loads the service configuration from YAML with
// environment-variable overrides for the tunables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Redis     RedisConfig               `yaml:"redis"`
	Providers map[string]ProviderConfig `yaml:"providers"` // keyed "market:provider"
	Chart     ChartConfig               `yaml:"chart"`
	Backfill  BackfillConfig            `yaml:"backfill"`
	Cache     CacheConfig               `yaml:"cache"`
	Poll      PollConfig                `yaml:"poll"`
	WS        WSConfig                  `yaml:"websocket"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	ShutdownSec     int    `yaml:"shutdown_sec"`
}

// DatabaseConfig configures the Postgres/Timescale connection.
type DatabaseConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Name         string `yaml:"name"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// RedisConfig configures the cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ProviderConfig configures one plugin instance for one market.
type ProviderConfig struct {
	Market    string  `yaml:"market"`   // e.g. "crypto"
	Plugin    string  `yaml:"plugin"`   // registered plugin name, e.g. "kraken"
	BaseURL   string  `yaml:"base_url"` // override for tests; empty uses the plugin default
	APIKey    string  `yaml:"api_key"`
	APISecret string  `yaml:"api_secret"`
	Testnet   bool    `yaml:"testnet"`
	RPS       float64 `yaml:"rps"`   // requests per second
	Burst     int     `yaml:"burst"` // rate limiter burst
	Enabled   bool    `yaml:"enabled"`
}

// ChartConfig bounds the default chart window.
type ChartConfig struct {
	DefaultPoints   int `yaml:"default_points"`    // DEFAULT_CHART_POINTS
	PluginChunkSize int `yaml:"plugin_chunk_size"` // DEFAULT_PLUGIN_CHUNK_SIZE
}

// BackfillConfig bounds gap repair.
type BackfillConfig struct {
	PeriodMs      int64   `yaml:"period_ms"`       // DEFAULT_BACKFILL_PERIOD_MS
	MaxChunks     int     `yaml:"max_chunks"`      // MAX_BACKFILL_CHUNKS
	ChunkDelaySec float64 `yaml:"chunk_delay_sec"` // BACKFILL_CHUNK_DELAY_SEC
}

// CacheConfig holds cache TTLs in seconds.
type CacheConfig struct {
	TTL1mGroupSec   int `yaml:"ttl_1m_group_sec"`  // CACHE_TTL_1M_BAR_GROUP
	TTLResampledSec int `yaml:"ttl_resampled_sec"` // CACHE_TTL_RESAMPLED_BARS
	MaxGroupBars    int `yaml:"max_group_bars"`
}

// PollConfig tunes the subscription poll loops.
type PollConfig struct {
	MinIntervalSec        int     `yaml:"min_interval_sec"`            // MIN_POLL_INTERVAL_SEC
	MaxIntervalSec        int     `yaml:"max_interval_sec"`            // MAX_POLL_INTERVAL_SEC
	InitialDelaySec       int     `yaml:"initial_delay_sec"`           // INITIAL_POLL_DELAY_SEC
	JitterFactor          float64 `yaml:"jitter_factor"`               // POLL_JITTER_FACTOR
	MaxFailuresBeforeBack int     `yaml:"max_failures_before_backoff"` // MAX_POLL_FAILURES_BEFORE_BACKOFF
	BackoffBaseSec        int     `yaml:"backoff_base_sec"`            // POLL_BACKOFF_BASE_SEC
	MaxBackoffSec         int     `yaml:"max_backoff_sec"`             // MAX_POLL_BACKOFF_SEC
}

// WSConfig tunes the websocket transport.
type WSConfig struct {
	PingIntervalSec int `yaml:"ping_interval_sec"` // WS_PING_INTERVAL_SEC
	QueueSize       int `yaml:"queue_size"`
}

// Default returns the shipped defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			ShutdownSec:     15,
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         5432,
			Name:         "tickd",
			User:         "tickd",
			SSLMode:      "disable",
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			TimeoutSec:   10,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 16,
		},
		Chart: ChartConfig{
			DefaultPoints:   200,
			PluginChunkSize: 500,
		},
		Backfill: BackfillConfig{
			PeriodMs:      30 * 24 * time.Hour.Milliseconds(),
			MaxChunks:     100,
			ChunkDelaySec: 1.5,
		},
		Cache: CacheConfig{
			TTL1mGroupSec:   3600,
			TTLResampledSec: 300,
			MaxGroupBars:    5000,
		},
		Poll: PollConfig{
			MinIntervalSec:        5,
			MaxIntervalSec:        300,
			InitialDelaySec:       5,
			JitterFactor:          0.1,
			MaxFailuresBeforeBack: 3,
			BackoffBaseSec:        30,
			MaxBackoffSec:         900,
		},
		WS: WSConfig{
			PingIntervalSec: 30,
			QueueSize:       256,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envInt("DEFAULT_CHART_POINTS", &c.Chart.DefaultPoints)
	envInt("DEFAULT_PLUGIN_CHUNK_SIZE", &c.Chart.PluginChunkSize)
	envInt("MAX_BACKFILL_CHUNKS", &c.Backfill.MaxChunks)
	envFloat("BACKFILL_CHUNK_DELAY_SEC", &c.Backfill.ChunkDelaySec)
	envInt64("DEFAULT_BACKFILL_PERIOD_MS", &c.Backfill.PeriodMs)
	envInt("CACHE_TTL_1M_BAR_GROUP", &c.Cache.TTL1mGroupSec)
	envInt("CACHE_TTL_RESAMPLED_BARS", &c.Cache.TTLResampledSec)
	envInt("MIN_POLL_INTERVAL_SEC", &c.Poll.MinIntervalSec)
	envInt("MAX_POLL_INTERVAL_SEC", &c.Poll.MaxIntervalSec)
	envInt("INITIAL_POLL_DELAY_SEC", &c.Poll.InitialDelaySec)
	envFloat("POLL_JITTER_FACTOR", &c.Poll.JitterFactor)
	envInt("MAX_POLL_FAILURES_BEFORE_BACKOFF", &c.Poll.MaxFailuresBeforeBack)
	envInt("POLL_BACKOFF_BASE_SEC", &c.Poll.BackoffBaseSec)
	envInt("MAX_POLL_BACKOFF_SEC", &c.Poll.MaxBackoffSec)
	envInt("WS_PING_INTERVAL_SEC", &c.WS.PingIntervalSec)
	envString("DATABASE_HOST", &c.Database.Host)
	envInt("DATABASE_PORT", &c.Database.Port)
	envString("DATABASE_NAME", &c.Database.Name)
	envString("DATABASE_USER", &c.Database.User)
	envString("DATABASE_PASSWORD", &c.Database.Password)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_PASSWORD", &c.Redis.Password)
	envInt("SERVER_PORT", &c.Server.Port)
}

// Validate ensures the configuration is consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Chart.DefaultPoints <= 0 {
		return fmt.Errorf("chart default_points must be positive, got %d", c.Chart.DefaultPoints)
	}
	if c.Chart.PluginChunkSize <= 0 {
		return fmt.Errorf("chart plugin_chunk_size must be positive, got %d", c.Chart.PluginChunkSize)
	}
	if c.Backfill.MaxChunks <= 0 {
		return fmt.Errorf("backfill max_chunks must be positive, got %d", c.Backfill.MaxChunks)
	}
	if c.Backfill.PeriodMs <= 0 {
		return fmt.Errorf("backfill period_ms must be positive, got %d", c.Backfill.PeriodMs)
	}
	if c.Backfill.ChunkDelaySec < 0 {
		return fmt.Errorf("backfill chunk_delay_sec cannot be negative, got %f", c.Backfill.ChunkDelaySec)
	}
	if c.Cache.TTL1mGroupSec <= 0 || c.Cache.TTLResampledSec <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Poll.MinIntervalSec <= 0 || c.Poll.MaxIntervalSec < c.Poll.MinIntervalSec {
		return fmt.Errorf("poll intervals invalid: min=%d max=%d", c.Poll.MinIntervalSec, c.Poll.MaxIntervalSec)
	}
	if c.Poll.JitterFactor < 0 || c.Poll.JitterFactor >= 1 {
		return fmt.Errorf("poll jitter_factor must be in [0,1), got %f", c.Poll.JitterFactor)
	}
	if c.Poll.MaxFailuresBeforeBack <= 0 {
		return fmt.Errorf("poll max_failures_before_backoff must be positive, got %d", c.Poll.MaxFailuresBeforeBack)
	}
	if c.WS.PingIntervalSec <= 0 {
		return fmt.Errorf("websocket ping_interval_sec must be positive, got %d", c.WS.PingIntervalSec)
	}
	if c.WS.QueueSize <= 0 {
		return fmt.Errorf("websocket queue_size must be positive, got %d", c.WS.QueueSize)
	}
	for name, p := range c.Providers {
		if p.Market == "" {
			return fmt.Errorf("provider %s: market cannot be empty", name)
		}
		if p.Plugin == "" {
			return fmt.Errorf("provider %s: plugin cannot be empty", name)
		}
		if p.RPS < 0 {
			return fmt.Errorf("provider %s: rps cannot be negative, got %f", name, p.RPS)
		}
	}
	return nil
}

// ChunkDelay returns the backfill inter-chunk delay as a duration.
func (b BackfillConfig) ChunkDelay() time.Duration {
	return time.Duration(b.ChunkDelaySec * float64(time.Second))
}

// Period returns the backfill depth as a duration.
func (b BackfillConfig) Period() time.Duration {
	return time.Duration(b.PeriodMs) * time.Millisecond
}

// DSN renders the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
