package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/domain"
)

// Options configures the Redis cache.
type Options struct {
	Addr         string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	TTL1mGroup   time.Duration
	TTLResampled time.Duration
	MaxGroupBars int
}

func (o *Options) applyDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "tickd:"
	}
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.TTL1mGroup == 0 {
		o.TTL1mGroup = DefaultTTL1mGroup
	}
	if o.TTLResampled == 0 {
		o.TTLResampled = DefaultTTLResampled
	}
	if o.MaxGroupBars == 0 {
		o.MaxGroupBars = DefaultMaxGroupBars
	}
}

// Redis implements Cache on a Redis client.
type Redis struct {
	client *redis.Client
	opts   Options
	logger zerolog.Logger
}

// NewRedis connects a new client and wraps it.
func NewRedis(opts Options) *Redis {
	opts.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,

		PoolSize:     opts.PoolSize,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  defaultOpTimeout,
		WriteTimeout: defaultOpTimeout,

		MaxRetries:      3,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})
	return NewRedisFromClient(client, opts)
}

// NewRedisFromClient wraps an existing client; used by tests with a mock.
func NewRedisFromClient(client *redis.Client, opts Options) *Redis {
	opts.applyDefaults()
	return &Redis{
		client: client,
		opts:   opts,
		logger: log.With().Str("component", "cache").Logger(),
	}
}

// Get1m returns the asset's cached 1m group filtered to the window.
func (r *Redis) Get1m(ctx context.Context, asset domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, bool) {
	bars, ok := r.read(ctx, key1m(r.opts.KeyPrefix, asset))
	if !ok || len(bars) == 0 {
		return nil, false
	}
	return domain.FilterWindow(bars, since, before, limit), true
}

// Store1m merges bars into the asset's 1m group. Existing entries win on
// timestamp collisions only if the incoming bar is absent; incoming data is
// considered fresher, so it overwrites.
func (r *Redis) Store1m(ctx context.Context, asset domain.Asset, bars []domain.Bar) {
	if len(bars) == 0 {
		return
	}
	key := key1m(r.opts.KeyPrefix, asset)
	existing, _ := r.read(ctx, key)

	merged := domain.DedupBars(append(append([]domain.Bar{}, bars...), existing...))
	domain.SortBars(merged)
	if len(merged) > r.opts.MaxGroupBars {
		merged = merged[len(merged)-r.opts.MaxGroupBars:]
	}
	r.write(ctx, key, merged, r.opts.TTL1mGroup)
}

// GetResampled returns the cached resampled series for the key.
func (r *Redis) GetResampled(ctx context.Context, key domain.AssetKey) ([]domain.Bar, bool) {
	return r.read(ctx, keyResampled(r.opts.KeyPrefix, key))
}

// SetResampled stores a resampled series with the short TTL.
func (r *Redis) SetResampled(ctx context.Context, key domain.AssetKey, bars []domain.Bar) {
	r.write(ctx, keyResampled(r.opts.KeyPrefix, key), bars, r.opts.TTLResampled)
}

// Healthy pings the server.
func (r *Redis) Healthy(ctx context.Context) bool {
	return r.client.Ping(ctx).Err() == nil
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) read(ctx context.Context, key string) ([]domain.Bar, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return nil, false
	}
	bars, err := DecodeBars(data)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache payload corrupt, treating as miss")
		return nil, false
	}
	return bars, true
}

func (r *Redis) write(ctx context.Context, key string, bars []domain.Bar, ttl time.Duration) {
	data, err := EncodeBars(bars)
	if err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache encode failed")
		return
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}
