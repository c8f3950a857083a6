// Package cache provides the Redis-backed bar cache: a long-TTL group of
// recent 1m bars per asset and short-TTL pre-resampled results per
// (asset, timeframe). All operations are best-effort; failures degrade to
// cache misses and are never surfaced to callers.
package cache

import (
	"context"
	"time"

	"github.com/tickd/tickd/internal/domain"
)

// Default TTLs: 1m groups live long, resampled results are cheap
// to recompute and expire quickly.
const (
	DefaultTTL1mGroup   = time.Hour
	DefaultTTLResampled = 5 * time.Minute
	DefaultMaxGroupBars = 5000
	defaultOpTimeout    = 3 * time.Second
)

// Cache is the bar cache consumed by the datasource chain and poll loops.
type Cache interface {
	// Get1m returns the cached 1m bars for the asset filtered to the
	// requested window. The second result is false on a miss or error.
	Get1m(ctx context.Context, asset domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, bool)

	// Store1m merges bars into the asset's 1m group, keeping the most
	// recent window. Best-effort.
	Store1m(ctx context.Context, asset domain.Asset, bars []domain.Bar)

	// GetResampled returns the cached resampled series for the key.
	GetResampled(ctx context.Context, key domain.AssetKey) ([]domain.Bar, bool)

	// SetResampled stores a resampled series with the short TTL.
	SetResampled(ctx context.Context, key domain.AssetKey, bars []domain.Bar)

	// Healthy reports whether the backing store is reachable.
	Healthy(ctx context.Context) bool

	Close() error
}

func key1m(prefix string, a domain.Asset) string {
	return prefix + "bars1m:" + a.Market + ":" + a.Provider + ":" + a.Symbol
}

func keyResampled(prefix string, k domain.AssetKey) string {
	return prefix + "resampled:" + k.Market + ":" + k.Provider + ":" + k.Symbol + ":" + k.Timeframe
}
