// Package storage defines the persistence interfaces the data pipeline
// consumes. The postgres subpackage implements them on TimescaleDB.
package storage

import (
	"context"

	"github.com/tickd/tickd/internal/domain"
)

// BarStore persists raw OHLCV bars. Writes are upserts keyed on
// (market, provider, symbol, timeframe, timestamp).
type BarStore interface {
	// UpsertBars writes bars for the key, replacing rows with matching
	// timestamps.
	UpsertBars(ctx context.Context, key domain.AssetKey, bars []domain.Bar) error

	// ReadBars returns bars for the key within [since, before), ascending.
	// With a nil since, the newest limit bars below before are returned.
	ReadBars(ctx context.Context, key domain.AssetKey, since *int64, before int64, limit int) ([]domain.Bar, error)

	// OldestTimestamp returns MIN(timestamp) for the key. The second result
	// is false when no rows exist.
	OldestTimestamp(ctx context.Context, key domain.AssetKey) (int64, bool, error)
}

// ViewConfig is one row of preaggregation_configs: a continuous aggregate
// materializing 1m bars at a coarser timeframe.
type ViewConfig struct {
	ViewName        string `db:"view_name"`
	TargetTimeframe string `db:"target_timeframe"`
	BaseTimeframe   string `db:"base_timeframe"`
	BucketInterval  string `db:"bucket_interval"`
	IsActive        bool   `db:"is_active"`
}

// AggregateViewStore reads precomputed rollups and their configuration.
type AggregateViewStore interface {
	// LoadViewConfigs returns the active view configs keyed by target
	// timeframe.
	LoadViewConfigs(ctx context.Context) (map[string]ViewConfig, error)

	// ReadViewBars queries one continuous aggregate for an asset's bars in
	// [since, before), ascending, capped at limit.
	ReadViewBars(ctx context.Context, viewName string, asset domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, error)
}

// Store bundles the persistence interfaces plus a health probe.
type Store interface {
	BarStore
	AggregateViewStore
	Healthy(ctx context.Context) bool
	Close() error
}
