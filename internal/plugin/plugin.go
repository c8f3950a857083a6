// Package plugin defines the normalized provider contract. A plugin adapts
// one venue's API to the shapes the data pipeline consumes; instances are
// long-lived, safe for concurrent use and own their rate limiting.
package plugin

import (
	"context"

	"github.com/tickd/tickd/internal/domain"
)

// Capability flag names reported by SupportedFeatures.
const (
	FeatureFetchHistoricalOHLCV = "fetch_historical_ohlcv"
	FeatureFetchLatestOHLCV     = "fetch_latest_ohlcv"
	FeatureGetMarketInfo        = "get_market_info"
	FeatureValidateSymbol       = "validate_symbol"
	FeatureStreamOHLCV          = "stream_ohlcv"
	FeatureTradingAPI           = "trading_api"

	// FeatureResampleFallback means the plugin returns 1m data for
	// timeframes it does not natively support instead of rejecting them.
	FeatureResampleFallback = "resample_fallback"
)

// Features is a plugin's capability map.
type Features map[string]bool

// Has reports whether the named capability is declared and enabled.
func (f Features) Has(name string) bool { return f[name] }

// Plugin is the provider adapter contract. All fetch methods return
// normalized bars sorted oldest-first. Errors are classified with the
// domain sentinels so callers can branch on errors.Is.
type Plugin interface {
	// Name returns the provider identifier, e.g. "kraken".
	Name() string

	// GetSymbols lists active tradable symbols for a market category.
	GetSymbols(ctx context.Context, market string) ([]string, error)

	// FetchHistoricalOHLCV returns up to limit bars for the symbol and
	// timeframe within [since, until), oldest first. Nil bounds mean
	// unbounded. Providers may return fewer bars than limit.
	FetchHistoricalOHLCV(ctx context.Context, symbol string, timeframe domain.Timeframe, since, until *int64, limit int) ([]domain.Bar, error)

	// FetchLatestOHLCV returns the most recent completed bar, or nil when
	// none is available.
	FetchLatestOHLCV(ctx context.Context, symbol string, timeframe domain.Timeframe) (*domain.Bar, error)

	// GetMarketInfo returns provider metadata for the symbol.
	GetMarketInfo(ctx context.Context, symbol string) (map[string]interface{}, error)

	// ValidateSymbol reports whether the provider trades the symbol.
	ValidateSymbol(ctx context.Context, symbol string) (bool, error)

	// GetSupportedTimeframes lists the provider's native timeframes.
	GetSupportedTimeframes() []string

	// GetMaxFetchLimit returns the provider's per-request bar cap for the
	// timeframe.
	GetMaxFetchLimit(timeframe domain.Timeframe) int

	// SupportedFeatures returns the capability map.
	SupportedFeatures() Features

	// Close releases network resources. Idempotent.
	Close() error
}

// Credentials configures a plugin instance at construction.
type Credentials struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// SupportsTimeframe reports whether tf is in the plugin's native list.
func SupportsTimeframe(p Plugin, tf domain.Timeframe) bool {
	for _, s := range p.GetSupportedTimeframes() {
		if s == tf.String() {
			return true
		}
	}
	return false
}
