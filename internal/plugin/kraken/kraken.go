// Package kraken is the reference provider plugin, speaking Kraken's
// public REST API.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/plugin"
)

const (
	defaultBaseURL = "https://api.kraken.com"
	maxFetchLimit  = 720 // Kraken returns at most 720 OHLC rows per call
	symbolCacheTTL = 30 * time.Minute
)

// Kraken's native OHLC intervals, in minutes.
var nativeTimeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}

var intervalMinutes = map[string]int{
	"1m": 1, "5m": 5, "15m": 15, "30m": 30,
	"1h": 60, "4h": 240, "1d": 1440, "1w": 10080,
}

func init() {
	plugin.Register("kraken", func(opts plugin.Options) (plugin.Plugin, error) {
		return New(Config{
			Credentials:  opts.Credentials,
			BaseURL:      opts.BaseURL,
			RateLimitRPS: opts.RateLimitRPS,
			Burst:        opts.Burst,
		}), nil
	})
}

// Config configures the Kraken plugin.
type Config struct {
	Credentials    plugin.Credentials
	BaseURL        string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	Burst          int
	Retry          plugin.RetryPolicy
}

// Plugin implements the provider contract for Kraken spot markets.
type Plugin struct {
	http    *plugin.HTTPClient
	baseURL string
	retry   plugin.RetryPolicy

	// wsname -> pair metadata, refreshed lazily.
	pairs *plugin.TTLValue[map[string]assetPair]
}

// New builds a Kraken plugin. Credentials are accepted for interface
// parity; the data endpoints used here are public.
func New(cfg Config) *Plugin {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 1.0 // public tier
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = plugin.DefaultRetryPolicy()
	}
	return &Plugin{
		http: plugin.NewHTTPClient("kraken", plugin.HTTPClientConfig{
			RequestTimeout: cfg.RequestTimeout,
			RateLimitRPS:   cfg.RateLimitRPS,
			Burst:          cfg.Burst,
		}),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		retry:   cfg.Retry,
		pairs:   plugin.NewTTLValue[map[string]assetPair](symbolCacheTTL),
	}
}

// Name returns "kraken".
func (p *Plugin) Name() string { return "kraken" }

// SupportedFeatures reports the data capabilities of this plugin.
func (p *Plugin) SupportedFeatures() plugin.Features {
	return plugin.Features{
		plugin.FeatureFetchHistoricalOHLCV: true,
		plugin.FeatureFetchLatestOHLCV:     true,
		plugin.FeatureGetMarketInfo:        true,
		plugin.FeatureValidateSymbol:       true,
		plugin.FeatureResampleFallback:     true,
		plugin.FeatureStreamOHLCV:          false,
		plugin.FeatureTradingAPI:           false,
	}
}

// GetSupportedTimeframes lists Kraken's native OHLC intervals.
func (p *Plugin) GetSupportedTimeframes() []string {
	return append([]string(nil), nativeTimeframes...)
}

// GetMaxFetchLimit returns the per-request bar cap.
func (p *Plugin) GetMaxFetchLimit(domain.Timeframe) int { return maxFetchLimit }

// GetSymbols lists online pairs for the crypto market category.
func (p *Plugin) GetSymbols(ctx context.Context, market string) ([]string, error) {
	if market != "crypto" {
		return nil, fmt.Errorf("%w: kraken serves only the crypto market, got %q", domain.ErrNotFound, market)
	}
	pairs, err := p.loadPairs(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(pairs))
	for wsname, pair := range pairs {
		if pair.Status == "" || pair.Status == "online" {
			symbols = append(symbols, wsname)
		}
	}
	return symbols, nil
}

// ValidateSymbol reports whether Kraken trades the symbol.
func (p *Plugin) ValidateSymbol(ctx context.Context, symbol string) (bool, error) {
	pairs, err := p.loadPairs(ctx)
	if err != nil {
		return false, err
	}
	_, ok := pairs[symbol]
	return ok, nil
}

// GetMarketInfo returns pair metadata for the symbol.
func (p *Plugin) GetMarketInfo(ctx context.Context, symbol string) (map[string]interface{}, error) {
	pairs, err := p.loadPairs(ctx)
	if err != nil {
		return nil, err
	}
	pair, ok := pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q", domain.ErrNotFound, symbol)
	}
	return map[string]interface{}{
		"wsname":         pair.WSName,
		"base":           pair.Base,
		"quote":          pair.Quote,
		"status":         pair.Status,
		"lot_decimals":   pair.LotDec,
		"pair_decimals":  pair.PairDec,
	}, nil
}

// FetchHistoricalOHLCV returns completed bars for the symbol within
// [since, until), oldest first, at most limit.
func (p *Plugin) FetchHistoricalOHLCV(ctx context.Context, symbol string, timeframe domain.Timeframe, since, until *int64, limit int) ([]domain.Bar, error) {
	interval, ok := intervalMinutes[timeframe.String()]
	if !ok {
		return nil, domain.NewPluginError(p.Name(), "fetch_historical_ohlcv",
			fmt.Errorf("%w: timeframe %s", domain.ErrFeatureNotSupported, timeframe))
	}

	bars, err := p.fetchOHLC(ctx, symbol, interval, since)
	if err != nil {
		return nil, domain.NewPluginError(p.Name(), "fetch_historical_ohlcv", err)
	}

	// Kraken's final row is the still-open candle.
	bars = dropOpenBucket(bars, timeframe)

	var before int64
	if until != nil {
		before = *until
	}
	return domain.FilterWindow(bars, since, before, limit), nil
}

// FetchLatestOHLCV returns the most recent completed bar, or nil when the
// provider has none.
func (p *Plugin) FetchLatestOHLCV(ctx context.Context, symbol string, timeframe domain.Timeframe) (*domain.Bar, error) {
	interval, ok := intervalMinutes[timeframe.String()]
	if !ok {
		return nil, domain.NewPluginError(p.Name(), "fetch_latest_ohlcv",
			fmt.Errorf("%w: timeframe %s", domain.ErrFeatureNotSupported, timeframe))
	}

	// Ask for a small recent window only.
	since := time.Now().UnixMilli() - 3*timeframe.PeriodMs()
	bars, err := p.fetchOHLC(ctx, symbol, interval, &since)
	if err != nil {
		return nil, domain.NewPluginError(p.Name(), "fetch_latest_ohlcv", err)
	}
	bars = dropOpenBucket(bars, timeframe)
	if len(bars) == 0 {
		return nil, nil
	}
	latest := bars[len(bars)-1]
	return &latest, nil
}

// Close releases pooled connections. Idempotent.
func (p *Plugin) Close() error {
	p.http.CloseIdleConnections()
	return nil
}

func (p *Plugin) loadPairs(ctx context.Context) (map[string]assetPair, error) {
	return p.pairs.Get(func() (map[string]assetPair, error) {
		var result map[string]assetPair
		err := plugin.Retry(ctx, p.retry, "asset_pairs", func() error {
			raw, err := p.call(ctx, "/0/public/AssetPairs", nil)
			if err != nil {
				return err
			}
			var byID map[string]assetPair
			if err := json.Unmarshal(raw, &byID); err != nil {
				return fmt.Errorf("decode asset pairs: %w", err)
			}
			result = make(map[string]assetPair, len(byID))
			for _, pair := range byID {
				if pair.WSName != "" {
					result[pair.WSName] = pair
				}
			}
			return nil
		})
		if err != nil {
			return nil, domain.NewPluginError(p.Name(), "get_symbols", err)
		}
		return result, nil
	})
}

func (p *Plugin) fetchOHLC(ctx context.Context, symbol string, interval int, since *int64) ([]domain.Bar, error) {
	params := url.Values{}
	params.Set("pair", strings.ReplaceAll(symbol, "/", ""))
	params.Set("interval", strconv.Itoa(interval))
	if since != nil {
		// Kraken takes seconds and returns data after the given point.
		params.Set("since", strconv.FormatInt(*since/1000-1, 10))
	}

	var bars []domain.Bar
	err := plugin.Retry(ctx, p.retry, "ohlc", func() error {
		raw, err := p.call(ctx, "/0/public/OHLC", params)
		if err != nil {
			return err
		}

		// Result holds the rows under the canonical pair ID plus a "last"
		// cursor; take the single array-valued entry.
		var result map[string]json.RawMessage
		if err := json.Unmarshal(raw, &result); err != nil {
			return fmt.Errorf("decode OHLC result: %w", err)
		}
		bars = bars[:0]
		for field, value := range result {
			if field == "last" {
				continue
			}
			var rows []ohlcRow
			if err := json.Unmarshal(value, &rows); err != nil {
				return fmt.Errorf("decode OHLC rows: %w", err)
			}
			for _, row := range rows {
				bar, err := row.bar()
				if err != nil {
					return err
				}
				bars = append(bars, bar)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	domain.SortBars(bars)
	return bars, nil
}

func (p *Plugin) call(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := p.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var env envelope
	if err := p.http.GetJSON(ctx, u, &env); err != nil {
		return nil, err
	}
	if err := env.err(); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// dropOpenBucket removes a trailing bar whose bucket has not closed yet.
func dropOpenBucket(bars []domain.Bar, tf domain.Timeframe) []domain.Bar {
	if len(bars) == 0 {
		return bars
	}
	last := bars[len(bars)-1]
	if last.Timestamp+tf.PeriodMs() > time.Now().UnixMilli() {
		return bars[:len(bars)-1]
	}
	return bars
}
