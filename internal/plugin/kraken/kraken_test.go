package kraken

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/plugin"
)

const assetPairsBody = `{
	"error": [],
	"result": {
		"XXBTZUSD": {"wsname": "XBT/USD", "base": "XXBT", "quote": "ZUSD", "status": "online", "lot_decimals": 8, "pair_decimals": 1},
		"XETHZUSD": {"wsname": "ETH/USD", "base": "XETH", "quote": "ZUSD", "status": "online", "lot_decimals": 8, "pair_decimals": 2},
		"DELISTED": {"wsname": "OLD/USD", "base": "OLD", "quote": "ZUSD", "status": "cancel_only", "lot_decimals": 8, "pair_decimals": 2}
	}
}`

const ohlcBody = `{
	"error": [],
	"result": {
		"XXBTZUSD": [
			[60, "100.0", "102.0", "99.0", "101.0", "100.5", "12.5", 42],
			[120, "101.0", "103.0", "100.0", "102.0", "101.5", "7.25", 17]
		],
		"last": 120
	}
}`

func newTestPlugin(t *testing.T, handler http.Handler) *Plugin {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:      srv.URL,
		RateLimitRPS: 1000,
		Retry:        plugin.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
	})
}

func tf(t *testing.T, s string) domain.Timeframe {
	t.Helper()
	out, err := domain.ParseTimeframe(s)
	require.NoError(t, err)
	return out
}

func TestGetSymbolsFiltersOffline(t *testing.T) {
	var calls int32
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/AssetPairs", r.URL.Path)
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(assetPairsBody))
	}))

	symbols, err := p.GetSymbols(context.Background(), "crypto")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"XBT/USD", "ETH/USD"}, symbols)

	// Second call served from the plugin-local cache.
	_, err = p.GetSymbols(context.Background(), "crypto")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestGetSymbolsUnknownMarket(t *testing.T) {
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	}))
	_, err := p.GetSymbols(context.Background(), "us_equity")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestValidateSymbol(t *testing.T) {
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(assetPairsBody))
	}))

	ok, err := p.ValidateSymbol(context.Background(), "XBT/USD")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.ValidateSymbol(context.Background(), "DOGE/USD")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchHistoricalOHLCV(t *testing.T) {
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/OHLC", r.URL.Path)
		assert.Equal(t, "XBTUSD", r.URL.Query().Get("pair"))
		assert.Equal(t, "1", r.URL.Query().Get("interval"))
		w.Write([]byte(ohlcBody))
	}))

	bars, err := p.FetchHistoricalOHLCV(context.Background(), "XBT/USD", tf(t, "1m"), nil, nil, 10)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, domain.Bar{Timestamp: 60_000, Open: 100, High: 102, Low: 99, Close: 101, Volume: 12.5}, bars[0])
	assert.Equal(t, int64(120_000), bars[1].Timestamp)
}

func TestFetchHistoricalOHLCVUnsupportedTimeframe(t *testing.T) {
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	}))
	_, err := p.FetchHistoricalOHLCV(context.Background(), "XBT/USD", tf(t, "3m"), nil, nil, 10)
	assert.ErrorIs(t, err, domain.ErrFeatureNotSupported)

	var perr *domain.PluginError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "kraken", perr.Provider)
}

func TestFetchHistoricalRetriesTransient(t *testing.T) {
	var calls int32
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(ohlcBody))
	}))

	bars, err := p.FetchHistoricalOHLCV(context.Background(), "XBT/USD", tf(t, "1m"), nil, nil, 10)
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestFetchHistoricalAuthErrorNotRetried(t *testing.T) {
	var calls int32
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"error": ["EAPI:Invalid key"], "result": null}`))
	}))

	_, err := p.FetchHistoricalOHLCV(context.Background(), "XBT/USD", tf(t, "1m"), nil, nil, 10)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchLatestDropsOpenBucket(t *testing.T) {
	now := time.Now().UnixMilli()
	openTS := now - now%60_000 // current, still-open minute
	closedTS := openTS - 60_000

	body := `{
		"error": [],
		"result": {
			"XXBTZUSD": [
				[` + itoa(closedTS/1000) + `, "100.0", "102.0", "99.0", "101.0", "100.5", "12.5", 42],
				[` + itoa(openTS/1000) + `, "101.0", "103.0", "100.0", "102.0", "101.5", "7.25", 17]
			],
			"last": 1
		}
	}`
	p := newTestPlugin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))

	bar, err := p.FetchLatestOHLCV(context.Background(), "XBT/USD", tf(t, "1m"))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, closedTS, bar.Timestamp)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
