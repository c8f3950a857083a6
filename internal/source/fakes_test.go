package source

import (
	"context"
	"sync"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/plugin"
	"github.com/tickd/tickd/internal/storage"
)

// fakeCache is an in-memory cache.Cache.
type fakeCache struct {
	mu        sync.Mutex
	groups    map[string][]domain.Bar
	resampled map[string][]domain.Bar
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		groups:    make(map[string][]domain.Bar),
		resampled: make(map[string][]domain.Bar),
	}
}

func (c *fakeCache) Get1m(_ context.Context, asset domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.groups[asset.String()]
	if !ok || len(bars) == 0 {
		return nil, false
	}
	return domain.FilterWindow(bars, since, before, limit), true
}

func (c *fakeCache) Store1m(_ context.Context, asset domain.Asset, bars []domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := domain.DedupBars(append(append([]domain.Bar{}, bars...), c.groups[asset.String()]...))
	domain.SortBars(merged)
	c.groups[asset.String()] = merged
}

func (c *fakeCache) GetResampled(_ context.Context, key domain.AssetKey) ([]domain.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.resampled[key.String()]
	return bars, ok
}

func (c *fakeCache) SetResampled(_ context.Context, key domain.AssetKey, bars []domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resampled[key.String()] = bars
}

func (c *fakeCache) Healthy(context.Context) bool { return true }
func (c *fakeCache) Close() error                 { return nil }

func (c *fakeCache) resampledFor(key domain.AssetKey) ([]domain.Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars, ok := c.resampled[key.String()]
	return bars, ok
}

// fakeBarStore is an in-memory storage.BarStore plus view support.
type fakeBarStore struct {
	mu       sync.Mutex
	bars     map[string][]domain.Bar // key: AssetKey.String()
	viewBars map[string][]domain.Bar // key: view name
	configs  map[string]storage.ViewConfig
	readErr  error
	upserts  int
}

func newFakeBarStore() *fakeBarStore {
	return &fakeBarStore{
		bars:     make(map[string][]domain.Bar),
		viewBars: make(map[string][]domain.Bar),
		configs:  make(map[string]storage.ViewConfig),
	}
}

func (s *fakeBarStore) UpsertBars(_ context.Context, key domain.AssetKey, bars []domain.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := domain.DedupBars(append(append([]domain.Bar{}, bars...), s.bars[key.String()]...))
	domain.SortBars(merged)
	s.bars[key.String()] = merged
	s.upserts++
	return nil
}

func (s *fakeBarStore) ReadBars(_ context.Context, key domain.AssetKey, since *int64, before int64, limit int) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	return domain.FilterWindow(s.bars[key.String()], since, before, limit), nil
}

func (s *fakeBarStore) OldestTimestamp(_ context.Context, key domain.AssetKey) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bars := s.bars[key.String()]
	if len(bars) == 0 {
		return 0, false, nil
	}
	return bars[0].Timestamp, true, nil
}

func (s *fakeBarStore) LoadViewConfigs(context.Context) (map[string]storage.ViewConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]storage.ViewConfig, len(s.configs))
	for k, v := range s.configs {
		out[k] = v
	}
	return out, nil
}

func (s *fakeBarStore) ReadViewBars(_ context.Context, viewName string, _ domain.Asset, since *int64, before int64, limit int) ([]domain.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.FilterWindow(s.viewBars[viewName], since, before, limit), nil
}

func (s *fakeBarStore) upsertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

func (s *fakeBarStore) storedBars(key domain.AssetKey) []domain.Bar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Bar(nil), s.bars[key.String()]...)
}

// fakePlugin serves a fixed contiguous 1m (or native) history.
type fakePlugin struct {
	mu         sync.Mutex
	name       string
	timeframes []string
	maxLimit   int
	bars       map[string][]domain.Bar // by timeframe string
	validity   map[string]bool
	features   plugin.Features
	fetchCalls int
	fetchErr   error
}

func newFakePlugin() *fakePlugin {
	return &fakePlugin{
		name:       "fake",
		timeframes: []string{"1m", "5m"},
		maxLimit:   500,
		bars:       make(map[string][]domain.Bar),
		validity:   map[string]bool{"XBT/USD": true},
		features: plugin.Features{
			plugin.FeatureFetchHistoricalOHLCV: true,
			plugin.FeatureResampleFallback:     true,
		},
	}
}

func (p *fakePlugin) Name() string { return p.name }

func (p *fakePlugin) GetSymbols(context.Context, string) ([]string, error) {
	return []string{"XBT/USD"}, nil
}

func (p *fakePlugin) FetchHistoricalOHLCV(_ context.Context, _ string, tf domain.Timeframe, since, until *int64, limit int) ([]domain.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchCalls++
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	var before int64
	if until != nil {
		before = *until
	}
	if limit > p.maxLimit {
		limit = p.maxLimit
	}
	bars := domain.FilterWindow(p.bars[tf.String()], since, before, limit)
	if since == nil && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (p *fakePlugin) FetchLatestOHLCV(_ context.Context, _ string, tf domain.Timeframe) (*domain.Bar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := p.bars[tf.String()]
	if len(bars) == 0 {
		return nil, nil
	}
	latest := bars[len(bars)-1]
	return &latest, nil
}

func (p *fakePlugin) GetMarketInfo(_ context.Context, symbol string) (map[string]interface{}, error) {
	return map[string]interface{}{"symbol": symbol}, nil
}

func (p *fakePlugin) ValidateSymbol(_ context.Context, symbol string) (bool, error) {
	return p.validity[symbol], nil
}

func (p *fakePlugin) GetSupportedTimeframes() []string { return p.timeframes }

func (p *fakePlugin) GetMaxFetchLimit(domain.Timeframe) int { return p.maxLimit }

func (p *fakePlugin) SupportedFeatures() plugin.Features { return p.features }

func (p *fakePlugin) Close() error { return nil }

func (p *fakePlugin) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetchCalls
}

// contiguous1m fills the plugin with n 1m bars ending just before end.
func (p *fakePlugin) contiguous1m(end int64, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	bars := make([]domain.Bar, 0, n)
	start := end - int64(n)*60_000
	for i := 0; i < n; i++ {
		ts := start + int64(i)*60_000
		f := float64(i%9) + 1
		bars = append(bars, domain.Bar{Timestamp: ts, Open: f, High: f + 1, Low: f - 0.5, Close: f + 0.5, Volume: 2})
	}
	p.bars["1m"] = bars
}
