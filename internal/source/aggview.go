package source

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/storage"
)

// AggregateViewSource serves non-1m timeframes from continuous aggregates.
// The view configuration is loaded once and treated as immutable; Refresh
// swaps the whole map atomically.
type AggregateViewSource struct {
	store  storage.AggregateViewStore
	logger zerolog.Logger

	mu      sync.Mutex
	loaded  bool
	configs map[string]storage.ViewConfig
}

// NewAggregateViewSource wraps an aggregate-view store.
func NewAggregateViewSource(store storage.AggregateViewStore) *AggregateViewSource {
	return &AggregateViewSource{
		store:  store,
		logger: log.With().Str("component", "aggview_source").Logger(),
	}
}

// Name implements DataSource.
func (s *AggregateViewSource) Name() string { return "aggregate_view" }

// Supports reports true for any non-1m timeframe; whether a view actually
// exists is only known after the config load in Fetch.
func (s *AggregateViewSource) Supports(timeframe domain.Timeframe) bool {
	return !timeframe.Is1m()
}

// Fetch reads the view configured for the timeframe. Returns no bars when
// no active view covers it.
func (s *AggregateViewSource) Fetch(ctx context.Context, asset domain.Asset, timeframe domain.Timeframe, since *int64, before int64, limit int) ([]domain.Bar, error) {
	if timeframe.Is1m() {
		return nil, nil
	}
	configs, err := s.viewConfigs(ctx)
	if err != nil {
		return nil, err
	}
	cfg, ok := configs[timeframe.String()]
	if !ok {
		return nil, nil
	}
	return s.store.ReadViewBars(ctx, cfg.ViewName, asset, since, before, limit)
}

// Refresh reloads the view configuration.
func (s *AggregateViewSource) Refresh(ctx context.Context) error {
	configs, err := s.store.LoadViewConfigs(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.configs = configs
	s.loaded = true
	s.mu.Unlock()
	s.logger.Info().Int("views", len(configs)).Msg("aggregate view configuration loaded")
	return nil
}

func (s *AggregateViewSource) viewConfigs(ctx context.Context) (map[string]storage.ViewConfig, error) {
	s.mu.Lock()
	if s.loaded {
		configs := s.configs
		s.mu.Unlock()
		return configs, nil
	}
	s.mu.Unlock()
	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs, nil
}
