package source

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/metrics"
	"github.com/tickd/tickd/internal/resample"
	"github.com/tickd/tickd/internal/storage"
)

// CacheSource serves bars from the cache with a raw-database fallback,
// resampling cached 1m bars when the target timeframe has no precomputed
// entry.
type CacheSource struct {
	cache  cache.Cache
	store  storage.BarStore
	logger zerolog.Logger
}

// NewCacheSource wires the cache tier.
func NewCacheSource(c cache.Cache, store storage.BarStore) *CacheSource {
	return &CacheSource{
		cache:  c,
		store:  store,
		logger: log.With().Str("component", "cache_source").Logger(),
	}
}

// Name implements DataSource.
func (s *CacheSource) Name() string { return "cache" }

// Supports implements DataSource; the cache tier serves every timeframe.
func (s *CacheSource) Supports(domain.Timeframe) bool { return true }

// Fetch implements the cache-tier read path described in the pipeline
// design: resampled cache first, then the 1m group, then raw DB rows, with
// resampling and a best-effort resampled-cache write on the way out.
func (s *CacheSource) Fetch(ctx context.Context, asset domain.Asset, timeframe domain.Timeframe, since *int64, before int64, limit int) ([]domain.Bar, error) {
	key := asset.Key(timeframe.String())

	if !timeframe.Is1m() {
		if bars, ok := s.cache.GetResampled(ctx, key); ok {
			metrics.CacheOps.WithLabelValues("resampled", "hit").Inc()
			return domain.FilterWindow(bars, since, before, limit), nil
		}
		metrics.CacheOps.WithLabelValues("resampled", "miss").Inc()
	}

	// Work out how many 1m bars cover the request, with headroom for
	// bucket boundaries.
	baseLimit := limit
	if !timeframe.Is1m() {
		baseLimit = baseLimitFor(limit, timeframe)
	}
	baseSince := since
	if baseSince == nil && before > 0 {
		est := before - int64(baseLimit)*domain.Timeframe1m.PeriodMs()
		baseSince = &est
	}

	base, ok := s.cache.Get1m(ctx, asset, baseSince, before, baseLimit)
	if ok {
		metrics.CacheOps.WithLabelValues("1m", "hit").Inc()
	} else {
		metrics.CacheOps.WithLabelValues("1m", "miss").Inc()
		var err error
		base, err = s.store.ReadBars(ctx, asset.Key("1m"), baseSince, before, baseLimit)
		if err != nil {
			// DB read failures degrade this tier to empty; the orchestrator
			// falls through to the plugin.
			s.logger.Warn().Err(err).Str("asset", asset.String()).Msg("raw bar read failed")
			return nil, err
		}
	}
	if len(base) == 0 {
		return nil, nil
	}

	if timeframe.Is1m() {
		return domain.FilterWindow(base, since, before, limit), nil
	}

	bars := resample.Resample(base, timeframe)
	s.scheduleResampledWrite(key, bars)
	return domain.FilterWindow(bars, since, before, limit), nil
}

// scheduleResampledWrite stores the resampled series without blocking the
// request path.
func (s *CacheSource) scheduleResampledWrite(key domain.AssetKey, bars []domain.Bar) {
	if len(bars) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.cache.SetResampled(ctx, key, bars)
	}()
}
