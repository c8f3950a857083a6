package source

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/plugin"
	"github.com/tickd/tickd/internal/resample"
	"github.com/tickd/tickd/internal/storage"
)

// Upper bound on chunk iterations for a single interactive fetch. Deep
// history is the backfill manager's job.
const maxFetchChunks = 20

// PluginSource is the last tier: it pulls bars from the provider in
// chunks, persists fresh 1m data and resamples when the provider lacks the
// target timeframe natively.
type PluginSource struct {
	plugin plugin.Plugin
	store  storage.BarStore
	cache  cache.Cache
	logger zerolog.Logger
}

// NewPluginSource wires the provider tier.
func NewPluginSource(p plugin.Plugin, store storage.BarStore, c cache.Cache) *PluginSource {
	return &PluginSource{
		plugin: p,
		store:  store,
		cache:  c,
		logger: log.With().Str("component", "plugin_source").Str("provider", p.Name()).Logger(),
	}
}

// Name implements DataSource.
func (s *PluginSource) Name() string { return "plugin" }

// Supports reports whether the provider can serve the timeframe, natively
// or degraded to 1m with upstream resampling. Degradation requires the
// plugin to both serve 1m and declare the resample-fallback feature.
func (s *PluginSource) Supports(timeframe domain.Timeframe) bool {
	if plugin.SupportsTimeframe(s.plugin, timeframe) {
		return true
	}
	return s.canDegradeTo1m()
}

func (s *PluginSource) canDegradeTo1m() bool {
	return s.plugin.SupportedFeatures().Has(plugin.FeatureResampleFallback) &&
		plugin.SupportsTimeframe(s.plugin, domain.Timeframe1m)
}

// Fetch implements the chunked provider fetch.
func (s *PluginSource) Fetch(ctx context.Context, asset domain.Asset, timeframe domain.Timeframe, since *int64, before int64, limit int) ([]domain.Bar, error) {
	ok, err := s.plugin.ValidateSymbol(ctx, asset.Symbol)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: symbol %q on provider %s", domain.ErrNotFound, asset.Symbol, s.plugin.Name())
	}

	fetchTF := resample.NativeOrBase(timeframe, s.plugin.GetSupportedTimeframes())
	if fetchTF != timeframe && !s.canDegradeTo1m() {
		return nil, domain.NewPluginError(s.plugin.Name(), "fetch",
			fmt.Errorf("%w: timeframe %s", domain.ErrFeatureNotSupported, timeframe))
	}

	needed := limit
	if fetchTF != timeframe {
		needed = baseLimitFor(limit, timeframe)
	}

	merged, err := s.fetchChunks(ctx, asset.Symbol, fetchTF, since, before, needed)
	if err != nil {
		return nil, err
	}
	if len(merged) == 0 {
		return nil, nil
	}

	if fetchTF.Is1m() {
		s.schedulePersist(asset, merged)
	}
	if fetchTF != timeframe {
		merged = resample.Resample(merged, timeframe)
	}
	return domain.FilterWindow(merged, since, before, limit), nil
}

// fetchChunks pages through provider history until the needed count is
// reached or the provider is exhausted. Forward when since is given,
// backward from the window end otherwise.
func (s *PluginSource) fetchChunks(ctx context.Context, symbol string, tf domain.Timeframe, since *int64, before int64, needed int) ([]domain.Bar, error) {
	chunkLimit := needed
	if max := s.plugin.GetMaxFetchLimit(tf); max > 0 && chunkLimit > max {
		chunkLimit = max
	}
	period := tf.PeriodMs()

	seen := make(map[int64]struct{})
	var merged []domain.Bar
	appendNew := func(bars []domain.Bar) int {
		added := 0
		for _, b := range bars {
			if _, dup := seen[b.Timestamp]; dup {
				continue
			}
			seen[b.Timestamp] = struct{}{}
			merged = append(merged, b)
			added++
		}
		return added
	}

	if since != nil {
		cursor := *since
		for i := 0; i < maxFetchChunks && len(merged) < needed; i++ {
			if before > 0 && cursor >= before {
				break
			}
			until := before
			chunk, err := s.plugin.FetchHistoricalOHLCV(ctx, symbol, tf, &cursor, ptrOrNil(until), chunkLimit)
			if err != nil {
				return nil, err
			}
			appendNew(chunk)
			if len(chunk) < chunkLimit || len(chunk) == 0 {
				break // provider exhausted
			}
			cursor = chunk[len(chunk)-1].Timestamp + period
		}
	} else {
		end := before
		if end <= 0 {
			end = time.Now().UnixMilli()
		}
		for i := 0; i < maxFetchChunks && len(merged) < needed; i++ {
			chunkSince := end - int64(chunkLimit)*period
			if chunkSince < 0 {
				chunkSince = 0
			}
			chunk, err := s.plugin.FetchHistoricalOHLCV(ctx, symbol, tf, &chunkSince, &end, chunkLimit)
			if err != nil {
				return nil, err
			}
			if appendNew(chunk) == 0 {
				break // nothing older available
			}
			end = merged[earliestIdx(merged)].Timestamp
			if end <= 0 {
				break
			}
		}
	}

	domain.SortBars(merged)
	return merged, nil
}

// schedulePersist upserts fresh 1m bars to the database and cache without
// blocking the request path.
func (s *PluginSource) schedulePersist(asset domain.Asset, bars []domain.Bar) {
	persist := make([]domain.Bar, len(bars))
	copy(persist, bars)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.store.UpsertBars(ctx, asset.Key("1m"), persist); err != nil {
			s.logger.Warn().Err(err).Str("asset", asset.String()).Msg("background bar upsert failed")
		}
		s.cache.Store1m(ctx, asset, persist)
	}()
}

func earliestIdx(bars []domain.Bar) int {
	idx := 0
	for i, b := range bars {
		if b.Timestamp < bars[idx].Timestamp {
			idx = i
		}
	}
	return idx
}

func ptrOrNil(v int64) *int64 {
	if v <= 0 {
		return nil
	}
	return &v
}
