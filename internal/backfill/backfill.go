// Package backfill repairs gaps in stored 1m history by paging provider
// data backward from the oldest stored bar.
package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/metrics"
	"github.com/tickd/tickd/internal/plugin"
	"github.com/tickd/tickd/internal/storage"
)

// Config bounds a backfill run.
type Config struct {
	// Period is how far back history should reach.
	Period time.Duration
	// Margin is the slack before a missing stretch counts as a gap.
	Margin time.Duration
	// ChunkSize is the number of 1m bars requested per provider call.
	ChunkSize int
	// MaxChunks caps the chunks of a single run.
	MaxChunks int
	// ChunkDelay is the pause between chunks, for provider rate limits.
	ChunkDelay time.Duration
}

// DefaultConfig matches the shipped defaults: 30 days of 1m history,
// repaired 500 bars at a time.
func DefaultConfig() Config {
	return Config{
		Period:     30 * 24 * time.Hour,
		Margin:     24 * time.Hour,
		ChunkSize:  500,
		MaxChunks:  100,
		ChunkDelay: 1500 * time.Millisecond,
	}
}

// Manager runs at most one backfill task per asset.
type Manager struct {
	store  storage.BarStore
	cache  cache.Cache
	plugin plugin.Plugin
	cfg    Config
	logger zerolog.Logger
	now    func() int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]struct{}
}

// NewManager builds a backfill manager for one provider's assets.
func NewManager(store storage.BarStore, c cache.Cache, p plugin.Plugin, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultConfig().MaxChunks
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.Margin <= 0 {
		cfg.Margin = DefaultConfig().Margin
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:   store,
		cache:   c,
		plugin:  p,
		cfg:     cfg,
		logger:  log.With().Str("component", "backfill").Str("provider", p.Name()).Logger(),
		now:     func() int64 { return time.Now().UnixMilli() },
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]struct{}),
	}
}

// Trigger checks the asset for a gap and spawns a repair task when one
// exists and none is already running. Never blocks.
func (m *Manager) Trigger(asset domain.Asset) {
	m.mu.Lock()
	if _, busy := m.running[asset.String()]; busy {
		m.mu.Unlock()
		return
	}
	m.running[asset.String()] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(asset)
		m.run(asset)
	}()
}

// Running reports whether a task is active for the asset.
func (m *Manager) Running(asset domain.Asset) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, busy := m.running[asset.String()]
	return busy
}

// Shutdown cancels all tasks and waits for them up to the grace period.
func (m *Manager) Shutdown(grace time.Duration) {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn().Msg("backfill tasks did not stop within grace period")
	}
}

// Wait blocks until all running tasks finish. Test helper.
func (m *Manager) Wait() { m.wg.Wait() }

func (m *Manager) release(asset domain.Asset) {
	m.mu.Lock()
	delete(m.running, asset.String())
	m.mu.Unlock()
}

func (m *Manager) run(asset domain.Asset) {
	key := asset.Key("1m")
	targetOldest := m.now() - m.cfg.Period.Milliseconds()

	minStored, ok, err := m.store.OldestTimestamp(m.ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Str("asset", asset.String()).Msg("gap probe failed")
		return
	}
	if ok && minStored <= targetOldest+m.cfg.Margin.Milliseconds() {
		return // history is deep enough
	}

	currentEarliest := m.now()
	if ok {
		currentEarliest = minStored
	}
	m.logger.Info().
		Str("asset", asset.String()).
		Int64("from", currentEarliest).
		Int64("target_oldest", targetOldest).
		Msg("starting backfill")

	periodMs := domain.Timeframe1m.PeriodMs()
	for chunk := 0; chunk < m.cfg.MaxChunks; chunk++ {
		if m.ctx.Err() != nil {
			return
		}

		since := currentEarliest - int64(m.cfg.ChunkSize)*periodMs
		if since < 0 {
			since = 0
		}
		bars, err := m.plugin.FetchHistoricalOHLCV(m.ctx, asset.Symbol, domain.Timeframe1m, &since, &currentEarliest, m.cfg.ChunkSize)
		if err != nil {
			metrics.BackfillChunks.WithLabelValues("error").Inc()
			m.logger.Warn().Err(err).Str("asset", asset.String()).Int("chunk", chunk).Msg("backfill chunk failed, aborting task")
			return
		}

		older := bars[:0:0]
		for _, b := range bars {
			if b.Timestamp < currentEarliest && b.Timestamp >= targetOldest {
				older = append(older, b)
			}
		}
		if len(older) == 0 {
			m.logger.Info().Str("asset", asset.String()).Msg("provider history exhausted")
			return
		}

		if err := m.store.UpsertBars(m.ctx, key, older); err != nil {
			metrics.BackfillChunks.WithLabelValues("error").Inc()
			m.logger.Warn().Err(err).Str("asset", asset.String()).Msg("backfill upsert failed, aborting task")
			return
		}
		m.cache.Store1m(m.ctx, asset, older)
		metrics.BackfillChunks.WithLabelValues("ok").Inc()

		currentEarliest = older[0].Timestamp
		for _, b := range older {
			if b.Timestamp < currentEarliest {
				currentEarliest = b.Timestamp
			}
		}
		if currentEarliest <= targetOldest {
			m.logger.Info().Str("asset", asset.String()).Int64("oldest", currentEarliest).Msg("backfill complete")
			return
		}

		if m.cfg.ChunkDelay > 0 {
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(m.cfg.ChunkDelay):
			}
		}
	}
	m.logger.Info().Str("asset", asset.String()).Int("chunks", m.cfg.MaxChunks).Msg("backfill stopped at chunk cap")
}
