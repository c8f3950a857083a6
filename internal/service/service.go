// Package service assembles one market-data pipeline per configured
// (market, provider) pair: plugin, datasource chain, orchestrator,
// backfill manager and subscription registry.
package service

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/backfill"
	"github.com/tickd/tickd/internal/cache"
	"github.com/tickd/tickd/internal/config"
	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/orchestrator"
	"github.com/tickd/tickd/internal/plugin"
	"github.com/tickd/tickd/internal/source"
	"github.com/tickd/tickd/internal/storage"
	"github.com/tickd/tickd/internal/subscription"
)

// Service is one wired pipeline for a (market, provider) pair. A single
// plugin instance is shared by every consumer of the pair.
type Service struct {
	Market        string
	Provider      string
	Plugin        plugin.Plugin
	Orchestrator  *orchestrator.Orchestrator
	Backfill      *backfill.Manager
	Subscriptions *subscription.Manager
}

// Registry holds the configured services.
type Registry struct {
	store  storage.Store
	cache  cache.Cache
	logger zerolog.Logger

	mu       sync.RWMutex
	services map[string]*Service
}

func serviceKey(market, provider string) string {
	return strings.ToLower(market) + ":" + strings.ToLower(provider)
}

// NewRegistry builds a service for every enabled provider in the config.
func NewRegistry(cfg config.Config, store storage.Store, c cache.Cache) (*Registry, error) {
	r := &Registry{
		store:    store,
		cache:    c,
		logger:   log.With().Str("component", "service").Logger(),
		services: make(map[string]*Service),
	}
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		svc, err := r.build(cfg, pc)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		r.services[serviceKey(svc.Market, svc.Provider)] = svc
		r.logger.Info().
			Str("market", svc.Market).
			Str("provider", svc.Provider).
			Msg("service wired")
	}
	return r, nil
}

func (r *Registry) build(cfg config.Config, pc config.ProviderConfig) (*Service, error) {
	p, err := plugin.New(pc.Plugin, plugin.Options{
		Credentials: plugin.Credentials{
			APIKey:    pc.APIKey,
			APISecret: pc.APISecret,
			Testnet:   pc.Testnet,
		},
		BaseURL:      pc.BaseURL,
		RateLimitRPS: pc.RPS,
		Burst:        pc.Burst,
	})
	if err != nil {
		return nil, err
	}

	bf := backfill.NewManager(r.store, r.cache, p, backfill.Config{
		Period:     cfg.Backfill.Period(),
		Margin:     24 * time.Hour,
		ChunkSize:  cfg.Chart.PluginChunkSize,
		MaxChunks:  cfg.Backfill.MaxChunks,
		ChunkDelay: cfg.Backfill.ChunkDelay(),
	})

	// Tier order is the read path: cheap precomputed rollups, then the
	// cache, then the provider itself.
	sources := []source.DataSource{
		source.NewAggregateViewSource(r.store),
		source.NewCacheSource(r.cache, r.store),
		source.NewPluginSource(p, r.store, r.cache),
	}
	orch := orchestrator.New(sources, bf)
	subs := subscription.NewManager(orch, r.store, r.cache, bf,
		subscription.OptionsFromConfig(cfg.Chart, cfg.Poll, cfg.WS))

	return &Service{
		Market:        pc.Market,
		Provider:      pc.Plugin,
		Plugin:        p,
		Orchestrator:  orch,
		Backfill:      bf,
		Subscriptions: subs,
	}, nil
}

// Lookup returns the service for the pair, or ErrNotFound.
func (r *Registry) Lookup(market, provider string) (*Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceKey(market, provider)]
	if !ok {
		return nil, fmt.Errorf("%w: no provider %q for market %q", domain.ErrNotFound, provider, market)
	}
	return svc, nil
}

// Providers lists the configured provider names for a market, or all
// when market is empty.
func (r *Registry) Providers(market string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, svc := range r.services {
		if market == "" || strings.EqualFold(svc.Market, market) {
			out = append(out, svc.Provider)
		}
	}
	return out
}

// Services returns all wired services.
func (r *Registry) Services() []*Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out
}

// Shutdown stops every pipeline, giving each the grace period.
func (r *Registry) Shutdown(grace time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, svc := range r.services {
		svc.Subscriptions.Shutdown(grace)
		svc.Backfill.Shutdown(grace)
		if err := svc.Plugin.Close(); err != nil {
			r.logger.Warn().Err(err).Str("service", key).Msg("plugin close failed")
		}
	}
	r.services = make(map[string]*Service)
}
