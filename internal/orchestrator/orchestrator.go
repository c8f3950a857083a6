// Package orchestrator is the single read path for OHLCV data. It walks
// the datasource chain in priority order, merges and deduplicates what the
// tiers return, and trims the result to the requested window.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/metrics"
	"github.com/tickd/tickd/internal/source"
)

// DefaultLimit applies when the caller does not cap the request.
const DefaultLimit = 200

// Request describes one fetch. Since and Until are optional millisecond
// bounds; Limit of zero means DefaultLimit.
type Request struct {
	Asset     domain.Asset
	Timeframe string
	Since     *int64
	Until     *int64
	Limit     int
}

// BackfillTrigger is notified after a request is served so gaps can be
// repaired in the background. Implementations must not block.
type BackfillTrigger interface {
	Trigger(asset domain.Asset)
}

// Orchestrator chains datasources in priority order.
type Orchestrator struct {
	sources  []source.DataSource
	backfill BackfillTrigger
	logger   zerolog.Logger
	now      func() int64
}

// New builds an orchestrator over the given sources, highest priority
// first. The backfill trigger may be nil.
func New(sources []source.DataSource, backfill BackfillTrigger) *Orchestrator {
	return &Orchestrator{
		sources:  sources,
		backfill: backfill,
		logger:   log.With().Str("component", "orchestrator").Logger(),
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// Fetch returns bars for the request, strictly ascending in timestamp and
// at most limit long. A request succeeds with an empty series when no
// source has data; it fails only on invalid input or hard (auth) errors.
func (o *Orchestrator) Fetch(ctx context.Context, req Request) ([]domain.Bar, error) {
	tf, err := o.validate(req)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	end := o.now()
	if req.Until != nil {
		end = *req.Until
	}

	var collected []domain.Bar
	seen := make(map[int64]struct{})
	for _, src := range o.sources {
		if !src.Supports(tf) {
			continue
		}
		bars, err := src.Fetch(ctx, req.Asset, tf, req.Since, end, limit)
		if err != nil {
			if domain.IsPermanent(err) && !isSkippable(err) {
				return nil, err
			}
			metrics.SourceFetches.WithLabelValues(src.Name(), "error").Inc()
			o.logger.Warn().Err(err).
				Str("source", src.Name()).
				Str("asset", req.Asset.String()).
				Str("timeframe", tf.String()).
				Msg("datasource failed, trying next tier")
			continue
		}
		if len(bars) == 0 {
			metrics.SourceFetches.WithLabelValues(src.Name(), "empty").Inc()
			continue
		}
		metrics.SourceFetches.WithLabelValues(src.Name(), "ok").Inc()

		// Earlier tiers are authoritative on duplicate timestamps.
		for _, b := range bars {
			if _, dup := seen[b.Timestamp]; dup {
				continue
			}
			seen[b.Timestamp] = struct{}{}
			collected = append(collected, b)
		}
		if req.Since == nil && len(collected) >= limit {
			break
		}
	}

	if o.backfill != nil {
		o.backfill.Trigger(req.Asset)
	}

	domain.SortBars(collected)
	return domain.FilterWindow(collected, req.Since, end, limit), nil
}

func (o *Orchestrator) validate(req Request) (domain.Timeframe, error) {
	tf, err := domain.ParseTimeframe(req.Timeframe)
	if err != nil {
		return domain.Timeframe{}, err
	}
	if req.Asset.Market == "" || req.Asset.Provider == "" || req.Asset.Symbol == "" {
		return domain.Timeframe{}, fmt.Errorf("%w: market, provider and symbol are required", domain.ErrValidation)
	}
	if req.Since != nil && *req.Since < 0 {
		return domain.Timeframe{}, fmt.Errorf("%w: negative since", domain.ErrValidation)
	}
	if req.Until != nil && *req.Until < 0 {
		return domain.Timeframe{}, fmt.Errorf("%w: negative until", domain.ErrValidation)
	}
	if req.Limit < 0 {
		return domain.Timeframe{}, fmt.Errorf("%w: negative limit", domain.ErrValidation)
	}
	return tf, nil
}

// isSkippable reports whether a permanent error still allows falling
// through to the next tier: an unsupported feature or unknown symbol on
// one provider tier does not invalidate the whole request.
func isSkippable(err error) bool {
	return errors.Is(err, domain.ErrFeatureNotSupported) || errors.Is(err, domain.ErrNotFound)
}
