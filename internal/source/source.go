// Package source implements the tiered datasources the orchestrator
// chains: precomputed aggregate views, the bar cache, and provider
// plugins, in that priority order.
package source

import (
	"context"

	"github.com/tickd/tickd/internal/domain"
)

// DataSource is one tier of the fetch chain.
type DataSource interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Supports reports whether the source can serve the timeframe at all.
	// The orchestrator skips non-supporting sources without logging.
	Supports(timeframe domain.Timeframe) bool

	// Fetch returns bars for the asset within [since, before), ascending,
	// best-effort up to limit. A source may return fewer bars than limit;
	// the orchestrator then consults the next tier.
	Fetch(ctx context.Context, asset domain.Asset, timeframe domain.Timeframe, since *int64, before int64, limit int) ([]domain.Bar, error)
}

// Safety margin of extra 1m bars fetched beyond the arithmetic minimum to
// cover bucket-boundary effects when resampling.
const resampleSafetyBars = 200

// baseLimitFor converts a target-timeframe limit into the number of 1m
// bars needed to resample it, with headroom.
func baseLimitFor(limit int, target domain.Timeframe) int {
	ratio := int(target.PeriodMs() / domain.Timeframe1m.PeriodMs())
	if ratio < 1 {
		ratio = 1
	}
	return limit*ratio + ratio + resampleSafetyBars
}
