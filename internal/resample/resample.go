// Package resample converts 1m OHLCV bars into coarser timeframes.
package resample

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/tickd/tickd/internal/domain"
)

// Resample buckets the given 1m bars into the target timeframe. Input does
// not need to be sorted. Per bucket: open from the earliest bar, close from
// the latest, high/low are extrema, volume is the sum. Buckets with no
// input bars are omitted; there is no forward-fill. A target of 1m or finer
// returns the input unchanged apart from sorting.
//
// Malformed bars (non-finite numerics, inverted high/low) are skipped with
// a warning so one bad provider row cannot corrupt a bucket.
func Resample(bars []domain.Bar, target domain.Timeframe) []domain.Bar {
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	domain.SortBars(sorted)

	periodMs := target.PeriodMs()
	if periodMs <= domain.Timeframe1m.PeriodMs() {
		return sorted
	}

	out := make([]domain.Bar, 0, len(sorted)/target.Count+1)
	var cur *domain.Bar
	for _, b := range sorted {
		if !wellFormed(b) {
			log.Warn().
				Int64("timestamp", b.Timestamp).
				Str("timeframe", target.String()).
				Msg("skipping malformed bar during resample")
			continue
		}
		bucket := b.Timestamp - b.Timestamp%periodMs
		if cur == nil || cur.Timestamp != bucket {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &domain.Bar{
				Timestamp: bucket,
				Open:      b.Open,
				High:      b.High,
				Low:       b.Low,
				Close:     b.Close,
				Volume:    b.Volume,
			}
			continue
		}
		cur.High = math.Max(cur.High, b.High)
		cur.Low = math.Min(cur.Low, b.Low)
		cur.Close = b.Close
		cur.Volume += b.Volume
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func wellFormed(b domain.Bar) bool {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return b.High >= b.Low
}

// NativeOrBase picks the timeframe to request from a provider: the target
// itself when natively supported, otherwise 1m for upstream resampling.
func NativeOrBase(target domain.Timeframe, supported []string) domain.Timeframe {
	for _, s := range supported {
		if s == target.String() {
			return target
		}
	}
	return domain.Timeframe1m
}
