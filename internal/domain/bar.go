// Package domain holds the core market-data value types shared by every
// layer: OHLCV bars, asset keys, timeframes and the error taxonomy.
package domain

import (
	"fmt"
	"math"
	"sort"
)

// Bar is a single OHLCV candle. Timestamp is milliseconds since the Unix
// epoch, UTC, aligned to the start of the bar's timeframe period.
type Bar struct {
	Timestamp int64   `json:"timestamp" db:"timestamp"`
	Open      float64 `json:"open" db:"open"`
	High      float64 `json:"high" db:"high"`
	Low       float64 `json:"low" db:"low"`
	Close     float64 `json:"close" db:"close"`
	Volume    float64 `json:"volume" db:"volume"`
}

// Validate reports whether the bar satisfies the per-bar invariants:
// finite numerics, volume >= 0 and low <= min(open,close) <= max(open,close) <= high.
func (b Bar) Validate() error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close, b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value in bar at %d", ErrValidation, b.Timestamp)
		}
	}
	if b.Timestamp < 0 {
		return fmt.Errorf("%w: negative timestamp %d", ErrValidation, b.Timestamp)
	}
	if b.Volume < 0 {
		return fmt.Errorf("%w: negative volume at %d", ErrValidation, b.Timestamp)
	}
	lo, hi := math.Min(b.Open, b.Close), math.Max(b.Open, b.Close)
	if b.Low > lo || b.High < hi {
		return fmt.Errorf("%w: low/high do not bound open/close at %d", ErrValidation, b.Timestamp)
	}
	return nil
}

// SortBars orders bars by ascending timestamp in place.
func SortBars(bars []Bar) {
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp < bars[j].Timestamp })
}

// DedupBars removes duplicate timestamps from a slice of bars, keeping the
// first occurrence. Input order is preserved, so callers that append bars
// from higher-priority sources first keep the authoritative copy.
func DedupBars(bars []Bar) []Bar {
	seen := make(map[int64]struct{}, len(bars))
	out := bars[:0:0]
	for _, b := range bars {
		if _, ok := seen[b.Timestamp]; ok {
			continue
		}
		seen[b.Timestamp] = struct{}{}
		out = append(out, b)
	}
	return out
}

// FilterWindow trims an ascending-sorted bar slice to the requested window
// and limit. Bars outside [since, before) are dropped. When since is nil the
// newest limit bars are kept; when since is set the first limit bars at or
// after since are kept. limit <= 0 means no limit.
func FilterWindow(bars []Bar, since *int64, before int64, limit int) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if since != nil && b.Timestamp < *since {
			continue
		}
		if before > 0 && b.Timestamp >= before {
			continue
		}
		out = append(out, b)
	}
	if limit <= 0 || len(out) <= limit {
		return out
	}
	if since == nil {
		return out[len(out)-limit:]
	}
	return out[:limit]
}
