package cache

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/tickd/tickd/internal/domain"
)

// Bars are serialized as compact [ts, o, h, l, c, v] rows. JSON cannot
// represent NaN or infinities, so non-finite values are coerced to 0.0 and
// timestamps to integers before encoding.

// EncodeBars serializes bars for cache storage.
func EncodeBars(bars []domain.Bar) ([]byte, error) {
	rows := make([][6]float64, len(bars))
	for i, b := range bars {
		rows[i] = [6]float64{
			float64(b.Timestamp),
			finiteOrZero(b.Open),
			finiteOrZero(b.High),
			finiteOrZero(b.Low),
			finiteOrZero(b.Close),
			finiteOrZero(b.Volume),
		}
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode bars: %w", err)
	}
	return data, nil
}

// DecodeBars deserializes a cache payload produced by EncodeBars.
func DecodeBars(data []byte) ([]domain.Bar, error) {
	var rows [][6]float64
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode bars: %w", err)
	}
	bars := make([]domain.Bar, len(rows))
	for i, r := range rows {
		bars[i] = domain.Bar{
			Timestamp: int64(r[0]),
			Open:      r[1],
			High:      r[2],
			Low:       r[3],
			Close:     r[4],
			Volume:    r[5],
		}
	}
	return bars, nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0.0
	}
	return v
}
