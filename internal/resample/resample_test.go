package resample

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tickd/tickd/internal/domain"
)

func tf(t *testing.T, s string) domain.Timeframe {
	t.Helper()
	out, err := domain.ParseTimeframe(s)
	require.NoError(t, err)
	return out
}

func TestResample1mTo5m(t *testing.T) {
	// Six 1m bars: (o,h,l,c,v) = (k, k+2, k-1, k+1, 10) at ts = 60000*k.
	bars := make([]domain.Bar, 0, 6)
	for k := 0; k < 6; k++ {
		f := float64(k)
		bars = append(bars, domain.Bar{
			Timestamp: int64(k) * 60_000,
			Open:      f, High: f + 2, Low: f - 1, Close: f + 1, Volume: 10,
		})
	}

	out := Resample(bars, tf(t, "5m"))
	require.Len(t, out, 2)

	assert.Equal(t, domain.Bar{Timestamp: 0, Open: 0, High: 6, Low: -1, Close: 5, Volume: 50}, out[0])
	assert.Equal(t, domain.Bar{Timestamp: 300_000, Open: 5, High: 7, Low: 4, Close: 6, Volume: 10}, out[1])
}

func TestResampleBucketAlignment(t *testing.T) {
	target := tf(t, "15m")
	bars := []domain.Bar{
		{Timestamp: 17 * 60_000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Timestamp: 44 * 60_000, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
	}
	out := Resample(bars, target)
	require.Len(t, out, 2)
	for _, b := range out {
		assert.Zero(t, b.Timestamp%target.PeriodMs())
	}
	// Empty middle bucket omitted, no forward-fill.
	assert.Equal(t, int64(15*60_000), out[0].Timestamp)
	assert.Equal(t, int64(30*60_000), out[1].Timestamp)
}

func TestResampleIdempotent(t *testing.T) {
	bars := make([]domain.Bar, 0, 30)
	for k := 0; k < 30; k++ {
		f := float64(k%7) + 1
		bars = append(bars, domain.Bar{
			Timestamp: int64(k) * 60_000,
			Open:      f, High: f + 1, Low: f - 0.5, Close: f + 0.25, Volume: 3,
		})
	}
	target := tf(t, "5m")
	once := Resample(bars, target)
	twice := Resample(once, target)
	assert.Equal(t, once, twice)
}

func TestResampleSkipsMalformedBars(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: 0, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 5},
		{Timestamp: 60_000, Open: math.NaN(), High: 2, Low: 1, Close: 1, Volume: 1},
		{Timestamp: 120_000, Open: 1, High: math.Inf(1), Low: 1, Close: 1, Volume: 1},
		{Timestamp: 180_000, Open: 2, High: 3, Low: 1, Close: 2, Volume: 5},
	}
	out := Resample(bars, tf(t, "5m"))
	require.Len(t, out, 1)
	assert.Equal(t, domain.Bar{Timestamp: 0, Open: 1, High: 3, Low: 0.5, Close: 2, Volume: 10}, out[0])
}

func TestResampleUnsortedInput(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: 120_000, Open: 3, High: 3, Low: 3, Close: 3, Volume: 1},
		{Timestamp: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{Timestamp: 60_000, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
	}
	out := Resample(bars, tf(t, "5m"))
	require.Len(t, out, 1)
	assert.Equal(t, 1.0, out[0].Open)
	assert.Equal(t, 3.0, out[0].Close)
}

func TestResampleTargetAtOrBelowBaseReturnsSortedInput(t *testing.T) {
	bars := []domain.Bar{
		{Timestamp: 60_000, Open: 2, High: 2, Low: 2, Close: 2, Volume: 1},
		{Timestamp: 0, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
	}
	out := Resample(bars, tf(t, "1m"))
	require.Len(t, out, 2)
	assert.Equal(t, int64(0), out[0].Timestamp)
}

func TestNativeOrBase(t *testing.T) {
	supported := []string{"1m", "5m", "1h"}
	assert.Equal(t, tf(t, "5m"), NativeOrBase(tf(t, "5m"), supported))
	assert.Equal(t, domain.Timeframe1m, NativeOrBase(tf(t, "4h"), supported))
}
