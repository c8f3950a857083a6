package kraken

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tickd/tickd/internal/domain"
)

// envelope is Kraken's standard response wrapper.
type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// err maps Kraken error codes onto the domain taxonomy.
func (e envelope) err() error {
	if len(e.Error) == 0 {
		return nil
	}
	msg := strings.Join(e.Error, "; ")
	switch {
	case strings.Contains(msg, "Rate limit") || strings.Contains(msg, "Too many requests"):
		return fmt.Errorf("%w: %s", domain.ErrTransient, msg)
	case strings.HasPrefix(msg, "EAPI:Invalid key") || strings.HasPrefix(msg, "EAPI:Invalid signature") || strings.HasPrefix(msg, "EGeneral:Permission denied"):
		return fmt.Errorf("%w: %s", domain.ErrAuth, msg)
	case strings.HasPrefix(msg, "EQuery:Unknown asset"):
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case strings.HasPrefix(msg, "EService:"):
		return fmt.Errorf("%w: %s", domain.ErrTransient, msg)
	default:
		return fmt.Errorf("kraken: %s", msg)
	}
}

// assetPair is one AssetPairs entry; only the fields the plugin reads.
type assetPair struct {
	WSName  string `json:"wsname"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
	Status  string `json:"status"`
	LotDec  int    `json:"lot_decimals"`
	PairDec int    `json:"pair_decimals"`
}

// ohlcRow is [time, open, high, low, close, vwap, volume, count] with
// numeric strings for prices.
type ohlcRow []json.RawMessage

func (r ohlcRow) bar() (domain.Bar, error) {
	if len(r) < 7 {
		return domain.Bar{}, fmt.Errorf("short OHLC row: %d fields", len(r))
	}
	var sec int64
	if err := json.Unmarshal(r[0], &sec); err != nil {
		return domain.Bar{}, fmt.Errorf("parse OHLC time: %w", err)
	}
	prices := make([]float64, 4)
	for i := 0; i < 4; i++ {
		v, err := parseNumericString(r[i+1])
		if err != nil {
			return domain.Bar{}, fmt.Errorf("parse OHLC price: %w", err)
		}
		prices[i] = v
	}
	volume, err := parseNumericString(r[6])
	if err != nil {
		return domain.Bar{}, fmt.Errorf("parse OHLC volume: %w", err)
	}
	return domain.Bar{
		Timestamp: sec * 1000,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    volume,
	}, nil
}

func parseNumericString(raw json.RawMessage) (float64, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseFloat(s, 64)
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	return f, nil
}
