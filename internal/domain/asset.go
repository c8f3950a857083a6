package domain

import "fmt"

// AssetKey identifies one subscribable series: an instrument at a venue
// within a market category, at a specific timeframe.
type AssetKey struct {
	Market    string `json:"market"`
	Provider  string `json:"provider"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// Validate checks that all four parts are present and the timeframe parses.
func (k AssetKey) Validate() error {
	if k.Market == "" || k.Provider == "" || k.Symbol == "" || k.Timeframe == "" {
		return fmt.Errorf("%w: asset key must have market, provider, symbol and timeframe", ErrValidation)
	}
	if _, err := ParseTimeframe(k.Timeframe); err != nil {
		return err
	}
	return nil
}

// Asset returns the key without its timeframe, identifying the instrument.
func (k AssetKey) Asset() Asset {
	return Asset{Market: k.Market, Provider: k.Provider, Symbol: k.Symbol}
}

func (k AssetKey) String() string {
	return k.Market + ":" + k.Provider + ":" + k.Symbol + ":" + k.Timeframe
}

// Asset identifies an instrument independent of timeframe. Backfill and the
// 1m cache namespace operate at this granularity.
type Asset struct {
	Market   string `json:"market"`
	Provider string `json:"provider"`
	Symbol   string `json:"symbol"`
}

func (a Asset) String() string {
	return a.Market + ":" + a.Provider + ":" + a.Symbol
}

// Key attaches a timeframe to the asset.
func (a Asset) Key(timeframe string) AssetKey {
	return AssetKey{Market: a.Market, Provider: a.Provider, Symbol: a.Symbol, Timeframe: timeframe}
}
