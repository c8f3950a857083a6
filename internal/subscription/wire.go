package subscription

import "github.com/tickd/tickd/internal/domain"

// Frame is one server-to-client message on a subscription stream.
type Frame struct {
	Type      string      `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Timeframe string      `json:"timeframe,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Frame types.
const (
	FrameSubscribed = "subscribed"
	FrameData       = "data"
	FrameNotice     = "notice"
	FrameError      = "error"
	FramePing       = "ping"
	FramePong       = "pong"
)

// MessagePayload carries subscribed/notice/error text.
type MessagePayload struct {
	Message string `json:"message"`
}

// DataPayload carries bars split into chart-ready ohlc and volume rows.
type DataPayload struct {
	OHLC         [][5]float64 `json:"ohlc"`
	Volume       [][2]float64 `json:"volume"`
	InitialBatch bool         `json:"initial_batch"`
}

// NewDataFrame converts bars to the wire layout: ohlc rows are
// [ts,o,h,l,c] and volume rows are [ts,v].
func NewDataFrame(key domain.AssetKey, bars []domain.Bar, initial bool) Frame {
	payload := DataPayload{
		OHLC:         make([][5]float64, 0, len(bars)),
		Volume:       make([][2]float64, 0, len(bars)),
		InitialBatch: initial,
	}
	for _, b := range bars {
		ts := float64(b.Timestamp)
		payload.OHLC = append(payload.OHLC, [5]float64{ts, b.Open, b.High, b.Low, b.Close})
		payload.Volume = append(payload.Volume, [2]float64{ts, b.Volume})
	}
	return Frame{Type: FrameData, Symbol: key.Symbol, Timeframe: key.Timeframe, Payload: payload}
}

// NewMessageFrame builds a subscribed, notice or error frame.
func NewMessageFrame(frameType string, key domain.AssetKey, msg string) Frame {
	return Frame{Type: frameType, Symbol: key.Symbol, Timeframe: key.Timeframe, Payload: MessagePayload{Message: msg}}
}
