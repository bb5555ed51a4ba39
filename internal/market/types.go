// Package market provides market data access and per-cycle context
// assembly for the decision pipeline.
package market

import (
	"time"

	"github.com/marketmind/marketmind/internal/trade"
)

// Timeframe identifies a candle interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
)

// DefaultTimeframes are the intervals the context builder assembles.
var DefaultTimeframes = []Timeframe{Timeframe15m, Timeframe1h, Timeframe4h}

// Candle is a single OHLCV bar.
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// Indicators is the per-timeframe indicator bundle.
type Indicators struct {
	RSI            float64 `json:"rsi"`
	EMAFast        float64 `json:"ema_fast"`
	EMASlow        float64 `json:"ema_slow"`
	MACD           float64 `json:"macd"`
	MACDSignal     float64 `json:"macd_signal"`
	BollingerUpper float64 `json:"bollinger_upper"`
	BollingerMid   float64 `json:"bollinger_mid"`
	BollingerLower float64 `json:"bollinger_lower"`
	ATR            float64 `json:"atr"`
}

// Regime classifies current market conditions.
type Regime string

const (
	RegimeTrending Regime = "trending"
	RegimeRanging  Regime = "ranging"
	RegimeHighVol  Regime = "high_volatility"
)

// Context is a dated market snapshot for one asset. Immutable once built.
type Context struct {
	Asset      string                   `json:"asset"`
	Class      trade.AssetClass         `json:"asset_class"`
	LastPrice  float64                  `json:"last_price"`
	Candles    map[Timeframe][]Candle   `json:"candles"`
	Indicators map[Timeframe]Indicators `json:"indicators"`
	Regime     Regime                   `json:"regime"`
	Volatility float64                  `json:"volatility"` // ATR as a fraction of price
	FetchedAt  time.Time                `json:"fetched_at"`
	Provider   string                   `json:"provider"`
}

// Age returns how old the snapshot is.
func (c *Context) Age(now time.Time) time.Duration {
	return now.Sub(c.FetchedAt)
}

// Fresh reports whether the snapshot may drive a live decision.
func (c *Context) Fresh(now time.Time) bool {
	return c.Age(now) <= c.Class.MaxStaleness()
}
