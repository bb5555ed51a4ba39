package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// MockProvider is a scripted in-memory market data source used for paper
// trading and tests. Prices are set explicitly; candles are synthesized
// around the current price unless a script is installed.
type MockProvider struct {
	mu      sync.RWMutex
	prices  map[string]float64
	stamps  map[string]time.Time
	candles map[string]map[Timeframe][]Candle
	errs    map[string]error
	now     func() time.Time
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		prices:  make(map[string]float64),
		stamps:  make(map[string]time.Time),
		candles: make(map[string]map[Timeframe][]Candle),
		errs:    make(map[string]error),
		now:     time.Now,
	}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// SetPrice installs the current price for an asset.
func (m *MockProvider) SetPrice(asset string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = price
	m.stamps[asset] = m.now()
}

// SetPriceAt installs a price with an explicit timestamp, for staleness tests.
func (m *MockProvider) SetPriceAt(asset string, price float64, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[asset] = price
	m.stamps[asset] = at
}

// SetCandles installs a scripted candle series.
func (m *MockProvider) SetCandles(asset string, tf Timeframe, candles []Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candles[asset] == nil {
		m.candles[asset] = make(map[Timeframe][]Candle)
	}
	m.candles[asset][tf] = candles
}

// FailWith makes all calls for an asset return err until cleared with nil.
func (m *MockProvider) FailWith(asset string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, asset)
		return
	}
	m.errs[asset] = err
}

// Price implements Provider.
func (m *MockProvider) Price(ctx context.Context, asset string) (float64, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return 0, time.Time{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[asset]; err != nil {
		return 0, time.Time{}, err
	}
	p, ok := m.prices[asset]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("mock: no price for %s", asset)
	}
	return p, m.stamps[asset], nil
}

// Candles implements Provider. Falls back to a synthesized sine-walk
// series around the current price when no script is installed.
func (m *MockProvider) Candles(ctx context.Context, asset string, tf Timeframe, window int) ([]Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.errs[asset]; err != nil {
		return nil, err
	}
	if scripted, ok := m.candles[asset]; ok {
		if series, ok := scripted[tf]; ok {
			if len(series) > window {
				return series[len(series)-window:], nil
			}
			return series, nil
		}
	}

	base, ok := m.prices[asset]
	if !ok {
		return nil, fmt.Errorf("mock: no price for %s", asset)
	}
	return synthesize(base, tf, window, m.now()), nil
}

func synthesize(base float64, tf Timeframe, window int, now time.Time) []Candle {
	step := timeframeDuration(tf)
	out := make([]Candle, 0, window)
	for i := window; i > 0; i-- {
		t := now.Add(-time.Duration(i) * step)
		wiggle := base * 0.002 * math.Sin(float64(i)/3)
		open := base + wiggle
		close := base + base*0.002*math.Sin(float64(i-1)/3)
		high := math.Max(open, close) * 1.001
		low := math.Min(open, close) * 0.999
		out = append(out, Candle{
			OpenTime: t,
			Open:     open,
			High:     high,
			Low:      low,
			Close:    close,
			Volume:   1000,
		})
	}
	return out
}

func timeframeDuration(tf Timeframe) time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	default:
		return time.Hour
	}
}
