package market

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"
	"github.com/rs/zerolog/log"

	"github.com/marketmind/marketmind/internal/trade"
)

// Indicator periods.
const (
	rsiPeriod     = 14
	emaFastPeriod = 12
	emaSlowPeriod = 26
	macdFast      = 12
	macdSlow      = 26
	macdSignal    = 9
	bbPeriod      = 20
	atrPeriod     = 14

	// candleWindow must cover the slowest indicator warm-up.
	candleWindow = 100
)

// Builder assembles a Context per asset and decision cycle.
type Builder struct {
	provider   Provider
	timeframes []Timeframe
	now        func() time.Time
}

// NewBuilder creates a context builder over the given provider.
func NewBuilder(p Provider, timeframes []Timeframe) *Builder {
	if len(timeframes) == 0 {
		timeframes = DefaultTimeframes
	}
	return &Builder{provider: p, timeframes: timeframes, now: time.Now}
}

// Build fetches candles for every timeframe, computes the indicator
// bundle and classifies the volatility regime. The returned Context is
// immutable; callers discard it after the cycle.
func (b *Builder) Build(ctx context.Context, asset string, class trade.AssetClass) (*Context, error) {
	price, stamp, err := b.provider.Price(ctx, asset)
	if err != nil {
		return nil, fmt.Errorf("fetch price for %s: %w", asset, err)
	}

	mc := &Context{
		Asset:      asset,
		Class:      class,
		LastPrice:  price,
		Candles:    make(map[Timeframe][]Candle, len(b.timeframes)),
		Indicators: make(map[Timeframe]Indicators, len(b.timeframes)),
		FetchedAt:  stamp,
		Provider:   b.provider.Name(),
	}

	for _, tf := range b.timeframes {
		candles, err := b.provider.Candles(ctx, asset, tf, candleWindow)
		if err != nil {
			return nil, fmt.Errorf("fetch %s candles for %s: %w", tf, asset, err)
		}
		if len(candles) < emaSlowPeriod+macdSignal {
			return nil, fmt.Errorf("insufficient %s candles for %s: got %d", tf, asset, len(candles))
		}
		mc.Candles[tf] = candles

		ind, err := computeIndicators(candles)
		if err != nil {
			return nil, fmt.Errorf("compute %s indicators for %s: %w", tf, asset, err)
		}
		mc.Indicators[tf] = ind
	}

	mc.Regime, mc.Volatility = classifyRegime(mc, b.timeframes[0])

	log.Debug().
		Str("asset", asset).
		Float64("price", price).
		Str("regime", string(mc.Regime)).
		Float64("volatility", mc.Volatility).
		Msg("Market context built")

	return mc, nil
}

func computeIndicators(candles []Candle) (Indicators, error) {
	closings := make([]float64, len(candles))
	for i, c := range candles {
		closings[i] = c.Close
	}

	rsi := lastValue(momentum.NewRsiWithPeriod[float64](rsiPeriod).Compute(toChan(closings)))
	emaFast := lastValue(trend.NewEmaWithPeriod[float64](emaFastPeriod).Compute(toChan(closings)))
	emaSlow := lastValue(trend.NewEmaWithPeriod[float64](emaSlowPeriod).Compute(toChan(closings)))

	macdChan, signalChan := trend.NewMacdWithPeriod[float64](macdFast, macdSlow, macdSignal).Compute(toChan(closings))
	macd, macdSig := lastPair(macdChan, signalChan)

	lowerChan, middleChan, upperChan := volatility.NewBollingerBandsWithPeriod[float64](bbPeriod).Compute(toChan(closings))
	bbLower, bbMid, bbUpper := lastTriple(lowerChan, middleChan, upperChan)

	atr, err := averageTrueRange(candles, atrPeriod)
	if err != nil {
		return Indicators{}, err
	}

	return Indicators{
		RSI:            rsi,
		EMAFast:        emaFast,
		EMASlow:        emaSlow,
		MACD:           macd,
		MACDSignal:     macdSig,
		BollingerUpper: bbUpper,
		BollingerMid:   bbMid,
		BollingerLower: bbLower,
		ATR:            atr,
	}, nil
}

// classifyRegime buckets conditions by realized volatility and trend
// strength on the fastest assembled timeframe.
func classifyRegime(mc *Context, tf Timeframe) (Regime, float64) {
	ind := mc.Indicators[tf]
	vol := 0.0
	if mc.LastPrice > 0 {
		vol = ind.ATR / mc.LastPrice
	}

	const highVolFraction = 0.03
	if vol > highVolFraction {
		return RegimeHighVol, vol
	}

	emaSpread := 0.0
	if ind.EMASlow != 0 {
		emaSpread = math.Abs(ind.EMAFast-ind.EMASlow) / math.Abs(ind.EMASlow)
	}
	if emaSpread > 0.01 {
		return RegimeTrending, vol
	}
	return RegimeRanging, vol
}

// averageTrueRange is Wilder-smoothed ATR. cinar v2's channel pipeline
// covers the close-only indicators; true range needs high/low/close.
func averageTrueRange(candles []Candle, period int) (float64, error) {
	if len(candles) < period+1 {
		return 0, fmt.Errorf("insufficient candles for ATR: got %d, need %d", len(candles), period+1)
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, prev := candles[i], candles[i-1]
		tr := math.Max(c.High-c.Low,
			math.Max(math.Abs(c.High-prev.Close), math.Abs(c.Low-prev.Close)))
		trs = append(trs, tr)
	}

	atr := 0.0
	for _, tr := range trs[:period] {
		atr += tr
	}
	atr /= float64(period)
	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

func toChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func lastValue(ch <-chan float64) float64 {
	last := 0.0
	for v := range ch {
		last = v
	}
	return last
}

func lastPair(a, b <-chan float64) (float64, float64) {
	lastA, lastB := 0.0, 0.0
	for {
		va, okA := <-a
		vb, okB := <-b
		if !okA || !okB {
			return lastA, lastB
		}
		lastA, lastB = va, vb
	}
}

func lastTriple(a, b, c <-chan float64) (float64, float64, float64) {
	lastA, lastB, lastC := 0.0, 0.0, 0.0
	for {
		va, okA := <-a
		vb, okB := <-b
		vc, okC := <-c
		if !okA || !okB || !okC {
			return lastA, lastB, lastC
		}
		lastA, lastB, lastC = va, vb, vc
	}
}
