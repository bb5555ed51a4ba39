package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"

	"github.com/marketmind/marketmind/internal/trade"
)

// BinanceProvider sources prices and klines from Binance spot.
type BinanceProvider struct {
	client *binance.Client
}

// NewBinanceProvider creates a Binance market data provider. API keys
// are optional for public market data.
func NewBinanceProvider(apiKey, secretKey string, testnet bool) *BinanceProvider {
	if testnet {
		binance.UseTestnet = true
	}
	log.Info().Bool("testnet", testnet).Msg("Binance market data provider initialized")
	return &BinanceProvider{client: binance.NewClient(apiKey, secretKey)}
}

// Name implements Provider.
func (b *BinanceProvider) Name() string { return "binance" }

// Price implements Provider.
func (b *BinanceProvider) Price(ctx context.Context, asset string) (float64, time.Time, error) {
	prices, err := b.client.NewListPricesService().Symbol(asset).Do(ctx)
	if err != nil {
		return 0, time.Time{}, classifyBinanceErr(err)
	}
	if len(prices) == 0 {
		return 0, time.Time{}, trade.Permanentf("unknown symbol %s", asset)
	}
	p, err := strconv.ParseFloat(prices[0].Price, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}
	return p, time.Now(), nil
}

// Candles implements Provider.
func (b *BinanceProvider) Candles(ctx context.Context, asset string, tf Timeframe, window int) ([]Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(asset).
		Interval(string(tf)).
		Limit(window).
		Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		c, err := convertKline(k)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func convertKline(k *binance.Kline) (Candle, error) {
	open, err1 := strconv.ParseFloat(k.Open, 64)
	high, err2 := strconv.ParseFloat(k.High, 64)
	low, err3 := strconv.ParseFloat(k.Low, 64)
	closePrice, err4 := strconv.ParseFloat(k.Close, 64)
	volume, err5 := strconv.ParseFloat(k.Volume, 64)
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return Candle{}, fmt.Errorf("parse kline: %w", err)
		}
	}
	return Candle{
		OpenTime: time.UnixMilli(k.OpenTime),
		Open:     open,
		High:     high,
		Low:      low,
		Close:    closePrice,
		Volume:   volume,
	}, nil
}

// classifyBinanceErr tags auth and bad-request responses as permanent so
// the breaker and retry paths skip them.
func classifyBinanceErr(err error) error {
	if trade.IsPermanent(err) {
		return trade.Permanent(err)
	}
	return err
}
